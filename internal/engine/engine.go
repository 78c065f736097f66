package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/damper/internal/clock"
	"github.com/loykin/damper/internal/executor"
	"github.com/loykin/damper/internal/exitcode"
	"github.com/loykin/damper/internal/flock"
	"github.com/loykin/damper/internal/history"
	"github.com/loykin/damper/internal/store"
)

// StateLockWait bounds how long a caller queues for a state lock. Decisions
// are short; anything longer means a stuck peer and the caller reports
// contention instead of piling up.
const StateLockWait = 50 * time.Millisecond

// Options is one invocation of the coordinator.
type Options struct {
	Mode     store.Mode
	ID       string
	Delay    time.Duration // debounce interval or throttle window
	Leading  bool
	Trailing bool
	NoWait   bool
	Timeout  time.Duration // child timeout; 0 disables
	Argv     []string
}

// Engine ties the state store, the executor and the optional history sink
// together. One Engine serves one invocation; all cross-process state lives
// in the store.
type Engine struct {
	Store   *store.Store
	Exec    *executor.Executor
	History history.Sink
	Log     *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// Validate applies the usage preconditions shared by every invocation.
func (o *Options) Validate() error {
	if o.ID == "" {
		return exitcode.Errorf(exitcode.Usage, "id must be a non-empty string")
	}
	if o.Delay <= 0 {
		return exitcode.Errorf(exitcode.Usage, "delay must be a positive number of milliseconds")
	}
	if !o.Leading && !o.Trailing {
		return exitcode.Errorf(exitcode.Usage, "at least one of leading and trailing must be enabled")
	}
	if len(o.Argv) == 0 {
		return exitcode.Errorf(exitcode.Usage, "no command given")
	}
	return nil
}

// lockState acquires the state lock for (mode, id), mapping contention to
// the wire code.
func (e *Engine) lockState(m store.Mode, id string) (*flock.Lock, error) {
	lk, err := flock.AcquireBounded(e.Store.StateLockPath(m, id), StateLockWait)
	if err == flock.ErrContended {
		return nil, exitcode.Errorf(exitcode.LockBusy, "state lock busy for %s/%s", m, id)
	}
	if err != nil {
		return nil, exitcode.Wrap(exitcode.IOError, err)
	}
	return lk, nil
}

// Invoke runs the full decision flow and returns the process exit code.
// A nil error means the code is final, including a child's own exit status.
func (e *Engine) Invoke(o Options) (int, error) {
	if err := o.Validate(); err != nil {
		return 0, err
	}
	lk, err := e.lockState(o.Mode, o.ID)
	if err != nil {
		return 0, err
	}
	s := &session{e: e, o: o, lk: lk}
	defer s.unlock()
	return s.decide()
}

// session is one invocation's walk through the state machine. It tracks the
// state lock across the release points (timer sleep, child execution).
type session struct {
	e  *Engine
	o  Options
	lk *flock.Lock
}

func (s *session) unlock() {
	if s.lk != nil {
		_ = s.lk.Release()
		s.lk = nil
	}
}

// relock reacquires the state lock after a sleep or an execution. A waking
// runner must get back in even if attaching callers are churning the lock,
// so it retries well past the caller-facing bound.
func (s *session) relock() error {
	lk, err := flock.AcquireBounded(s.e.Store.StateLockPath(s.o.Mode, s.o.ID), 5*time.Second)
	if err == flock.ErrContended {
		return exitcode.Errorf(exitcode.LockBusy, "state lock busy for %s/%s", s.o.Mode, s.o.ID)
	}
	if err != nil {
		return exitcode.Wrap(exitcode.IOError, err)
	}
	s.lk = lk
	return nil
}

func (s *session) decide() (int, error) {
	e, o := s.e, s.o
	st := e.Store
	log := e.logger()

	// A recorded runner that no longer verifies is debris from a crash;
	// any caller may clear it and proceed.
	stamp, hasRunner := st.ReadRunner(o.Mode, o.ID)
	alive := hasRunner && stamp.Alive()
	if hasRunner && !alive {
		log.Debug("clearing stale runner", "mode", o.Mode, "id", o.ID, "pid", stamp.PID)
		st.ClearRunner(o.Mode, o.ID)
	}

	if alive {
		if o.NoWait {
			// Pure skip-if-busy: nothing is touched.
			return exitcode.SkippedBusy, nil
		}
		return s.attach()
	}

	switch o.Mode {
	case store.ModeDebounce:
		return s.debounceIdle()
	default:
		return s.throttleIdle()
	}
}

// attach is the busy-caller path: a live runner owns the key, so this call
// only refreshes the pending command and timing. Last call wins.
func (s *session) attach() (int, error) {
	e, o := s.e, s.o
	st := e.Store
	if err := st.WriteCmd(o.Mode, o.ID, o.Argv); err != nil {
		return 0, exitcode.Wrap(exitcode.IOError, err)
	}
	switch o.Mode {
	case store.ModeDebounce:
		// While the child is executing the timer is spent; only a sleeping
		// runner gets its deadline pushed out.
		if !flock.Held(st.RunLockPath(o.ID)) {
			now := clock.NowMS()
			deadline := now + o.Delay.Milliseconds()
			if cur, ok := st.ReadMS(st.DeadlinePath(o.ID)); ok && cur > deadline {
				deadline = cur
			}
			if err := st.WriteMS(st.DeadlinePath(o.ID), deadline); err != nil {
				return 0, exitcode.Wrap(exitcode.IOError, err)
			}
		}
	case store.ModeThrottle:
		// Fixed window: the end never moves, the call only marks a trailing
		// execution owed.
		if err := st.SetDirty(o.ID); err != nil {
			return 0, exitcode.Wrap(exitcode.IOError, err)
		}
	}
	e.logger().Debug("attached to runner", "mode", o.Mode, "id", o.ID)
	return exitcode.Queued, nil
}

// debounceIdle handles a call with no live runner for the debounce key.
// The timer may still be armed: a leading-only call leaves its deadline
// behind so the calls that follow inside the interval are suppressed.
func (s *session) debounceIdle() (int, error) {
	e, o := s.e, s.o
	st := e.Store
	now := clock.NowMS()

	existing, hasDeadline := st.ReadMS(st.DeadlinePath(o.ID))
	armed := hasDeadline && existing > now

	if err := st.WriteCmd(o.Mode, o.ID, o.Argv); err != nil {
		return 0, exitcode.Wrap(exitcode.IOError, err)
	}
	// The deadline only ever moves forward.
	deadline := now + o.Delay.Milliseconds()
	if hasDeadline && existing > deadline {
		deadline = existing
	}
	if err := st.WriteMS(st.DeadlinePath(o.ID), deadline); err != nil {
		return 0, exitcode.Wrap(exitcode.IOError, err)
	}

	if armed {
		// Timer pending with nobody waiting on it. A trailing-capable
		// caller adopts the runner role; a leading-only caller already had
		// its burst's leading edge and is suppressed.
		if !o.Trailing {
			return exitcode.Queued, nil
		}
		if err := st.WriteRunner(o.Mode, o.ID, selfStamp()); err != nil {
			return 0, exitcode.Wrap(exitcode.IOError, err)
		}
		return s.runLoop()
	}

	if err := st.WriteRunner(o.Mode, o.ID, selfStamp()); err != nil {
		return 0, exitcode.Wrap(exitcode.IOError, err)
	}
	if o.Leading {
		res, err := s.executeNow()
		if err != nil {
			st.ClearRunner(o.Mode, o.ID)
			return 0, err
		}
		if !o.Trailing {
			// Leave the deadline armed: it suppresses further leading
			// edges until the interval passes.
			st.ClearRunner(o.Mode, o.ID)
			return resultCode(res), nil
		}
		// Leading fired; stay on as runner for the trailing edge.
	}
	return s.runLoop()
}

// throttleIdle handles a call with no live runner for the throttle key.
// The window may still be open from a previous leading execution.
func (s *session) throttleIdle() (int, error) {
	e, o := s.e, s.o
	st := e.Store
	now := clock.NowMS()

	windowEnd, hasWindow := st.ReadMS(st.WindowPath(o.ID))
	inWindow := hasWindow && windowEnd > now

	if err := st.WriteCmd(o.Mode, o.ID, o.Argv); err != nil {
		return 0, exitcode.Wrap(exitcode.IOError, err)
	}

	if inWindow {
		// Window already open with nobody to finish it (the opener ran
		// leading-only or crashed). A trailing-capable caller adopts the
		// runner role for the remainder; a leading-only caller is
		// rate-limited out.
		if err := st.SetDirty(o.ID); err != nil {
			return 0, exitcode.Wrap(exitcode.IOError, err)
		}
		if !o.Trailing {
			return exitcode.Queued, nil
		}
		if err := st.WriteRunner(o.Mode, o.ID, selfStamp()); err != nil {
			return 0, exitcode.Wrap(exitcode.IOError, err)
		}
		return s.runLoop()
	}

	if err := st.WriteMS(st.WindowPath(o.ID), now+o.Delay.Milliseconds()); err != nil {
		return 0, exitcode.Wrap(exitcode.IOError, err)
	}
	if o.Leading {
		st.ClearDirty(o.ID)
		if err := st.WriteRunner(o.Mode, o.ID, selfStamp()); err != nil {
			return 0, exitcode.Wrap(exitcode.IOError, err)
		}
		res, err := s.executeNow()
		if err != nil {
			st.ClearRunner(o.Mode, o.ID)
			return 0, err
		}
		if !o.Trailing {
			st.ClearRunner(o.Mode, o.ID)
			return resultCode(res), nil
		}
		return s.runLoop()
	}

	// Trailing only: the first call opens the window and owes an execution
	// at its end.
	if err := st.SetDirty(o.ID); err != nil {
		return 0, exitcode.Wrap(exitcode.IOError, err)
	}
	if err := st.WriteRunner(o.Mode, o.ID, selfStamp()); err != nil {
		return 0, exitcode.Wrap(exitcode.IOError, err)
	}
	return s.runLoop()
}

// executeNow drops the state lock, runs the pending command, reacquires the
// lock, and records the execution. Used for leading edges and by the runner
// loop.
func (s *session) executeNow() (executor.Result, error) {
	e, o := s.e, s.o
	s.unlock()
	res, err := e.Exec.Run(o.Mode, o.ID, o.Timeout)
	if rerr := s.relock(); rerr != nil {
		if err == nil {
			err = rerr
		}
		return res, err
	}
	if err != nil {
		return res, exitcode.Wrap(exitcode.IOError, err)
	}
	if res.Executed {
		if err := e.Store.BumpLastExec(o.ID, clock.NowMS()); err != nil {
			return res, exitcode.Wrap(exitcode.IOError, err)
		}
		e.record(o, res)
	}
	return res, nil
}

// record emits a history event when a sink is configured. Best-effort:
// history never changes the outcome.
func (e *Engine) record(o Options, res executor.Result) {
	if e.History == nil || !res.Executed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code := res.ExitCode
	if res.TimedOut {
		code = exitcode.Timeout
	}
	ev := history.Event{
		OccurredAt: res.StartedAt,
		ID:         o.ID,
		Mode:       string(o.Mode),
		PID:        res.PID,
		Argv:       res.Argv,
		ExitCode:   code,
		TimedOut:   res.TimedOut,
		Duration:   res.Duration,
	}
	if err := e.History.Send(ctx, ev); err != nil {
		e.logger().Debug("history sink error", "error", err)
	}
}

func resultCode(res executor.Result) int {
	if !res.Executed {
		return exitcode.OK
	}
	if res.TimedOut {
		return exitcode.Timeout
	}
	return res.ExitCode
}
