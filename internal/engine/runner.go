package engine

import (
	"time"

	"github.com/loykin/damper/internal/clock"
	"github.com/loykin/damper/internal/detector"
	"github.com/loykin/damper/internal/exitcode"
	"github.com/loykin/damper/internal/store"
)

func selfStamp() detector.Stamp { return detector.Self() }

// target returns the wall-clock ms this runner is scheduled to wake at.
func (s *session) target() (int64, bool) {
	st := s.e.Store
	if s.o.Mode == store.ModeDebounce {
		return st.ReadMS(st.DeadlinePath(s.o.ID))
	}
	return st.ReadMS(st.WindowPath(s.o.ID))
}

// runLoop is the runner role: wait out the timer, re-check, execute.
// Entered holding the state lock with the runner stamp written; returns with
// the state lock held (the caller's deferred unlock drops it).
//
// Each pass captures a commit timestamp before computing the wait. When the
// runner wakes and the target has not moved, a stored last-exec newer than
// that commit means the other mode already satisfied this request and the
// pending execution is skipped.
func (s *session) runLoop() (int, error) {
	e, o := s.e, s.o
	st := e.Store
	log := e.logger()

	for {
		commit := clock.NowMS()
		target, hasTarget := s.target()
		if !hasTarget {
			target = commit
		}
		if wait := clock.Until(target); wait > 0 {
			s.unlock()
			time.Sleep(wait)
			if err := s.relock(); err != nil {
				return 0, err
			}
		}
		// Another call may have pushed the target out while we slept.
		if t, ok := s.target(); ok && t > clock.NowMS() {
			continue
		}

		if last, ok := st.LastExec(o.ID); ok && last > commit {
			log.Debug("smart skip", "mode", o.Mode, "id", o.ID, "last_exec_ms", last, "commit_ms", commit)
			s.clearKey()
			return exitcode.OK, nil
		}

		if o.Mode == store.ModeThrottle && !st.Dirty(o.ID) {
			// Window closed with nothing owed.
			s.clearKey()
			return exitcode.OK, nil
		}

		if o.Mode == store.ModeThrottle {
			// The execution about to happen satisfies the current debt;
			// calls arriving while the child runs will set it again.
			st.ClearDirty(o.ID)
		}

		res, err := s.executeNow()
		if err != nil {
			if s.lk != nil {
				st.ClearRunner(o.Mode, o.ID)
			}
			return 0, err
		}

		if o.Mode == store.ModeDebounce {
			st.Remove(st.DeadlinePath(o.ID))
			st.ClearRunner(o.Mode, o.ID)
			return resultCode(res), nil
		}

		// Throttle: calls that arrived during the execution owe another
		// trailing edge; re-arm a fresh window from completion.
		if o.Trailing && st.Dirty(o.ID) {
			if err := st.WriteMS(st.WindowPath(o.ID), clock.NowMS()+o.Delay.Milliseconds()); err != nil {
				st.ClearRunner(o.Mode, o.ID)
				return 0, exitcode.Wrap(exitcode.IOError, err)
			}
			log.Debug("throttle re-armed", "id", o.ID)
			continue
		}
		st.Remove(st.WindowPath(o.ID))
		st.ClearRunner(o.Mode, o.ID)
		return resultCode(res), nil
	}
}

// clearKey releases the runner slot and timing state after a skipped
// execution. The command blob is emptied so a concurrently entering
// executor sees nothing to do.
func (s *session) clearKey() {
	st := s.e.Store
	o := s.o
	_ = st.ClearCmd(o.Mode, o.ID)
	st.ClearRunner(o.Mode, o.ID)
	if o.Mode == store.ModeDebounce {
		st.Remove(st.DeadlinePath(o.ID))
	} else {
		st.ClearDirty(o.ID)
		st.Remove(st.WindowPath(o.ID))
	}
}
