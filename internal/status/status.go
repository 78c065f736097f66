package status

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/damper/internal/clock"
	"github.com/loykin/damper/internal/flock"
	"github.com/loykin/damper/internal/store"
)

// Entry is one key's observable state. Collection is lock-free best-effort:
// readers see atomically renamed files, so a snapshot may be slightly
// behind a concurrent decision but never torn.
type Entry struct {
	ID          string
	Mode        store.Mode
	State       string // running, scheduled, armed, window-open, idle
	PID         int
	Alive       bool
	LastExecMS  int64
	ScheduledMS int64
	Dirty       bool
	AgeMS       int64
	Argv        []string
}

// Collect enumerates every key in the store. Liveness probes hit /proc per
// key, so they run concurrently with a small bound.
func Collect(s *store.Store) ([]Entry, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(keys))
	var g errgroup.Group
	g.SetLimit(8)
	for i, k := range keys {
		g.Go(func() error {
			entries[i] = collectKey(s, k)
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ID != entries[j].ID {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Mode < entries[j].Mode
	})
	return entries, nil
}

// CollectKey reads one key's state.
func CollectKey(s *store.Store, m store.Mode, id string) Entry {
	return collectKey(s, store.KeyRef{ID: id, Mode: m})
}

func collectKey(s *store.Store, k store.KeyRef) Entry {
	e := Entry{ID: k.ID, Mode: k.Mode}
	if stamp, ok := s.ReadRunner(k.Mode, k.ID); ok {
		e.PID = stamp.PID
		e.Alive = stamp.Alive()
	}
	if last, ok := s.LastExec(k.ID); ok {
		e.LastExecMS = last
	}
	if k.Mode == store.ModeDebounce {
		e.ScheduledMS, _ = s.ReadMS(s.DeadlinePath(k.ID))
	} else {
		e.ScheduledMS, _ = s.ReadMS(s.WindowPath(k.ID))
		e.Dirty = s.Dirty(k.ID)
	}
	e.Argv = s.ReadCmd(k.Mode, k.ID)
	e.AgeMS = keyAge(s, k)

	now := clock.NowMS()
	switch {
	case e.Alive && flock.Held(s.RunLockPath(k.ID)):
		e.State = "running"
	case e.Alive:
		e.State = "scheduled"
	case e.ScheduledMS > now && k.Mode == store.ModeDebounce:
		e.State = "armed"
	case e.ScheduledMS > now:
		e.State = "window-open"
	default:
		e.State = "idle"
	}
	return e
}

// keyAge returns ms since the key's newest file changed.
func keyAge(s *store.Store, k store.KeyRef) int64 {
	paths := []string{s.CmdPath(k.Mode, k.ID), s.RunnerPath(k.Mode, k.ID)}
	if k.Mode == store.ModeDebounce {
		paths = append(paths, s.DeadlinePath(k.ID))
	} else {
		paths = append(paths, s.WindowPath(k.ID), s.DirtyPath(k.ID))
	}
	var newest time.Time
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	if newest.IsZero() {
		return 0
	}
	return time.Since(newest).Milliseconds()
}

// Render writes an aligned table of entries.
func Render(w io.Writer, entries []Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tMODE\tSTATE\tPID\tALIVE\tLAST-EXEC\tSCHED-IN\tDIRTY\tAGE\tCMD")
	now := clock.NowMS()
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%t\t%s\t%s\n",
			e.ID, e.Mode, e.State, pidStr(e.PID), e.Alive,
			agoStr(now, e.LastExecMS), inStr(now, e.ScheduledMS), e.Dirty,
			durStr(e.AgeMS), cmdStr(e.Argv))
	}
	_ = tw.Flush()
}

func pidStr(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func agoStr(now, ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return durStr(now-ms) + " ago"
}

func inStr(now, ms int64) string {
	if ms <= 0 {
		return "-"
	}
	d := ms - now
	if d <= 0 {
		return "due"
	}
	return durStr(d)
}

func durStr(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * int64(time.Millisecond)).Round(time.Millisecond).String()
}

// cmdStr joins argv for display, quoting arguments that would be ambiguous.
func cmdStr(argv []string) string {
	if len(argv) == 0 {
		return "-"
	}
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n\"'") {
			parts[i] = strconv.Quote(a)
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}
