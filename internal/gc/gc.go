package gc

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/damper/internal/clock"
	"github.com/loykin/damper/internal/flock"
	"github.com/loykin/damper/internal/store"
)

const (
	// DefaultInterval is the minimum spacing between sweeps.
	DefaultInterval = 10 * time.Minute
	// DefaultStale is how old a state file must be before it is collectable.
	DefaultStale = time.Hour
)

// Sweeper removes abandoned state files. It runs opportunistically at the
// end of an invocation: a non-blocking lock plus a timestamp marker keep the
// whole fleet down to one sweep per interval.
type Sweeper struct {
	Store    *store.Store
	Interval time.Duration
	Stale    time.Duration
	Log      *slog.Logger
}

func (g *Sweeper) interval() time.Duration {
	if g.Interval > 0 {
		return g.Interval
	}
	return DefaultInterval
}

func (g *Sweeper) stale() time.Duration {
	if g.Stale > 0 {
		return g.Stale
	}
	return DefaultStale
}

func (g *Sweeper) logger() *slog.Logger {
	if g.Log != nil {
		return g.Log
	}
	return slog.Default()
}

// MaybeSweep sweeps if nobody else is sweeping and the last sweep is older
// than the interval. Best-effort: all failures are swallowed.
func (g *Sweeper) MaybeSweep() {
	st := g.Store
	lk, err := flock.TryAcquire(st.GCLockPath())
	if err != nil {
		return
	}
	defer func() { _ = lk.Release() }()

	now := clock.NowMS()
	if last, ok := st.ReadMS(st.GCStampPath()); ok && now-last < g.interval().Milliseconds() {
		return
	}
	_ = st.WriteMS(st.GCStampPath(), now)
	g.Sweep()
}

// Sweep scans the store and removes files older than the stale threshold
// whose runner is not alive. Files belonging to a live runner are never
// touched, regardless of age.
func (g *Sweeper) Sweep() {
	st := g.Store
	log := g.logger()
	ents, err := os.ReadDir(st.Dir())
	if err != nil {
		log.Debug("gc scan failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-g.stale())
	removed := 0
	for _, e := range ents {
		name := e.Name()
		if name == "gc.lock" || name == "gc.stamp" || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		key, id, isKey := st.KeyForFile(name)
		if id == "" {
			// Not ours; leave it alone.
			continue
		}
		if isKey {
			if stamp, ok := st.ReadRunner(key.Mode, key.ID); ok && stamp.Alive() {
				continue
			}
			if strings.HasSuffix(name, ".lock") && flock.Held(filepath.Join(st.Dir(), name)) {
				continue
			}
		} else {
			if g.idLive(id) {
				continue
			}
			if strings.HasSuffix(name, ".run.lock") && flock.Held(filepath.Join(st.Dir(), name)) {
				continue
			}
		}
		st.Remove(filepath.Join(st.Dir(), name))
		removed++
	}
	if removed > 0 {
		log.Debug("gc sweep", "removed", removed)
	}
}

// idLive reports whether either mode of id has a live runner.
func (g *Sweeper) idLive(id string) bool {
	for _, m := range store.Modes() {
		if stamp, ok := g.Store.ReadRunner(m, id); ok && stamp.Alive() {
			return true
		}
	}
	return false
}
