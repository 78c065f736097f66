// Package damper coordinates debounce and throttle execution of child
// commands across unrelated OS processes that share only a filesystem.
// This root package is a thin embedding facade over the internal engine.
package damper

import (
	"io"
	"log/slog"

	"github.com/loykin/damper/internal/config"
	"github.com/loykin/damper/internal/engine"
	"github.com/loykin/damper/internal/env"
	"github.com/loykin/damper/internal/executor"
	"github.com/loykin/damper/internal/exitcode"
	"github.com/loykin/damper/internal/gc"
	"github.com/loykin/damper/internal/history"
	"github.com/loykin/damper/internal/logger"
	"github.com/loykin/damper/internal/status"
	"github.com/loykin/damper/internal/store"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Mode = store.Mode

const (
	ModeDebounce = store.ModeDebounce
	ModeThrottle = store.ModeThrottle
)

type Options = engine.Options

type StatusEntry = status.Entry

type Config = config.Config

// Wire exit codes.
const (
	ExitOK          = exitcode.OK
	ExitIOError     = exitcode.IOError
	ExitLockBusy    = exitcode.LockBusy
	ExitSkippedBusy = exitcode.SkippedBusy
	ExitQueued      = exitcode.Queued
	ExitUsage       = exitcode.Usage
	ExitTimeout     = exitcode.Timeout
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	m, err := store.ParseMode(s)
	if err != nil {
		return "", exitcode.Wrap(exitcode.Usage, err)
	}
	return m, nil
}

// LoadConfig reads the optional TOML config plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, exitcode.Wrap(exitcode.Usage, err)
	}
	return c, nil
}

// RenderStatus writes entries as an aligned table.
func RenderStatus(w io.Writer, entries []StatusEntry) { status.Render(w, entries) }

// Coordinator is one configured instance of the tool: a state store, an
// executor and the optional history sink.
type Coordinator struct {
	store *store.Store
	eng   *engine.Engine
	sink  history.Sink
	log   *slog.Logger
}

// New builds a Coordinator from config. The state directory is created and
// validated here; a broken history sink is logged and dropped rather than
// failing the invocation.
func New(cfg *Config) (*Coordinator, error) {
	log := logger.Setup(cfg.LoggerConfig())

	st, err := store.Open(cfg.Store.Dir)
	if err != nil {
		return nil, exitcode.Wrap(exitcode.IOError, err)
	}

	sink, err := history.Open(cfg.History.DSN, cfg.History.ClickHouseURL, cfg.History.ClickHouseTable)
	if err != nil {
		log.Warn("history sink unavailable", "error", err)
		sink = nil
	}

	var childEnv []string
	if len(cfg.Env) > 0 || len(cfg.EnvFiles) > 0 {
		fileVars, err := env.LoadFiles(cfg.EnvFiles)
		if err != nil {
			return nil, exitcode.Wrap(exitcode.IOError, err)
		}
		childEnv = env.Merge(append(fileVars, cfg.Env...))
	}

	exec := &executor.Executor{Store: st, Env: childEnv, Log: log}
	eng := &engine.Engine{Store: st, Exec: exec, History: sink, Log: log}
	return &Coordinator{store: st, eng: eng, sink: sink, log: log}, nil
}

// Invoke runs one debounce/throttle invocation and returns the wire exit
// code. The opportunistic GC runs after the decision completes.
func (c *Coordinator) Invoke(o Options) (int, error) {
	code, err := c.eng.Invoke(o)
	c.sweep()
	return code, err
}

// Status lists every key in the store.
func (c *Coordinator) Status() ([]StatusEntry, error) {
	entries, err := status.Collect(c.store)
	if err != nil {
		return nil, exitcode.Wrap(exitcode.IOError, err)
	}
	return entries, nil
}

// StatusKey reads a single key.
func (c *Coordinator) StatusKey(m Mode, id string) StatusEntry {
	return status.CollectKey(c.store, m, id)
}

// Reset terminates the runner for (mode, id) and deletes its state.
func (c *Coordinator) Reset(m Mode, id string) error {
	err := c.eng.Reset(m, id)
	c.sweep()
	return err
}

// ResetAll resets both modes of id and the shared per-id state.
func (c *Coordinator) ResetAll(id string) error {
	err := c.eng.ResetAll(id)
	c.sweep()
	return err
}

// Close releases the history sink.
func (c *Coordinator) Close() error {
	if c.sink != nil {
		return c.sink.Close()
	}
	return nil
}

func (c *Coordinator) sweep() {
	(&gc.Sweeper{Store: c.store, Log: c.log}).MaybeSweep()
}
