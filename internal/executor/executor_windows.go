//go:build windows

package executor

import (
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/damper/internal/store"
)

type Result struct {
	Executed  bool
	ExitCode  int
	TimedOut  bool
	PID       int
	StartedAt time.Time
	Duration  time.Duration
	Argv      []string
}

type Executor struct {
	Store *store.Store
	Env   []string
	Log   *slog.Logger
}

const KillGrace = 100 * time.Millisecond

func (x *Executor) Run(m store.Mode, id string, timeout time.Duration) (Result, error) {
	return Result{}, errors.New("executor is not supported on windows")
}
