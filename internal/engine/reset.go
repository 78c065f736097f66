package engine

import (
	"time"

	"github.com/loykin/damper/internal/exitcode"
	"github.com/loykin/damper/internal/store"
)

// ResetGrace is how long a reset runner gets between SIGTERM and SIGKILL.
const ResetGrace = 500 * time.Millisecond

// Reset terminates the live runner for (mode, id), if its stamp verifies,
// and deletes all per-key state. The per-id last-exec record survives so
// smart skip keeps working across a reset.
func (e *Engine) Reset(m store.Mode, id string) error {
	if id == "" {
		return exitcode.Errorf(exitcode.Usage, "id must be a non-empty string")
	}
	lk, err := e.lockState(m, id)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	if stamp, ok := e.Store.ReadRunner(m, id); ok {
		if stamp.Terminate(ResetGrace) {
			e.logger().Debug("runner terminated", "mode", m, "id", id, "pid", stamp.PID)
		}
	}
	e.Store.RemoveKey(m, id)
	return nil
}

// ResetAll resets both modes of id and removes the shared per-id files.
// Idempotent: resetting an absent id is a no-op.
func (e *Engine) ResetAll(id string) error {
	for _, m := range store.Modes() {
		if err := e.Reset(m, id); err != nil {
			return err
		}
	}
	e.Store.RemoveID(id)
	return nil
}
