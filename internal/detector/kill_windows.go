//go:build windows

package detector

import "time"

func (s Stamp) Terminate(grace time.Duration) bool { return false }
