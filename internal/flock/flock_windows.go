//go:build windows

package flock

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("file locks are not supported on windows")

func lockBlocking(f *os.File) error { return errUnsupported }
func lockNB(f *os.File) error       { return errUnsupported }
func lockSharedNB(f *os.File) error { return errUnsupported }
func unlock(f *os.File) error       { return errUnsupported }
func isWouldBlock(err error) bool   { return false }
