package flock

import (
	"errors"
	"os"
	"time"
)

// ErrContended is returned when a bounded acquisition could not take the
// lock before its wait ran out.
var ErrContended = errors.New("lock contended")

// Lock is an acquired advisory file lock. The lock file itself is left on
// disk after Release; only the flock is dropped.
type Lock struct {
	f    *os.File
	path string
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and closes the file. Safe to call once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}

func open(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
}

// AcquireBlocking takes an exclusive lock on path, waiting as long as it
// takes. Used for the run lock: single-flight execution per id.
func AcquireBlocking(path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := lockBlocking(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{f: f, path: path}, nil
}

// AcquireBounded takes an exclusive lock on path without blocking, retrying
// until wait elapses. Returns ErrContended when the lock stays busy. Used
// for the state lock: decision making must never queue behind a sleeper.
func AcquireBounded(path string, wait time.Duration) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(wait)
	for {
		err := lockNB(f)
		if err == nil {
			return &Lock{f: f, path: path}, nil
		}
		if !isWouldBlock(err) {
			_ = f.Close()
			return nil, err
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, ErrContended
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TryAcquire takes the lock only if it is immediately free. Returns
// ErrContended otherwise. Used by the garbage collector guard.
func TryAcquire(path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := lockNB(f); err != nil {
		_ = f.Close()
		if isWouldBlock(err) {
			return nil, ErrContended
		}
		return nil, err
	}
	return &Lock{f: f, path: path}, nil
}

// Held reports whether some process currently holds an exclusive lock on
// path, without taking it. Best-effort: false on any open error.
func Held(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	if err := lockSharedNB(f); err != nil {
		return isWouldBlock(err)
	}
	_ = unlock(f)
	return false
}
