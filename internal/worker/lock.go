package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another worker holds the port lock.
var ErrLocked = errors.New("worker lock held by another process")

// Lock is the single-instance lock for one port. The OS drops it when the
// process dies, even on SIGKILL.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the lock at path without blocking.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks. It is safe to call more than once and on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil || !l.fl.Locked() {
		return nil
	}
	return l.fl.Unlock()
}

// IsLocked reports whether some process holds the lock at path.
func IsLocked(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	probe := flock.New(path)
	ok, err := probe.TryLock()
	if err != nil {
		return false
	}
	if ok {
		_ = probe.Unlock()
		return false
	}
	return true
}
