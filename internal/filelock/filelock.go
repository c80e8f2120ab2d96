// Package filelock provides file locking for coordinating workspace
// allocation and merge integration across goroutines and processes.
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FileLock wraps a flock file lock.
type FileLock struct {
	flock *flock.Flock
	path  string
}

// New creates a file lock at the given path, creating parent directories so
// the lock file can always be opened.
func New(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory for %s: %w", path, err)
	}
	return &FileLock{flock: flock.New(path), path: path}, nil
}

// Path returns the lock file path.
func (fl *FileLock) Path() string { return fl.path }

// Lock acquires an exclusive lock, blocking until it is available or ctx is
// done. The lock is polled rather than interrupted; the retry interval keeps
// cancellation latency low without spinning.
func (fl *FileLock) Lock(ctx context.Context) error {
	ok, err := fl.flock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire lock on %s: %w", fl.path, err)
	}
	if !ok {
		return fmt.Errorf("acquire lock on %s: not acquired", fl.path)
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking. Returns true if the
// lock was acquired.
func (fl *FileLock) TryLock() (bool, error) {
	ok, err := fl.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("try lock on %s: %w", fl.path, err)
	}
	return ok, nil
}

// Unlock releases the lock.
func (fl *FileLock) Unlock() error {
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock on %s: %w", fl.path, err)
	}
	return nil
}
