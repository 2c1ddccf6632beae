//go:build windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// FileLock is a non-blocking, cross-process lock implemented by exclusive
// creation of the lock file.
type FileLock struct {
	path   string
	locked bool
}

// NewFileLock returns a lock on path. Nothing is created until TryLock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// TryLock acquires the lock without blocking. It returns false, nil when
// another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if l.locked {
		return false, fmt.Errorf("lock %s: already held by this process", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, err
	}
	l.locked = true
	return true, nil
}

// Unlock releases the lock and removes the file.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
