//go:build !windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// FileLock is a non-blocking, cross-process lock backed by flock(2). The
// holder's pid is written into the file for operators.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock returns a lock on path. Nothing is opened until TryLock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// TryLock acquires the lock without blocking. It returns false, nil when
// another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if l.file != nil {
		return false, fmt.Errorf("lock %s: already held by this process", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, err
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	l.file = f
	return true, nil
}

// Unlock releases the lock and removes the file.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	_ = os.Remove(f.Name())
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
