// Package lock guards resources that are shared between processes. The
// image builder's mount dir is one mount point for the whole host, so two
// fc-man processes must not build at the same time even though each one
// already serializes its own builds.
package lock

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Locker acquires an exclusive lock, blocking until the lock is available
// or the context is cancelled.
type Locker interface {
	Acquire(ctx context.Context) (Lock, error)
}

// Lock is an acquired lock that must be released.
type Lock interface {
	Release() error
}

// FileLocker locks via flock on a lock file. The lock is released when
// Release is called or the holding process dies.
type FileLocker struct {
	path string
}

func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

func (l *FileLocker) Acquire(ctx context.Context) (Lock, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- unix.Flock(int(f.Fd()), unix.LOCK_EX)
	}()

	select {
	case err := <-acquired:
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", l.path, err)
		}
		return &fileLock{file: f}, nil

	case <-ctx.Done():
		// the flock call keeps blocking in its goroutine until the lock
		// becomes available; the drain goroutine then closes the fd, which
		// drops the never-observed lock
		go func() {
			<-acquired
			f.Close()
		}()
		return nil, ctx.Err()
	}
}

type fileLock struct {
	file *os.File
}

func (l *fileLock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	return l.file.Close()
}
