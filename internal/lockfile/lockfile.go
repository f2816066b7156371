// Package lockfile provides an exclusive advisory lock on a file, shared by
// cooperating processes (for example two CLI invocations editing secrets).
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrAlreadyLocked indicates the lock is held by another holder.
var ErrAlreadyLocked = errors.New("lock already held")

const defaultPoll = 25 * time.Millisecond

type Lock struct {
	path string
	f    *os.File
}

// TryAcquire takes the lock without waiting.
func TryAcquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// The holder's pid helps when a lock looks stuck.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Lock{path: path, f: f}, nil
}

// Acquire polls TryAcquire until it succeeds, fails for another reason, or
// ctx ends.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	t := time.NewTicker(defaultPoll)
	defer t.Stop()
	for {
		l, err := TryAcquire(path)
		if !errors.Is(err, ErrAlreadyLocked) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", path, ctx.Err())
		case <-t.C:
		}
	}
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
