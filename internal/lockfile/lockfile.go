// Package lockfile provides advisory file locks for the JSON documents the
// runtime keeps on disk (conversations, jobs, user memory). A lock is a
// sibling .lock file created with O_EXCL; stale locks are taken over after
// a TTL so a crashed writer cannot wedge a document forever.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrTimeout is returned when a lock cannot be acquired in time.
	ErrTimeout = errors.New("lockfile: acquisition timeout")
)

const (
	pollInterval = 25 * time.Millisecond
	staleAfter   = 30 * time.Second
)

// Lock is a held advisory lock. Release it with Unlock.
type Lock struct {
	path string
}

// Acquire takes the lock file at path, waiting up to timeout. A lock file
// older than the stale TTL is removed and retried.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		if info, statErr := os.Stat(path); statErr == nil {
			if time.Since(info.ModTime()) > staleAfter {
				os.Remove(path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}

// Unlock releases the lock. Safe to call once.
func (l *Lock) Unlock() error {
	err := os.Remove(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WithLock runs fn while holding the lock at path.
func WithLock(path string, timeout time.Duration, fn func() error) error {
	lock, err := Acquire(path, timeout)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}
