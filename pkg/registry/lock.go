// Package registry maintains the legacy JSON registry files kept beside the
// state store for audit and human inspection. Every access goes through an
// advisory file lock; the database remains the authoritative store and can
// be rebuilt from these files plus the JSONL tails.
package registry

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when the advisory lock was not acquired within
// the deadline. Callers may retry.
var ErrLockTimeout = errors.New("file lock timeout")

// DefaultLockTimeout bounds lock acquisition.
const DefaultLockTimeout = 10 * time.Second

const lockRetryInterval = 50 * time.Millisecond

// fileLock is an advisory flock over a sidecar .lock file. Readers take the
// shared variant; writers take exclusive.
type fileLock struct {
	f *os.File
}

// acquireLock takes an advisory lock on path+".lock" within the deadline.
// The lock is released by release on all exit paths.
func acquireLock(path string, exclusive bool, timeout time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			_ = f.Close()
			return nil, fmt.Errorf("flock failed: %w", err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, ErrLockTimeout
		}
		time.Sleep(lockRetryInterval)
	}
}

func (l *fileLock) release() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
}
