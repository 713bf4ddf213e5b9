// Table-scoped exclusive advisory lock with bounded wait.

package jsonldb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// lockPollInterval is how often a contended lock is retried.
const lockPollInterval = 5 * time.Millisecond

var errLockTimeout = errors.New("timed out waiting for exclusive lock")

// fileLock is an exclusive lock held on an open lock file.
type fileLock struct {
	f *os.File
}

// acquireLock opens (creating if needed) the lock file at path and takes an
// exclusive lock on it, retrying until timeout elapses or ctx is done.
//
// The lock is held on the open file description, so two goroutines of the
// same process contend like two processes do.
func acquireLock(ctx context.Context, path string, timeout time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // G302: lock files are shared with other processes
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, err := tryLock(f)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to lock %s: %w", path, err), f.Close())
		}
		if ok {
			return &fileLock{f: f}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, errors.Join(errLockTimeout, f.Close())
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), f.Close())
		case <-time.After(lockPollInterval):
		}
	}
}

// release unlocks and closes the lock file.
func (l *fileLock) release() error {
	err := unlockFile(l.f)
	return errors.Join(err, l.f.Close())
}
