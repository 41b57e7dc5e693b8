//go:build windows

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"codeindex/internal/errors"
)

const lockFile = "index.lock"

const lockPollInterval = 50 * time.Millisecond

// Lock is a PID-file lock on a store directory. Windows has no flock, so
// the lock is the exclusive creation of the file.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock creates the lock file exclusively. It fails with STORE_LOCKED
// if the file already exists.
func AcquireLock(storeDir string) (*Lock, error) {
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	path := filepath.Join(storeDir, lockFile)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.New(errors.StoreLocked, "index store is locked by another process", err)
		}
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if _, err := file.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing PID to lock file: %w", err)
	}

	return &Lock{path: path, file: file}, nil
}

// AcquireLockWait retries AcquireLock until it succeeds, the wait elapses
// or ctx is done.
func AcquireLockWait(ctx context.Context, storeDir string, wait time.Duration) (*Lock, error) {
	deadline := time.Now().Add(wait)
	for {
		lock, err := AcquireLock(storeDir)
		if err == nil || !errors.Is(err, errors.StoreLocked) || time.Now().After(deadline) {
			return lock, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release releases the lock and removes the lock file.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}

	l.file.Close()
	os.Remove(l.path)
	l.file = nil
}
