//go:build !windows

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"codeindex/internal/errors"
)

const lockFile = "index.lock"

// lockPollInterval is how often AcquireLockWait retries a held lock.
const lockPollInterval = 50 * time.Millisecond

// Lock is an exclusive advisory lock on a store directory. It serialises
// writers from separate processes; writers inside one process are already
// serialised by the store's mutex.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the store lock without blocking. It fails with
// STORE_LOCKED if another process holds it.
func AcquireLock(storeDir string) (*Lock, error) {
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	path := filepath.Join(storeDir, lockFile)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()

		if content, readErr := os.ReadFile(path); readErr == nil && len(content) > 0 {
			pid := strings.TrimSpace(string(content))
			return nil, errors.New(errors.StoreLocked,
				fmt.Sprintf("index store is locked by another process (PID %s)", pid), err)
		}
		return nil, errors.New(errors.StoreLocked, "index store is locked by another process", err)
	}

	if err := writePID(file); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		_ = file.Close()
		return nil, err
	}

	return &Lock{path: path, file: file}, nil
}

// AcquireLockWait retries AcquireLock until it succeeds, the wait elapses
// or ctx is done. The last STORE_LOCKED error is returned on timeout.
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

func writePID(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("seeking lock file: %w", err)
	}
	if _, err := file.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return fmt.Errorf("writing PID to lock file: %w", err)
	}
	return nil
}

// Release releases the lock and removes the lock file.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}

	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = l.file.Close()

	// Best effort; a concurrent acquirer may already hold a fresh file.
	_ = os.Remove(l.path)
	l.file = nil
}
