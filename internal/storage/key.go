package storage

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"codeindex/internal/errors"
)

// CursorKeyFile holds the secret that signs search cursors for a store.
const CursorKeyFile = "cursor.key"

const cursorKeySize = 32

// CursorKey returns the store's cursor signing key, creating it on first
// use. Creation happens under the store lock so concurrent processes agree
// on one key.
func CursorKey(ctx context.Context, dir string) ([]byte, error) {
	path := filepath.Join(dir, CursorKeyFile)
	if key, err := readKey(path); err == nil {
		return key, nil
	}

	lock, err := AcquireLockWait(ctx, dir, DefaultLockWait)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if key, err := readKey(path); err == nil {
		return key, nil
	}

	key := make([]byte, cursorKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.New(errors.InternalError, "generating cursor key", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, errors.New(errors.StoreFailure, "writing cursor key", err)
	}
	return key, nil
}

func readKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(key) != cursorKeySize {
		return nil, fmt.Errorf("%s: unexpected key length %d", path, len(key))
	}
	return key, nil
}
