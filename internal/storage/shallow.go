package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"codeindex/internal/errors"
	"codeindex/internal/index"
	"codeindex/internal/slogutil"
)

// ShallowFileName is the compressed snapshot inside a project store directory.
const ShallowFileName = "shallow_index.json.zst"

// ShallowStore persists the Shallow Index as a zstd-compressed JSON
// snapshot and serves the latest one from memory.
type ShallowStore struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[index.ShallowIndex]
}

// OpenShallowStore opens the snapshot in dir. A missing or unreadable
// snapshot leaves the store empty; it is rebuilt on the next refresh.
func OpenShallowStore(dir, root string, logger *slog.Logger) (*ShallowStore, error) {
	logger = slogutil.OrDiscard(logger)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.New(errors.StoreFailure, "creating store directory", err)
	}
	s := &ShallowStore{path: filepath.Join(dir, ShallowFileName), logger: logger}

	snap, err := s.read()
	switch {
	case err == nil && snap.Root == root:
		s.current.Store(snap)
	case err == nil:
		logger.Warn("Shallow index belongs to another root, ignoring", "stored_root", snap.Root, "root", root)
	case !os.IsNotExist(err):
		logger.Warn("Discarding unreadable shallow index", "path", s.path, "error", err.Error())
	}
	return s, nil
}

// Current returns the latest snapshot, or nil if none has been built.
func (s *ShallowStore) Current() *index.ShallowIndex {
	return s.current.Load()
}

// Replace writes snap to disk and makes it current. The previous snapshot
// stays current if writing fails.
func (s *ShallowStore) Replace(snap *index.ShallowIndex) error {
	if err := s.write(snap); err != nil {
		return errors.New(errors.StoreFailure, "writing shallow index", err)
	}
	s.current.Store(snap)
	return nil
}

func (s *ShallowStore) read() (*index.ShallowIndex, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var snap index.ShallowIndex
	if err := json.NewDecoder(dec).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.path, err)
	}
	return &snap, nil
}

// write goes through a temporary file and a rename so readers of the file
// never see a partial snapshot.
func (s *ShallowStore) write(snap *index.ShallowIndex) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ShallowFileName+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		cleanup()
		return err
	}
	if err := json.NewEncoder(enc).Encode(snap); err != nil {
		enc.Close()
		cleanup()
		return err
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
