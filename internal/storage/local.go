package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// lockRetryDelay is how often a blocked file lock is retried.
const lockRetryDelay = 50 * time.Millisecond

// localBackend keeps table files on the local filesystem. Relative
// paths resolve against baseDir.
type localBackend struct {
	baseDir string
}

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir string) (*Store, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return newStore(&localBackend{baseDir: baseDir}), nil
}

func (b *localBackend) resolve(key string) string {
	if filepath.IsAbs(key) {
		return key
	}
	return filepath.Join(b.baseDir, key)
}

func (b *localBackend) get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.resolve(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *localBackend) put(ctx context.Context, key string, data []byte) error {
	path := b.resolve(key)

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	// Write atomically using temp file + rename. Temp names are unique so
	// concurrent writers never share one.
	tempPath := path + ".tmp." + uuid.New().String()

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		// Clean up temp file on rename failure
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}

	return nil
}

func (b *localBackend) exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.resolve(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *localBackend) uri(key string) string {
	absPath, err := filepath.Abs(b.resolve(key))
	if err != nil {
		absPath = b.resolve(key)
	}
	return "file://" + absPath
}

// lockFile takes an exclusive OS lock on <path>.lock, blocking until it is
// free or ctx ends.
func (b *localBackend) lockFile(ctx context.Context, key string) (func(), error) {
	path := b.resolve(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory for lock: %w", err)
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: not acquired", fl.Path())
	}
	return func() { fl.Unlock() }, nil
}

func (b *localBackend) name() string { return "local" }

// close is a no-op for local storage.
func (b *localBackend) close() error { return nil }
