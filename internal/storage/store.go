package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/crm-purge/internal/metrics"
)

// Table is a header row plus ordered data rows. Every data row has the
// same number of cells as the header.
type Table struct {
	Header []string
	Rows   [][]string
}

// NewTable creates an empty table with the given header.
func NewTable(header ...string) *Table {
	return &Table{Header: header}
}

// Append adds a data row.
func (t *Table) Append(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Column returns every value of the named column, in row order.
func (t *Table) Column(name string) ([]string, error) {
	idx := -1
	for i, h := range t.Header {
		if h == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("column %q not in header %v", name, t.Header)
	}
	values := make([]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		values = append(values, row[idx])
	}
	return values, nil
}

// TableStore abstracts reading and writing row-oriented table files.
type TableStore interface {
	// Write overwrites path with the table.
	Write(ctx context.Context, path string, t *Table) error

	// Read returns the table stored at path.
	// A zero-length file fails with ErrEmpty.
	Read(ctx context.Context, path string) (*Table, error)

	// AppendDeduplicated merges rows into the table at path, collapsing
	// exact duplicate rows. Calls for the same path are serialised.
	AppendDeduplicated(ctx context.Context, path string, t *Table) error

	// Exists reports whether a table file exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// URI returns the canonical URI for the given path.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(path string) string

	// Close releases any resources.
	Close() error
}

// backend moves raw bytes in and out of the underlying medium.
type backend interface {
	get(ctx context.Context, key string) ([]byte, error)
	put(ctx context.Context, key string, data []byte) error
	exists(ctx context.Context, key string) (bool, error)
	uri(key string) string
	name() string
	close() error
}

// fileLocker is implemented by backends that can lock a key across
// processes, so separate Store values sharing a file serialise too.
type fileLocker interface {
	lockFile(ctx context.Context, key string) (func(), error)
}

// Store implements TableStore on top of a byte backend, picking the
// file codec from the path extension.
type Store struct {
	backend backend
	locks   *KeyedMutex
	log     *slog.Logger
}

func newStore(b backend) *Store {
	return &Store{
		backend: b,
		locks:   NewKeyedMutex(),
		log:     slog.With("component", "storage", "backend", b.name()),
	}
}

// Write encodes the table with the codec for path and overwrites path.
func (s *Store) Write(ctx context.Context, path string, t *Table) error {
	if t == nil {
		return s.fail("write", path, errors.New("nil table"))
	}
	data, err := codecFor(path).Encode(t)
	if err != nil {
		return s.fail("write", path, fmt.Errorf("encode: %w", err))
	}
	if err := s.backend.put(ctx, path, data); err != nil {
		return s.fail("write", path, err)
	}
	s.log.Debug("wrote table", "path", path, "rows", t.Len(), "bytes", len(data))
	return nil
}

// Read loads and decodes the table at path.
func (s *Store) Read(ctx context.Context, path string) (*Table, error) {
	data, err := s.backend.get(ctx, path)
	if err != nil {
		return nil, s.fail("read", path, err)
	}
	if len(data) == 0 {
		return nil, &StoreError{Op: "read", Path: path, Err: ErrEmpty}
	}
	t, err := codecFor(path).Decode(data)
	if err != nil {
		if errors.Is(err, ErrEmpty) {
			return nil, &StoreError{Op: "read", Path: path, Err: ErrEmpty}
		}
		return nil, s.fail("read", path, fmt.Errorf("decode: %w", err))
	}
	return t, nil
}

// AppendDeduplicated reads the existing table (absent or empty counts as
// no rows), appends t's rows, drops exact duplicates keeping the first
// occurrence and overwrites path. Holds the path lock for the whole
// read-modify-write; on the local backend that includes an OS file lock.
func (s *Store) AppendDeduplicated(ctx context.Context, path string, t *Table) error {
	unlock := s.locks.Lock(path)
	defer unlock()

	if fl, ok := s.backend.(fileLocker); ok {
		release, err := fl.lockFile(ctx, path)
		if err != nil {
			return s.fail("lock", path, err)
		}
		defer release()
	}

	existing, err := s.Read(ctx, path)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrEmpty):
		existing = nil
	default:
		return err
	}

	merged := MergeDistinct(existing, t)
	if err := s.Write(ctx, path, merged); err != nil {
		return err
	}
	s.log.Debug("appended rows", "path", path, "incoming", t.Len(), "total", merged.Len())
	return nil
}

// Exists checks whether path holds a table file.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	return s.backend.exists(ctx, path)
}

// URI returns the canonical URI for path.
func (s *Store) URI(path string) string {
	return s.backend.uri(path)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.close()
}

func (s *Store) fail(op, path string, err error) error {
	if !errors.Is(err, ErrNotFound) {
		if m := metrics.Get(); m != nil {
			m.IncStoreErrors(op, s.backend.name())
		}
	}
	return &StoreError{Op: op, Path: path, Err: err}
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string

	// GCS / S3 bucket name
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string
	S3Region   string

	// Common
	Prefix string // key prefix within the bucket
}

// NewTableStore creates a storage backend based on configuration.
func NewTableStore(cfg StorageConfig) (*Store, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		return NewGCSStore(cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		return NewS3Store(cfg.Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "mem":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// Verify Store implements TableStore.
var _ TableStore = (*Store)(nil)
