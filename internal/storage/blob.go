package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// blobBackend keeps table files as objects in a gocloud bucket.
type blobBackend struct {
	bucket  *blob.Bucket
	scheme  string // "gs" | "s3" | "mem"
	bucketN string
	prefix  string
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(bucket *blob.Bucket, scheme, bucketName, prefix string) *Store {
	return newStore(&blobBackend{
		bucket:  bucket,
		scheme:  scheme,
		bucketN: bucketName,
		prefix:  prefix,
	})
}

// NewMemStore creates an in-memory store, mostly useful in tests.
func NewMemStore() *Store {
	return NewBlobStore(memblob.OpenBucket(nil), "mem", "local", "")
}

func (b *blobBackend) key(path string) string {
	return b.prefix + path
}

func (b *blobBackend) get(ctx context.Context, path string) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, b.key(path))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", b.key(path), err)
	}
	return data, nil
}

func (b *blobBackend) put(ctx context.Context, path string, data []byte) error {
	key := b.key(path)

	w, err := b.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

func (b *blobBackend) exists(ctx context.Context, path string) (bool, error) {
	return b.bucket.Exists(ctx, b.key(path))
}

func (b *blobBackend) uri(path string) string {
	return fmt.Sprintf("%s://%s/%s", b.scheme, b.bucketN, b.key(path))
}

func (b *blobBackend) name() string { return b.scheme }

// close releases the bucket connection.
func (b *blobBackend) close() error {
	if b.bucket != nil {
		return b.bucket.Close()
	}
	return nil
}
