package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no table exists at the path.
	ErrNotFound = errors.New("table not found")

	// ErrEmpty is returned when the table file exists but has no content.
	ErrEmpty = errors.New("table file is empty")

	// ErrStoreRead matches any failure of a read operation.
	ErrStoreRead = errors.New("store read failed")

	// ErrStoreWrite matches any failure of a write operation.
	ErrStoreWrite = errors.New("store write failed")
)

// StoreError describes a failed store operation on one path.
type StoreError struct {
	Op   string // "read" | "write"
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is lets callers match the operation class with ErrStoreRead or ErrStoreWrite.
func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrStoreRead:
		return e.Op == "read"
	case ErrStoreWrite:
		return e.Op == "write"
	}
	return false
}
