// Package report persists verification outcomes as JSON documents.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoReport is returned when no report exists for an object type.
	ErrNoReport = errors.New("no verification report found")
)

// Verification is the outcome of one verification task.
type Verification struct {
	ObjectType    string    `json:"object_type"`
	File          string    `json:"file"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Checked       int       `json:"checked"`
	StillPresent  []string  `json:"still_present"`
	Deleted       []string  `json:"deleted"`
	Skipped       bool      `json:"skipped,omitempty"` // empty identifier file, no query issued
	CheckedAt     time.Time `json:"checked_at"`
}

// Writer handles report persistence and retrieval.
type Writer interface {
	// Save persists the report, replacing any earlier one for the object type.
	Save(ctx context.Context, v *Verification) error

	// Load reads the latest report for the object type.
	Load(ctx context.Context, objectType string) (*Verification, error)
}

// Config configures the report writer.
type Config struct {
	Dir string // empty disables persistence
}

// NewWriter creates a report writer based on configuration.
func NewWriter(cfg Config) (Writer, error) {
	if cfg.Dir == "" {
		return &noopWriter{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create report directory %s: %w", cfg.Dir, err)
	}

	return &fileWriter{dir: cfg.Dir}, nil
}

// fileWriter persists reports to local files.
type fileWriter struct {
	dir string
}

func (w *fileWriter) reportPath(objectType string) string {
	return filepath.Join(w.dir, fmt.Sprintf("verify_%s.json", objectType))
}

// Load reads the report from file.
func (w *fileWriter) Load(ctx context.Context, objectType string) (*Verification, error) {
	data, err := os.ReadFile(w.reportPath(objectType))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoReport
		}
		return nil, fmt.Errorf("read report file: %w", err)
	}

	var v Verification
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse report file: %w", err)
	}
	return &v, nil
}

// Save writes the report atomically.
func (w *fileWriter) Save(ctx context.Context, v *Verification) error {
	path := w.reportPath(v.ObjectType)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tempPath := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write report temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename report file: %w", err)
	}

	return nil
}

// noopWriter is used when report persistence is disabled.
type noopWriter struct{}

func (w *noopWriter) Load(ctx context.Context, objectType string) (*Verification, error) {
	return nil, ErrNoReport
}

func (w *noopWriter) Save(ctx context.Context, v *Verification) error {
	return nil
}
