// Package runlog records the outcome of every job task.
package runlog

import (
	"context"
	"errors"
	"time"
)

// ErrNoRun is returned when no run has been recorded for a job and object type.
var ErrNoRun = errors.New("no run recorded")

// Run is one finished job task.
type Run struct {
	ID            string
	Job           string // "extract" | "delete" | "verify"
	ObjectType    string
	CorrelationID string
	Records       int // ids extracted, submitted or checked
	Failed        int // records the bulk API failed to delete
	StillPresent  int
	Error         string // empty on success
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Succeeded reports whether the task finished without error.
func (r Run) Succeeded() bool {
	return r.Error == ""
}

// Recorder persists runs.
type Recorder interface {
	Record(ctx context.Context, run Run) error
	Last(ctx context.Context, job, objectType string) (*Run, error)
	Close()
}

// Config configures the run recorder.
type Config struct {
	DSN string // empty disables recording
}

// NewRecorder returns a Postgres recorder when a DSN is configured and a
// no-op recorder otherwise.
func NewRecorder(cfg Config) (Recorder, error) {
	if cfg.DSN == "" {
		return noopRecorder{}, nil
	}
	return NewPostgresRecorder(cfg)
}

type noopRecorder struct{}

func (noopRecorder) Record(_ context.Context, _ Run) error { return nil }

func (noopRecorder) Last(_ context.Context, _, _ string) (*Run, error) { return nil, ErrNoRun }

func (noopRecorder) Close() {}
