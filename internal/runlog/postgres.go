package runlog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRecorder implements Recorder using PostgreSQL.
type PostgresRecorder struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresRecorder connects, checks the connection and creates the
// purge_runs table if needed.
func NewPostgresRecorder(cfg Config) (*PostgresRecorder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	r := &PostgresRecorder{pool: pool, log: slog.With("component", "runlog")}
	r.log.Info("connected to PostgreSQL run log")
	return r, nil
}

// Record inserts one run. Runs without an ID get a fresh one.
func (r *PostgresRecorder) Record(ctx context.Context, run Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	query := `
		INSERT INTO purge_runs (
			id, job, object_type, correlation_id, records, failed,
			still_present, error, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Job,
		run.ObjectType,
		run.CorrelationID,
		run.Records,
		run.Failed,
		run.StillPresent,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Last returns the most recent run of job for objectType.
func (r *PostgresRecorder) Last(ctx context.Context, job, objectType string) (*Run, error) {
	query := `
		SELECT id::text, job, object_type, correlation_id, records, failed,
		       still_present, error, started_at, finished_at
		FROM purge_runs
		WHERE job = $1 AND object_type = $2
		ORDER BY finished_at DESC
		LIMIT 1
	`

	var run Run
	err := r.pool.QueryRow(ctx, query, job, objectType).Scan(
		&run.ID, &run.Job, &run.ObjectType, &run.CorrelationID, &run.Records,
		&run.Failed, &run.StillPresent, &run.Error, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRun
		}
		return nil, fmt.Errorf("last run: %w", err)
	}
	return &run, nil
}

// Close releases the pool.
func (r *PostgresRecorder) Close() {
	r.pool.Close()
}

// Verify PostgresRecorder implements Recorder.
var _ Recorder = (*PostgresRecorder)(nil)
