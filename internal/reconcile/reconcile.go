// Package reconcile turns bulk delete results into error log rows and
// merges them into the shared, deduplicated error log.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/withObsrvr/crm-purge/internal/crm"
	"github.com/withObsrvr/crm-purge/internal/metrics"
	"github.com/withObsrvr/crm-purge/internal/storage"
)

// Header is the column layout of the error log.
var Header = []string{"success", "created", "id", "statusCode", "message"}

// DefaultLogPath is used when Config.LogPath is empty.
const DefaultLogPath = "error.csv"

// Entry is one bulk result flattened to at most one error.
type Entry struct {
	Success    bool
	Created    bool
	ID         string
	StatusCode *string
	Message    *string
}

// Flatten projects results onto entries. Only the first nested error of
// each result is kept.
func Flatten(results []crm.BulkResult) []Entry {
	entries := make([]Entry, 0, len(results))
	for _, r := range results {
		e := Entry{Success: r.Success, Created: r.Created, ID: r.ID}
		if len(r.Errors) > 0 {
			code, msg := r.Errors[0].StatusCode, r.Errors[0].Message
			e.StatusCode = &code
			e.Message = &msg
		}
		entries = append(entries, e)
	}
	return entries
}

// Failed counts entries that did not succeed.
func Failed(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if !e.Success {
			n++
		}
	}
	return n
}

// Config holds reconciler settings.
type Config struct {
	LogPath string
}

// Reconciler merges entries into the error log held by a table store.
type Reconciler struct {
	cfg   Config
	store storage.TableStore
	log   *slog.Logger
}

// New creates a reconciler writing to cfg.LogPath in store.
func New(cfg Config, store storage.TableStore) *Reconciler {
	if cfg.LogPath == "" {
		cfg.LogPath = DefaultLogPath
	}
	return &Reconciler{
		cfg:   cfg,
		store: store,
		log:   slog.With("component", "reconcile", "log_path", cfg.LogPath),
	}
}

// LogPath returns the error log location.
func (r *Reconciler) LogPath() string {
	return r.cfg.LogPath
}

// Merge appends entries to the error log, collapsing exact duplicates.
// No entries is a no-op.
func (r *Reconciler) Merge(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	table := storage.NewTable(Header...)
	for _, e := range entries {
		table.Append(e.row()...)
	}
	if err := r.store.AppendDeduplicated(ctx, r.cfg.LogPath, table); err != nil {
		return fmt.Errorf("merge error log: %w", err)
	}
	r.log.Info("merged error log", "entries", len(entries), "failed", Failed(entries))

	if m := metrics.Get(); m != nil {
		if current, err := r.store.Read(ctx, r.cfg.LogPath); err == nil {
			m.SetErrorLogRows(current.Len())
		}
	}
	return nil
}

// Load reads the error log back. An absent or empty log has no entries.
func (r *Reconciler) Load(ctx context.Context) ([]Entry, error) {
	table, err := r.store.Read(ctx, r.cfg.LogPath)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrEmpty):
		return nil, nil
	default:
		return nil, err
	}
	return parseEntries(table)
}

func (e Entry) row() []string {
	return []string{
		formatBool(e.Success),
		formatBool(e.Created),
		e.ID,
		deref(e.StatusCode),
		deref(e.Message),
	}
}

func parseEntries(t *storage.Table) ([]Entry, error) {
	cols := make([][]string, len(Header))
	for i, name := range Header {
		values, err := t.Column(name)
		if err != nil {
			return nil, fmt.Errorf("error log: %w", err)
		}
		cols[i] = values
	}

	entries := make([]Entry, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		success, err := parseBool(cols[0][i])
		if err != nil {
			return nil, fmt.Errorf("error log row %d: %w", i+1, err)
		}
		created, err := parseBool(cols[1][i])
		if err != nil {
			return nil, fmt.Errorf("error log row %d: %w", i+1, err)
		}
		entries = append(entries, Entry{
			Success:    success,
			Created:    created,
			ID:         cols[2][i],
			StatusCode: optional(cols[3][i]),
			Message:    optional(cols[4][i]),
		})
	}
	return entries, nil
}

// Booleans are written capitalized to match existing error logs.
func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true, nil
	case "false", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
