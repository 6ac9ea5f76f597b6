package jobs

import (
	"context"
	"fmt"

	"github.com/withObsrvr/crm-purge/internal/crm"
	"github.com/withObsrvr/crm-purge/internal/metrics"
	"github.com/withObsrvr/crm-purge/internal/storage"
)

// Extract fetches record ids and overwrites the target's identifier file.
type Extract struct {
	gateway crm.Gateway
	store   storage.TableStore
	limit   int
}

// NewExtract creates the extraction job. limit <= 0 uses crm.DefaultFetchLimit.
func NewExtract(gateway crm.Gateway, store storage.TableStore, limit int) *Extract {
	if limit <= 0 {
		limit = crm.DefaultFetchLimit
	}
	return &Extract{gateway: gateway, store: store, limit: limit}
}

func (e *Extract) Name() string { return "extract" }

// Run writes up to limit ids of target.ObjectType to target.File. The file
// is replaced, never merged.
func (e *Extract) Run(ctx context.Context, target Target) (Outcome, error) {
	ids, err := e.gateway.FetchIDs(ctx, target.ObjectType, e.limit)
	if err != nil {
		return Outcome{}, err
	}

	table := storage.NewTable(IDColumn)
	for _, id := range ids {
		table.Append(id)
	}
	if err := e.store.Write(ctx, target.File, table); err != nil {
		return Outcome{}, fmt.Errorf("write identifier file: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.AddRecordsExtracted(target.ObjectType, len(ids))
	}
	return Outcome{Records: len(ids)}, nil
}
