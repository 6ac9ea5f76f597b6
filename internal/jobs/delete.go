package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/crm-purge/internal/crm"
	"github.com/withObsrvr/crm-purge/internal/metrics"
	"github.com/withObsrvr/crm-purge/internal/reconcile"
	"github.com/withObsrvr/crm-purge/internal/storage"
)

// Delete bulk-deletes the ids in the target's identifier file and merges
// the per-record results into the shared error log.
type Delete struct {
	gateway    crm.Gateway
	store      storage.TableStore
	reconciler *reconcile.Reconciler
	opts       crm.BulkOptions
}

// NewDelete creates the deletion job.
func NewDelete(gateway crm.Gateway, store storage.TableStore, reconciler *reconcile.Reconciler, opts crm.BulkOptions) *Delete {
	if opts.BatchSize <= 0 {
		opts.BatchSize = crm.DefaultBatchSize
	}
	return &Delete{gateway: gateway, store: store, reconciler: reconciler, opts: opts}
}

func (d *Delete) Name() string { return "delete" }

// Run submits every id of target.File as one bulk delete. An empty file is
// submitted as an empty delete, which the gateway treats as a no-op.
func (d *Delete) Run(ctx context.Context, target Target) (Outcome, error) {
	ids, err := readIDs(ctx, d.store, target.File)
	if err != nil {
		return Outcome{}, err
	}

	// Partial results of a committed job are still reconciled before the
	// gateway error is reported.
	results, gwErr := d.gateway.BulkDelete(ctx, target.ObjectType, ids, d.opts)
	if gwErr != nil && len(results) == 0 {
		return Outcome{Records: len(ids)}, gwErr
	}

	entries := reconcile.Flatten(results)
	out := Outcome{Records: len(ids), Failed: reconcile.Failed(entries)}

	if m := metrics.Get(); m != nil {
		m.AddDeleteOutcome(target.ObjectType, len(entries)-out.Failed, out.Failed)
	}

	if err := d.reconciler.Merge(ctx, entries); err != nil {
		if gwErr != nil {
			return out, errors.Join(gwErr, fmt.Errorf("reconcile %d results: %w", len(entries), err))
		}
		return out, fmt.Errorf("reconcile %d results: %w", len(entries), err)
	}
	return out, gwErr
}
