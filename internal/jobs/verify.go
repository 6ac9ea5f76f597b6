package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/withObsrvr/crm-purge/internal/crm"
	"github.com/withObsrvr/crm-purge/internal/logging"
	"github.com/withObsrvr/crm-purge/internal/metrics"
	"github.com/withObsrvr/crm-purge/internal/report"
	"github.com/withObsrvr/crm-purge/internal/storage"
)

// Verify checks which ids of the target's identifier file still exist.
type Verify struct {
	gateway crm.Gateway
	store   storage.TableStore
	reports report.Writer
}

// NewVerify creates the verification job. A nil writer disables reports.
func NewVerify(gateway crm.Gateway, store storage.TableStore, reports report.Writer) *Verify {
	if reports == nil {
		reports, _ = report.NewWriter(report.Config{})
	}
	return &Verify{gateway: gateway, store: store, reports: reports}
}

func (v *Verify) Name() string { return "verify" }

// Run reports still-present and deleted ids. An empty file issues no query.
func (v *Verify) Run(ctx context.Context, target Target) (Outcome, error) {
	log := logging.JobLogger(ctx, v.Name(), target.ObjectType)

	ids, err := readIDs(ctx, v.store, target.File)
	if err != nil {
		return Outcome{}, err
	}

	var present []string
	if len(ids) > 0 {
		present, err = v.gateway.ExistsAny(ctx, target.ObjectType, ids)
		if err != nil {
			return Outcome{Records: len(ids)}, err
		}
	}
	deleted := difference(ids, present)

	if len(present) > 0 {
		log.Warn("records still present", "count", len(present), "ids", present)
	}
	if len(deleted) > 0 {
		log.Info("records deleted", "count", len(deleted), "ids", deleted)
	}

	if m := metrics.Get(); m != nil {
		m.SetStillPresent(target.ObjectType, len(present))
	}

	rep := &report.Verification{
		ObjectType:    target.ObjectType,
		File:          target.File,
		CorrelationID: logging.CorrelationID(ctx),
		Checked:       len(ids),
		StillPresent:  nonNil(present),
		Deleted:       nonNil(deleted),
		Skipped:       len(ids) == 0,
		CheckedAt:     time.Now().UTC(),
	}
	out := Outcome{Records: len(ids), StillPresent: present}
	if err := v.reports.Save(ctx, rep); err != nil {
		return out, fmt.Errorf("save verification report: %w", err)
	}
	return out, nil
}

// difference returns the distinct ids not in present, in input order.
func difference(ids, present []string) []string {
	skip := make(map[string]bool, len(present))
	for _, id := range present {
		skip[id] = true
	}
	var out []string
	for _, id := range ids {
		if skip[id] {
			continue
		}
		skip[id] = true
		out = append(out, id)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
