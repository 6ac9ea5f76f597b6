package jobs

import (
	"context"
	"sync"

	"github.com/withObsrvr/crm-purge/internal/crm"
	"github.com/withObsrvr/crm-purge/internal/runlog"
)

// fakeGateway is an in-memory crm.Gateway.
type fakeGateway struct {
	mu sync.Mutex

	ids      map[string][]string // FetchIDs result per object type
	present  map[string][]string // ExistsAny candidates per object type
	failures map[string][]crm.RecordError
	errs     map[string]error // per object type, every call
	partial  map[string]int   // bulk delete returns only this many results plus an error
	panicOn  string

	fetchLimits []int
	bulkCalls   [][]string
	bulkOpts    []crm.BulkOptions
	existsCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		ids:      make(map[string][]string),
		present:  make(map[string][]string),
		failures: make(map[string][]crm.RecordError),
		errs:     make(map[string]error),
		partial:  make(map[string]int),
	}
}

func (g *fakeGateway) FetchIDs(ctx context.Context, objectType string, limit int) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if objectType == g.panicOn {
		panic("gateway exploded")
	}
	g.fetchLimits = append(g.fetchLimits, limit)
	if err := g.errs[objectType]; err != nil {
		return nil, err
	}
	ids := g.ids[objectType]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return append([]string(nil), ids...), nil
}

func (g *fakeGateway) BulkDelete(ctx context.Context, objectType string, ids []string, opts crm.BulkOptions) ([]crm.BulkResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bulkCalls = append(g.bulkCalls, append([]string(nil), ids...))
	g.bulkOpts = append(g.bulkOpts, opts)
	if err := g.errs[objectType]; err != nil {
		return nil, err
	}

	results := make([]crm.BulkResult, 0, len(ids))
	for _, id := range ids {
		if errs, ok := g.failures[id]; ok {
			results = append(results, crm.BulkResult{ID: id, Errors: errs})
			continue
		}
		results = append(results, crm.BulkResult{Success: true, ID: id})
	}
	if n, ok := g.partial[objectType]; ok {
		return results[:n], &crm.GatewayError{Op: "bulk_delete", ObjectType: objectType, Err: context.DeadlineExceeded}
	}
	return results, nil
}

func (g *fakeGateway) ExistsAny(ctx context.Context, objectType string, ids []string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.existsCalls++
	if err := g.errs[objectType]; err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []string
	for _, id := range g.present[objectType] {
		if want[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// fakeRecorder collects runs in memory.
type fakeRecorder struct {
	mu   sync.Mutex
	runs []runlog.Run
}

func (r *fakeRecorder) Record(ctx context.Context, run runlog.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *fakeRecorder) Last(ctx context.Context, job, objectType string) (*runlog.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.runs) - 1; i >= 0; i-- {
		if r.runs[i].Job == job && r.runs[i].ObjectType == objectType {
			run := r.runs[i]
			return &run, nil
		}
	}
	return nil, runlog.ErrNoRun
}

func (r *fakeRecorder) Close() {}
