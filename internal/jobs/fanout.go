package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/crm-purge/internal/logging"
	"github.com/withObsrvr/crm-purge/internal/metrics"
	"github.com/withObsrvr/crm-purge/internal/runlog"
)

// DefaultWorkers bounds fan-out when no worker count is given.
const DefaultWorkers = 4

// TaskResult is the outcome of one target within a job invocation.
type TaskResult struct {
	Target   Target
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Summary aggregates every task of one job invocation.
type Summary struct {
	Job           string
	CorrelationID string
	Results       []TaskResult // in target order
	Err           error        // *multierror.Error of failed tasks, nil if none failed
}

// Failed counts tasks that returned an error.
func (s *Summary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Runner fans a job out over targets on a bounded pool.
type Runner struct {
	workers  int
	recorder runlog.Recorder
	log      *slog.Logger
}

// NewRunner creates a runner. A nil recorder records nothing.
func NewRunner(workers int, recorder runlog.Recorder) *Runner {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if recorder == nil {
		recorder, _ = runlog.NewRecorder(runlog.Config{})
	}
	return &Runner{
		workers:  workers,
		recorder: recorder,
		log:      logging.Component("jobs"),
	}
}

// FanOut runs job for every target with at most workers tasks at once and
// waits for all of them.
func FanOut(ctx context.Context, job Job, targets []Target, workers int) *Summary {
	return NewRunner(workers, nil).Run(ctx, job, targets)
}

// Run executes one task per target and joins them. A failing task never
// cancels its siblings; failures are collected into Summary.Err.
func (r *Runner) Run(ctx context.Context, job Job, targets []Target) *Summary {
	if logging.CorrelationID(ctx) == "" {
		ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
	}
	summary := &Summary{
		Job:           job.Name(),
		CorrelationID: logging.CorrelationID(ctx),
		Results:       make([]TaskResult, len(targets)),
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, target := range targets {
		g.Go(func() error {
			summary.Results[i] = r.runTask(ctx, job, target)
			return nil
		})
	}
	g.Wait()

	var errs *multierror.Error
	for _, res := range summary.Results {
		if res.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", job.Name(), res.Target.ObjectType, res.Err))
		}
	}
	summary.Err = errs.ErrorOrNil()

	r.log.Info("job finished",
		"job", job.Name(),
		"correlation_id", summary.CorrelationID,
		"targets", len(targets),
		"failed", summary.Failed(),
	)
	return summary
}

func (r *Runner) runTask(ctx context.Context, job Job, target Target) (res TaskResult) {
	log := logging.JobLogger(ctx, job.Name(), target.ObjectType)
	m := metrics.Get()
	if m != nil {
		m.AddInFlight(1)
		defer m.AddInFlight(-1)
	}

	res.Target = target
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error("job task panicked", "panic", p, "stack", string(debug.Stack()))
			res.Err = fmt.Errorf("panic: %v", p)
		}
		res.Duration = time.Since(start)
		r.finish(ctx, log, job, start, &res)
	}()

	log.Debug("job task started", "file", target.File)
	res.Outcome, res.Err = job.Run(ctx, target)
	return res
}

func (r *Runner) finish(ctx context.Context, log *slog.Logger, job Job, start time.Time, res *TaskResult) {
	outcome := "success"
	if res.Err != nil {
		outcome = "failure"
		log.Error("job task failed",
			"file", res.Target.File,
			"records", res.Outcome.Records,
			"duration", res.Duration,
			"error", res.Err,
		)
	} else {
		log.Info("job task succeeded",
			"file", res.Target.File,
			"records", res.Outcome.Records,
			"failed", res.Outcome.Failed,
			"still_present", len(res.Outcome.StillPresent),
			"duration", res.Duration,
		)
	}

	if m := metrics.Get(); m != nil {
		m.ObserveJob(job.Name(), res.Target.ObjectType, outcome, res.Duration.Seconds())
	}

	run := runlog.Run{
		ID:            uuid.NewString(),
		Job:           job.Name(),
		ObjectType:    res.Target.ObjectType,
		CorrelationID: logging.CorrelationID(ctx),
		Records:       res.Outcome.Records,
		Failed:        res.Outcome.Failed,
		StillPresent:  len(res.Outcome.StillPresent),
		StartedAt:     start.UTC(),
		FinishedAt:    start.Add(res.Duration).UTC(),
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}

	// the task's own context may already be cancelled on shutdown
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.recorder.Record(recCtx, run); err != nil {
		log.Warn("failed to record run", "error", err)
	}
}
