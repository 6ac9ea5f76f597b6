package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/withObsrvr/crm-purge/internal/config"
	"github.com/withObsrvr/crm-purge/internal/crm"
	"github.com/withObsrvr/crm-purge/internal/jobs"
	"github.com/withObsrvr/crm-purge/internal/logging"
	"github.com/withObsrvr/crm-purge/internal/metrics"
	"github.com/withObsrvr/crm-purge/internal/reconcile"
	"github.com/withObsrvr/crm-purge/internal/report"
	"github.com/withObsrvr/crm-purge/internal/runlog"
	"github.com/withObsrvr/crm-purge/internal/scheduler"
	"github.com/withObsrvr/crm-purge/internal/storage"
)

// app wires one store, one gateway and the three jobs together.
type app struct {
	cfg        config.Config
	store      *storage.Store
	gateway    crm.Gateway
	reconciler *reconcile.Reconciler
	reports    report.Writer
	recorder   runlog.Recorder
	runner     *jobs.Runner
	jobs       []jobs.Job // extract, delete, verify
	log        *slog.Logger
}

// newApp builds the pipeline. A nil gateway means a Salesforce client built
// from cfg.CRM.
func newApp(cfg config.Config, gateway crm.Gateway) (*app, error) {
	metrics.Init("crm_purge")

	store, err := storage.NewTableStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}

	reports, err := report.NewWriter(cfg.Report)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create report writer: %w", err)
	}

	recorder, err := runlog.NewRecorder(cfg.RunLog)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create run log: %w", err)
	}

	if gateway == nil {
		gateway = crm.NewClient(cfg.CRM, &http.Client{})
	}

	reconciler := reconcile.New(reconcile.Config{LogPath: cfg.Jobs.ErrorLog}, store)
	return &app{
		cfg:        cfg,
		store:      store,
		gateway:    gateway,
		reconciler: reconciler,
		reports:    reports,
		recorder:   recorder,
		runner:     jobs.NewRunner(cfg.Jobs.MaxWorkers, recorder),
		jobs: []jobs.Job{
			jobs.NewExtract(gateway, store, cfg.Jobs.FetchLimit),
			jobs.NewDelete(gateway, store, reconciler, crm.BulkOptions{
				BatchSize: cfg.Jobs.BatchSize,
				Serial:    cfg.Jobs.Serial,
			}),
			jobs.NewVerify(gateway, store, reports),
		},
		log: logging.Component("app"),
	}, nil
}

func (a *app) job(name string) (jobs.Job, error) {
	for _, j := range a.jobs {
		if j.Name() == name {
			return j, nil
		}
	}
	return nil, fmt.Errorf("unknown job %q", name)
}

// runJob fans job out over the configured targets under a fresh
// correlation ID.
func (a *app) runJob(ctx context.Context, job jobs.Job) *jobs.Summary {
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
	return a.runner.Run(ctx, job, a.cfg.Jobs.Targets)
}

// schedule registers the jobs at now plus their configured offsets.
func (a *app) schedule(s *scheduler.Scheduler, now time.Time) error {
	times := scheduler.FireTimes(now, a.cfg.Schedule.Offsets)
	if len(times) != len(a.jobs) {
		return fmt.Errorf("need %d schedule offsets, got %d", len(a.jobs), len(times))
	}
	for i, job := range a.jobs {
		if err := s.Register(job.Name(), times[i], func(ctx context.Context) {
			a.runJob(ctx, job)
		}); err != nil {
			return err
		}
	}
	return nil
}

// warmUp logs in early so bad credentials show up at start-up. Failure is
// not fatal; every job retries the login.
func (a *app) warmUp(ctx context.Context) {
	client, ok := a.gateway.(*crm.Client)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Login(ctx); err != nil {
		a.log.Warn("initial CRM login failed, jobs will retry", "error", err)
	}
}

func (a *app) Close() {
	a.recorder.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", "error", err)
	}
}
