package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/crm-purge/internal/metrics"
	"github.com/withObsrvr/crm-purge/internal/report"
	"github.com/withObsrvr/crm-purge/internal/runlog"
	"github.com/withObsrvr/crm-purge/internal/scheduler"
)

// runDaemon schedules the three jobs and blocks until the context ends.
func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	a.log.Info("crm-purge starting",
		"version", version,
		"git_sha", gitSHA,
		"targets", len(cfg.Jobs.Targets),
		"storage", cfg.Storage.Backend,
		"cadence", string(cfg.Schedule.Cadence),
	)

	if cfg.Metrics.Enabled {
		go func() {
			a.log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				a.log.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx := cmd.Context()
	a.warmUp(ctx)

	s := scheduler.New(scheduler.Config{
		Cadence:      cfg.Schedule.Cadence,
		PollInterval: cfg.Schedule.PollInterval,
	})
	if err := a.schedule(s, s.Now()); err != nil {
		return err
	}
	return s.Run(ctx)
}

func newJobCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return runOnce(cmd.Context(), a, name)
		},
	}
}

// runOnce runs one job over every target; any failed target fails the run.
func runOnce(ctx context.Context, a *app, name string) error {
	job, err := a.job(name)
	if err != nil {
		return err
	}
	summary := a.runJob(ctx, job)
	if summary.Err != nil {
		return fmt.Errorf("%d of %d targets failed: %w", summary.Failed(), len(summary.Results), summary.Err)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last runs, verification reports and error log size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return printStatus(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}

func printStatus(ctx context.Context, a *app, w io.Writer) error {
	for _, target := range a.cfg.Jobs.Targets {
		fmt.Fprintf(w, "%s (%s)\n", target.ObjectType, a.store.URI(target.File))

		for _, job := range a.jobs {
			run, err := a.recorder.Last(ctx, job.Name(), target.ObjectType)
			switch {
			case errors.Is(err, runlog.ErrNoRun):
				fmt.Fprintf(w, "  %-8s no recorded run\n", job.Name())
			case err != nil:
				return err
			case run.Succeeded():
				fmt.Fprintf(w, "  %-8s ok      %s records=%d failed=%d\n",
					job.Name(), run.FinishedAt.Format("2006-01-02 15:04:05"), run.Records, run.Failed)
			default:
				fmt.Fprintf(w, "  %-8s FAILED  %s %s\n",
					job.Name(), run.FinishedAt.Format("2006-01-02 15:04:05"), run.Error)
			}
		}

		rep, err := a.reports.Load(ctx, target.ObjectType)
		switch {
		case errors.Is(err, report.ErrNoReport):
		case err != nil:
			return err
		default:
			fmt.Fprintf(w, "  verified %s: checked=%d still_present=%d deleted=%d\n",
				rep.CheckedAt.Format("2006-01-02 15:04:05"), rep.Checked, len(rep.StillPresent), len(rep.Deleted))
		}
	}

	entries, err := a.reconciler.Load(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "error log %s: %d rows\n", a.store.URI(a.reconciler.LogPath()), len(entries))
	return nil
}
