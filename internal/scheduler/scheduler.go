// Package scheduler fires named jobs at fixed wall-clock times, either once
// or every day, and keeps the process alive on a poll loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/withObsrvr/crm-purge/internal/metrics"
)

// Cadence selects how often registered jobs fire.
type Cadence string

const (
	Daily Cadence = "daily" // every day at the registered wall-clock minute
	Once  Cadence = "once"  // once at the registered time, then idle
)

// ParseCadence validates a cadence name.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(strings.ToLower(strings.TrimSpace(s))); c {
	case Daily, Once:
		return c, nil
	case "":
		return Daily, nil
	}
	return "", fmt.Errorf("unknown schedule cadence %q (want daily or once)", s)
}

// State is the lifecycle position of one registered job.
type State int

const (
	Idle State = iota
	Scheduled
	Fired
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Fired:
		return "fired"
	default:
		return "idle"
	}
}

// DefaultOffsets are the extract, delete and verify offsets from start-up.
var DefaultOffsets = []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute}

// FireTimes returns now+offset for every offset, truncated to the minute.
func FireTimes(now time.Time, offsets []time.Duration) []time.Time {
	times := make([]time.Time, len(offsets))
	for i, off := range offsets {
		times[i] = now.Add(off).Truncate(time.Minute)
	}
	return times
}

// Func is a job invocation. It runs to completion; the context is cancelled
// when the scheduler shuts down.
type Func func(ctx context.Context)

// Config configures a Scheduler.
type Config struct {
	Cadence      Cadence
	PollInterval time.Duration    // defaults to 1s
	Location     *time.Location   // defaults to time.Local
	Now          func() time.Time // defaults to time.Now
}

type entry struct {
	name    string
	at      time.Time
	fn      Func
	state   State
	running bool
}

// Scheduler dispatches registered jobs. Invocations of the same job never
// overlap; a trigger that arrives while the job is running is skipped.
type Scheduler struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Cadence == "" {
		cfg.Cadence = Daily
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:     cfg,
		log:     slog.With("component", "scheduler", "cadence", string(cfg.Cadence)),
		entries: make(map[string]*entry),
	}
}

// Register schedules fn under name at the wall-clock time at.
func (s *Scheduler) Register(name string, at time.Time, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	s.entries[name] = &entry{name: name, at: at.In(s.cfg.Location), fn: fn, state: Scheduled}
	s.order = append(s.order, name)
	s.log.Info("job scheduled", "job", name, "at", at.In(s.cfg.Location).Format("15:04"))
	return nil
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.cfg.Now()
}

// State returns the state of a registered job; unknown jobs are Idle.
func (s *Scheduler) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e.state
	}
	return Idle
}

// Run starts dispatching and blocks until ctx is cancelled, then waits for
// running invocations to return.
func (s *Scheduler) Run(ctx context.Context) error {
	var c *cron.Cron
	if s.cfg.Cadence == Daily {
		c = cron.New(
			cron.WithLocation(s.cfg.Location),
			cron.WithLogger(cronLogger{s.log}),
		)
		s.mu.Lock()
		for _, name := range s.order {
			e := s.entries[name]
			if _, err := c.AddFunc(dailySpec(e.at), func() { s.dispatch(ctx, e) }); err != nil {
				s.mu.Unlock()
				return fmt.Errorf("schedule %s: %w", name, err)
			}
		}
		s.mu.Unlock()
		c.Start()
	}

	s.log.Info("scheduler started", "jobs", len(s.order), "poll_interval", s.cfg.PollInterval)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c != nil {
				<-c.Stop().Done()
			}
			s.wg.Wait()
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if s.cfg.Cadence == Once {
				s.dispatchDue(ctx)
			}
		}
	}
}

// dispatchDue fires every scheduled once-job whose time has come.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.cfg.Now()

	s.mu.Lock()
	var due []*entry
	for _, name := range s.order {
		e := s.entries[name]
		if e.state == Scheduled && !now.Before(e.at) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.dispatch(ctx, e)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e *entry) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if e.running {
		s.mu.Unlock()
		s.log.Warn("skipping job, previous invocation still running", "job", e.name)
		if m := metrics.Get(); m != nil {
			m.IncJobSkipped(e.name)
		}
		return
	}
	e.running = true
	e.state = Fired
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("job fired", "job", e.name)

	go func() {
		defer s.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("job panicked", "job", e.name, "panic", p)
			}
			s.mu.Lock()
			e.running = false
			if s.cfg.Cadence == Daily {
				e.state = Scheduled
			} else {
				e.state = Idle
			}
			s.mu.Unlock()
		}()
		e.fn(ctx)
	}()
}

// dailySpec is the five-field cron spec for at's minute and hour.
func dailySpec(at time.Time) string {
	return fmt.Sprintf("%d %d * * *", at.Minute(), at.Hour())
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
