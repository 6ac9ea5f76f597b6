package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestParseCadence(t *testing.T) {
	tests := map[string]Cadence{"daily": Daily, "ONCE": Once, "": Daily, " once ": Once}
	for in, want := range tests {
		got, err := ParseCadence(in)
		if err != nil || got != want {
			t.Errorf("ParseCadence(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseCadence("hourly"); err == nil {
		t.Error("expected error for unknown cadence")
	}
}

func TestFireTimes(t *testing.T) {
	now := time.Date(2024, 3, 10, 23, 58, 42, 0, time.UTC)

	got := FireTimes(now, DefaultOffsets)
	want := []time.Time{
		time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC),
		time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 11, 0, 1, 0, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("fire time %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDailySpec(t *testing.T) {
	at := time.Date(2024, 3, 10, 9, 5, 0, 0, time.UTC)
	spec := dailySpec(at)
	if spec != "5 9 * * *" {
		t.Errorf("dailySpec = %q", spec)
	}

	sched, err := cron.ParseStandard(spec)
	if err != nil {
		t.Fatal(err)
	}
	next := sched.Next(time.Date(2024, 3, 10, 9, 5, 30, 0, time.UTC))
	if want := time.Date(2024, 3, 11, 9, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next fire = %v, want %v", next, want)
	}
}

func TestStateString(t *testing.T) {
	if Idle.String() != "idle" || Scheduled.String() != "scheduled" || Fired.String() != "fired" {
		t.Error("unexpected state names")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	s := New(Config{Cadence: Once})
	if err := s.Register("extract", time.Now(), func(context.Context) {}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("extract", time.Now(), func(context.Context) {}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if s.State("extract") != Scheduled {
		t.Errorf("state = %v, want scheduled", s.State("extract"))
	}
	if s.State("unknown") != Idle {
		t.Error("unknown job should be idle")
	}
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestOnceFiresInOrder(t *testing.T) {
	start := time.Date(2024, 3, 10, 12, 0, 10, 0, time.UTC)
	clk := &clock{now: start}
	s := New(Config{Cadence: Once, PollInterval: 5 * time.Millisecond, Location: time.UTC, Now: clk.Now})

	var mu sync.Mutex
	var fired []string
	record := func(name string) Func {
		return func(context.Context) {
			mu.Lock()
			fired = append(fired, name)
			mu.Unlock()
		}
	}
	firedCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(fired)
	}

	names := []string{"extract", "delete", "verify"}
	for i, at := range FireTimes(start, DefaultOffsets) {
		if err := s.Register(names[i], at, record(names[i])); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	if n := firedCount(); n != 0 {
		t.Fatalf("fired %d jobs before their time", n)
	}

	for i, at := range FireTimes(start, DefaultOffsets) {
		clk.Set(at)
		want := i + 1
		waitFor(t, names[i], func() bool { return firedCount() == want })
		waitFor(t, names[i]+" idle", func() bool { return s.State(names[i]) == Idle })
	}

	// once means once
	clk.Set(start.Add(24 * time.Hour))
	time.Sleep(30 * time.Millisecond)
	if n := firedCount(); n != 3 {
		t.Errorf("fired = %d, want 3", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if fired[0] != "extract" || fired[1] != "delete" || fired[2] != "verify" {
		t.Errorf("order = %v", fired)
	}
}

func TestOverlappingInvocationSkipped(t *testing.T) {
	s := New(Config{Cadence: Daily})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	if err := s.Register("delete", time.Now(), func(context.Context) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	e := s.entries["delete"]
	s.dispatch(ctx, e)
	waitFor(t, "first invocation", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
	if s.State("delete") != Fired {
		t.Errorf("state while running = %v, want fired", s.State("delete"))
	}

	s.dispatch(ctx, e)
	close(release)
	s.wg.Wait()

	if calls != 1 {
		t.Errorf("calls = %d, want overlapping trigger skipped", calls)
	}
	if s.State("delete") != Scheduled {
		t.Errorf("daily job state after run = %v, want scheduled", s.State("delete"))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Config{Cadence: Daily, PollInterval: 5 * time.Millisecond})
	if err := s.Register("extract", time.Now().Add(time.Hour), func(context.Context) {}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestPanickingJobReturnsToScheduled(t *testing.T) {
	s := New(Config{Cadence: Daily})
	if err := s.Register("verify", time.Now(), func(context.Context) { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	s.dispatch(context.Background(), s.entries["verify"])
	s.wg.Wait()
	if s.State("verify") != Scheduled {
		t.Errorf("state = %v, want scheduled", s.State("verify"))
	}
}
