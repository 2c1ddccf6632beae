package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KafClaw/pushwatch/internal/clock"
)

func newTestScheduler(start time.Time) (*Scheduler, *clock.Fake) {
	clk := clock.NewFake(start)
	return New(Config{TickInterval: time.Second}, clk, nil), clk
}

func statsFor(t *testing.T, s *Scheduler, name string) JobStats {
	t.Helper()
	for _, js := range s.Stats() {
		if js.Name == name {
			return js
		}
	}
	t.Fatalf("no stats for job %s", name)
	return JobStats{}
}

func TestRegisterValidates(t *testing.T) {
	s, _ := newTestScheduler(time.Unix(0, 0))
	noop := func(context.Context) error { return nil }
	cron, _ := ParseCron("* * * * *")

	bad := []*Job{
		nil,
		{Name: "", Every: time.Second, Run: noop},
		{Name: "no-run", Every: time.Second},
		{Name: "neither", Run: noop},
		{Name: "both", Every: time.Second, Cron: cron, Run: noop},
	}
	for _, j := range bad {
		if err := s.Register(j); err == nil {
			t.Errorf("Register(%+v) accepted", j)
		}
	}
	if err := s.Register(&Job{Name: "ok", Cron: cron, Run: noop}); err != nil {
		t.Errorf("Register: %v", err)
	}
}

func TestIntervalJobFiresWhenDue(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(start)
	var runs atomic.Int32
	_ = s.Register(&Job{Name: "reconcile", Every: time.Minute, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	ctx := context.Background()
	s.tick(ctx, start.Add(30*time.Second))
	s.Wait()
	if runs.Load() != 0 {
		t.Fatalf("ran before interval elapsed")
	}
	s.tick(ctx, start.Add(time.Minute))
	s.Wait()
	s.tick(ctx, start.Add(90*time.Second))
	s.Wait()
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	s.tick(ctx, start.Add(2*time.Minute))
	s.Wait()
	if runs.Load() != 2 {
		t.Errorf("runs = %d, want 2", runs.Load())
	}
}

func TestRunAtStartFiresOnFirstTick(t *testing.T) {
	start := time.Unix(1000, 0)
	s, _ := newTestScheduler(start)
	var runs atomic.Int32
	_ = s.Register(&Job{Name: "j", Every: time.Hour, RunAtStart: true, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	s.tick(context.Background(), start)
	s.Wait()
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

func TestTickWhileRunningSkips(t *testing.T) {
	start := time.Unix(0, 0)
	s, _ := newTestScheduler(start)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs atomic.Int32
	_ = s.Register(&Job{Name: "slow", Every: time.Second, RunAtStart: true, Run: func(context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}})

	ctx := context.Background()
	s.tick(ctx, start)
	<-started
	s.tick(ctx, start.Add(time.Second))
	s.tick(ctx, start.Add(2*time.Second))
	if s.Trigger(ctx, "slow") {
		t.Error("Trigger started a job that is still running")
	}
	close(release)
	s.Wait()

	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
	js := statsFor(t, s, "slow")
	if js.Skipped != 3 || js.Runs != 1 || js.Running {
		t.Errorf("stats = %+v", js)
	}
}

func TestCronJobFiresOncePerMinute(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(start)
	cron, _ := ParseCron("*/5 * * * *")
	var runs atomic.Int32
	_ = s.Register(&Job{Name: "cron", Cron: cron, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	ctx := context.Background()
	for _, sec := range []int{0, 1, 30, 59} {
		s.tick(ctx, start.Add(time.Duration(sec)*time.Second))
		s.Wait()
	}
	s.tick(ctx, start.Add(time.Minute))
	s.Wait()
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	s.tick(ctx, start.Add(5*time.Minute))
	s.Wait()
	if runs.Load() != 2 {
		t.Errorf("runs = %d, want 2", runs.Load())
	}
}

func TestJobFailuresAndPanicsAreRecorded(t *testing.T) {
	start := time.Unix(0, 0)
	s, _ := newTestScheduler(start)
	_ = s.Register(&Job{Name: "fails", Every: time.Second, RunAtStart: true, Run: func(context.Context) error {
		return errors.New("boom")
	}})
	_ = s.Register(&Job{Name: "panics", Every: time.Second, RunAtStart: true, Run: func(context.Context) error {
		panic("kaboom")
	}})
	_ = s.Register(&Job{Name: "declines", Every: time.Second, RunAtStart: true, Run: func(context.Context) error {
		return ErrSkipped
	}})

	s.tick(context.Background(), start)
	s.Wait()

	if js := statsFor(t, s, "fails"); js.Failures != 1 || js.LastError != "boom" {
		t.Errorf("fails = %+v", js)
	}
	if js := statsFor(t, s, "panics"); js.Failures != 1 {
		t.Errorf("panics = %+v", js)
	}
	if js := statsFor(t, s, "declines"); js.Skipped != 1 || js.Runs != 0 {
		t.Errorf("declines = %+v", js)
	}
}

func TestFileLockSkipsWhenHeldElsewhere(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconcile.lock")
	other := NewFileLock(path)
	if ok, err := other.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}

	start := time.Unix(0, 0)
	s, _ := newTestScheduler(start)
	var runs atomic.Int32
	_ = s.Register(&Job{Name: "locked", Every: time.Second, RunAtStart: true, Lock: NewFileLock(path), Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	s.tick(context.Background(), start)
	s.Wait()
	if runs.Load() != 0 {
		t.Fatal("job ran while lock held")
	}

	if err := other.Unlock(); err != nil {
		t.Fatal(err)
	}
	s.tick(context.Background(), start.Add(time.Second))
	s.Wait()
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

func TestFileLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	a, b := NewFileLock(path), NewFileLock(path)

	if ok, err := a.TryLock(); err != nil || !ok {
		t.Fatalf("a.TryLock = %v, %v", ok, err)
	}
	if ok, err := b.TryLock(); err != nil || ok {
		t.Fatalf("b.TryLock = %v, %v, want false, nil", ok, err)
	}
	if _, err := a.TryLock(); err == nil {
		t.Error("re-entrant TryLock succeeded")
	}
	if err := a.Unlock(); err != nil {
		t.Fatal(err)
	}
	if ok, err := b.TryLock(); err != nil || !ok {
		t.Fatalf("b.TryLock after release = %v, %v", ok, err)
	}
	_ = b.Unlock()
	if b.Path() != path {
		t.Errorf("Path() = %q", b.Path())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	start := time.Unix(0, 0)
	s, _ := newTestScheduler(start)
	ran := make(chan struct{}, 4)
	_ = s.Register(&Job{Name: "j", Every: time.Second, RunAtStart: true, Run: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run at start")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}
