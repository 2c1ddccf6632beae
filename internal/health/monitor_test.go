package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/pushwatch/internal/bus"
	"github.com/KafClaw/pushwatch/internal/clock"
)

type recorder struct {
	mu  sync.Mutex
	out []*bus.HealthNotice
}

func (r *recorder) PublishOutbound(n *bus.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, n.Health)
}

type flaky struct {
	mu   sync.Mutex
	fail bool
}

func (f *flaky) set(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *flaky) check(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	return nil
}

func TestMonitorAlertsOnceAtThresholdAndRestarts(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(Config{FailureThreshold: 3}, rec, WithClock(clock.NewFake(time.Unix(0, 0))))
	probe := &flaky{fail: true}
	var hookRuns []string
	m.Register("database", probe.check,
		Hook{Name: "reset-detector", Run: func(context.Context) error { hookRuns = append(hookRuns, "reset-detector"); return nil }},
		Hook{Name: "reconnect", Run: func(context.Context) error { hookRuns = append(hookRuns, "reconnect"); return nil }},
	)

	ctx := context.Background()
	m.CheckNow(ctx)
	m.CheckNow(ctx)
	if len(rec.out) != 0 || len(hookRuns) != 0 {
		t.Fatalf("escalated before threshold: %v %v", rec.out, hookRuns)
	}
	m.CheckNow(ctx)
	if len(rec.out) != 1 {
		t.Fatalf("alerts = %d, want 1", len(rec.out))
	}
	alert := rec.out[0]
	if alert.Component != "database" || alert.ConsecutiveFailures != 3 || !alert.Restarted || alert.Recovered {
		t.Errorf("alert = %+v", alert)
	}
	if len(hookRuns) != 2 || hookRuns[0] != "reset-detector" {
		t.Errorf("hooks = %v", hookRuns)
	}

	for i := 0; i < 3; i++ {
		m.CheckNow(ctx)
	}
	if len(rec.out) != 1 {
		t.Errorf("alert repeated: %d notices", len(rec.out))
	}
	if len(hookRuns) != 4 {
		t.Errorf("hooks after second escalation = %d, want 4", len(hookRuns))
	}

	probe.set(false)
	m.CheckNow(ctx)
	if len(rec.out) != 2 || !rec.out[1].Recovered {
		t.Fatalf("recovery notice missing: %+v", rec.out)
	}
	st := m.Status()
	if len(st) != 1 || !st[0].Healthy || st[0].ConsecutiveFailures != 0 || st[0].Restarts != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestMonitorRecoveryWithoutAlertIsSilent(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(Config{FailureThreshold: 3}, rec)
	probe := &flaky{fail: true}
	m.Register("database", probe.check)

	m.CheckNow(context.Background())
	probe.set(false)
	m.CheckNow(context.Background())
	if len(rec.out) != 0 {
		t.Errorf("notices = %+v", rec.out)
	}
}

func TestMonitorFailedHookMarksNotRestarted(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(Config{FailureThreshold: 1}, rec)
	m.Register("database", func(context.Context) error { return errors.New("down") },
		Hook{Name: "reconnect", Run: func(context.Context) error { return errors.New("still down") }})

	m.CheckNow(context.Background())
	if len(rec.out) != 1 || rec.out[0].Restarted {
		t.Errorf("notices = %+v", rec.out)
	}
}

func TestMonitorMirrorsStatusAndRecoversPanics(t *testing.T) {
	got := map[string]bool{}
	m := NewMonitor(Config{}, nil, WithStatusFunc(func(name string, healthy bool, _ string) { got[name] = healthy }))
	m.Register("ok", func(context.Context) error { return nil })
	m.Register("panics", func(context.Context) error { panic("boom") })
	m.Register("nil", nil)

	m.CheckNow(context.Background())
	if !got["ok"] || got["panics"] || got["nil"] {
		t.Errorf("mirrored = %v", got)
	}
}

func TestPingCheck(t *testing.T) {
	up := PingCheck("database", func(context.Context) bool { return true })
	down := PingCheck("database", func(context.Context) bool { return false })
	if err := up(context.Background()); err != nil {
		t.Errorf("up = %v", err)
	}
	if err := down(context.Background()); err == nil {
		t.Error("down returned nil")
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewMonitor(Config{Interval: time.Second}, nil, WithClock(clk))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}
