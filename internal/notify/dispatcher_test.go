package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KafClaw/pushwatch/internal/bus"
	"github.com/KafClaw/pushwatch/internal/clock"
	"github.com/KafClaw/pushwatch/internal/platform"
)

type recordingSink struct {
	mu    sync.Mutex
	name  string
	limit int
	errs  []error
	texts []string
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) Limit() int   { return s.limit }

func (s *recordingSink) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	s.texts = append(s.texts, text)
	return nil
}

func healthNote() *bus.Notification {
	return &bus.Notification{Kind: bus.NotifyHealth, Health: &bus.HealthNotice{Component: "storage", ConsecutiveFailures: 3}}
}

func TestDispatcherTruncatesPerSink(t *testing.T) {
	short := &recordingSink{name: "short", limit: 20}
	long := &recordingSink{name: "long", limit: 1000}
	d := NewDispatcher(DispatcherConfig{}, short, long)

	d.Deliver(context.Background(), healthNote())
	if len(short.texts) != 1 || len([]rune(short.texts[0])) != 20 {
		t.Fatalf("short sink not truncated: %q", short.texts)
	}
	if len(long.texts) != 1 || strings.Contains(long.texts[0], "truncated") {
		t.Fatalf("long sink truncated: %q", long.texts)
	}
	if d.Sent() != 2 {
		t.Fatalf("expected 2 sends, got %d", d.Sent())
	}
}

func TestDispatcherBacksOffOnFloodWait(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	sink := &recordingSink{name: "platform", limit: 4096, errs: []error{
		&platform.FloodWaitError{Wait: 7 * time.Second},
	}}
	d := NewDispatcher(DispatcherConfig{Clock: fake}, sink)

	d.Deliver(context.Background(), healthNote())
	if len(sink.texts) != 1 {
		t.Fatalf("expected delivery after backoff, got %d", len(sink.texts))
	}
	if sleeps := fake.Sleeps(); len(sleeps) != 1 || sleeps[0] != 7*time.Second {
		t.Fatalf("expected one 7s backoff, got %v", sleeps)
	}
}

func TestDispatcherGivesUp(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	flood := &platform.FloodWaitError{Wait: 10 * time.Minute}
	sink := &recordingSink{name: "platform", limit: 4096, errs: []error{flood, flood, flood, flood}}
	d := NewDispatcher(DispatcherConfig{Clock: fake, MaxAttempts: 3, MaxWait: 30 * time.Second}, sink)

	d.Deliver(context.Background(), healthNote())
	if d.Failed() != 1 || len(sink.texts) != 0 {
		t.Fatalf("expected give-up, failed=%d texts=%v", d.Failed(), sink.texts)
	}
	sleeps := fake.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 30*time.Second {
		t.Fatalf("expected two capped sleeps, got %v", sleeps)
	}

	plain := &recordingSink{name: "plain", limit: 100, errs: []error{errors.New("boom")}}
	d2 := NewDispatcher(DispatcherConfig{Clock: fake}, plain)
	d2.Deliver(context.Background(), healthNote())
	if d2.Failed() != 1 || len(fake.Sleeps()) != 2 {
		t.Fatal("non rate-limit errors must not be retried")
	}
}

func TestDispatcherAttachToBus(t *testing.T) {
	sink := &recordingSink{name: "rec", limit: 1000}
	d := NewDispatcher(DispatcherConfig{}, sink)
	b := bus.NewMessageBus(1, 4)
	d.Attach(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.DispatchOutbound(ctx)
		close(done)
	}()
	b.PublishOutbound(healthNote())
	deadline := time.Now().Add(2 * time.Second)
	for d.Sent() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if d.Sent() != 1 {
		t.Fatalf("expected notification via bus, sent=%d", d.Sent())
	}
}

func TestSlackSinkRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = r.ParseForm()
		if r.Form.Get("channel") != "C123" || !strings.Contains(r.Form.Get("text"), "Health alert") {
			t.Errorf("unexpected form: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	sink, err := NewSlackSink("xoxb-test", "C123", srv.URL+"/api")
	if err != nil {
		t.Fatalf("new slack sink: %v", err)
	}
	fake := clock.NewFake(time.Unix(0, 0))
	d := NewDispatcher(DispatcherConfig{Clock: fake}, sink)
	d.Deliver(context.Background(), healthNote())

	if calls.Load() != 2 || d.Sent() != 1 {
		t.Fatalf("expected retry then success, calls=%d sent=%d failed=%d", calls.Load(), d.Sent(), d.Failed())
	}
	if sleeps := fake.Sleeps(); len(sleeps) != 1 || sleeps[0] != 2*time.Second {
		t.Fatalf("expected Retry-After backoff, got %v", sleeps)
	}
}

type sendOnlyClient struct {
	platform.Client
	dest, text string
}

func (c *sendOnlyClient) SendMessage(_ context.Context, dest, text string) error {
	c.dest, c.text = dest, text
	return nil
}

func TestPlatformSink(t *testing.T) {
	if _, err := NewPlatformSink(nil, "@ops"); err == nil {
		t.Fatal("expected error for nil client")
	}
	c := &sendOnlyClient{}
	sink, err := NewPlatformSink(c, "@ops")
	if err != nil {
		t.Fatalf("new platform sink: %v", err)
	}
	if err := sink.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if c.dest != "@ops" || c.text != "hi" {
		t.Fatalf("unexpected send: %+v", c)
	}
}
