package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/KafClaw/pushwatch/internal/clock"
)

func newTestGateway(t *testing.T, mutate func(*Config), opts ...Option) *Gateway {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = SQLiteDSN(DriverSQLite, filepath.Join(t.TempDir(), "gateway.db"))
	cfg.ConnectAttempts = 1
	cfg.QueueRate = 10000
	cfg.QueueBurst = 1000
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	if err := g.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return g
}

func seedPlacementRow(t *testing.T, g *Gateway) int64 {
	t.Helper()
	ctx := context.Background()
	stmts := []string{
		`INSERT INTO campaigns (id, name, status, medium) VALUES (1, 'spring', 'ON_GOING', 'TELEGRAM')`,
		`INSERT INTO media (id, external_id, medium) VALUES (1, '7777', 'TELEGRAM')`,
		`INSERT INTO contents (id, channel_id, message_id) VALUES (1, '5551', '900')`,
		`INSERT INTO campaign_contents (campaign_id, content_id) VALUES (1, 1)`,
		`INSERT INTO push_list (id, campaign_id, media_id, content_id, status) VALUES (1, 1, 1, 1, 'APPROVED')`,
	}
	for _, s := range stmts {
		if _, err := g.Exec(ctx, s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return 1
}

func countRows(t *testing.T, g *Gateway, table string) int {
	t.Helper()
	var n int
	err := g.Query(context.Background(), "SELECT COUNT(*) FROM "+table, nil, func(rows *sql.Rows) error {
		n = 0
		if rows.Next() {
			return rows.Scan(&n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestGatewayNotConnected(t *testing.T) {
	g, err := New(Config{DSN: "file:unused.db"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if _, err := g.Exec(ctx, "SELECT 1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("exec: expected ErrNotConnected, got %v", err)
	}
	if _, err := g.Insert(ctx, TableDetections, map[string]any{"type": "PLACEMENT"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("insert: expected ErrNotConnected, got %v", err)
	}
	if err := g.Transaction(ctx, func(*Tx) error { return nil }); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("transaction: expected ErrNotConnected, got %v", err)
	}
	if g.Ping(ctx) {
		t.Fatal("ping should be false while disconnected")
	}
	if g.Stats().Connected {
		t.Fatal("stats should report disconnected")
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
	if _, err := New(Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestGatewayConnectRetriesWithFixedDelay(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g, err := New(Config{DSN: "x", ConnectAttempts: 3, ConnectDelay: 2 * time.Second}, WithClock(fake))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var calls int
	g.openDB = func(string, string) (*sql.DB, error) {
		calls++
		return nil, errors.New("dial tcp: connection refused")
	}

	err = g.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	sleeps := fake.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 2*time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("expected two fixed 2s delays, got %v", sleeps)
	}
	if g.Connected() {
		t.Fatal("gateway should stay disconnected")
	}
}

func TestGatewayInsertUpdate(t *testing.T) {
	g := newTestGateway(t, nil)
	ctx := context.Background()
	pid := seedPlacementRow(t, g)

	id, err := g.Insert(ctx, TableDetections, map[string]any{
		"type":        DetectionPlacement,
		"push_id":     pid,
		"post_id":     "42",
		"action_at":   time.Now().UTC(),
		"detected_by": "test",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected insert id, got %d", id)
	}

	n, err := g.Update(ctx, TablePlacements,
		map[string]any{"status": PlacementDetected},
		map[string]any{"id": pid, "status": PlacementApproved})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row updated, got %d", n)
	}
	n, err = g.Update(ctx, TablePlacements,
		map[string]any{"status": PlacementDetected},
		map[string]any{"id": pid, "status": PlacementApproved})
	if err != nil || n != 0 {
		t.Fatalf("second update: n=%d err=%v", n, err)
	}
}

func TestGatewayRejectsBeforeQueueing(t *testing.T) {
	g := newTestGateway(t, nil)
	before := g.Stats()

	_, err := g.Insert(context.Background(), "campaigns", map[string]any{"name": "x"})
	if !errors.Is(err, ErrTableNotAllowed) {
		t.Fatalf("expected ErrTableNotAllowed, got %v", err)
	}
	_, err = g.Update(context.Background(), TablePlacements, map[string]any{}, map[string]any{"id": 1})
	if !errors.Is(err, ErrEmptyRecord) {
		t.Fatalf("expected ErrEmptyRecord, got %v", err)
	}

	after := g.Stats()
	if after.Executed != before.Executed || after.Failed != before.Failed {
		t.Fatalf("rejected mutations reached the queue: before=%+v after=%+v", before, after)
	}
}

func TestGatewayRetriesConnectionErrors(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := newTestGateway(t, nil, WithClock(fake))

	var calls atomic.Int32
	err := g.submit(context.Background(), "flaky", func(context.Context, *sql.Conn) error {
		if calls.Add(1) <= 2 {
			return driver.ErrBadConn
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if got := g.Stats().Retries; got != 2 {
		t.Fatalf("expected 2 retries, got %d", got)
	}
	sleeps := fake.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 200*time.Millisecond || sleeps[1] != 400*time.Millisecond {
		t.Fatalf("expected doubling backoff, got %v", sleeps)
	}
}

func TestGatewayRetriesExhaust(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := newTestGateway(t, func(c *Config) { c.MaxRetries = 2 }, WithClock(fake))

	var calls atomic.Int32
	err := g.submit(context.Background(), "down", func(context.Context, *sql.Conn) error {
		calls.Add(1)
		return driver.ErrBadConn
	})
	if !errors.Is(err, driver.ErrBadConn) {
		t.Fatalf("expected ErrBadConn, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 1 call plus 2 retries, got %d", calls.Load())
	}
}

func TestGatewayDoesNotRetrySemanticErrors(t *testing.T) {
	g := newTestGateway(t, nil)
	var calls atomic.Int32
	err := g.submit(context.Background(), "bad", func(context.Context, *sql.Conn) error {
		calls.Add(1)
		return errors.New("no such column: nope")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("semantic error retried: %d calls", calls.Load())
	}
	if g.Stats().Failed == 0 {
		t.Fatal("expected failed counter to move")
	}
}

func TestGatewayRecoversPanicAndReleasesConnection(t *testing.T) {
	g := newTestGateway(t, func(c *Config) { c.MaxOpenConns = 1 })
	err := g.submit(context.Background(), "boom", func(context.Context, *sql.Conn) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
	// With one connection, a leaked checkout would block this forever.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := g.Exec(ctx, "SELECT 1"); err != nil {
		t.Fatalf("connection not released: %v", err)
	}
}

func TestGatewayBackoff(t *testing.T) {
	g, _ := New(Config{DSN: "x"})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{2, 800 * time.Millisecond},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := g.backoff(tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestConsumerExpiresStaleRequests(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	g, err := New(Config{DSN: "x"}, WithClock(fake))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	db, err := sql.Open("sqlite", SQLiteDSN(DriverSQLite, filepath.Join(t.TempDir(), "stale.db")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var ran atomic.Int32
	fn := func(context.Context, *sql.Conn) error {
		ran.Add(1)
		return nil
	}
	stale := &request{ctx: context.Background(), label: "stale", fn: fn, enqueuedAt: fake.Now().Add(-time.Minute), done: make(chan error, 1)}
	fresh := &request{ctx: context.Background(), label: "fresh", fn: fn, enqueuedAt: fake.Now(), done: make(chan error, 1)}
	q := newRequestQueue(4)
	q.push(stale)
	q.push(fresh)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go g.consume(ctx, q, db, rate.NewLimiter(rate.Inf, 1), done)

	if err := <-stale.done; !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
	if err := <-fresh.done; err != nil {
		t.Fatalf("fresh request failed: %v", err)
	}
	cancel()
	<-done
	g.inflight.Wait()

	if ran.Load() != 1 {
		t.Fatalf("stale request executed: %d runs", ran.Load())
	}
	if g.Stats().Stale != 1 {
		t.Fatalf("expected stale counter 1, got %d", g.Stats().Stale)
	}
}

func TestGatewayDropsOldestWhenQueueFull(t *testing.T) {
	g, err := New(Config{DSN: "x", QueueSize: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// Queue without a consumer so requests stay put.
	g.queue = newRequestQueue(1)

	first := make(chan error, 1)
	go func() {
		first <- g.submit(context.Background(), "first", func(context.Context, *sql.Conn) error { return nil })
	}()
	deadline := time.Now().Add(2 * time.Second)
	for g.queue.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never queued")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		second <- g.submit(ctx, "second", func(context.Context, *sql.Conn) error { return nil })
	}()

	select {
	case err := <-first:
		if !errors.Is(err, ErrQueueDropped) {
			t.Fatalf("expected ErrQueueDropped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("oldest request was not dropped")
	}
	if g.Stats().Dropped != 1 {
		t.Fatalf("expected dropped counter 1, got %d", g.Stats().Dropped)
	}
	cancel()
	if err := <-second; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled second request, got %v", err)
	}
}

func TestGatewayTransaction(t *testing.T) {
	g := newTestGateway(t, nil)
	ctx := context.Background()
	pid := seedPlacementRow(t, g)
	rec := map[string]any{
		"type":        DetectionPlacement,
		"push_id":     pid,
		"post_id":     "1",
		"action_at":   time.Now().UTC(),
		"detected_by": "test",
	}

	wantErr := errors.New("abort")
	err := g.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Insert(ctx, TableDetections, rec); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if n := countRows(t, g, TableDetections); n != 0 {
		t.Fatalf("rollback left %d rows", n)
	}

	err = g.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Insert(ctx, TableDetections, rec); err != nil {
			return err
		}
		_, err := tx.Update(ctx, TablePlacements, map[string]any{"status": PlacementDetected}, map[string]any{"id": pid})
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if n := countRows(t, g, TableDetections); n != 1 {
		t.Fatalf("expected 1 committed row, got %d", n)
	}
}

func TestGatewayCloseAndReconnect(t *testing.T) {
	g := newTestGateway(t, nil)
	ctx := context.Background()

	if !g.Ping(ctx) {
		t.Fatal("expected ping to succeed")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := g.Exec(ctx, "SELECT 1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after close, got %v", err)
	}
	if err := g.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if _, err := g.Exec(ctx, "SELECT 1"); err != nil {
		t.Fatalf("exec after reconnect: %v", err)
	}
	if n := countRows(t, g, TableDetections); n != 0 {
		t.Fatalf("expected schema to survive reconnect, got %d rows", n)
	}
}

func TestGatewayStats(t *testing.T) {
	g := newTestGateway(t, func(c *Config) { c.MaxOpenConns = 3 })
	if _, err := g.Exec(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	st := g.Stats()
	if !st.Connected || st.Driver != "sqlite" {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.MaxOpenConnections != 3 {
		t.Fatalf("expected max open 3, got %d", st.MaxOpenConnections)
	}
	if st.Executed == 0 {
		t.Fatal("expected executed counter to move")
	}
	if st.QueueCapacity != 1000 {
		t.Fatalf("expected default queue capacity, got %d", st.QueueCapacity)
	}
}

func TestGatewayCgoSQLiteDriver(t *testing.T) {
	g := newTestGateway(t, func(c *Config) {
		c.Driver = DriverSQLite3
		c.DSN = SQLiteDSN(DriverSQLite3, filepath.Join(t.TempDir(), "cgo.db"))
	})
	pid := seedPlacementRow(t, g)
	id, err := g.Insert(context.Background(), TableInsightHistory, map[string]any{
		"push_id":     pid,
		"views":       10,
		"shares":      1,
		"recorded_at": time.Now().UTC(),
	})
	if err != nil || id <= 0 {
		t.Fatalf("insert via sqlite3: id=%d err=%v", id, err)
	}
}
