// Package storage is the single access point to the relational store: a
// queued, rate-limited, retrying gateway over database/sql plus the typed
// queries both engines run through it.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/KafClaw/pushwatch/internal/clock"
)

// Config tunes the gateway. Zero fields take the DefaultConfig values.
type Config struct {
	Driver          string        `json:"driver" envconfig:"DRIVER"`
	DSN             string        `json:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `json:"maxOpenConns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"maxIdleConns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" envconfig:"CONN_MAX_LIFETIME"`
	AcquireTimeout  time.Duration `json:"acquireTimeout" envconfig:"ACQUIRE_TIMEOUT"`
	QueueSize       int           `json:"queueSize" envconfig:"QUEUE_SIZE"`
	QueueRate       float64       `json:"queueRate" envconfig:"QUEUE_RATE"`
	QueueBurst      int           `json:"queueBurst" envconfig:"QUEUE_BURST"`
	StaleAfter      time.Duration `json:"staleAfter" envconfig:"STALE_AFTER"`
	MaxRetries      int           `json:"maxRetries" envconfig:"MAX_RETRIES"`
	RetryBaseDelay  time.Duration `json:"retryBaseDelay" envconfig:"RETRY_BASE_DELAY"`
	RetryMaxDelay   time.Duration `json:"retryMaxDelay" envconfig:"RETRY_MAX_DELAY"`
	ConnectAttempts int           `json:"connectAttempts" envconfig:"CONNECT_ATTEMPTS"`
	ConnectDelay    time.Duration `json:"connectDelay" envconfig:"CONNECT_DELAY"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AcquireTimeout:  10 * time.Second,
		QueueSize:       1000,
		QueueRate:       200,
		QueueBurst:      20,
		StaleAfter:      30 * time.Second,
		MaxRetries:      3,
		RetryBaseDelay:  200 * time.Millisecond,
		RetryMaxDelay:   5 * time.Second,
		ConnectAttempts: 5,
		ConnectDelay:    2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.QueueRate <= 0 {
		c.QueueRate = d.QueueRate
	}
	if c.QueueBurst <= 0 {
		c.QueueBurst = d.QueueBurst
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = d.ConnectDelay
	}
	return c
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Option customises a Gateway.
type Option func(*Gateway)

// WithClock sets the clock used for staleness checks and backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = clock.OrReal(c) }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// Gateway serialises connection checkout through a bounded FIFO queue drained
// by one rate-limited consumer, executes each request on its own checked-out
// connection, and retries connection-class failures with exponential backoff.
type Gateway struct {
	cfg     Config
	dialect dialect
	openDB  sqlOpenFunc
	clock   clock.Clock
	logger  *slog.Logger

	connectMu sync.Mutex
	mu        sync.RWMutex
	db        *sql.DB
	queue     *requestQueue
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
	inflight  sync.WaitGroup

	executed atomic.Int64
	failed   atomic.Int64
	retries  atomic.Int64
	dropped  atomic.Int64
	stale    atomic.Int64
}

// New validates cfg and returns a disconnected gateway.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	cfg = cfg.withDefaults()
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage: dsn is required")
	}
	g := &Gateway{
		cfg:     cfg,
		dialect: d,
		openDB:  sql.Open,
		clock:   clock.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Connect opens the pool, retrying with a fixed delay up to ConnectAttempts.
// Calling Connect on a connected gateway is a no-op.
func (g *Gateway) Connect(ctx context.Context) error {
	g.connectMu.Lock()
	defer g.connectMu.Unlock()

	if g.Connected() {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= g.cfg.ConnectAttempts; attempt++ {
		db, err := g.open(ctx)
		if err == nil {
			g.install(db)
			g.logger.Info("Storage connected", "driver", g.dialect.driverName, "attempt", attempt)
			return nil
		}
		lastErr = err
		g.logger.Warn("Storage connect attempt failed", "attempt", attempt, "of", g.cfg.ConnectAttempts, "error", err)
		if attempt < g.cfg.ConnectAttempts {
			if serr := g.clock.Sleep(ctx, g.cfg.ConnectDelay); serr != nil {
				return fmt.Errorf("%w: %v", ErrConnectFailed, serr)
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, g.cfg.ConnectAttempts, lastErr)
}

func (g *Gateway) open(ctx context.Context) (*sql.DB, error) {
	db, err := g.openDB(g.dialect.driverName, g.cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(g.cfg.MaxOpenConns)
	db.SetMaxIdleConns(g.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(g.cfg.ConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, g.cfg.AcquireTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (g *Gateway) install(db *sql.DB) {
	loopCtx, cancel := context.WithCancel(context.Background())
	limiter := rate.NewLimiter(rate.Limit(g.cfg.QueueRate), g.cfg.QueueBurst)
	queue := newRequestQueue(g.cfg.QueueSize)
	done := make(chan struct{})

	g.mu.Lock()
	g.db = db
	g.queue = queue
	g.stopLoop = cancel
	g.loopDone = done
	g.mu.Unlock()

	go g.consume(loopCtx, queue, db, limiter, done)
}

// Close stops the consumer, fails queued requests with ErrNotConnected, waits
// for in-flight requests and closes the pool.
func (g *Gateway) Close() error {
	g.connectMu.Lock()
	defer g.connectMu.Unlock()

	g.mu.Lock()
	db, queue, stop, done := g.db, g.queue, g.stopLoop, g.loopDone
	g.db, g.queue, g.stopLoop, g.loopDone = nil, nil, nil, nil
	g.mu.Unlock()

	if db == nil {
		return nil
	}
	for _, r := range queue.close() {
		r.finish(ErrNotConnected)
	}
	stop()
	<-done
	g.inflight.Wait()
	return db.Close()
}

// Reconnect closes the pool and connects again.
func (g *Gateway) Reconnect(ctx context.Context) error {
	if err := g.Close(); err != nil {
		g.logger.Warn("Storage close before reconnect failed", "error", err)
	}
	return g.Connect(ctx)
}

// Connected reports whether the pool is open.
func (g *Gateway) Connected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.db != nil
}

// Dialect returns "sqlite" or "postgres".
func (g *Gateway) Dialect() string {
	return g.dialect.name
}

func (g *Gateway) handle() *sql.DB {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.db
}

func (g *Gateway) consume(ctx context.Context, q *requestQueue, db *sql.DB, limiter *rate.Limiter, done chan struct{}) {
	defer close(done)
	for {
		r, ok := q.pop(ctx)
		if !ok {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			r.finish(ErrNotConnected)
			return
		}
		if err := r.ctx.Err(); err != nil {
			r.finish(err)
			continue
		}
		if waited := g.clock.Now().Sub(r.enqueuedAt); waited > g.cfg.StaleAfter {
			g.stale.Add(1)
			g.logger.Warn("Storage request expired in queue", "op", r.label, "waited", waited)
			r.finish(fmt.Errorf("%w: waited %s", ErrQueueTimeout, waited))
			continue
		}

		// Checkout happens on the consumer so only one queued request at a
		// time waits on the pool; execution proceeds concurrently.
		conn, err := g.checkout(r.ctx, db)
		g.inflight.Add(1)
		go func(r *request, conn *sql.Conn, err error) {
			defer g.inflight.Done()
			r.finish(g.execute(r, db, conn, err))
		}(r, conn, err)
	}
}

func (g *Gateway) execute(r *request, db *sql.DB, conn *sql.Conn, err error) error {
	for attempt := 0; ; attempt++ {
		if err == nil {
			err = runScoped(r.ctx, conn, r.fn)
		}
		if err == nil {
			g.executed.Add(1)
			return nil
		}
		if !IsConnectionError(err) || r.ctx.Err() != nil || attempt >= g.cfg.MaxRetries {
			g.failed.Add(1)
			return err
		}
		delay := g.backoff(attempt)
		g.retries.Add(1)
		g.logger.Warn("Storage connection fault, retrying", "op", r.label, "attempt", attempt+1, "delay", delay, "error", err)
		if serr := g.clock.Sleep(r.ctx, delay); serr != nil {
			g.failed.Add(1)
			return err
		}
		conn, err = g.checkout(r.ctx, db)
	}
}

// runScoped runs fn on conn and always returns the connection to the pool,
// including when fn panics.
func runScoped(ctx context.Context, conn *sql.Conn, fn func(context.Context, *sql.Conn) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("storage: request panicked: %v", p)
		}
		if cerr := conn.Close(); cerr != nil && err == nil && !errors.Is(cerr, sql.ErrConnDone) {
			err = cerr
		}
	}()
	return fn(ctx, conn)
}

func (g *Gateway) checkout(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.AcquireTimeout)
	defer cancel()
	conn, err := db.Conn(cctx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("storage: connection checkout timed out after %s: %w", g.cfg.AcquireTimeout, err)
		}
		return nil, err
	}
	return conn, nil
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= g.cfg.RetryMaxDelay {
			return g.cfg.RetryMaxDelay
		}
	}
	if d > g.cfg.RetryMaxDelay {
		return g.cfg.RetryMaxDelay
	}
	return d
}

func (g *Gateway) submit(ctx context.Context, label string, fn func(context.Context, *sql.Conn) error) error {
	g.mu.RLock()
	q := g.queue
	g.mu.RUnlock()
	if q == nil {
		return ErrNotConnected
	}

	r := &request{
		ctx:        ctx,
		label:      label,
		fn:         fn,
		enqueuedAt: g.clock.Now(),
		done:       make(chan error, 1),
	}
	dropped, ok := q.push(r)
	if !ok {
		return ErrNotConnected
	}
	if dropped != nil {
		g.dropped.Add(1)
		g.logger.Warn("Storage queue full, dropped oldest request", "op", dropped.label, "capacity", g.cfg.QueueSize)
		dropped.finish(ErrQueueDropped)
	}

	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query runs a read through the queue. scan receives the result set and
// iterates it; it may run more than once when a connection fault is retried,
// so it must reset whatever it accumulates.
func (g *Gateway) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	q := g.dialect.rebind(query)
	return g.submit(ctx, "query", func(ctx context.Context, conn *sql.Conn) error {
		return queryWith(ctx, conn, q, args, scan)
	})
}

// Exec runs a statement through the queue and returns the affected row count.
func (g *Gateway) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	q := g.dialect.rebind(query)
	var affected int64
	err := g.submit(ctx, "exec", func(ctx context.Context, conn *sql.Conn) error {
		n, err := execWith(ctx, conn, q, args)
		affected = n
		return err
	})
	return affected, err
}

// Insert writes record into an allow-listed table and returns the new row id.
func (g *Gateway) Insert(ctx context.Context, table string, record map[string]any) (int64, error) {
	q, args, err := buildInsert(g.dialect, table, record)
	if err != nil {
		return 0, err
	}
	var id int64
	err = g.submit(ctx, "insert:"+table, func(ctx context.Context, conn *sql.Conn) error {
		v, err := insertWith(ctx, conn, g.dialect, q, args)
		id = v
		return err
	})
	return id, err
}

// Update sets record on rows of an allow-listed table matching every
// column/value pair in match, and returns the affected row count.
func (g *Gateway) Update(ctx context.Context, table string, record, match map[string]any) (int64, error) {
	q, args, err := buildUpdate(g.dialect, table, record, match)
	if err != nil {
		return 0, err
	}
	var affected int64
	err = g.submit(ctx, "update:"+table, func(ctx context.Context, conn *sql.Conn) error {
		n, err := execWith(ctx, conn, q, args)
		affected = n
		return err
	})
	return affected, err
}

// Ping is a liveness probe that bypasses the queue. It never fails loudly.
func (g *Gateway) Ping(ctx context.Context) bool {
	db := g.handle()
	if db == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, g.cfg.AcquireTimeout)
	defer cancel()
	defer func() { _ = recover() }()
	return db.PingContext(pctx) == nil
}

// Transaction runs fn inside a transaction on one checked-out connection. fn's
// error rolls back and is returned; success commits. The connection is always
// released.
func (g *Gateway) Transaction(ctx context.Context, fn func(*Tx) error) (err error) {
	db := g.handle()
	if db == nil {
		return ErrNotConnected
	}
	conn, err := g.checkout(ctx, db)
	if err != nil {
		return err
	}
	defer conn.Close()

	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: sqlTx, d: g.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			g.logger.Warn("Storage rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// PoolStats is the gateway's public health view: pool counters from
// database/sql plus queue and retry counters.
type PoolStats struct {
	Connected          bool          `json:"connected"`
	Driver             string        `json:"driver"`
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	QueueDepth         int           `json:"queue_depth"`
	QueueCapacity      int           `json:"queue_capacity"`
	Executed           int64         `json:"executed"`
	Failed             int64         `json:"failed"`
	Retries            int64         `json:"retries"`
	Dropped            int64         `json:"dropped"`
	Stale              int64         `json:"stale"`
}

// Stats returns the current PoolStats.
func (g *Gateway) Stats() PoolStats {
	g.mu.RLock()
	db, q := g.db, g.queue
	g.mu.RUnlock()

	st := PoolStats{
		Driver:        g.dialect.driverName,
		QueueCapacity: g.cfg.QueueSize,
		Executed:      g.executed.Load(),
		Failed:        g.failed.Load(),
		Retries:       g.retries.Load(),
		Dropped:       g.dropped.Load(),
		Stale:         g.stale.Load(),
	}
	if db != nil {
		s := db.Stats()
		st.Connected = true
		st.MaxOpenConnections = s.MaxOpenConnections
		st.OpenConnections = s.OpenConnections
		st.InUse = s.InUse
		st.Idle = s.Idle
		st.WaitCount = s.WaitCount
		st.WaitDuration = s.WaitDuration
	}
	if q != nil {
		st.QueueDepth = q.len()
	}
	return st
}

// Tx is a transaction handle with the same mutation helpers as the Gateway.
// Statements run directly on the transaction's connection.
type Tx struct {
	tx *sql.Tx
	d  dialect
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execWith(ctx, t.tx, t.d.rebind(query), args)
}

// Query runs a read inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	return queryWith(ctx, t.tx, t.d.rebind(query), args, scan)
}

// Insert is Gateway.Insert inside the transaction.
func (t *Tx) Insert(ctx context.Context, table string, record map[string]any) (int64, error) {
	q, args, err := buildInsert(t.d, table, record)
	if err != nil {
		return 0, err
	}
	return insertWith(ctx, t.tx, t.d, q, args)
}

// Update is Gateway.Update inside the transaction.
func (t *Tx) Update(ctx context.Context, table string, record, match map[string]any) (int64, error) {
	q, args, err := buildUpdate(t.d, table, record, match)
	if err != nil {
		return 0, err
	}
	return execWith(ctx, t.tx, q, args)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryWith(ctx context.Context, ex execer, q string, args []any, scan func(*sql.Rows) error) error {
	rows, err := ex.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	if err := scan(rows); err != nil {
		return err
	}
	return rows.Err()
}

func execWith(ctx context.Context, ex execer, q string, args []any) (int64, error) {
	res, err := ex.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func insertWith(ctx context.Context, ex execer, d dialect, q string, args []any) (int64, error) {
	if d.returning {
		var id int64
		if err := ex.QueryRowContext(ctx, q, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := ex.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func checkTable(table string) error {
	if _, ok := allowedTables[table]; !ok {
		return fmt.Errorf("%w: %q", ErrTableNotAllowed, table)
	}
	return nil
}

func sortedColumns(record map[string]any) ([]string, error) {
	cols := make([]string, 0, len(record))
	for k := range record {
		if !validIdent(k) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidColumn, k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, nil
}

func buildInsert(d dialect, table string, record map[string]any) (string, []any, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	if len(record) == 0 {
		return "", nil, ErrEmptyRecord
	}
	cols, err := sortedColumns(record)
	if err != nil {
		return "", nil, err
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = record[c]
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders(len(cols)))
	if d.returning {
		q += " RETURNING id"
	}
	return d.rebind(q), args, nil
}

func buildUpdate(d dialect, table string, record, match map[string]any) (string, []any, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	if len(record) == 0 {
		return "", nil, ErrEmptyRecord
	}
	if len(match) == 0 {
		return "", nil, ErrEmptyCondition
	}
	setCols, err := sortedColumns(record)
	if err != nil {
		return "", nil, err
	}
	whereCols, err := sortedColumns(match)
	if err != nil {
		return "", nil, err
	}

	args := make([]any, 0, len(setCols)+len(whereCols))
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		sets[i] = c + " = ?"
		args = append(args, record[c])
	}
	preds := make([]string, len(whereCols))
	for i, c := range whereCols {
		preds[i] = c + " = ?"
		args = append(args, match[c])
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), strings.Join(preds, " AND "))
	return d.rebind(q), args, nil
}
