package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/pushwatch/internal/bus"
	"github.com/KafClaw/pushwatch/internal/cache"
	"github.com/KafClaw/pushwatch/internal/clock"
	"github.com/KafClaw/pushwatch/internal/config"
	"github.com/KafClaw/pushwatch/internal/detector"
	"github.com/KafClaw/pushwatch/internal/health"
	"github.com/KafClaw/pushwatch/internal/metrics"
	"github.com/KafClaw/pushwatch/internal/notify"
	"github.com/KafClaw/pushwatch/internal/platform"
	"github.com/KafClaw/pushwatch/internal/reconciler"
	"github.com/KafClaw/pushwatch/internal/scheduler"
	"github.com/KafClaw/pushwatch/internal/storage"
)

const (
	reconcileJob  = "reconcile"
	membershipJob = "membership-refresh"
)

// App owns every long-running component of the tracker and the wiring
// between them.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	gateway    *storage.Gateway
	repo       *storage.Repository
	client     platform.Client
	source     platform.Source
	bus        *bus.MessageBus
	membership *cache.MembershipCache
	detector   *detector.Engine
	reconciler *reconciler.Reconciler
	dispatcher *notify.Dispatcher
	scheduler  *scheduler.Scheduler
	monitor    *health.Monitor
	healthz    *metrics.HealthChecker
	collector  *metrics.Collector
}

// AppOption overrides a collaborator NewApp would otherwise build from
// config.
type AppOption func(*appOptions)

type appOptions struct {
	client   platform.Client
	source   platform.Source
	clock    clock.Clock
	sinks    []notify.Sink
	sinksSet bool
}

// WithClient replaces the HTTP bridge client.
func WithClient(c platform.Client) AppOption { return func(o *appOptions) { o.client = c } }

// WithSource replaces the configured event source.
func WithSource(s platform.Source) AppOption { return func(o *appOptions) { o.source = s } }

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) AppOption { return func(o *appOptions) { o.clock = c } }

// WithSinks replaces the configured notification sinks.
func WithSinks(sinks ...notify.Sink) AppOption {
	return func(o *appOptions) {
		o.sinks = sinks
		o.sinksSet = true
	}
}

// NewApp builds and wires the components. Nothing connects until Start.
func NewApp(cfg *config.Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrReal(o.clock)
	a := &App{cfg: cfg, logger: logger, clock: clk}

	gw, err := storage.New(cfg.Database,
		storage.WithClock(clk), storage.WithLogger(logger.With("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.gateway = gw
	a.repo = storage.NewRepository(gw, cfg.Platform.Medium)

	a.client = o.client
	if a.client == nil {
		bc, err := platform.NewBridgeClient(cfg.Platform.BridgeURL, cfg.Platform.Token, cfg.Platform.Timeout)
		if err != nil {
			return nil, fmt.Errorf("platform: %w", err)
		}
		a.client = bc
	}

	a.bus = bus.NewMessageBus(cfg.Platform.InboundBuffer, cfg.Platform.OutboundBuffer)
	a.membership = cache.NewMembershipCache(a.client, cache.MembershipConfig{
		TTL:       cfg.Membership.TTL,
		Limit:     cfg.Membership.Limit,
		Normalize: platform.NormalizeChannelID,
		Clock:     clk,
		Logger:    logger.With("component", "membership"),
	})

	a.detector, err = detector.New(cfg.Detector, a.repo, a.client, a.bus,
		detector.WithClock(clk), detector.WithLogger(logger.With("component", "detector")))
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	a.reconciler, err = reconciler.New(cfg.Reconciler, a.repo, a.membership, a.client, a.bus,
		reconciler.WithClock(clk), reconciler.WithLogger(logger.With("component", "reconciler")))
	if err != nil {
		return nil, fmt.Errorf("reconciler: %w", err)
	}

	sinks := o.sinks
	if !o.sinksSet {
		if sinks, err = buildSinks(cfg.Notify, a.client); err != nil {
			return nil, err
		}
	}
	loc, err := time.LoadLocation(cfg.Notify.Timezone)
	if err != nil {
		return nil, fmt.Errorf("notify timezone: %w", err)
	}
	a.dispatcher = notify.NewDispatcher(notify.DispatcherConfig{
		MaxAttempts: cfg.Notify.MaxAttempts,
		MaxWait:     cfg.Notify.MaxWait,
		SendTimeout: cfg.Notify.SendTimeout,
		Formatter: notify.Formatter{
			PlacementsPerChannel: cfg.Notify.PlacementsPerChannel,
			Location:             loc,
		},
		Clock:  clk,
		Logger: logger.With("component", "notify"),
	}, sinks...)
	a.dispatcher.Attach(a.bus)

	a.healthz = metrics.NewHealthChecker(version)
	a.monitor = health.NewMonitor(cfg.Health, a.bus,
		health.WithClock(clk),
		health.WithLogger(logger.With("component", "health")),
		health.WithStatusFunc(a.healthz.UpdateComponent))
	a.monitor.Register("database", health.PingCheck("database", gw.Ping),
		health.Hook{Name: "detector-reset", Run: func(context.Context) error {
			a.detector.Reset()
			return nil
		}},
		health.Hook{Name: "membership-invalidate", Run: func(context.Context) error {
			a.membership.Invalidate()
			return nil
		}},
		health.Hook{Name: "gateway-reconnect", Run: gw.Reconnect},
	)

	a.scheduler = scheduler.New(cfg.Scheduler.Scheduler(), clk, logger.With("component", "scheduler"))
	if err := a.registerJobs(); err != nil {
		return nil, err
	}

	a.collector = metrics.NewCollector(metrics.Sources{
		Gateway:    gw,
		Detector:   a.detector,
		Reconciler: a.reconciler,
		Membership: a.membership,
		Bus:        a.bus,
		Notifier:   a.dispatcher,
		Scheduler:  a.scheduler,
	}, cfg.Gateway.CollectInterval)

	a.source = o.source
	if a.source == nil {
		if a.source, err = buildSource(cfg, logger); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func buildSinks(cfg config.NotifyConfig, client platform.Client) ([]notify.Sink, error) {
	var sinks []notify.Sink
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		s, err := notify.NewSlackSink(cfg.SlackToken, cfg.SlackChannel, cfg.SlackAPIURL)
		if err != nil {
			return nil, fmt.Errorf("slack sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.AdminPeer != "" {
		s, err := notify.NewPlatformSink(client, cfg.AdminPeer)
		if err != nil {
			return nil, fmt.Errorf("platform sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func buildSource(cfg *config.Config, logger *slog.Logger) (platform.Source, error) {
	switch cfg.Platform.Source {
	case "kafka":
		s, err := platform.NewKafkaSource(cfg.Kafka, logger.With("component", "kafka"))
		if err != nil {
			return nil, fmt.Errorf("kafka source: %w", err)
		}
		return s, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown event source %q", cfg.Platform.Source)
	}
}

// ensureStateDirs creates the directories holding the lock file and a file
// backed SQLite database.
func ensureStateDirs(cfg *config.Config) error {
	var paths []string
	if cfg.Scheduler.LockPath != "" {
		paths = append(paths, cfg.Scheduler.LockPath)
	}
	if p := sqlitePath(cfg.Database); p != "" {
		paths = append(paths, p)
	}
	for _, p := range paths {
		if err := config.EnsureDir(p); err != nil {
			return fmt.Errorf("create state dir for %s: %w", p, err)
		}
	}
	return nil
}

// sqlitePath extracts the file path from a SQLite DSN, or "" for other
// drivers and in-memory databases.
func sqlitePath(db storage.Config) string {
	if db.Driver != storage.DriverSQLite && db.Driver != storage.DriverSQLite3 {
		return ""
	}
	p := strings.TrimPrefix(db.DSN, "file:")
	p, _, _ = strings.Cut(p, "?")
	if p == "" || strings.Contains(p, ":memory:") {
		return ""
	}
	return p
}

func (a *App) registerJobs() error {
	sc := a.cfg.Scheduler
	job := &scheduler.Job{
		Name: reconcileJob,
		Run: func(ctx context.Context) error {
			_, err := a.reconciler.Run(ctx)
			if errors.Is(err, reconciler.ErrAlreadyRunning) {
				return scheduler.ErrSkipped
			}
			return err
		},
	}
	if sc.ReconcileCron != "" {
		expr, err := scheduler.ParseCron(sc.ReconcileCron)
		if err != nil {
			return fmt.Errorf("reconcile cron: %w", err)
		}
		job.Cron = expr
	} else {
		job.Every = sc.ReconcileEvery
	}
	if sc.LockPath != "" {
		job.Lock = scheduler.NewFileLock(sc.LockPath)
	}
	if err := a.scheduler.Register(job); err != nil {
		return err
	}

	if sc.MembershipRefreshCron == "" {
		return nil
	}
	expr, err := scheduler.ParseCron(sc.MembershipRefreshCron)
	if err != nil {
		return fmt.Errorf("membership refresh cron: %w", err)
	}
	return a.scheduler.Register(&scheduler.Job{
		Name: membershipJob,
		Cron: expr,
		Run: func(ctx context.Context) error {
			_, err := a.membership.ForceRefresh(ctx)
			return err
		},
	})
}

// Start creates local state directories, connects to the database and
// applies the schema.
func (a *App) Start(ctx context.Context) error {
	if err := ensureStateDirs(a.cfg); err != nil {
		return err
	}
	if err := a.gateway.Connect(ctx); err != nil {
		return err
	}
	if err := a.gateway.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Run runs every component until ctx is done, then drains notifications and
// announces shutdown. Start must have succeeded.
func (a *App) Run(ctx context.Context) error {
	identity := a.detector.Identity()
	a.bus.PublishOutbound(&bus.Notification{
		Kind:      bus.NotifyStartup,
		Lifecycle: &bus.LifecycleNotice{Identity: identity, Version: version},
		Timestamp: a.clock.Now(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.bus.DispatchOutbound(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.detector.Run(gctx, a.bus) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.monitor.Run(gctx) })
	if a.source != nil {
		g.Go(func() error { return a.source.Run(gctx, a.bus) })
	}
	if a.cfg.Gateway.Enabled {
		g.Go(func() error { return a.collector.Run(gctx) })
		g.Go(func() error {
			mux := metrics.NewMux(a.healthz, func() any { return a.Stats() })
			return metrics.Serve(gctx, a.cfg.Gateway.ListenAddr, mux, a.logger.With("component", "http"))
		})
	}
	a.logger.Info("pushwatch running", "identity", identity, "version", version)

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Notify.SendTimeout)
	defer cancel()
	var detail string
	if err != nil {
		detail = err.Error()
	}
	a.dispatcher.Deliver(stopCtx, &bus.Notification{
		Kind:      bus.NotifyShutdown,
		Lifecycle: &bus.LifecycleNotice{Identity: identity, Version: version, Detail: detail},
		Timestamp: a.clock.Now(),
	})
	a.logger.Info("pushwatch stopped", "stats", a.detector.Stats().String())
	return err
}

// ReconcileOnce performs a single reconciliation run and waits for its
// report to be delivered.
func (a *App) ReconcileOnce(ctx context.Context) (*bus.ReportNotice, error) {
	dctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.bus.DispatchOutbound(dctx)
	}()
	report, err := a.reconciler.Run(ctx)
	cancel()
	<-done
	return report, err
}

// Close releases the source and the database.
func (a *App) Close() error {
	var errs []error
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.gateway.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AppStats is the /stats document.
type AppStats struct {
	Version    string                   `json:"version"`
	Detector   detector.Stats           `json:"detector"`
	Reconciler reconciler.Stats         `json:"reconciler"`
	Database   storage.PoolStats        `json:"database"`
	Membership MembershipStats          `json:"membership"`
	Health     []health.ComponentStatus `json:"health"`
	Jobs       []scheduler.JobStats     `json:"jobs"`
	Notify     NotifyStats              `json:"notify"`
	BusDropped int64                    `json:"bus_dropped"`
}

// MembershipStats summarises the visible-channel cache.
type MembershipStats struct {
	Channels int     `json:"channels"`
	AgeSecs  float64 `json:"age_seconds"`
}

// NotifyStats counts notifier deliveries.
type NotifyStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Stats snapshots every component.
func (a *App) Stats() AppStats {
	age := a.membership.Age()
	ageSecs := -1.0
	if age >= 0 {
		ageSecs = age.Seconds()
	}
	return AppStats{
		Version:    version,
		Detector:   a.detector.Stats(),
		Reconciler: a.reconciler.Stats(),
		Database:   a.gateway.Stats(),
		Membership: MembershipStats{Channels: a.membership.Size(), AgeSecs: ageSecs},
		Health:     a.monitor.Status(),
		Jobs:       a.scheduler.Stats(),
		Notify:     NotifyStats{Sent: a.dispatcher.Sent(), Failed: a.dispatcher.Failed()},
		BusDropped: a.bus.Dropped(),
	}
}
