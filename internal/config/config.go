// Package config loads pushwatch configuration: defaults, then an optional
// JSON file, then PUSHWATCH_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/KafClaw/pushwatch/internal/detector"
	"github.com/KafClaw/pushwatch/internal/health"
	"github.com/KafClaw/pushwatch/internal/platform"
	"github.com/KafClaw/pushwatch/internal/reconciler"
	"github.com/KafClaw/pushwatch/internal/scheduler"
	"github.com/KafClaw/pushwatch/internal/storage"
)

// Config is the root configuration. Durations in the JSON file are
// nanosecond integers; environment variables accept Go duration strings.
type Config struct {
	Database   storage.Config       `json:"database"`
	Platform   PlatformConfig       `json:"platform"`
	Kafka      platform.KafkaConfig `json:"kafka"`
	Notify     NotifyConfig         `json:"notify"`
	Membership MembershipConfig     `json:"membership"`
	Detector   detector.Config      `json:"detector"`
	Reconciler reconciler.Config    `json:"reconciler"`
	Health     health.Config        `json:"health"`
	Gateway    GatewayConfig        `json:"gateway"`
	Scheduler  SchedulerConfig      `json:"scheduler"`
	Log        LogConfig            `json:"log"`
}

// PlatformConfig points at the messaging-platform bridge.
type PlatformConfig struct {
	BridgeURL string        `json:"bridgeUrl" envconfig:"BRIDGE_URL"`
	Token     string        `json:"token" envconfig:"TOKEN"`
	Timeout   time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	// Medium names the placement medium rows are tracked under.
	Medium string `json:"medium" envconfig:"MEDIUM"`
	// Source selects where events come from: "kafka" or "none".
	Source string `json:"source" envconfig:"SOURCE"`
	// InboundBuffer and OutboundBuffer size the event bus channels.
	InboundBuffer  int `json:"inboundBuffer" envconfig:"INBOUND_BUFFER"`
	OutboundBuffer int `json:"outboundBuffer" envconfig:"OUTBOUND_BUFFER"`
}

// NotifyConfig routes operator notifications.
type NotifyConfig struct {
	SlackToken           string        `json:"slackToken" envconfig:"SLACK_TOKEN"`
	SlackChannel         string        `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
	SlackAPIURL          string        `json:"slackApiUrl" envconfig:"SLACK_API_URL"`
	AdminPeer            string        `json:"adminPeer" envconfig:"ADMIN_PEER"`
	MaxAttempts          int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	MaxWait              time.Duration `json:"maxWait" envconfig:"MAX_WAIT"`
	SendTimeout          time.Duration `json:"sendTimeout" envconfig:"SEND_TIMEOUT"`
	PlacementsPerChannel int           `json:"placementsPerChannel" envconfig:"PLACEMENTS_PER_CHANNEL"`
	Timezone             string        `json:"timezone" envconfig:"TIMEZONE"`
}

// MembershipConfig tunes the visible-channel cache.
type MembershipConfig struct {
	TTL   time.Duration `json:"ttl" envconfig:"TTL"`
	Limit int           `json:"limit" envconfig:"LIMIT"`
}

// GatewayConfig is the HTTP listener for /metrics, /healthz and /stats.
type GatewayConfig struct {
	Enabled         bool          `json:"enabled" envconfig:"ENABLED"`
	ListenAddr      string        `json:"listenAddr" envconfig:"LISTEN_ADDR"`
	CollectInterval time.Duration `json:"collectInterval" envconfig:"COLLECT_INTERVAL"`
}

// SchedulerConfig drives the periodic jobs.
type SchedulerConfig struct {
	TickInterval time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	// ReconcileEvery runs reconciliation on a fixed interval. ReconcileCron,
	// when set, replaces it.
	ReconcileEvery time.Duration `json:"reconcileEvery" envconfig:"RECONCILE_EVERY"`
	ReconcileCron  string        `json:"reconcileCron" envconfig:"RECONCILE_CRON"`
	// LockPath guards reconciliation across processes. Empty disables it.
	LockPath string `json:"lockPath" envconfig:"LOCK_PATH"`
	// MembershipRefreshCron forces a membership reload. Empty disables it.
	MembershipRefreshCron string `json:"membershipRefreshCron" envconfig:"MEMBERSHIP_REFRESH_CRON"`
}

// Scheduler returns the scheduler package configuration.
func (s SchedulerConfig) Scheduler() scheduler.Config {
	return scheduler.Config{TickInterval: s.TickInterval}
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, err := resolveHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ConfigDir)

	db := storage.DefaultConfig()
	db.Driver = storage.DriverSQLite
	db.DSN = storage.SQLiteDSN(storage.DriverSQLite, filepath.Join(dir, "pushwatch.db"))

	return &Config{
		Database: db,
		Platform: PlatformConfig{
			BridgeURL:      "http://127.0.0.1:8081",
			Timeout:        30 * time.Second,
			Medium:         "TELEGRAM",
			Source:         "kafka",
			InboundBuffer:  1000,
			OutboundBuffer: 100,
		},
		Kafka: platform.KafkaConfig{
			Brokers: "localhost:9092",
			Topic:   "pushwatch.events",
			GroupID: "pushwatch",
		},
		Notify: NotifyConfig{
			MaxAttempts:          3,
			MaxWait:              60 * time.Second,
			SendTimeout:          2 * time.Minute,
			PlacementsPerChannel: 5,
			Timezone:             "UTC",
		},
		Membership: MembershipConfig{
			TTL:   24 * time.Hour,
			Limit: 500,
		},
		Detector:   detector.DefaultConfig(),
		Reconciler: reconciler.DefaultConfig(),
		Health:     health.DefaultConfig(),
		Gateway: GatewayConfig{
			Enabled:         true,
			ListenAddr:      "127.0.0.1:9464",
			CollectInterval: 15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval:   time.Second,
			ReconcileEvery: 10 * time.Minute,
			LockPath:       filepath.Join(dir, "reconcile.lock"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
