package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/pushwatch/internal/storage"
)

// isolate points PUSHWATCH_HOME at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PUSHWATCH_HOME", home)
	t.Setenv("PUSHWATCH_CONFIG", "")
	t.Setenv("PUSHWATCH_ENV_FILE", "")
	return home
}

func TestDefaultConfig(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()

	if cfg.Database.Driver != storage.DriverSQLite {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if !strings.Contains(cfg.Database.DSN, filepath.Join(home, ConfigDir, "pushwatch.db")) {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Database.StaleAfter != 30*time.Second || cfg.Database.QueueSize != 1000 {
		t.Errorf("database defaults = %+v", cfg.Database)
	}
	if cfg.Detector.MatchTTL != 5*time.Minute || cfg.Detector.DedupCapacity != 10000 {
		t.Errorf("detector defaults = %+v", cfg.Detector)
	}
	if cfg.Reconciler.RowLimit != 100 || cfg.Membership.TTL != 24*time.Hour {
		t.Errorf("reconciler/membership defaults = %+v %+v", cfg.Reconciler, cfg.Membership)
	}
	if cfg.Health.FailureThreshold != 3 {
		t.Errorf("health defaults = %+v", cfg.Health)
	}
	if cfg.Scheduler.Scheduler().TickInterval != time.Second {
		t.Errorf("scheduler tick = %s", cfg.Scheduler.TickInterval)
	}
}

func TestConfigPath(t *testing.T) {
	home := isolate(t)
	path, err := ConfigPath()
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(home, ConfigDir, ConfigFile) {
		t.Errorf("path = %q", path)
	}

	t.Setenv("PUSHWATCH_CONFIG", "~/custom/pw.json")
	path, _ = ConfigPath()
	if path != filepath.Join(home, "custom", "pw.json") {
		t.Errorf("explicit path = %q", path)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reconciler.BatchSize != 10 {
		t.Errorf("batch size = %d", cfg.Reconciler.BatchSize)
	}
}

func TestLoadFileIncludesAndSubstitutes(t *testing.T) {
	dir := isolate(t)
	t.Setenv("TEST_PW_DSN", "postgres://pw@db/pw")

	base := `{"database": {"driver": "postgres", "maxOpenConns": 20}, "reconciler": {"batchSize": 5}}`
	main := `{
		"$include": "base.json",
		"database": {"dsn": "${TEST_PW_DSN}"},
		"reconciler": {"rowLimit": 50},
		"notify": {"slackChannel": "${NOT_SET_PW_VAR}"}
	}`
	_ = os.WriteFile(filepath.Join(dir, "base.json"), []byte(base), 0o600)
	path := filepath.Join(dir, "main.json")
	_ = os.WriteFile(path, []byte(main), 0o600)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Database.Driver != storage.DriverPostgres || cfg.Database.DSN != "postgres://pw@db/pw" || cfg.Database.MaxOpenConns != 20 {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Reconciler.BatchSize != 5 || cfg.Reconciler.RowLimit != 50 {
		t.Errorf("reconciler = %+v", cfg.Reconciler)
	}
	if cfg.Notify.SlackChannel != "${NOT_SET_PW_VAR}" {
		t.Errorf("unknown token replaced: %q", cfg.Notify.SlackChannel)
	}
	if cfg.Database.QueueSize != 1000 {
		t.Errorf("unset field lost its default: %d", cfg.Database.QueueSize)
	}
}

func TestLoadFileIncludeCycle(t *testing.T) {
	dir := isolate(t)
	a := filepath.Join(dir, "a.json")
	_ = os.WriteFile(a, []byte(`{"$include": "b.json"}`), 0o600)
	_ = os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{"$include": "a.json"}`), 0o600)
	if _, err := LoadFile(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("err = %v, want include cycle", err)
	}
}

func TestLoadFileInvalidJSON(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(path, []byte(`{"database":`), 0o600)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "cfg.json")
	_ = os.WriteFile(path, []byte(`{"detector": {"workers": 2}}`), 0o600)
	t.Setenv("PUSHWATCH_DETECTOR_WORKERS", "8")
	t.Setenv("PUSHWATCH_DETECTOR_MATCH_TTL", "90s")
	t.Setenv("PUSHWATCH_RECONCILER_CAMPAIGN_STATUSES", "ON_GOING,PAUSE")
	t.Setenv("PUSHWATCH_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Detector.Workers != 8 || cfg.Detector.MatchTTL != 90*time.Second {
		t.Errorf("detector = %+v", cfg.Detector)
	}
	if got := cfg.Reconciler.CampaignStatuses; len(got) != 2 || got[1] != "PAUSE" {
		t.Errorf("campaign statuses = %v", got)
	}
	if cfg.Kafka.Brokers != "k1:9092,k2:9092" {
		t.Errorf("brokers = %q", cfg.Kafka.Brokers)
	}
}

func TestEnvFileFillsButNeverOverrides(t *testing.T) {
	dir := isolate(t)
	envPath := filepath.Join(dir, "pw.env")
	content := `
# comment
export PUSHWATCH_LOG_LEVEL=debug
PUSHWATCH_NOTIFY_SLACK_CHANNEL="#ads ops"
PUSHWATCH_LOG_FORMAT='json'
INVALID_LINE
`
	_ = os.WriteFile(envPath, []byte(content), 0o600)
	t.Setenv("PUSHWATCH_ENV_FILE", envPath)
	t.Setenv("PUSHWATCH_LOG_LEVEL", "warn")
	unset(t, "PUSHWATCH_NOTIFY_SLACK_CHANNEL")
	unset(t, "PUSHWATCH_LOG_FORMAT")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("level = %q, want process env to win", cfg.Log.Level)
	}
	if cfg.Notify.SlackChannel != "#ads ops" || cfg.Log.Format != "json" {
		t.Errorf("env file values not applied: %+v %+v", cfg.Notify, cfg.Log)
	}
}

// unset removes key for the test and restores it afterwards.
func unset(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	_ = os.Unsetenv(key)
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Notify.AdminPeer = "@ops"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Notify.AdminPeer != "@ops" {
		t.Errorf("admin peer = %q", got.Notify.AdminPeer)
	}
}

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		line     string
		key, val string
		ok       bool
	}{
		{"FOO=bar", "FOO", "bar", true},
		{"export FOO = \"quoted value\"", "FOO", "quoted value", true},
		{"FOO='x'", "FOO", "x", true},
		{"FOO=\"unbalanced'", "FOO", "\"unbalanced'", true},
		{"# comment", "", "", false},
		{"   ", "", "", false},
		{"=novalue", "", "", false},
		{"NOEQUALS", "", "", false},
	}
	for _, tc := range cases {
		key, val, ok := parseEnvLine(tc.line)
		if key != tc.key || val != tc.val || ok != tc.ok {
			t.Errorf("parseEnvLine(%q) = %q, %q, %v", tc.line, key, val, ok)
		}
	}
}
