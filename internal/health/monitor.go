// Package health runs periodic component checks. After a run of consecutive
// failures it raises one operator alert and restarts the component's
// in-memory state through registered hooks.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/pushwatch/internal/bus"
	"github.com/KafClaw/pushwatch/internal/clock"
)

// Check probes one component. A nil error is healthy.
type Check func(ctx context.Context) error

// Hook restarts part of a component after an alert.
type Hook struct {
	Name string
	Run  func(ctx context.Context) error
}

// Publisher receives health notifications.
type Publisher interface {
	PublishOutbound(n *bus.Notification)
}

// StatusFunc mirrors every check result somewhere else, such as the
// metrics health registry.
type StatusFunc func(component string, healthy bool, message string)

// Config tunes the monitor.
type Config struct {
	Interval         time.Duration `json:"interval" envconfig:"INTERVAL"`
	FailureThreshold int           `json:"failureThreshold" envconfig:"FAILURE_THRESHOLD"`
	CheckTimeout     time.Duration `json:"checkTimeout" envconfig:"CHECK_TIMEOUT"`
}

// DefaultConfig returns monitor defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		FailureThreshold: 3,
		CheckTimeout:     5 * time.Second,
	}
}

// ComponentStatus is a snapshot of one monitored component.
type ComponentStatus struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Alerted             bool      `json:"alerted"`
	Restarts            int       `json:"restarts"`
	LastError           string    `json:"last_error,omitempty"`
	LastCheck           time.Time `json:"last_check"`
}

type component struct {
	name   string
	check  Check
	hooks  []Hook
	status ComponentStatus
}

// Monitor owns the registered components.
type Monitor struct {
	cfg      Config
	notifier Publisher
	clock    clock.Clock
	logger   *slog.Logger
	onStatus StatusFunc

	mu         sync.Mutex
	components map[string]*component
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock sets the monitor clock.
func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clock = clock.OrReal(c) } }

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStatusFunc mirrors check results through fn.
func WithStatusFunc(fn StatusFunc) Option { return func(m *Monitor) { m.onStatus = fn } }

// NewMonitor creates a monitor. notifier may be nil.
func NewMonitor(cfg Config, notifier Publisher, opts ...Option) *Monitor {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = d.CheckTimeout
	}
	m := &Monitor{
		cfg:        cfg,
		notifier:   notifier,
		clock:      clock.New(),
		logger:     slog.Default(),
		components: make(map[string]*component),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a component. Hooks run in order after an alert.
func (m *Monitor) Register(name string, check Check, hooks ...Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = &component{
		name:   name,
		check:  check,
		hooks:  hooks,
		status: ComponentStatus{Name: name, Healthy: true},
	}
}

// Run checks every component on each interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Health monitor started", "interval", m.cfg.Interval, "threshold", m.cfg.FailureThreshold)
	t := m.clock.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return nil
		case <-t.C():
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs every check once, sequentially.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.Lock()
	comps := make([]*component, 0, len(m.components))
	for _, c := range m.components {
		comps = append(comps, c)
	}
	m.mu.Unlock()
	sort.Slice(comps, func(i, j int) bool { return comps[i].name < comps[j].name })

	for _, c := range comps {
		m.checkOne(ctx, c)
	}
}

func (m *Monitor) checkOne(ctx context.Context, c *component) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	err := safeCheck(cctx, c.check)
	cancel()

	m.mu.Lock()
	c.status.LastCheck = m.clock.Now()
	if err == nil {
		recovered := c.status.Alerted
		failures := c.status.ConsecutiveFailures
		c.status.Healthy = true
		c.status.ConsecutiveFailures = 0
		c.status.Alerted = false
		c.status.LastError = ""
		m.mu.Unlock()

		m.mirror(c.name, true, "")
		if recovered {
			m.logger.Info("Component recovered", "component", c.name, "after_failures", failures)
			m.publish(&bus.HealthNotice{Component: c.name, ConsecutiveFailures: failures, Recovered: true})
		}
		return
	}

	c.status.Healthy = false
	c.status.ConsecutiveFailures++
	c.status.LastError = err.Error()
	failures := c.status.ConsecutiveFailures
	escalate := failures%m.cfg.FailureThreshold == 0
	firstAlert := escalate && !c.status.Alerted
	if escalate {
		c.status.Alerted = true
		c.status.Restarts++
	}
	hooks := c.hooks
	m.mu.Unlock()

	m.mirror(c.name, false, err.Error())
	m.logger.Warn("Health check failed", "component", c.name, "consecutive_failures", failures, "error", err)
	if !escalate {
		return
	}

	restarted := m.restart(ctx, c.name, hooks)
	if firstAlert {
		m.publish(&bus.HealthNotice{
			Component:           c.name,
			ConsecutiveFailures: failures,
			Error:               err.Error(),
			Restarted:           restarted,
		})
	}
}

// restart runs every hook and reports whether all succeeded.
func (m *Monitor) restart(ctx context.Context, name string, hooks []Hook) bool {
	ok := len(hooks) > 0
	for _, h := range hooks {
		if err := h.Run(ctx); err != nil {
			ok = false
			m.logger.Error("Restart hook failed", "component", name, "hook", h.Name, "error", err)
			continue
		}
		m.logger.Info("Restart hook ran", "component", name, "hook", h.Name)
	}
	return ok
}

func (m *Monitor) publish(n *bus.HealthNotice) {
	if m.notifier == nil {
		return
	}
	m.notifier.PublishOutbound(&bus.Notification{Kind: bus.NotifyHealth, Health: n, Timestamp: m.clock.Now()})
}

func (m *Monitor) mirror(name string, healthy bool, msg string) {
	if m.onStatus != nil {
		m.onStatus(name, healthy, msg)
	}
}

// Status returns component snapshots sorted by name.
func (m *Monitor) Status() []ComponentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ComponentStatus, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func safeCheck(ctx context.Context, check Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	if check == nil {
		return errors.New("no health check")
	}
	return check(ctx)
}

// PingCheck adapts a boolean probe such as storage.Gateway.Ping.
func PingCheck(what string, ping func(ctx context.Context) bool) Check {
	return func(ctx context.Context) error {
		if !ping(ctx) {
			return fmt.Errorf("%s unreachable", what)
		}
		return nil
	}
}
