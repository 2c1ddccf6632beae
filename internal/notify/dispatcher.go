package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/KafClaw/pushwatch/internal/bus"
	"github.com/KafClaw/pushwatch/internal/clock"
)

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	// MaxAttempts bounds tries per sink for rate-limited sends. Zero means 3.
	MaxAttempts int
	// MaxWait caps a single rate-limit sleep. Zero means 60s.
	MaxWait time.Duration
	// SendTimeout bounds one delivery across all sinks. Zero means 2m.
	SendTimeout time.Duration
	Formatter   Formatter
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Dispatcher renders bus notifications and fans them out to every sink.
// Delivery failures are logged, never returned to the publisher.
type Dispatcher struct {
	cfg    DispatcherConfig
	sinks  []Sink
	clock  clock.Clock
	logger *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(cfg DispatcherConfig, sinks ...Sink) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, sinks: sinks, clock: clock.OrReal(cfg.Clock), logger: logger}
}

// Attach subscribes the dispatcher to b's outbound notifications.
func (d *Dispatcher) Attach(b *bus.MessageBus) {
	b.Subscribe(d.Handle)
}

// Handle is the bus subscriber callback.
func (d *Dispatcher) Handle(n *bus.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	d.Deliver(ctx, n)
}

// Deliver renders n and sends it to every sink.
func (d *Dispatcher) Deliver(ctx context.Context, n *bus.Notification) {
	text := d.cfg.Formatter.Format(n)
	if text == "" {
		return
	}
	for _, s := range d.sinks {
		if err := d.send(ctx, s, Truncate(text, s.Limit())); err != nil {
			d.failed.Add(1)
			d.logger.Warn("Notification delivery failed", "sink", s.Name(), "kind", n.Kind, "error", err)
			continue
		}
		d.sent.Add(1)
	}
}

func (d *Dispatcher) send(ctx context.Context, s Sink, text string) error {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err = s.Send(ctx, text)
		if err == nil {
			return nil
		}
		wait, retryable := retryDecision(err)
		if !retryable || attempt == d.cfg.MaxAttempts {
			return err
		}
		if wait > d.cfg.MaxWait {
			wait = d.cfg.MaxWait
		}
		d.logger.Info("Notification rate limited, backing off", "sink", s.Name(), "wait", wait, "attempt", attempt)
		if serr := d.clock.Sleep(ctx, wait); serr != nil {
			return err
		}
	}
	return err
}

// Sent returns the number of successful sink deliveries.
func (d *Dispatcher) Sent() int64 { return d.sent.Load() }

// Failed returns the number of sink deliveries that gave up.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }
