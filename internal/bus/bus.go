// Package bus provides the async event bus between the platform transport,
// the engines and the notifier.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MessageBus decouples the platform transport from the engines (inbound) and
// the engines from the notification sinks (outbound).
type MessageBus struct {
	inbound  chan Event
	outbound chan *Notification
	subs     []func(*Notification)
	running  bool
	dropped  atomic.Int64
	mu       sync.RWMutex
}

// NewMessageBus creates a bus with the given channel capacities. Non-positive
// sizes fall back to 100.
func NewMessageBus(inboundSize, outboundSize int) *MessageBus {
	if inboundSize <= 0 {
		inboundSize = 100
	}
	if outboundSize <= 0 {
		outboundSize = 100
	}
	return &MessageBus{
		inbound:  make(chan Event, inboundSize),
		outbound: make(chan *Notification, outboundSize),
	}
}

// PublishInbound hands a platform event to the engines. It blocks while the
// inbound buffer is full so the transport applies backpressure.
func (b *MessageBus) PublishInbound(ctx context.Context, ev Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	select {
	case b.inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until an event is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (Event, error) {
	select {
	case ev := <-b.inbound:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// PublishOutbound queues a notification. Engines must never stall on the
// notifier, so a full buffer drops the notification.
func (b *MessageBus) PublishOutbound(n *Notification) {
	if n == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case b.outbound <- n:
	default:
		b.dropped.Add(1)
		slog.Warn("Outbound notification dropped: buffer full", "kind", n.Kind)
	}
}

// Subscribe registers a callback for outbound notifications.
func (b *MessageBus) Subscribe(callback func(*Notification)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, callback)
}

// DispatchOutbound runs the outbound dispatcher until ctx is done, then drains
// what is already buffered.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			b.drain()
			return ctx.Err()
		case n := <-b.outbound:
			b.deliver(n)
		}
	}
}

func (b *MessageBus) drain() {
	for {
		select {
		case n := <-b.outbound:
			b.deliver(n)
		default:
			return
		}
	}
}

func (b *MessageBus) deliver(n *Notification) {
	b.mu.RLock()
	callbacks := b.subs
	b.mu.RUnlock()
	for _, cb := range callbacks {
		cb(n)
	}
}

// Running reports whether DispatchOutbound is active.
func (b *MessageBus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// InboundSize returns the number of pending inbound events.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound notifications.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}

// Dropped returns how many outbound notifications were discarded.
func (b *MessageBus) Dropped() int64 {
	return b.dropped.Load()
}
