package platform

import (
	"context"
	"testing"
	"time"

	"github.com/KafClaw/pushwatch/internal/bus"
)

func TestDialerFor(t *testing.T) {
	d, err := dialerFor(KafkaConfig{})
	if err != nil {
		t.Fatalf("plaintext dialer: %v", err)
	}
	if d.TLS != nil || d.SASLMechanism != nil {
		t.Fatalf("plaintext dialer should have no TLS or SASL: %+v", d)
	}

	d, err = dialerFor(KafkaConfig{SecurityProtocol: "SASL_SSL", SASLMechanism: "SCRAM-SHA-512", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("scram dialer: %v", err)
	}
	if d.TLS == nil || d.SASLMechanism == nil || d.SASLMechanism.Name() != "SCRAM-SHA-512" {
		t.Fatalf("unexpected scram dialer: %+v", d)
	}

	if _, err := dialerFor(KafkaConfig{SecurityProtocol: "SASL_SSL"}); err == nil {
		t.Fatal("expected error for missing mechanism")
	}
	if _, err := dialerFor(KafkaConfig{SASLMechanism: "GSSAPI"}); err == nil {
		t.Fatal("expected error for unsupported mechanism")
	}
}

func TestNewKafkaSourceValidates(t *testing.T) {
	if _, err := NewKafkaSource(KafkaConfig{Topic: "t"}, nil); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaSource(KafkaConfig{Brokers: "localhost:9092"}, nil); err == nil {
		t.Fatal("expected error without topic")
	}
	src, err := NewKafkaSource(KafkaConfig{Brokers: "localhost:9092, ", Topic: "platform.events", GroupID: "pushwatch"}, nil)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	_ = src.Close()
}

func TestChannelSourceDeliversToBus(t *testing.T) {
	b := bus.NewMessageBus(4, 4)
	src := NewChannelSource(4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, b) }()

	src.Send(bus.NewPostEvent(bus.NewPost{ChannelID: "1", MessageID: "2"}))
	ev, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ev.Kind != bus.EventNewPost || ev.Post.MessageID != "2" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	_ = src.Close()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
