package platform

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/KafClaw/pushwatch/internal/bus"
)

// Source delivers platform events onto the bus until ctx is done.
type Source interface {
	Run(ctx context.Context, b *bus.MessageBus) error
	Close() error
}

// KafkaConfig selects the topic carrying platform events and how to reach it.
type KafkaConfig struct {
	Brokers          string `json:"brokers" envconfig:"BROKERS"`
	Topic            string `json:"topic" envconfig:"TOPIC"`
	GroupID          string `json:"groupId" envconfig:"GROUP_ID"`
	SecurityProtocol string `json:"securityProtocol" envconfig:"SECURITY_PROTOCOL"`
	SASLMechanism    string `json:"saslMechanism" envconfig:"SASL_MECHANISM"`
	Username         string `json:"username" envconfig:"USERNAME"`
	Password         string `json:"password" envconfig:"PASSWORD"`
	CAFile           string `json:"caFile" envconfig:"CA_FILE"`
}

// KafkaSource consumes JSON platform events from a Kafka topic with a
// consumer group, committing each message after it is handed to the bus.
type KafkaSource struct {
	reader *kafka.Reader
	topic  string
	logger *slog.Logger
}

// NewKafkaSource builds a reader for cfg.
func NewKafkaSource(cfg KafkaConfig, logger *slog.Logger) (*KafkaSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var brokers []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	dialer, err := dialerFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		Dialer:   dialer,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaSource{reader: reader, topic: cfg.Topic, logger: logger}, nil
}

// Run implements Source. Undecodable messages are logged, committed and
// skipped.
func (s *KafkaSource) Run(ctx context.Context, b *bus.MessageBus) error {
	s.logger.Info("Kafka source started", "topic", s.topic)
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Kafka source: fetch error", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := DecodeEvent(msg.Value)
		if err != nil {
			s.logger.Warn("Kafka source: undecodable event", "topic", s.topic, "offset", msg.Offset, "error", err)
		} else {
			if ev.TraceID == "" && len(msg.Key) > 0 {
				ev.TraceID = string(msg.Key)
			}
			if err := b.PublishInbound(ctx, ev); err != nil {
				return nil
			}
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Warn("Kafka source: commit failed", "topic", s.topic, "offset", msg.Offset, "error", err)
		}
	}
}

// Close stops the reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

func dialerFor(cfg KafkaConfig) (*kafka.Dialer, error) {
	proto := strings.ToUpper(strings.TrimSpace(cfg.SecurityProtocol))
	if proto == "" {
		proto = "PLAINTEXT"
	}

	var tlsConf *tls.Config
	if proto == "SSL" || proto == "SASL_SSL" {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.CAFile != "" {
			pem, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("load CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, errors.New("bad CA PEM")
			}
			tlsConf.RootCAs = pool
		}
	}

	var mech sasl.Mechanism
	switch strings.ToUpper(strings.TrimSpace(cfg.SASLMechanism)) {
	case "":
		if proto == "SASL_SSL" || proto == "SASL_PLAINTEXT" {
			return nil, fmt.Errorf("missing sasl mechanism for security protocol %s", proto)
		}
	case "PLAIN":
		mech = plain.Mechanism{Username: cfg.Username, Password: cfg.Password}
	case "SCRAM-SHA-256":
		m, err := scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
		if err != nil {
			return nil, err
		}
		mech = m
	case "SCRAM-SHA-512":
		m, err := scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
		if err != nil {
			return nil, err
		}
		mech = m
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism: %s", cfg.SASLMechanism)
	}

	return &kafka.Dialer{
		Timeout:       8 * time.Second,
		DualStack:     true,
		TLS:           tlsConf,
		SASLMechanism: mech,
	}, nil
}

// ChannelSource is an in-process Source backed by a Go channel.
type ChannelSource struct {
	ch chan bus.Event
}

// NewChannelSource creates an in-process source.
func NewChannelSource(size int) *ChannelSource {
	if size <= 0 {
		size = 100
	}
	return &ChannelSource{ch: make(chan bus.Event, size)}
}

// Send queues an event for delivery.
func (c *ChannelSource) Send(ev bus.Event) {
	c.ch <- ev
}

// Run implements Source. It returns when ctx is done or the source is closed.
func (c *ChannelSource) Run(ctx context.Context, b *bus.MessageBus) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.ch:
			if !ok {
				return nil
			}
			if err := b.PublishInbound(ctx, ev); err != nil {
				return nil
			}
		}
	}
}

// Close implements Source.
func (c *ChannelSource) Close() error {
	close(c.ch)
	return nil
}
