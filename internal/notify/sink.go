package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/KafClaw/pushwatch/internal/platform"
)

// Sink delivers rendered text to one destination.
type Sink interface {
	Name() string
	// Limit is the longest message the destination accepts, in runes.
	Limit() int
	Send(ctx context.Context, text string) error
}

// SlackSink posts to a Slack channel.
type SlackSink struct {
	api     *slack.Client
	channel string
}

// NewSlackSink creates a Slack sink. apiURL may be empty for the public API.
func NewSlackSink(token, channel, apiURL string) (*SlackSink, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("notify: missing slack token")
	}
	if strings.TrimSpace(channel) == "" {
		return nil, errors.New("notify: missing slack channel")
	}
	opts := []slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: 15 * time.Second})}
	if base := strings.TrimSpace(apiURL); base != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	}
	return &SlackSink{api: slack.New(token, opts...), channel: channel}, nil
}

func (s *SlackSink) Name() string { return "slack" }

// Limit follows Slack's recommended text length for chat.postMessage.
func (s *SlackSink) Limit() int { return 4000 }

func (s *SlackSink) Send(ctx context.Context, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	return err
}

// PlatformSink sends through the messaging platform itself, e.g. to an admin
// chat.
type PlatformSink struct {
	client      platform.Client
	destination string
}

// NewPlatformSink creates a sink writing to destination via client.
func NewPlatformSink(client platform.Client, destination string) (*PlatformSink, error) {
	if client == nil {
		return nil, errors.New("notify: nil platform client")
	}
	if strings.TrimSpace(destination) == "" {
		return nil, errors.New("notify: missing platform destination")
	}
	return &PlatformSink{client: client, destination: destination}, nil
}

func (s *PlatformSink) Name() string { return "platform" }

// Limit is the platform's message length cap.
func (s *PlatformSink) Limit() int { return 4096 }

func (s *PlatformSink) Send(ctx context.Context, text string) error {
	if err := s.client.SendMessage(ctx, s.destination, text); err != nil {
		return fmt.Errorf("send to %s: %w", s.destination, err)
	}
	return nil
}

// retryDecision reports whether err is a rate-limit signal and how long the
// destination asked us to wait.
func retryDecision(err error) (time.Duration, bool) {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle != nil {
		return rle.RetryAfter, true
	}
	if wait, ok := platform.AsFloodWait(err); ok {
		return wait, true
	}
	return 0, false
}
