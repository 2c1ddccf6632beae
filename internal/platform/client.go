// Package platform is the boundary to the messaging platform: the client
// contract the engines call, an HTTP bridge implementation, the Kafka event
// source and channel id normalization.
package platform

import "context"

// Visibility classifies a channel as public (has a handle) or private.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ChannelMetadata describes a channel for notifications.
type ChannelMetadata struct {
	ID          string     `json:"id"`
	Handle      string     `json:"username,omitempty"`
	Title       string     `json:"title"`
	Visibility  Visibility `json:"visibility"`
	MemberCount int        `json:"member_count"`
}

// MessageSnapshot is the live engagement state of a message.
type MessageSnapshot struct {
	Views    int64 `json:"views"`
	Forwards int64 `json:"forwards"`
}

// Client is what the engines need from the messaging platform. Channel ids
// are accepted in canonical or transport form.
type Client interface {
	// VisibleChannelIDs lists up to limit channels the identity can read.
	VisibleChannelIDs(ctx context.Context, limit int) ([]string, error)
	ChannelMetadata(ctx context.Context, channelID string) (ChannelMetadata, error)
	// MessageSnapshot returns ErrMessageNotFound, ErrChannelPrivate or a
	// *FloodWaitError for the corresponding platform conditions.
	MessageSnapshot(ctx context.Context, channelID, messageID string) (MessageSnapshot, error)
	SendMessage(ctx context.Context, destination, text string) error
}
