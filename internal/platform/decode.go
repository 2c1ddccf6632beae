package platform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KafClaw/pushwatch/internal/bus"
)

// ErrUnknownEvent is returned by DecodeEvent for event types it does not model.
var ErrUnknownEvent = errors.New("platform: unknown event type")

// flexID accepts a JSON string or number.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type wireOrigin struct {
	ChannelID flexID `json:"channel_id"`
	MessageID flexID `json:"message_id"`
}

type wireEvent struct {
	Type       string      `json:"type"`
	ChannelID  flexID      `json:"channel_id"`
	MessageID  flexID      `json:"message_id"`
	MessageIDs []flexID    `json:"message_ids"`
	Date       int64       `json:"date"`
	Views      int         `json:"views"`
	Forwards   int         `json:"forwards"`
	Outgoing   bool        `json:"outgoing"`
	Post       *bool       `json:"post"`
	FwdFrom    *wireOrigin `json:"fwd_from"`
	TraceID    string      `json:"trace_id"`
}

// DecodeEvent turns a bridge JSON event into a bus.Event, normalizing every
// channel id. "post" defaults to true when absent.
func DecodeEvent(data []byte) (bus.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return bus.Event{}, fmt.Errorf("decode event: %w", err)
	}
	var at time.Time
	if w.Date > 0 {
		at = time.Unix(w.Date, 0).UTC()
	}

	var ev bus.Event
	switch w.Type {
	case "new_post", "new_channel_message", "post":
		p := bus.NewPost{
			ChannelID:   NormalizeChannelID(string(w.ChannelID)),
			MessageID:   NormalizeMessageID(string(w.MessageID)),
			Date:        at,
			Views:       w.Views,
			Forwards:    w.Forwards,
			Outgoing:    w.Outgoing,
			ChannelPost: w.Post == nil || *w.Post,
		}
		if w.FwdFrom != nil {
			p.FwdFrom = &bus.ForwardOrigin{
				ChannelID: NormalizeChannelID(string(w.FwdFrom.ChannelID)),
				MessageID: NormalizeMessageID(string(w.FwdFrom.MessageID)),
			}
		}
		ev = bus.NewPostEvent(p)
	case "deletion", "delete_channel_messages", "delete":
		d := bus.Deletion{
			ChannelID: NormalizeChannelID(string(w.ChannelID)),
			Date:      at,
		}
		for _, id := range w.MessageIDs {
			if s := NormalizeMessageID(string(id)); s != "" {
				d.MessageIDs = append(d.MessageIDs, s)
			}
		}
		ev = bus.DeletionEvent(d)
	default:
		return bus.Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Type)
	}
	ev.TraceID = w.TraceID
	return ev, nil
}
