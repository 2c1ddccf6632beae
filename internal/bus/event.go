package bus

import "time"

// EventKind is the closed set of platform events the engines understand. The
// transport adapter decides the kind once; nothing downstream inspects raw
// payload types.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventNewPost
	EventDeletion
)

func (k EventKind) String() string {
	switch k {
	case EventNewPost:
		return "new_post"
	case EventDeletion:
		return "deletion"
	default:
		return "unknown"
	}
}

// ForwardOrigin identifies the channel post a re-post was forwarded from.
type ForwardOrigin struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// NewPost is a message that appeared in a channel.
type NewPost struct {
	ChannelID   string         `json:"channel_id"`
	MessageID   string         `json:"message_id"`
	Date        time.Time      `json:"date"`
	Views       int            `json:"views"`
	Forwards    int            `json:"forwards"`
	Outgoing    bool           `json:"outgoing"`
	ChannelPost bool           `json:"channel_post"`
	FwdFrom     *ForwardOrigin `json:"fwd_from,omitempty"`
}

// Deletion lists messages removed from a channel.
type Deletion struct {
	ChannelID  string    `json:"channel_id"`
	MessageIDs []string  `json:"message_ids"`
	Date       time.Time `json:"date"`
}

// Event is a tagged union over the platform event kinds. Exactly the payload
// matching Kind is set.
type Event struct {
	Kind       EventKind
	Post       *NewPost
	Deletion   *Deletion
	TraceID    string
	ReceivedAt time.Time
}

// NewPostEvent wraps p as an Event.
func NewPostEvent(p NewPost) Event {
	return Event{Kind: EventNewPost, Post: &p}
}

// DeletionEvent wraps d as an Event.
func DeletionEvent(d Deletion) Event {
	return Event{Kind: EventDeletion, Deletion: &d}
}
