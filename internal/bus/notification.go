package bus

import "time"

// NotificationKind selects how a notification is rendered.
type NotificationKind string

const (
	NotifyStartup   NotificationKind = "startup"
	NotifyShutdown  NotificationKind = "shutdown"
	NotifyDetection NotificationKind = "detection"
	NotifyRemoval   NotificationKind = "removal"
	NotifyReport    NotificationKind = "report"
	NotifyHealth    NotificationKind = "health"
)

// Notification carries structured data for the notifier. Only the payload
// matching Kind is set; the notifier owns all text formatting.
type Notification struct {
	Kind      NotificationKind
	Lifecycle *LifecycleNotice
	Detection *DetectionNotice
	Removal   *RemovalNotice
	Report    *ReportNotice
	Health    *HealthNotice
	Timestamp time.Time
}

// LifecycleNotice announces process start or stop.
type LifecycleNotice struct {
	Identity string
	Version  string
	Detail   string
}

// ChannelInfo describes the channel a placement was observed in.
type ChannelInfo struct {
	ID          string
	Handle      string
	Title       string
	Visibility  string
	MemberCount int
	Known       bool
}

// DetectionNotice reports one new placement detection.
type DetectionNotice struct {
	DetectionID     int64
	PlacementID     int64
	CampaignName    string
	Channel         ChannelInfo
	PostID          string
	OriginChannelID string
	OriginMessageID string
	Views           int
	Forwards        int
	At              time.Time
}

// RemovedPlacement is one placement whose observed post was deleted.
type RemovedPlacement struct {
	PlacementID  int64
	CampaignName string
	PostID       string
}

// RemovalNotice groups every removal found in one deletion event.
type RemovalNotice struct {
	ChannelID string
	Items     []RemovedPlacement
	At        time.Time
}

// PlacementRef names a placement in a report.
type PlacementRef struct {
	ID           int64
	CampaignName string
}

// NotMemberChannel is a channel the tracking identity could not read during a
// reconciliation run, with the placements it affected.
type NotMemberChannel struct {
	ChannelID  string
	Handle     string
	Placements []PlacementRef
}

// ReportNotice summarises one reconciliation run.
type ReportNotice struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	NoRows    bool
	Total     int
	Updated   int
	Errors    int
	Deferred  int
	Skipped   int
	NotMember []NotMemberChannel
	// NotMemberOmitted counts channels left out of NotMember by the display
	// cap.
	NotMemberOmitted int
	TotalUpdates     int64
	TotalFailures    int64
}

// HealthNotice is raised when a component keeps failing its health check, or
// recovers after an alert.
type HealthNotice struct {
	Component           string
	ConsecutiveFailures int
	Error               string
	Recovered           bool
	Restarted           bool
}
