package storage

import "time"

// Campaign lifecycle statuses.
const (
	CampaignOnGoing = "ON_GOING"
	CampaignShot    = "SHOT"
	CampaignPause   = "PAUSE"
	CampaignEnded   = "ENDED"
)

// Placement statuses. A placement only moves forward through this list.
const (
	PlacementPending  = "PENDING"
	PlacementApproved = "APPROVED"
	PlacementDetected = "DETECTED"
)

// Detection types.
const (
	DetectionPlacement = "PLACEMENT"
	DetectionRemove    = "REMOVE"
)

// Media visibility classes.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Candidate is one active placement on an observed channel together with the
// content reference it should match against.
type Candidate struct {
	PlacementID  int64
	CampaignName string
	// EditedChannelID and EditedMessageIDs hold the post-publication edit
	// record. EditedMessageIDs is the raw stored JSON array and may be
	// malformed.
	EditedChannelID  string
	EditedMessageIDs string
	ContentChannelID string
	ContentMessageID string
	ForwardChannelID string
	ForwardMessageID string
}

// HasEdit reports whether the placement carries an edit record.
func (c Candidate) HasEdit() bool {
	return c.EditedMessageIDs != ""
}

// Detection is a PLACEMENT or REMOVE observation.
type Detection struct {
	ID          int64
	Type        string
	PlacementID int64
	PostID      string
	ActionAt    time.Time
	DetectedBy  string
}

func (d Detection) record() map[string]any {
	return map[string]any{
		"type":        d.Type,
		"push_id":     d.PlacementID,
		"post_id":     d.PostID,
		"action_at":   d.ActionAt.UTC(),
		"detected_by": d.DetectedBy,
	}
}

// DetectedPost is a PLACEMENT detection joined with its placement's campaign.
type DetectedPost struct {
	PlacementID  int64
	PostID       string
	CampaignName string
}

// TrackedPlacement is a DETECTED placement due for metrics reconciliation.
type TrackedPlacement struct {
	PlacementID  int64
	CampaignName string
	ChannelID    string
	Handle       string
}

// Insight is one append-only engagement sample.
type Insight struct {
	ID          int64
	PlacementID int64
	Views       int64
	Shares      int64
	RecordedAt  time.Time
}

func (i Insight) record() map[string]any {
	return map[string]any{
		"push_id":     i.PlacementID,
		"views":       i.Views,
		"shares":      i.Shares,
		"recorded_at": i.RecordedAt.UTC(),
	}
}
