// Package notify renders bus notifications as text and delivers them to
// operator sinks with truncation and rate-limit backoff.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/pushwatch/internal/bus"
)

// Formatter renders notifications. The zero value is usable.
type Formatter struct {
	// PlacementsPerChannel caps placements listed under one not-member
	// channel in a report. Zero means 5.
	PlacementsPerChannel int
	// Location is used for timestamps. Nil means UTC.
	Location *time.Location
}

// Format returns the text for n, or "" for a notification it cannot render.
func (f Formatter) Format(n *bus.Notification) string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case bus.NotifyStartup, bus.NotifyShutdown:
		return f.lifecycle(n.Kind, n.Lifecycle)
	case bus.NotifyDetection:
		return f.detection(n.Detection)
	case bus.NotifyRemoval:
		return f.removal(n.Removal)
	case bus.NotifyReport:
		return f.report(n.Report)
	case bus.NotifyHealth:
		return f.health(n.Health)
	}
	return ""
}

func (f Formatter) ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04:05 MST")
}

func (f Formatter) lifecycle(kind bus.NotificationKind, l *bus.LifecycleNotice) string {
	if l == nil {
		l = &bus.LifecycleNotice{}
	}
	verb := "started"
	if kind == bus.NotifyShutdown {
		verb = "stopped"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pushwatch %s", verb)
	if l.Version != "" {
		fmt.Fprintf(&b, " (%s)", l.Version)
	}
	if l.Identity != "" {
		fmt.Fprintf(&b, "\nidentity: %s", l.Identity)
	}
	if l.Detail != "" {
		fmt.Fprintf(&b, "\n%s", l.Detail)
	}
	return b.String()
}

func channelLabel(c bus.ChannelInfo) string {
	switch {
	case !c.Known && c.ID != "":
		return c.ID + " (unknown channel)"
	case c.Handle != "" && c.Title != "":
		return fmt.Sprintf("%s (@%s)", c.Title, c.Handle)
	case c.Handle != "":
		return "@" + c.Handle
	case c.Title != "":
		return c.Title
	}
	return c.ID
}

func postLink(c bus.ChannelInfo, postID string) string {
	if c.Handle != "" {
		return fmt.Sprintf("https://t.me/%s/%s", c.Handle, postID)
	}
	if c.ID != "" {
		return fmt.Sprintf("https://t.me/c/%s/%s", c.ID, postID)
	}
	return ""
}

func (f Formatter) detection(d *bus.DetectionNotice) string {
	if d == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Placement detected: %s\n", d.CampaignName)
	fmt.Fprintf(&b, "channel: %s", channelLabel(d.Channel))
	if d.Channel.Known {
		fmt.Fprintf(&b, " [%s, %d members]", d.Channel.Visibility, d.Channel.MemberCount)
	}
	fmt.Fprintf(&b, "\npost: %s", d.PostID)
	if link := postLink(d.Channel, d.PostID); link != "" {
		fmt.Fprintf(&b, " %s", link)
	}
	fmt.Fprintf(&b, "\norigin: %s/%s", d.OriginChannelID, d.OriginMessageID)
	fmt.Fprintf(&b, "\nplacement #%d, views %d, forwards %d", d.PlacementID, d.Views, d.Forwards)
	fmt.Fprintf(&b, "\nat: %s", f.ts(d.At))
	return b.String()
}

func (f Formatter) removal(r *bus.RemovalNotice) string {
	if r == nil || len(r.Items) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Placement removed: %d post(s) deleted in channel %s", len(r.Items), r.ChannelID)
	for _, it := range r.Items {
		fmt.Fprintf(&b, "\n- %s: post %s (placement #%d)", it.CampaignName, it.PostID, it.PlacementID)
	}
	fmt.Fprintf(&b, "\nat: %s", f.ts(r.At))
	return b.String()
}

func (f Formatter) report(r *bus.ReportNotice) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	if r.NoRows {
		fmt.Fprintf(&b, "Stats update %s: no detected placements to refresh", shortID(r.RunID))
		return b.String()
	}
	fmt.Fprintf(&b, "Stats update %s finished in %s\n", shortID(r.RunID), r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "placements: %d, updated: %d, errors: %d, deferred: %d, skipped: %d\n",
		r.Total, r.Updated, r.Errors, r.Deferred, r.Skipped)
	fmt.Fprintf(&b, "totals: %d updates, %d failures", r.TotalUpdates, r.TotalFailures)

	if len(r.NotMember) > 0 || r.NotMemberOmitted > 0 {
		fmt.Fprintf(&b, "\n\nNot a member of %d channel(s):", len(r.NotMember)+r.NotMemberOmitted)
		perChannel := f.PlacementsPerChannel
		if perChannel <= 0 {
			perChannel = 5
		}
		for _, ch := range r.NotMember {
			label := ch.ChannelID
			if ch.Handle != "" {
				label = fmt.Sprintf("@%s (%s)", ch.Handle, ch.ChannelID)
			}
			fmt.Fprintf(&b, "\n- %s", label)
			for i, p := range ch.Placements {
				if i == perChannel {
					fmt.Fprintf(&b, "\n    +%d more", len(ch.Placements)-perChannel)
					break
				}
				fmt.Fprintf(&b, "\n    #%d %s", p.ID, p.CampaignName)
			}
		}
		if r.NotMemberOmitted > 0 {
			fmt.Fprintf(&b, "\n+%d more", r.NotMemberOmitted)
		}
	}
	return b.String()
}

func (f Formatter) health(h *bus.HealthNotice) string {
	if h == nil {
		return ""
	}
	if h.Recovered {
		return fmt.Sprintf("Recovered: %s is healthy again", h.Component)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Health alert: %s failed %d consecutive checks", h.Component, h.ConsecutiveFailures)
	if h.Error != "" {
		fmt.Fprintf(&b, "\nlast error: %s", h.Error)
	}
	if h.Restarted {
		b.WriteString("\ncaches cleared and connections re-established")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Truncate shortens text to at most limit runes, marking the cut. A limit
// of zero or less disables truncation.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	const marker = "\n…(truncated)"
	keep := limit - len([]rune(marker))
	if keep <= 0 {
		return string(runes[:limit])
	}
	return string(runes[:keep]) + marker
}
