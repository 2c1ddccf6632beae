package detector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/KafClaw/pushwatch/internal/platform"
	"github.com/KafClaw/pushwatch/internal/storage"
)

// MatchResult is the outcome of a placement lookup for one forwarded post.
// Negative results are cached like positive ones.
type MatchResult struct {
	Detected        bool
	PlacementID     int64
	CampaignName    string
	OriginChannelID string
	OriginMessageID string
	ChannelID       string
}

type matchKey struct {
	originChannel string
	originMessage string
	observed      string
}

// parseEditedIDs decodes a stored edited-message list. Entries may be JSON
// strings or numbers.
func parseEditedIDs(raw string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("edited message ids: %w", err)
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			ids = append(ids, strings.TrimSpace(v))
		case json.Number:
			ids = append(ids, v.String())
		default:
			return nil, fmt.Errorf("edited message ids: unexpected element %T", it)
		}
	}
	return ids, nil
}

// candidateMatches reports whether the forward origin identifies c. An edit
// record supersedes the content's own reference: only the edited ids match.
func candidateMatches(c storage.Candidate, originChannel, originMessage string) (bool, error) {
	if c.HasEdit() {
		ids, err := parseEditedIDs(c.EditedMessageIDs)
		if err != nil {
			return false, err
		}
		channel := c.EditedChannelID
		if strings.TrimSpace(channel) == "" {
			channel = c.ForwardChannelID
		}
		if strings.TrimSpace(channel) == "" {
			channel = c.ContentChannelID
		}
		if platform.NormalizeChannelID(channel) != originChannel {
			return false, nil
		}
		for _, id := range ids {
			if id == originMessage {
				return true, nil
			}
		}
		return false, nil
	}

	channel, message := c.ForwardChannelID, c.ForwardMessageID
	if strings.TrimSpace(channel) == "" || strings.TrimSpace(message) == "" {
		channel, message = c.ContentChannelID, c.ContentMessageID
	}
	return platform.NormalizeChannelID(channel) == originChannel &&
		platform.NormalizeMessageID(message) == originMessage, nil
}
