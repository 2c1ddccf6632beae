package platform

import "strings"

// channelPrefix marks supergroup/broadcast channel ids on the wire.
const channelPrefix = "-100"

// NormalizeChannelID returns the canonical channel id used in storage and
// caches: surrounding space trimmed, then the "-100" transport prefix or a
// bare leading "-" removed.
func NormalizeChannelID(id string) string {
	id = strings.TrimSpace(id)
	switch {
	case strings.HasPrefix(id, channelPrefix) && len(id) > len(channelPrefix):
		return id[len(channelPrefix):]
	case strings.HasPrefix(id, "-"):
		return id[1:]
	default:
		return id
	}
}

// FullChannelID returns the transport form of a channel id.
func FullChannelID(id string) string {
	id = NormalizeChannelID(id)
	if id == "" {
		return ""
	}
	return channelPrefix + id
}

// NormalizeMessageID trims a message id.
func NormalizeMessageID(id string) string {
	return strings.TrimSpace(id)
}
