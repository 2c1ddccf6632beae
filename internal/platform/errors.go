package platform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrChannelPrivate means the tracking identity cannot read the channel.
	ErrChannelPrivate = errors.New("platform: channel private or unreachable")
	// ErrMessageNotFound means the message no longer exists.
	ErrMessageNotFound = errors.New("platform: message not found")
)

// FloodWaitError is the platform's flood-control signal. Callers sleep for
// Wait and try again later.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("platform: flood wait %s", e.Wait)
}

// AsFloodWait returns the requested wait if err carries a flood-control signal.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

var privateCodes = map[string]struct{}{
	"CHANNEL_PRIVATE":         {},
	"CHANNEL_INVALID":         {},
	"CHAT_ADMIN_REQUIRED":     {},
	"USER_BANNED_IN_CHANNEL":  {},
	"CHANNEL_PUBLIC_GROUP_NA": {},
	"CHAT_FORBIDDEN":          {},
}

var notFoundCodes = map[string]struct{}{
	"MESSAGE_ID_INVALID": {},
	"MSG_ID_INVALID":     {},
	"MESSAGE_NOT_FOUND":  {},
}

// ParseRPCError maps a platform RPC error name such as "FLOOD_WAIT_17" or
// "CHANNEL_PRIVATE" to a typed error. Unknown names are returned as plain
// errors.
func ParseRPCError(code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return errors.New("platform: unknown error")
	}
	for _, prefix := range []string{"FLOOD_WAIT_", "SLOWMODE_WAIT_", "FLOOD_PREMIUM_WAIT_"} {
		if rest, ok := strings.CutPrefix(code, prefix); ok {
			if secs, err := strconv.Atoi(rest); err == nil && secs >= 0 {
				return &FloodWaitError{Wait: time.Duration(secs) * time.Second}
			}
		}
	}
	if _, ok := privateCodes[code]; ok {
		return fmt.Errorf("%w: %s", ErrChannelPrivate, code)
	}
	if _, ok := notFoundCodes[code]; ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, code)
	}
	return fmt.Errorf("platform: rpc error %s", code)
}
