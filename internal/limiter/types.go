package limiter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BlockReason represents the outcome of evaluating a user's limit policy.
type BlockReason string

const (
	Allowed           BlockReason = "ALLOWED"
	TimeLimitExceeded BlockReason = "TIME_LIMIT_EXCEEDED"
	OutsideTimeWindow BlockReason = "OUTSIDE_TIME_WINDOW"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the reason to uppercase.
func (r *BlockReason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := BlockReason(strings.ToUpper(s))

	switch normalized {
	case Allowed, TimeLimitExceeded, OutsideTimeWindow:
		*r = normalized
		return nil
	default:
		return fmt.Errorf("invalid block reason: %s", s)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (r BlockReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// ResetKind selects how a user's accumulated watch time returns to zero.
type ResetKind string

const (
	ResetInterval  ResetKind = "interval"  // every N minutes after the last reset
	ResetDaily     ResetKind = "daily"     // every day at a fixed hour
	ResetWeekly    ResetKind = "weekly"    // every week on a fixed day and hour
	ResetAllowance ResetKind = "allowance" // never automatically; admin action only
)

// ResetPolicy describes when accumulated watch time resets. Only the
// parameters relevant to Kind are consulted.
type ResetPolicy struct {
	Kind            ResetKind    `json:"kind"`
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
	Hour            int          `json:"hour,omitempty"`
	Weekday         time.Weekday `json:"weekday,omitempty"`
}

// TimeWindow restricts playback to an hour-of-day range [StartHour, EndHour).
// A window with StartHour > EndHour wraps around midnight.
type TimeWindow struct {
	Enabled   bool `json:"enabled"`
	StartHour int  `json:"start_hour"`
	EndHour   int  `json:"end_hour"`
}

// UserPolicy is the per-user limit configuration. Policies are owned by
// configuration and treated as read-only input on every tick.
type UserPolicy struct {
	UserID  string        `json:"user_id"`
	Name    string        `json:"name"`
	Enabled bool          `json:"enabled"`
	Limit   time.Duration `json:"limit"` // 0 = unlimited
	Reset   ResetPolicy   `json:"reset"`
	Window  TimeWindow    `json:"window"`
}

// UserStatus is the administrative view of a user's accounting state.
type UserStatus struct {
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	LimitMinutes     int    `json:"limit_minutes"`
	SecondsWatched   int64  `json:"seconds_watched"`
	SecondsRemaining int64  `json:"seconds_remaining"`
	IsLimited        bool   `json:"is_limited"`
}

// PlaybackSession describes an active session reported by the media server.
type PlaybackSession struct {
	ID         string
	UserID     string
	UserName   string
	Client     string
	NowPlaying bool
	Paused     bool
}

// SessionSource enumerates active media sessions and accepts playback
// commands. Implemented by the media server client.
type SessionSource interface {
	ActiveSessions(ctx context.Context) ([]PlaybackSession, error)
	StopPlayback(ctx context.Context, sessionID string) error
	SendMessage(ctx context.Context, sessionID, header, text string, timeout time.Duration) error
}

// PolicySource supplies the current limiter configuration. It is consulted
// fresh on every tick so external edits take effect without restarts.
type PolicySource interface {
	LimiterPolicies() (enabled bool, policies []UserPolicy)
}

type staticPolicySource struct {
	enabled  bool
	policies []UserPolicy
}

// NewStaticPolicies returns a PolicySource over a fixed policy set.
func NewStaticPolicies(enabled bool, policies []UserPolicy) PolicySource {
	return &staticPolicySource{enabled: enabled, policies: policies}
}

func (s *staticPolicySource) LimiterPolicies() (bool, []UserPolicy) {
	return s.enabled, s.policies
}
