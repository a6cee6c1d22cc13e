package limiter

import "time"

// Evaluate decides whether playback is currently allowed for a user. It is
// pure given its inputs: the same (policy, watched, now) always yields the
// same reason. Both the playback-start check and the tick loop call this, so
// a user sees identical enforcement on either path.
//
// Window restrictions take precedence over the watch-time limit: a user
// outside their window is blocked even with time remaining.
func Evaluate(policy UserPolicy, watched time.Duration, now time.Time) BlockReason {
	if !policy.Enabled {
		return Allowed
	}

	if outsideWindow(policy.Window, now.Hour()) {
		return OutsideTimeWindow
	}

	if policy.Limit > 0 && watched >= policy.Limit {
		return TimeLimitExceeded
	}

	return Allowed
}

// outsideWindow reports whether an hour of day falls outside the allowed
// window [StartHour, EndHour). A window with StartHour > EndHour spans
// midnight: 22-6 allows 22:00-05:59.
func outsideWindow(w TimeWindow, hour int) bool {
	if !w.Enabled {
		return false
	}
	// Equal hours would describe an empty window; treat it as no restriction
	// rather than locking the user out around the clock.
	if w.StartHour == w.EndHour {
		return false
	}
	if w.StartHour > w.EndHour {
		return hour >= w.EndHour && hour < w.StartHour
	}
	return hour < w.StartHour || hour >= w.EndHour
}
