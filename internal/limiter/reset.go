package limiter

import "time"

// DefaultResetIntervalMinutes is substituted when an interval policy carries a
// non-positive interval.
const DefaultResetIntervalMinutes = 1440

// NextReset computes the next reset instant for a policy given the last reset
// time. A zero time means the counter never resets automatically.
//
// The returned instant may lie in the past when lastReset is old (for example
// after the daemon was down); the scheduler treats a past instant as due and
// fires the reset on its next tick.
func NextReset(policy ResetPolicy, lastReset, now time.Time) time.Time {
	switch policy.Kind {
	case ResetInterval:
		minutes := policy.IntervalMinutes
		if minutes <= 0 {
			minutes = DefaultResetIntervalMinutes
		}
		return lastReset.Add(time.Duration(minutes) * time.Minute)

	case ResetDaily:
		next := time.Date(lastReset.Year(), lastReset.Month(), lastReset.Day(),
			policy.Hour, 0, 0, 0, lastReset.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next

	case ResetWeekly:
		base := time.Date(lastReset.Year(), lastReset.Month(), lastReset.Day(),
			policy.Hour, 0, 0, 0, lastReset.Location())
		offset := (int(policy.Weekday) - int(base.Weekday()) + 7) % 7
		next := base.AddDate(0, 0, offset)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next

	case ResetAllowance:
		return time.Time{}

	default:
		// Unknown kinds behave like an allowance so a misconfigured policy
		// never fires a surprise reset.
		return time.Time{}
	}
}

// resetDue reports whether a computed next-reset instant has passed.
// A zero instant never fires.
func resetDue(nextReset, now time.Time) bool {
	return !nextReset.IsZero() && !nextReset.After(now)
}
