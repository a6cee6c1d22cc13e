package limiter

import (
	"fmt"
	"time"

	"github.com/goodtune/watchward/internal/config"
)

// PoliciesFromConfig converts configured user limits into policies.
func PoliciesFromConfig(users []config.UserLimitConfig) ([]UserPolicy, error) {
	policies := make([]UserPolicy, 0, len(users))
	for _, user := range users {
		reset, err := resetFromConfig(user.Reset)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", user.ID, err)
		}
		policies = append(policies, UserPolicy{
			UserID:  user.ID,
			Name:    user.Name,
			Enabled: user.Enabled,
			Limit:   time.Duration(user.LimitMinutes) * time.Minute,
			Reset:   reset,
			Window: TimeWindow{
				Enabled:   user.Window.Enabled,
				StartHour: user.Window.StartHour,
				EndHour:   user.Window.EndHour,
			},
		})
	}
	return policies, nil
}

func resetFromConfig(cfg config.ResetConfig) (ResetPolicy, error) {
	switch cfg.Policy {
	case "", "interval":
		return ResetPolicy{Kind: ResetInterval, IntervalMinutes: cfg.IntervalMinutes}, nil
	case "daily":
		return ResetPolicy{Kind: ResetDaily, Hour: cfg.Hour}, nil
	case "weekly":
		weekday, err := config.ParseWeekday(cfg.Weekday)
		if err != nil {
			return ResetPolicy{}, err
		}
		return ResetPolicy{Kind: ResetWeekly, Hour: cfg.Hour, Weekday: weekday}, nil
	case "allowance":
		return ResetPolicy{Kind: ResetAllowance}, nil
	default:
		return ResetPolicy{}, fmt.Errorf("unknown reset policy: %q", cfg.Policy)
	}
}

// MessagesFromConfig converts configured message texts plus display timeout.
func MessagesFromConfig(cfg config.MessagesConfig) (Messages, time.Duration) {
	timeout, err := time.ParseDuration(cfg.DisplayTimeout)
	if err != nil || timeout <= 0 {
		timeout = DefaultMessageTimeout
	}
	return Messages{
		LimitHeader:  cfg.LimitHeader,
		LimitText:    cfg.LimitText,
		WindowHeader: cfg.WindowHeader,
		WindowText:   cfg.WindowText,
	}, timeout
}
