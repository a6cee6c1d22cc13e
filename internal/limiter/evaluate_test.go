package limiter

import (
	"testing"
	"time"
)

func limitedPolicy(limit time.Duration) UserPolicy {
	return UserPolicy{
		UserID:  "kid1",
		Enabled: true,
		Limit:   limit,
		Reset:   ResetPolicy{Kind: ResetDaily, Hour: 4},
	}
}

func TestEvaluate(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2025, time.March, 3, hour, 30, 0, 0, time.UTC)
	}

	windowed := limitedPolicy(2 * time.Hour)
	windowed.Window = TimeWindow{Enabled: true, StartHour: 8, EndHour: 21}

	wrapped := limitedPolicy(2 * time.Hour)
	wrapped.Window = TimeWindow{Enabled: true, StartHour: 22, EndHour: 6}

	disabled := limitedPolicy(2 * time.Hour)
	disabled.Enabled = false

	tests := []struct {
		name    string
		policy  UserPolicy
		watched time.Duration
		now     time.Time
		want    BlockReason
	}{
		{"under limit", limitedPolicy(2 * time.Hour), 119 * time.Minute, at(12), Allowed},
		{"exactly at limit", limitedPolicy(2 * time.Hour), 2 * time.Hour, at(12), TimeLimitExceeded},
		{"over limit", limitedPolicy(2 * time.Hour), 3 * time.Hour, at(12), TimeLimitExceeded},
		{"zero limit is unlimited", limitedPolicy(0), 500 * time.Hour, at(12), Allowed},
		{"disabled user always allowed", disabled, 10 * time.Hour, at(12), Allowed},
		{"inside window", windowed, 0, at(12), Allowed},
		{"before window opens", windowed, 0, at(7), OutsideTimeWindow},
		{"after window closes", windowed, 0, at(21), OutsideTimeWindow},
		{"window outranks remaining time", windowed, 0, at(23), OutsideTimeWindow},
		{"window outranks exceeded limit", windowed, 5 * time.Hour, at(7), OutsideTimeWindow},
		{"wrapped window late evening allowed", wrapped, 0, at(23), Allowed},
		{"wrapped window early morning allowed", wrapped, 0, at(5), Allowed},
		{"wrapped window midday blocked", wrapped, 0, at(10), OutsideTimeWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.policy, tt.watched, tt.now); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutsideWindow(t *testing.T) {
	tests := []struct {
		name   string
		window TimeWindow
		hour   int
		want   bool
	}{
		{"disabled window never blocks", TimeWindow{Enabled: false, StartHour: 8, EndHour: 9}, 3, false},
		{"equal hours treated as no restriction", TimeWindow{Enabled: true, StartHour: 8, EndHour: 8}, 3, false},
		{"start inclusive", TimeWindow{Enabled: true, StartHour: 8, EndHour: 21}, 8, false},
		{"end exclusive", TimeWindow{Enabled: true, StartHour: 8, EndHour: 21}, 21, true},
		{"wrap start inclusive", TimeWindow{Enabled: true, StartHour: 22, EndHour: 6}, 22, false},
		{"wrap end exclusive", TimeWindow{Enabled: true, StartHour: 22, EndHour: 6}, 6, true},
		{"wrap midnight allowed", TimeWindow{Enabled: true, StartHour: 22, EndHour: 6}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outsideWindow(tt.window, tt.hour); got != tt.want {
				t.Errorf("outsideWindow(%+v, %d) = %v, want %v", tt.window, tt.hour, got, tt.want)
			}
		})
	}
}
