package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/watchward/internal/config"
	"github.com/goodtune/watchward/internal/limiter"
	"github.com/spf13/cobra"
)

var (
	checkDay     string
	checkTime    string
	checkWatched int
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] USER_ID",
	Short: "Check a watch-time decision interactively",
	Long: `Check whether Watchward would allow playback for a configured user,
given an amount of already-watched time and an optional time of day.`,
	Example: `  watchward -c config.yaml check kid1
  watchward check --watched-minutes 115 --time 21:30 kid1
  watchward check --day saturday --time 07:00 kid2`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	checkCmd.Flags().IntVar(&checkWatched, "watched-minutes", 0, "Minutes already watched this period")

	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	userID := args[0]

	if checkWatched < 0 {
		return fmt.Errorf("watched-minutes must not be negative")
	}

	// Parse time (if provided)
	checkDateTime := time.Now()
	if checkDay != "" || checkTime != "" {
		var err error
		checkDateTime, err = parseCheckTime(checkDay, checkTime)
		if err != nil {
			return fmt.Errorf("invalid time specification: %w", err)
		}
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	policies, err := limiter.PoliciesFromConfig(cfg.Limiter.Users)
	if err != nil {
		return fmt.Errorf("failed to build user policies: %w", err)
	}

	var policy *limiter.UserPolicy
	for i := range policies {
		if strings.EqualFold(policies[i].UserID, userID) || strings.EqualFold(policies[i].Name, userID) {
			policy = &policies[i]
			break
		}
	}
	if policy == nil {
		return fmt.Errorf("no limiter configuration for user: %s", userID)
	}

	watched := time.Duration(checkWatched) * time.Minute
	reason := limiter.Evaluate(*policy, watched, checkDateTime)

	printCheckResult(*policy, watched, checkDateTime, reason)

	return nil
}

// printCheckResult displays a check verdict with colors
func printCheckResult(policy limiter.UserPolicy, watched time.Duration, at time.Time, reason limiter.BlockReason) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Printf("User:     %s", policy.UserID)
	if policy.Name != "" {
		fmt.Printf(" (%s)", policy.Name)
	}
	fmt.Println()

	fmt.Printf("At:       %s %s\n", at.Weekday(), at.Format("15:04"))
	fmt.Printf("Watched:  %s\n", watched)
	if policy.Limit > 0 {
		fmt.Printf("Limit:    %s\n", policy.Limit)
	} else {
		fmt.Println("Limit:    unlimited")
	}
	if policy.Window.Enabled {
		fmt.Printf("Window:   %02d:00 - %02d:00\n", policy.Window.StartHour, policy.Window.EndHour)
	}

	fmt.Println()
	switch reason {
	case limiter.Allowed:
		_, _ = green.Println("Verdict:  ALLOWED")
	case limiter.TimeLimitExceeded:
		_, _ = red.Println("Verdict:  BLOCKED (time limit exceeded)")
	case limiter.OutsideTimeWindow:
		_, _ = red.Println("Verdict:  BLOCKED (outside allowed hours)")
	default:
		_, _ = red.Printf("Verdict:  BLOCKED (%s)\n", reason)
	}
}

// parseCheckTime parses day and time flags into a time.Time
func parseCheckTime(dayStr, timeStr string) (time.Time, error) {
	now := time.Now()

	// Parse time (HH:MM)
	hour := now.Hour()
	minute := now.Minute()

	if timeStr != "" {
		if _, err := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute); err != nil {
			return time.Time{}, fmt.Errorf("time must be in HH:MM format: %s", timeStr)
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time: hour must be 0-23, minute must be 0-59")
		}
	}

	// Parse day of week
	targetDay := now.Weekday()
	if dayStr != "" {
		day, err := config.ParseWeekday(dayStr)
		if err != nil {
			return time.Time{}, err
		}
		targetDay = day
	}

	// Walk forward to the requested weekday
	result := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	offset := (int(targetDay) - int(now.Weekday()) + 7) % 7
	return result.AddDate(0, 0, offset), nil
}
