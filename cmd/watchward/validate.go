package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/watchward/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the Watchward configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// Summarize configured users
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	fmt.Fprintf(os.Stdout, "\nLimiter enabled: %v, %d user(s) configured\n", cfg.Limiter.Enabled, len(cfg.Limiter.Users))
	for _, user := range cfg.Limiter.Users {
		c := green
		state := "enabled"
		if !user.Enabled {
			c = yellow
			state = "disabled"
		}

		limit := "unlimited"
		if user.LimitMinutes > 0 {
			limit = fmt.Sprintf("%d min", user.LimitMinutes)
		}

		reset := user.Reset.Policy
		if reset == "" {
			reset = "interval"
		}

		_, _ = c.Fprintf(os.Stdout, "  %s (%s): limit %s, reset %s", user.ID, state, limit, reset)
		if user.Window.Enabled {
			_, _ = c.Fprintf(os.Stdout, ", window %02d:00-%02d:00", user.Window.StartHour, user.Window.EndHour)
		}
		fmt.Fprintln(os.Stdout)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if validKeys[key] {
			continue
		}
		// Per-user keys live under limiter.users which viper flattens away,
		// so anything below that prefix is checked structurally by Load.
		if strings.HasPrefix(key, "limiter.users") {
			continue
		}
		unknown = append(unknown, key)
	}

	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	return map[string]bool{
		// Server
		"server.metrics_port": true,
		"server.bind_address": true,

		// Media server
		"media_server.url":             true,
		"media_server.api_key":         true,
		"media_server.timeout":         true,
		"media_server.user_cache_size": true,
		"media_server.user_cache_ttl":  true,

		// Storage
		"storage.type":                 true,
		"storage.path":                 true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,

		// Logging
		"logging.level":  true,
		"logging.format": true,

		// Limiter
		"limiter.enabled":                  true,
		"limiter.tick_interval":            true,
		"limiter.messages.limit_header":    true,
		"limiter.messages.limit_text":      true,
		"limiter.messages.window_header":   true,
		"limiter.messages.window_text":     true,
		"limiter.messages.display_timeout": true,
		"limiter.users":                    true,

		// Admin
		"admin.enabled":      true,
		"admin.port":         true,
		"admin.bind_address": true,
		"admin.token":        true,
	}
}
