package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	MediaServer MediaServerConfig `mapstructure:"media_server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Limiter     LimiterConfig     `mapstructure:"limiter"`
	Admin       AdminConfig       `mapstructure:"admin"`
}

// ServerConfig defines listen ports and addresses
type ServerConfig struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// MediaServerConfig defines how to reach the host media server
type MediaServerConfig struct {
	URL           string `mapstructure:"url"`
	APIKey        string `mapstructure:"api_key"`
	Timeout       string `mapstructure:"timeout"`
	UserCacheSize int    `mapstructure:"user_cache_size"`
	UserCacheTTL  string `mapstructure:"user_cache_ttl"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LimiterConfig defines the watch-time limiter feature
type LimiterConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	TickInterval string            `mapstructure:"tick_interval"`
	Messages     MessagesConfig    `mapstructure:"messages"`
	Users        []UserLimitConfig `mapstructure:"users"`
}

// MessagesConfig defines the header/text sent to blocked sessions
type MessagesConfig struct {
	LimitHeader    string `mapstructure:"limit_header"`
	LimitText      string `mapstructure:"limit_text"`
	WindowHeader   string `mapstructure:"window_header"`
	WindowText     string `mapstructure:"window_text"`
	DisplayTimeout string `mapstructure:"display_timeout"`
}

// UserLimitConfig defines one user's watch-time policy
type UserLimitConfig struct {
	ID           string       `mapstructure:"id"`
	Name         string       `mapstructure:"name"`
	Enabled      bool         `mapstructure:"enabled"`
	LimitMinutes int          `mapstructure:"limit_minutes"` // 0 = unlimited
	Reset        ResetConfig  `mapstructure:"reset"`
	Window       WindowConfig `mapstructure:"window"`
}

// ResetConfig selects when a user's accumulated watch time returns to zero
type ResetConfig struct {
	Policy          string `mapstructure:"policy"` // "interval", "daily", "weekly", "allowance"
	IntervalMinutes int    `mapstructure:"interval_minutes"`
	Hour            int    `mapstructure:"hour"`
	Weekday         string `mapstructure:"weekday"` // "sunday" .. "saturday"
}

// WindowConfig restricts playback to an hour-of-day range
type WindowConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	StartHour int  `mapstructure:"start_hour"`
	EndHour   int  `mapstructure:"end_hour"`
}

// AdminConfig defines the admin API settings
type AdminConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	Token       string `mapstructure:"token"` // empty disables auth
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("WATCHWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if os.IsNotExist(err) {
				// Missing file: run on defaults and environment variables
			} else {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Media server defaults
	v.SetDefault("media_server.url", "http://127.0.0.1:8096")
	v.SetDefault("media_server.timeout", "10s")
	v.SetDefault("media_server.user_cache_size", 256)
	v.SetDefault("media_server.user_cache_ttl", "10m")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/watchward/watchward.bolt")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Limiter defaults
	v.SetDefault("limiter.enabled", true)
	v.SetDefault("limiter.tick_interval", "10s")
	v.SetDefault("limiter.messages.limit_header", "Watch time limit reached")
	v.SetDefault("limiter.messages.limit_text", "You have used up your watch time for this period.")
	v.SetDefault("limiter.messages.window_header", "Outside allowed hours")
	v.SetDefault("limiter.messages.window_text", "Playback is not allowed at this time of day.")
	v.SetDefault("limiter.messages.display_timeout", "30s")

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.port", 8099)
	v.SetDefault("admin.bind_address", "0.0.0.0")
}

// Validate validates the configuration
func Validate(cfg *Config) error {
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Admin.Enabled && (cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", cfg.Admin.Port)
	}

	if cfg.MediaServer.URL == "" {
		return fmt.Errorf("media server URL is required")
	}

	switch cfg.Storage.Type {
	case "", "bolt":
		cfg.Storage.Type = "bolt"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	seen := make(map[string]bool, len(cfg.Limiter.Users))
	for i, user := range cfg.Limiter.Users {
		if user.ID == "" {
			return fmt.Errorf("limiter user %d: id is required", i)
		}
		key := strings.ToLower(user.ID)
		if seen[key] {
			return fmt.Errorf("limiter user %s: duplicate id", user.ID)
		}
		seen[key] = true

		if user.LimitMinutes < 0 {
			return fmt.Errorf("limiter user %s: negative limit_minutes", user.ID)
		}

		switch user.Reset.Policy {
		case "", "interval", "daily", "weekly", "allowance":
		default:
			return fmt.Errorf("limiter user %s: unknown reset policy %q", user.ID, user.Reset.Policy)
		}
		if user.Reset.Policy == "daily" || user.Reset.Policy == "weekly" {
			if user.Reset.Hour < 0 || user.Reset.Hour > 23 {
				return fmt.Errorf("limiter user %s: reset hour out of range: %d", user.ID, user.Reset.Hour)
			}
		}
		if user.Reset.Policy == "weekly" {
			if _, err := ParseWeekday(user.Reset.Weekday); err != nil {
				return fmt.Errorf("limiter user %s: %w", user.ID, err)
			}
		}

		if user.Window.Enabled {
			if user.Window.StartHour < 0 || user.Window.StartHour > 23 {
				return fmt.Errorf("limiter user %s: window start_hour out of range: %d", user.ID, user.Window.StartHour)
			}
			if user.Window.EndHour < 0 || user.Window.EndHour > 23 {
				return fmt.Errorf("limiter user %s: window end_hour out of range: %d", user.ID, user.Window.EndHour)
			}
		}
	}

	return nil
}
