package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/watchward/internal/admin"
	"github.com/goodtune/watchward/internal/config"
	"github.com/goodtune/watchward/internal/limiter"
	"github.com/goodtune/watchward/internal/mediaserver"
	"github.com/goodtune/watchward/internal/metrics"
	"github.com/goodtune/watchward/internal/storage"
	"github.com/goodtune/watchward/internal/storage/bolt"
	"github.com/goodtune/watchward/internal/storage/redis"
	"github.com/goodtune/watchward/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start Watchward server",
	Long:  `Start the Watchward daemon with the watch-time scheduler, metrics, and admin API endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Watchward")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Msg("Storage initialized")

	// Initialize media server client
	client := mediaserver.NewClient(mediaserver.Config{
		BaseURL:       cfg.MediaServer.URL,
		APIKey:        cfg.MediaServer.APIKey,
		Timeout:       parseDuration(cfg.MediaServer.Timeout, 10*time.Second),
		UserCacheSize: cfg.MediaServer.UserCacheSize,
		UserCacheTTL:  parseDuration(cfg.MediaServer.UserCacheTTL, 10*time.Minute),
	}, logger)

	logger.Info().
		Str("url", cfg.MediaServer.URL).
		Msg("Media server client initialized")

	// Build user policies from configuration
	policies, err := limiter.PoliciesFromConfig(cfg.Limiter.Users)
	if err != nil {
		return fmt.Errorf("failed to build user policies: %w", err)
	}

	messages, msgTimeout := limiter.MessagesFromConfig(cfg.Limiter.Messages)

	// Initialize the watch-time engine
	engine := limiter.NewEngine(
		client,
		limiter.NewStaticPolicies(cfg.Limiter.Enabled, policies),
		store.Snapshots(),
		limiter.Config{
			TickInterval:   parseDuration(cfg.Limiter.TickInterval, limiter.DefaultTickInterval),
			Messages:       messages,
			MessageTimeout: msgTimeout,
		},
		logger,
	)

	engine.Start()

	logger.Info().
		Bool("enabled", cfg.Limiter.Enabled).
		Int("users", len(policies)).
		Msg("Watch-time engine started")

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		engine.Stop()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics Server started")

	// Initialize Admin API
	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(admin.Config{
			ListenAddr: fmt.Sprintf("%s:%d", cfg.Admin.BindAddress, cfg.Admin.Port),
			Token:      cfg.Admin.Token,
		}, engine, client, logger)
		if sdListeners.Admin != nil {
			adminServer.SetListener(sdListeners.Admin)
		}

		if err := adminServer.Start(); err != nil {
			engine.Stop()
			if err := metricsServer.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping Metrics Server")
			}
			return fmt.Errorf("failed to start admin server: %w", err)
		}

		logger.Info().
			Str("addr", fmt.Sprintf("%s:%d", cfg.Admin.BindAddress, cfg.Admin.Port)).
			Bool("auth", cfg.Admin.Token != "").
			Msg("Admin API started")
	}

	logger.Info().Msg("Watchward startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	_ = systemd.NotifyStopping()

	// Stop servers. The engine goes first so its final snapshot lands before
	// storage is closed.
	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Admin API")
		}
	}

	engine.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("Watchward stopped")

	return nil
}

// openStorage opens the configured storage backend
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return bolt.Open(cfg.Path)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
