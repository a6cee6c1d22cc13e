package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Accounting metrics
	WatchSecondsAccumulated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchward_watch_seconds_total",
			Help: "Total watch seconds accumulated per user",
		},
		[]string{"user"},
	)

	LimitedSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchward_limited_sessions_active",
			Help: "Number of currently playing sessions that belong to limited users",
		},
	)

	// Enforcement metrics
	PlaybacksBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchward_playbacks_blocked_total",
			Help: "Playback stop commands issued, by user and block reason",
		},
		[]string{"user", "reason"},
	)

	LimitNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchward_limit_notifications_total",
			Help: "Limit-reached notification events emitted (one per violation episode)",
		},
		[]string{"user"},
	)

	// Scheduler metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchward_tick_duration_seconds",
			Help:    "Duration of scheduler ticks in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	TickErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchward_tick_errors_total",
			Help: "Scheduler ticks that failed partway and were skipped",
		},
	)

	ResetsPerformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchward_resets_total",
			Help: "Watch-time resets performed, by trigger",
		},
		[]string{"trigger"}, // "schedule", "admin"
	)

	// Persistence metrics
	SnapshotSaves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchward_snapshot_saves_total",
			Help: "Successful ledger snapshot saves",
		},
	)

	SnapshotErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchward_snapshot_errors_total",
			Help: "Ledger snapshot load/save failures",
		},
		[]string{"op"}, // "load", "save"
	)

	// Media server client metrics
	MediaServerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchward_mediaserver_requests_total",
			Help: "Requests issued to the media server, by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		WatchSecondsAccumulated,
		LimitedSessionsActive,
		PlaybacksBlocked,
		LimitNotifications,
		TickDuration,
		TickErrors,
		ResetsPerformed,
		SnapshotSaves,
		SnapshotErrors,
		MediaServerRequests,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
