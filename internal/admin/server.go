package admin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/watchward/internal/limiter"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Limiter is the administrative surface of the watch-time engine.
type Limiter interface {
	Status() []limiter.UserStatus
	BlockReasonFor(userID string) limiter.BlockReason
	ExtendTime(userID string, minutes int) error
	ResetUser(userID string) error
	ResetAll()
	RecomputeNextResets()
}

// Config holds the admin server configuration.
type Config struct {
	ListenAddr string
	Token      string // empty disables auth
}

// Server exposes the administrative HTTP API.
type Server struct {
	config   Config
	engine   Limiter
	sessions limiter.SessionSource
	server   *http.Server
	router   *mux.Router
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, engine Limiter, sessions limiter.SessionSource, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		config:   cfg,
		engine:   engine,
		sessions: sessions,
		router:   router,
		logger:   logger.With().Str("component", "admin").Logger(),
	}

	s.routes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.Use(s.logMiddleware)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/block-reason", s.handleBlockReason).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/extend", s.handleExtend).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/reset", s.handleResetUser).Methods(http.MethodPost)
	api.HandleFunc("/reset-all", s.handleResetAll).Methods(http.MethodPost)
	api.HandleFunc("/recompute-resets", s.handleRecomputeResets).Methods(http.MethodPost)

	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the admin server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting admin server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated admin listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()
	return nil
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
