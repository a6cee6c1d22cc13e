package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/watchward/internal/limiter"
	"github.com/gorilla/mux"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.engine.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": statuses,
		"count": len(statuses),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ActiveSessions(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list sessions")
		writeError(w, http.StatusBadGateway, "Failed to retrieve sessions from media server")
		return
	}

	type sessionDTO struct {
		ID         string `json:"id"`
		UserID     string `json:"user_id"`
		UserName   string `json:"user_name"`
		Client     string `json:"client"`
		NowPlaying bool   `json:"now_playing"`
		Paused     bool   `json:"paused"`
	}

	out := make([]sessionDTO, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, sessionDTO{
			ID:         session.ID,
			UserID:     session.UserID,
			UserName:   session.UserName,
			Client:     session.Client,
			NowPlaying: session.NowPlaying,
			Paused:     session.Paused,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": out,
		"count":    len(out),
	})
}

// handleBlockReason is the playback-start hook: callers ask whether a user
// may begin playback before admitting the session.
func (s *Server) handleBlockReason(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	reason := s.engine.BlockReasonFor(userID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"reason":  reason,
		"allowed": reason == limiter.Allowed,
	})
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.engine.ExtendTime(userID, req.Minutes); err != nil {
		switch {
		case errors.Is(err, limiter.ErrInvalidMinutes):
			writeError(w, http.StatusBadRequest, "Minutes must be positive")
		case errors.Is(err, limiter.ErrUnknownUser):
			writeError(w, http.StatusNotFound, "User not configured")
		default:
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to extend time")
			writeError(w, http.StatusInternalServerError, "Failed to extend time")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"minutes":   req.Minutes,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleResetUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	if err := s.engine.ResetUser(userID); err != nil {
		if errors.Is(err, limiter.ErrUnknownUser) {
			writeError(w, http.StatusNotFound, "User not configured")
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to reset user")
		writeError(w, http.StatusInternalServerError, "Failed to reset user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetAll()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "All watch times reset",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleRecomputeResets(w http.ResponseWriter, r *http.Request) {
	s.engine.RecomputeNextResets()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Next-reset schedules recomputed",
		"timestamp": time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}
