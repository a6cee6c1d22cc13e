package limiter

import (
	"context"
	"strings"
	"time"

	"github.com/goodtune/watchward/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultMessageTimeout is how long enforcement messages stay on screen when
// no display timeout is configured.
const DefaultMessageTimeout = 30 * time.Second

// Messages holds the reason-specific header/text sent to blocked sessions.
type Messages struct {
	LimitHeader  string
	LimitText    string
	WindowHeader string
	WindowText   string
}

// Dispatcher performs enforcement side effects: stopping playback, messaging
// the session, and emitting the one-shot limit-reached notification.
type Dispatcher struct {
	source     SessionSource
	ledger     *Ledger
	messages   Messages
	msgTimeout time.Duration
	logger     zerolog.Logger
}

// NewDispatcher creates an enforcement dispatcher.
func NewDispatcher(source SessionSource, ledger *Ledger, messages Messages, msgTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if msgTimeout <= 0 {
		msgTimeout = DefaultMessageTimeout
	}
	return &Dispatcher{
		source:     source,
		ledger:     ledger,
		messages:   messages,
		msgTimeout: msgTimeout,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch stops every playing session of the user and messages it with the
// reason. For TimeLimitExceeded the limit-reached event is emitted exactly
// once per violation episode: the notified flag re-arms only on reset or
// time extension.
//
// OutsideTimeWindow intentionally has no such guard. Window violations are a
// recurring condition, re-enforced every tick the user keeps trying to play.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, reason BlockReason) {
	if reason == Allowed {
		return
	}

	sessions, err := d.source.ActiveSessions(ctx)
	if err != nil {
		d.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list sessions for enforcement")
		return
	}

	header, text := d.messageFor(reason)

	for _, session := range sessions {
		if !strings.EqualFold(session.UserID, userID) || !session.NowPlaying {
			continue
		}

		if !session.Paused {
			if err := d.source.StopPlayback(ctx, session.ID); err != nil {
				d.logger.Error().Err(err).
					Str("session_id", session.ID).
					Str("user_id", userID).
					Msg("Failed to stop playback")
			} else {
				metrics.PlaybacksBlocked.WithLabelValues(userID, string(reason)).Inc()
			}
		}

		if err := d.source.SendMessage(ctx, session.ID, header, text, d.msgTimeout); err != nil {
			d.logger.Error().Err(err).
				Str("session_id", session.ID).
				Str("user_id", userID).
				Msg("Failed to send enforcement message")
		}

		d.logger.Debug().
			Str("session_id", session.ID).
			Str("user_id", userID).
			Str("client", session.Client).
			Str("reason", string(reason)).
			Msg("Enforced block on session")
	}

	if reason == TimeLimitExceeded && d.ledger.MarkNotified(userID) {
		metrics.LimitNotifications.WithLabelValues(userID).Inc()
		d.logger.Info().
			Str("user_id", userID).
			Msg("Watch time limit reached")
	}
}

func (d *Dispatcher) messageFor(reason BlockReason) (header, text string) {
	switch reason {
	case OutsideTimeWindow:
		return d.messages.WindowHeader, d.messages.WindowText
	default:
		return d.messages.LimitHeader, d.messages.LimitText
	}
}
