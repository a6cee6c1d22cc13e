package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/watchward/internal/metrics"
	"github.com/goodtune/watchward/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultTickInterval is the accounting period when none is configured.
	DefaultTickInterval = 10 * time.Second

	// shutdownGrace bounds how long Stop waits for an in-flight tick.
	shutdownGrace = 15 * time.Second

	// opTimeout bounds persistence and enforcement calls issued outside the
	// tick loop.
	opTimeout = 10 * time.Second
)

var (
	// ErrUnknownUser is returned for administrative operations on users that
	// are not present in the limiter configuration.
	ErrUnknownUser = errors.New("limiter: user not configured")

	// ErrInvalidMinutes is returned when an extension amount is not positive.
	ErrInvalidMinutes = errors.New("limiter: minutes must be positive")
)

// Config holds engine configuration.
type Config struct {
	TickInterval   time.Duration
	Messages       Messages
	MessageTimeout time.Duration
}

// Engine owns the watch-time ledger and drives enforcement. One periodic
// background tick advances watch time and triggers enforcement; session
// events and administrative calls mutate the same ledger from other
// goroutines through its per-record atomic primitives.
type Engine struct {
	ledger     *Ledger
	source     SessionSource
	policies   PolicySource
	snapshots  storage.SnapshotStore
	dispatcher *Dispatcher
	clock      Clock
	interval   time.Duration
	logger     zerolog.Logger

	tickMu sync.Mutex // single-flight: ticks never overlap
	saveMu sync.Mutex // single writer: one save in flight at a time
	dirty  atomic.Bool

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewEngine creates a watch-time limiter engine.
func NewEngine(source SessionSource, policies PolicySource, snapshots storage.SnapshotStore, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	ledger := NewLedger()

	return &Engine{
		ledger:     ledger,
		source:     source,
		policies:   policies,
		snapshots:  snapshots,
		dispatcher: NewDispatcher(source, ledger, cfg.Messages, cfg.MessageTimeout, logger),
		clock:      RealClock{},
		interval:   cfg.TickInterval,
		logger:     logger.With().Str("component", "limiter").Logger(),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetClock sets the clock used for tick accounting (for testing).
func (e *Engine) SetClock(clock Clock) {
	e.clock = clock
}

// Start restores the persisted ledger and begins the tick loop. A failed
// snapshot load is not fatal: the engine starts from an empty ledger and the
// next save overwrites whatever is on disk.
func (e *Engine) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	e.restore(ctx)

	go e.run()
	e.logger.Info().
		Dur("tick_interval", e.interval).
		Msg("Watch-time scheduler started")
}

// Stop halts the tick loop, waits a bounded time for any in-flight tick, and
// flushes the ledger to storage.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })

	select {
	case <-e.done:
	case <-time.After(shutdownGrace):
		e.logger.Warn().Msg("Timed out waiting for in-flight tick")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	e.persist(ctx)

	e.logger.Info().Msg("Watch-time scheduler stopped")
}

func (e *Engine) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runTick()
		case <-e.stopChan:
			return
		}
	}
}

// runTick executes one tick to completion. The tick mutex keeps ticks
// single-flight; a panic inside a tick is logged and the next tick proceeds.
func (e *Engine) runTick() {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			metrics.TickErrors.Inc()
			e.logger.Error().Interface("panic", r).Msg("Tick failed, skipping this interval")
		}
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.interval)
	defer cancel()

	e.tick(ctx, e.clock.Now())

	metrics.TickDuration.Observe(time.Since(start).Seconds())
}

// tick is one pass of the accounting state machine: feature-off clear,
// scheduled resets, garbage collection, per-session accumulation and
// enforcement, then a conditional snapshot save. Reset evaluation must run
// before accumulation so a user crossing a reset boundary mid-tick starts
// the new period at zero.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	enabled, policies := e.policies.LimiterPolicies()

	if !enabled {
		if n := e.ledger.Clear(); n > 0 {
			e.logger.Info().Int("records", n).Msg("Limiter disabled, cleared accounting records")
			e.markDirty()
			e.persist(ctx)
		}
		return
	}

	byID := policyIndex(policies)

	// Scheduled resets.
	for _, policy := range policies {
		view, ok := e.ledger.Get(policy.UserID)
		if !ok {
			continue
		}
		if resetDue(view.NextReset, now) {
			next := NextReset(policy.Reset, now, now)
			e.ledger.Reset(policy.UserID, now, next)
			metrics.ResetsPerformed.WithLabelValues("schedule").Inc()
			e.logger.Info().
				Str("user_id", policy.UserID).
				Time("next_reset", next).
				Msg("Reset watch time on schedule")
			e.markDirty()
		}
	}

	// Garbage-collect records for users no longer configured. This drops all
	// history for the user.
	for _, view := range e.ledger.Views() {
		if _, ok := byID[ledgerKey(view.UserID)]; !ok {
			e.ledger.Remove(view.UserID)
			e.logger.Info().
				Str("user_id", view.UserID).
				Msg("Purged accounting record for unconfigured user")
			e.markDirty()
		}
	}

	// Accumulate watch time for playing sessions of limited users.
	sessions, err := e.source.ActiveSessions(ctx)
	if err != nil {
		// Lost interval for affected sessions; accepted accuracy trade-off.
		metrics.TickErrors.Inc()
		e.logger.Error().Err(err).Msg("Failed to enumerate sessions, skipping accumulation this tick")
	} else {
		limited := 0
		for _, session := range sessions {
			policy, ok := byID[ledgerKey(session.UserID)]
			if !ok || !policy.Enabled || !session.NowPlaying || session.Paused {
				continue
			}
			limited++

			if outsideWindow(policy.Window, now.Hour()) {
				// No watch time accrues while the user is outside their
				// window.
				e.dispatcher.Dispatch(ctx, policy.UserID, OutsideTimeWindow)
				continue
			}

			e.ensureRecord(policy, now)
			total, _ := e.ledger.AddWatched(policy.UserID, e.interval)
			metrics.WatchSecondsAccumulated.WithLabelValues(policy.UserID).Add(e.interval.Seconds())
			e.markDirty()

			if policy.Limit > 0 && total >= policy.Limit {
				e.dispatcher.Dispatch(ctx, policy.UserID, TimeLimitExceeded)
			}
		}
		metrics.LimitedSessionsActive.Set(float64(limited))
	}

	if e.dirty.Load() {
		e.persist(ctx)
	}
}

// Status reports the accounting state of every configured user. Records are
// created lazily here so a freshly configured user shows up with zero time.
func (e *Engine) Status() []UserStatus {
	now := e.clock.Now()
	_, policies := e.policies.LimiterPolicies()

	statuses := make([]UserStatus, 0, len(policies))
	for _, policy := range policies {
		view := e.ensureRecord(policy, now)

		watched := int64(view.Watched / time.Second)
		var remaining int64
		if policy.Limit > 0 {
			remaining = int64((policy.Limit - view.Watched) / time.Second)
			if remaining < 0 {
				remaining = 0
			}
		}

		statuses = append(statuses, UserStatus{
			UserID:           policy.UserID,
			Username:         policy.Name,
			LimitMinutes:     int(policy.Limit / time.Minute),
			SecondsWatched:   watched,
			SecondsRemaining: remaining,
			IsLimited:        policy.Enabled && policy.Limit > 0,
		})
	}
	return statuses
}

// BlockReasonFor evaluates whether a user may start playback right now. This
// is the reactive counterpart to the tick loop and applies the same Evaluate
// logic.
func (e *Engine) BlockReasonFor(userID string) BlockReason {
	enabled, policies := e.policies.LimiterPolicies()
	if !enabled {
		return Allowed
	}
	policy, ok := findPolicy(policies, userID)
	if !ok {
		return Allowed
	}

	now := e.clock.Now()
	view := e.ensureRecord(policy, now)
	return Evaluate(policy, view.Watched, now)
}

// ExtendTime grants a user extra watch time by subtracting minutes from the
// accumulated duration, floored at zero. The notified flag clears so the
// next limit violation announces itself again.
func (e *Engine) ExtendTime(userID string, minutes int) error {
	if minutes <= 0 {
		return ErrInvalidMinutes
	}
	_, policies := e.policies.LimiterPolicies()
	policy, ok := findPolicy(policies, userID)
	if !ok {
		return ErrUnknownUser
	}

	now := e.clock.Now()
	e.ensureRecord(policy, now)
	total, _ := e.ledger.Extend(policy.UserID, time.Duration(minutes)*time.Minute)

	e.logger.Info().
		Str("user_id", policy.UserID).
		Int("minutes", minutes).
		Dur("watched", total).
		Msg("Extended watch time")

	e.markDirty()
	e.persistNow()
	return nil
}

// ResetUser zeroes a user's accumulated watch time immediately.
func (e *Engine) ResetUser(userID string) error {
	_, policies := e.policies.LimiterPolicies()
	policy, ok := findPolicy(policies, userID)
	if !ok {
		return ErrUnknownUser
	}

	e.resetUser(policy)
	e.persistNow()
	return nil
}

// ResetAll zeroes accumulated watch time for every configured user.
func (e *Engine) ResetAll() {
	_, policies := e.policies.LimiterPolicies()
	for _, policy := range policies {
		e.resetUser(policy)
	}
	e.persistNow()
}

func (e *Engine) resetUser(policy UserPolicy) {
	now := e.clock.Now()
	e.ensureRecord(policy, now)
	e.ledger.Reset(policy.UserID, now, NextReset(policy.Reset, now, now))
	metrics.ResetsPerformed.WithLabelValues("admin").Inc()
	e.logger.Info().
		Str("user_id", policy.UserID).
		Msg("Reset watch time by admin request")
	e.markDirty()
}

// RecomputeNextResets rederives every cached next-reset instant from the
// current policy set. Callers must invoke this synchronously after a policy
// edit so a stale schedule never fires under new parameters.
func (e *Engine) RecomputeNextResets() {
	now := e.clock.Now()
	_, policies := e.policies.LimiterPolicies()
	for _, policy := range policies {
		view, ok := e.ledger.Get(policy.UserID)
		if !ok {
			continue
		}
		e.ledger.SetNextReset(policy.UserID, NextReset(policy.Reset, view.LastReset, now))
	}
}

// restore loads the persisted snapshot into the ledger. Entries for users no
// longer configured are skipped; next-reset instants are rederived from
// last-reset and the current policy rather than trusted from disk.
func (e *Engine) restore(ctx context.Context) {
	snapshots, err := e.snapshots.Load(ctx)
	if err != nil {
		metrics.SnapshotErrors.WithLabelValues("load").Inc()
		e.logger.Error().Err(err).Msg("Failed to load snapshot, starting from empty ledger")
		return
	}

	_, policies := e.policies.LimiterPolicies()
	byID := policyIndex(policies)
	now := e.clock.Now()

	restored := 0
	for _, snap := range snapshots {
		policy, ok := byID[ledgerKey(snap.UserID)]
		if !ok {
			continue
		}
		lastReset := snap.LastReset
		if lastReset.IsZero() {
			lastReset = now
		}
		e.ledger.Restore(
			snap.UserID,
			time.Duration(snap.WatchedSeconds)*time.Second,
			lastReset,
			NextReset(policy.Reset, lastReset, now),
		)
		restored++
	}

	e.logger.Info().
		Int("records", restored).
		Int("snapshot_entries", len(snapshots)).
		Msg("Restored watch-time ledger")
}

// persist saves the ledger snapshot. The save mutex keeps a single writer in
// flight; the dirty flag coalesces concurrent save requests. A failed save
// re-arms the flag so the next trigger retries, while in-memory state stays
// authoritative.
func (e *Engine) persist(ctx context.Context) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.dirty.Store(false)

	views := e.ledger.Views()
	snapshots := make([]storage.WatchSnapshot, 0, len(views))
	for _, view := range views {
		snapshots = append(snapshots, storage.WatchSnapshot{
			UserID:         view.UserID,
			WatchedSeconds: int64(view.Watched / time.Second),
			LastReset:      view.LastReset,
		})
	}

	if err := e.snapshots.Save(ctx, snapshots); err != nil {
		e.dirty.Store(true)
		metrics.SnapshotErrors.WithLabelValues("save").Inc()
		e.logger.Error().Err(err).Msg("Failed to save snapshot")
		return
	}
	metrics.SnapshotSaves.Inc()
}

func (e *Engine) persistNow() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	e.persist(ctx)
}

func (e *Engine) markDirty() {
	e.dirty.Store(true)
}

func (e *Engine) ensureRecord(policy UserPolicy, now time.Time) RecordView {
	if view, ok := e.ledger.Get(policy.UserID); ok {
		return view
	}
	return e.ledger.Ensure(policy.UserID, now, NextReset(policy.Reset, now, now))
}

func policyIndex(policies []UserPolicy) map[string]UserPolicy {
	byID := make(map[string]UserPolicy, len(policies))
	for _, policy := range policies {
		byID[ledgerKey(policy.UserID)] = policy
	}
	return byID
}

func findPolicy(policies []UserPolicy, userID string) (UserPolicy, bool) {
	key := ledgerKey(userID)
	for _, policy := range policies {
		if ledgerKey(policy.UserID) == key {
			return policy, true
		}
	}
	return UserPolicy{}, false
}
