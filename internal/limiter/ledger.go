package limiter

import (
	"strings"
	"sync"
	"time"
)

// record holds one user's accounting state. Each record carries its own lock
// so concurrent updates to unrelated users never contend.
type record struct {
	mu        sync.Mutex
	userID    string // as first observed, for snapshots and logs
	watched   time.Duration
	lastReset time.Time
	nextReset time.Time
	notified  bool
}

// RecordView is an immutable copy of a record's fields.
type RecordView struct {
	UserID    string
	Watched   time.Duration
	LastReset time.Time
	NextReset time.Time
	Notified  bool
}

// Ledger is a concurrent map of user accounting records keyed by
// case-insensitive user ID. The ledger lock only guards map structure;
// field updates take the per-record lock.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*record)}
}

func ledgerKey(userID string) string {
	return strings.ToLower(userID)
}

func (l *Ledger) lookup(userID string) (*record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[ledgerKey(userID)]
	return rec, ok
}

// Ensure returns the record for a user, creating a zeroed record with the
// given reset bookkeeping if none exists yet. Records are created lazily on
// first observed activity or first status query.
func (l *Ledger) Ensure(userID string, lastReset, nextReset time.Time) RecordView {
	l.mu.Lock()
	rec, ok := l.records[ledgerKey(userID)]
	if !ok {
		rec = &record{
			userID:    userID,
			lastReset: lastReset,
			nextReset: nextReset,
		}
		l.records[ledgerKey(userID)] = rec
	}
	l.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.viewLocked()
}

// Restore seeds a record from a persisted snapshot, replacing any existing
// record for the user. The notified flag always starts cleared.
func (l *Ledger) Restore(userID string, watched time.Duration, lastReset, nextReset time.Time) {
	if watched < 0 {
		watched = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[ledgerKey(userID)] = &record{
		userID:    userID,
		watched:   watched,
		lastReset: lastReset,
		nextReset: nextReset,
	}
}

// Get returns a copy of the user's record.
func (l *Ledger) Get(userID string) (RecordView, bool) {
	rec, ok := l.lookup(userID)
	if !ok {
		return RecordView{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.viewLocked(), true
}

// AddWatched atomically adds playback time to a user's accumulated duration
// and returns the new total. Returns false if the user has no record.
func (l *Ledger) AddWatched(userID string, d time.Duration) (time.Duration, bool) {
	rec, ok := l.lookup(userID)
	if !ok {
		return 0, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.watched += d
	return rec.watched, true
}

// Extend atomically subtracts time from a user's accumulated duration,
// flooring at zero, and clears the notified flag so the next limit violation
// notifies again. Returns the new total.
func (l *Ledger) Extend(userID string, d time.Duration) (time.Duration, bool) {
	rec, ok := l.lookup(userID)
	if !ok {
		return 0, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.watched -= d
	if rec.watched < 0 {
		rec.watched = 0
	}
	rec.notified = false
	return rec.watched, true
}

// Reset zeroes a user's accumulated duration, stamps the last-reset time,
// records the new next-reset instant, and clears the notified flag.
func (l *Ledger) Reset(userID string, now, nextReset time.Time) bool {
	rec, ok := l.lookup(userID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.watched = 0
	rec.lastReset = now
	rec.nextReset = nextReset
	rec.notified = false
	return true
}

// SetNextReset replaces the cached next-reset instant, used when a user's
// reset policy changes so a stale schedule never fires under the new policy.
func (l *Ledger) SetNextReset(userID string, nextReset time.Time) bool {
	rec, ok := l.lookup(userID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.nextReset = nextReset
	return true
}

// MarkNotified sets the limit-reached notified flag with set-if-absent
// semantics: it returns true only for the caller that performed the
// transition, so exactly one notification fires per violation episode.
func (l *Ledger) MarkNotified(userID string) bool {
	rec, ok := l.lookup(userID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.notified {
		return false
	}
	rec.notified = true
	return true
}

// Remove drops a user's record and all its history.
func (l *Ledger) Remove(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(userID)
	if _, ok := l.records[key]; !ok {
		return false
	}
	delete(l.records, key)
	return true
}

// Clear drops every record and returns how many were removed.
func (l *Ledger) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.records)
	l.records = make(map[string]*record)
	return n
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Views returns a copy of every record.
func (l *Ledger) Views() []RecordView {
	l.mu.RLock()
	recs := make([]*record, 0, len(l.records))
	for _, rec := range l.records {
		recs = append(recs, rec)
	}
	l.mu.RUnlock()

	views := make([]RecordView, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		views = append(views, rec.viewLocked())
		rec.mu.Unlock()
	}
	return views
}

func (r *record) viewLocked() RecordView {
	return RecordView{
		UserID:    r.userID,
		Watched:   r.watched,
		LastReset: r.lastReset,
		NextReset: r.nextReset,
		Notified:  r.notified,
	}
}
