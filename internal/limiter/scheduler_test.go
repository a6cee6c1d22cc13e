package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/watchward/internal/storage"
	"github.com/rs/zerolog"
)

// fakeSnapshotStore is an in-memory storage.SnapshotStore for tests.
type fakeSnapshotStore struct {
	data    []storage.WatchSnapshot
	saves   int
	loadErr error
	saveErr error
}

func (f *fakeSnapshotStore) Save(ctx context.Context, snapshots []storage.WatchSnapshot) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.data = append([]storage.WatchSnapshot(nil), snapshots...)
	f.saves++
	return nil
}

func (f *fakeSnapshotStore) Load(ctx context.Context) ([]storage.WatchSnapshot, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]storage.WatchSnapshot(nil), f.data...), nil
}

func (f *fakeSnapshotStore) Get(ctx context.Context, userID string) (*storage.WatchSnapshot, error) {
	for i := range f.data {
		if storage.SnapshotKey(f.data[i].UserID) == storage.SnapshotKey(userID) {
			snap := f.data[i]
			return &snap, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeSnapshotStore) Delete(ctx context.Context, userID string) error {
	for i := range f.data {
		if storage.SnapshotKey(f.data[i].UserID) == storage.SnapshotKey(userID) {
			f.data = append(f.data[:i], f.data[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeSnapshotStore) find(userID string) (storage.WatchSnapshot, bool) {
	for _, snap := range f.data {
		if storage.SnapshotKey(snap.UserID) == storage.SnapshotKey(userID) {
			return snap, true
		}
	}
	return storage.WatchSnapshot{}, false
}

// testStart is a Monday at 10:00 UTC.
var testStart = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

func testPolicy(userID string, limit time.Duration) UserPolicy {
	return UserPolicy{
		UserID:  userID,
		Name:    userID,
		Enabled: true,
		Limit:   limit,
		Reset:   ResetPolicy{Kind: ResetDaily, Hour: 4},
	}
}

func newTestEngine(source SessionSource, snaps storage.SnapshotStore, policies ...UserPolicy) (*Engine, *TestClock) {
	engine := NewEngine(
		source,
		NewStaticPolicies(true, policies),
		snaps,
		Config{TickInterval: 10 * time.Second, Messages: testMessages, MessageTimeout: time.Second},
		zerolog.Nop(),
	)
	clock := &TestClock{CurrentTime: testStart}
	engine.SetClock(clock)
	return engine, clock
}

func playingSession(id, userID string) PlaybackSession {
	return PlaybackSession{ID: id, UserID: userID, NowPlaying: true}
}

func TestTickAccumulatesWatchTime(t *testing.T) {
	source := &fakeSource{sessions: []PlaybackSession{playingSession("s1", "kid1")}}
	snaps := &fakeSnapshotStore{}
	engine, clock := newTestEngine(source, snaps, testPolicy("kid1", 2*time.Hour))

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		engine.tick(context.Background(), clock.Now())
	}

	view, ok := engine.ledger.Get("kid1")
	if !ok {
		t.Fatal("no record for kid1 after ticks")
	}
	if view.Watched != 30*time.Second {
		t.Errorf("Watched = %v, want 30s", view.Watched)
	}
	if len(source.stopped) != 0 {
		t.Errorf("stopped sessions = %v, want none under the limit", source.stopped)
	}

	// Each accumulating tick flushes a snapshot.
	snap, ok := snaps.find("kid1")
	if !ok {
		t.Fatal("no snapshot persisted for kid1")
	}
	if snap.WatchedSeconds != 30 {
		t.Errorf("persisted WatchedSeconds = %d, want 30", snap.WatchedSeconds)
	}
}

func TestTickUnderLimitAllows(t *testing.T) {
	source := &fakeSource{sessions: []PlaybackSession{playingSession("s1", "kid1")}}
	engine, clock := newTestEngine(source, &fakeSnapshotStore{}, testPolicy("kid1", 2*time.Hour))

	engine.ledger.Restore("kid1", 119*time.Minute, testStart, time.Time{})

	clock.Advance(10 * time.Second)
	engine.tick(context.Background(), clock.Now())

	if len(source.stopped) != 0 {
		t.Errorf("stopped = %v, want none at 119m10s of 120m", source.stopped)
	}
	view, _ := engine.ledger.Get("kid1")
	if view.Watched != 119*time.Minute+10*time.Second {
		t.Errorf("Watched = %v, want 119m10s", view.Watched)
	}
}

func TestTickLimitReachedStopsAndNotifiesOnce(t *testing.T) {
	source := &fakeSource{sessions: []PlaybackSession{playingSession("s1", "kid1")}}
	engine, clock := newTestEngine(source, &fakeSnapshotStore{}, testPolicy("kid1", 2*time.Hour))

	engine.ledger.Restore("kid1", 2*time.Hour-10*time.Second, testStart, time.Time{})

	// Crossing the limit stops the session and notifies.
	clock.Advance(10 * time.Second)
	engine.tick(context.Background(), clock.Now())

	if len(source.stopped) != 1 {
		t.Fatalf("stopped = %v, want one stop at the limit", source.stopped)
	}
	view, _ := engine.ledger.Get("kid1")
	if !view.Notified {
		t.Error("notified flag not set after crossing the limit")
	}

	// The user keeps trying: enforcement repeats, notification does not.
	clock.Advance(10 * time.Second)
	engine.tick(context.Background(), clock.Now())

	if len(source.stopped) != 2 {
		t.Errorf("stops = %d, want enforcement on every violating tick", len(source.stopped))
	}
}

func TestTickOutsideWindowBlocksWithoutAccrual(t *testing.T) {
	policy := testPolicy("kid1", 2*time.Hour)
	policy.Window = TimeWindow{Enabled: true, StartHour: 22, EndHour: 6}

	source := &fakeSource{sessions: []PlaybackSession{playingSession("s1", "kid1")}}
	engine, clock := newTestEngine(source, &fakeSnapshotStore{}, policy)

	// testStart is 10:00, squarely outside a 22-6 window.
	engine.tick(context.Background(), clock.Now())

	if len(source.stopped) != 1 {
		t.Errorf("stopped = %v, want the out-of-window session stopped", source.stopped)
	}
	if len(source.messages) != 1 || source.messages[0].header != testMessages.WindowHeader {
		t.Errorf("messages = %v, want one window message", source.messages)
	}
	if view, ok := engine.ledger.Get("kid1"); ok && view.Watched != 0 {
		t.Errorf("Watched = %v, want no accrual outside the window", view.Watched)
	}
}

func TestTickInsideWrappedWindowAccrues(t *testing.T) {
	policy := testPolicy("kid1", 2*time.Hour)
	policy.Window = TimeWindow{Enabled: true, StartHour: 22, EndHour: 6}

	source := &fakeSource{sessions: []PlaybackSession{playingSession("s1", "kid1")}}
	engine, clock := newTestEngine(source, &fakeSnapshotStore{}, policy)
	clock.CurrentTime = time.Date(2025, time.March, 3, 23, 0, 0, 0, time.UTC)

	engine.tick(context.Background(), clock.Now())

	if len(source.stopped) != 0 {
		t.Errorf("stopped = %v, want none at 23:00 inside a 22-6 window", source.stopped)
	}
	view, _ := engine.ledger.Get("kid1")
	if view.Watched != 10*time.Second {
		t.Errorf("Watched = %v, want one interval", view.Watched)
	}
}

func TestTickSkipsPausedAndIdleSessions(t *testing.T) {
	source := &fakeSource{sessions: []PlaybackSession{
		{ID: "s1", UserID: "kid1", NowPlaying: true, Paused: true},
		{ID: "s2", UserID: "kid1", NowPlaying: false},
	}}
	engine, clock := newTestEngine(source, &fakeSnapshotStore{}, testPolicy("kid1", 2*time.Hour))

	engine.tick(context.Background(), clock.Now())

	if view, ok := engine.ledger.Get("kid1"); ok && view.Watched != 0 {
		t.Errorf("Watched = %v, want 0 for paused/idle sessions", view.Watched)
	}
}

func TestTickScheduledReset(t *testing.T) {
	source := &fakeSource{}
	engine, clock := newTestEngine(source, &fakeSnapshotStore{}, testPolicy("kid1", 2*time.Hour))

	// Seed a record whose reset instant has already passed.
	engine.ledger.Restore("kid1", 90*time.Minute, testStart.Add(-24*time.Hour), testStart.Add(-6*time.Hour))
	engine.ledger.MarkNotified("kid1")

	engine.tick(context.Background(), clock.Now())

	view, _ := engine.ledger.Get("kid1")
	if view.Watched != 0 {
		t.Errorf("Watched = %v, want 0 after scheduled reset", view.Watched)
	}
	if view.Notified {
		t.Error("notified flag survived the reset")
	}
	// Daily at 04:00, now 10:00: next fire is tomorrow 04:00.
	wantNext := time.Date(2025, time.March, 4, 4, 0, 0, 0, time.UTC)
	if !view.NextReset.Equal(wantNext) {
		t.Errorf("NextReset = %v, want %v", view.NextReset, wantNext)
	}
}

func TestTickResetBeforeAccumulation(t *testing.T) {
	source := &fakeSource{sessions: []PlaybackSession{playingSession("s1", "kid1")}}
	engine, clock := newTestEngine(source, &fakeSnapshotStore{}, testPolicy("kid1", 2*time.Hour))

	engine.ledger.Restore("kid1", 3*time.Hour, testStart.Add(-24*time.Hour), testStart.Add(-6*time.Hour))

	engine.tick(context.Background(), clock.Now())

	// The reset lands first, so the new period holds only this tick's interval
	// and the stale over-limit total never triggers enforcement.
	view, _ := engine.ledger.Get("kid1")
	if view.Watched != 10*time.Second {
		t.Errorf("Watched = %v, want a single interval in the fresh period", view.Watched)
	}
	if len(source.stopped) != 0 {
		t.Errorf("stopped = %v, want none after the period rolled over", source.stopped)
	}
}

func TestTickPurgesUnconfiguredUsers(t *testing.T) {
	source := &fakeSource{}
	snaps := &fakeSnapshotStore{}
	engine, clock := newTestEngine(source, snaps, testPolicy("kid1", 2*time.Hour))

	engine.ledger.Restore("kid1", time.Minute, testStart, time.Time{})
	engine.ledger.Restore("gone", time.Hour, testStart, time.Time{})

	engine.tick(context.Background(), clock.Now())

	if _, ok := engine.ledger.Get("gone"); ok {
		t.Error("record for unconfigured user survived the tick")
	}
	if _, ok := engine.ledger.Get("kid1"); !ok {
		t.Error("record for configured user was purged")
	}
	if _, ok := snaps.find("gone"); ok {
		t.Error("snapshot for unconfigured user survived the save")
	}
}

func TestTickDisabledClearsLedger(t *testing.T) {
	source := &fakeSource{sessions: []PlaybackSession{playingSession("s1", "kid1")}}
	snaps := &fakeSnapshotStore{}
	engine := NewEngine(
		source,
		NewStaticPolicies(false, []UserPolicy{testPolicy("kid1", 2*time.Hour)}),
		snaps,
		Config{TickInterval: 10 * time.Second},
		zerolog.Nop(),
	)
	clock := &TestClock{CurrentTime: testStart}
	engine.SetClock(clock)

	engine.ledger.Restore("kid1", time.Hour, testStart, time.Time{})

	engine.tick(context.Background(), clock.Now())

	if engine.ledger.Len() != 0 {
		t.Errorf("ledger records = %d, want 0 with the limiter disabled", engine.ledger.Len())
	}
	if len(snaps.data) != 0 {
		t.Errorf("persisted snapshots = %v, want empty", snaps.data)
	}
	if len(source.stopped) != 0 {
		t.Errorf("stopped = %v, want no enforcement while disabled", source.stopped)
	}
}

func TestTickSessionErrorSkipsAccumulation(t *testing.T) {
	source := &fakeSource{listErr: errors.New("connection refused")}
	engine, clock := newTestEngine(source, &fakeSnapshotStore{}, testPolicy("kid1", 2*time.Hour))

	engine.ledger.Restore("kid1", time.Minute, testStart, time.Time{})

	engine.tick(context.Background(), clock.Now())

	view, _ := engine.ledger.Get("kid1")
	if view.Watched != time.Minute {
		t.Errorf("Watched = %v, want unchanged after a session listing failure", view.Watched)
	}
}

func TestTickSaveFailureKeepsStateAndRetries(t *testing.T) {
	source := &fakeSource{sessions: []PlaybackSession{playingSession("s1", "kid1")}}
	snaps := &fakeSnapshotStore{saveErr: errors.New("disk full")}
	engine, clock := newTestEngine(source, snaps, testPolicy("kid1", 2*time.Hour))

	engine.tick(context.Background(), clock.Now())

	// In-memory state stays authoritative and the dirty flag re-arms.
	view, _ := engine.ledger.Get("kid1")
	if view.Watched != 10*time.Second {
		t.Errorf("Watched = %v, want one interval despite the save failure", view.Watched)
	}
	if !engine.dirty.Load() {
		t.Error("dirty flag not re-armed after a failed save")
	}

	// Next tick retries and succeeds.
	snaps.saveErr = nil
	clock.Advance(10 * time.Second)
	engine.tick(context.Background(), clock.Now())

	snap, ok := snaps.find("kid1")
	if !ok || snap.WatchedSeconds != 20 {
		t.Errorf("persisted snapshot = %+v, %v, want 20 watched seconds", snap, ok)
	}
}

func TestStatusLazyCreatesRecords(t *testing.T) {
	engine, _ := newTestEngine(&fakeSource{}, &fakeSnapshotStore{},
		testPolicy("kid1", 2*time.Hour), testPolicy("kid2", 0))

	statuses := engine.Status()
	if len(statuses) != 2 {
		t.Fatalf("Status() returned %d entries, want 2", len(statuses))
	}

	byID := make(map[string]UserStatus, len(statuses))
	for _, st := range statuses {
		byID[st.UserID] = st
	}

	kid1 := byID["kid1"]
	if kid1.LimitMinutes != 120 || kid1.SecondsWatched != 0 || kid1.SecondsRemaining != 7200 {
		t.Errorf("kid1 status = %+v", kid1)
	}
	if !kid1.IsLimited {
		t.Error("kid1 should be limited")
	}

	kid2 := byID["kid2"]
	if kid2.IsLimited || kid2.SecondsRemaining != 0 {
		t.Errorf("unlimited kid2 status = %+v", kid2)
	}
}

func TestStatusRemainingFloorsAtZero(t *testing.T) {
	engine, _ := newTestEngine(&fakeSource{}, &fakeSnapshotStore{}, testPolicy("kid1", 2*time.Hour))
	engine.ledger.Restore("kid1", 3*time.Hour, testStart, time.Time{})

	statuses := engine.Status()
	if statuses[0].SecondsRemaining != 0 {
		t.Errorf("SecondsRemaining = %d, want 0", statuses[0].SecondsRemaining)
	}
	if statuses[0].SecondsWatched != 3*3600 {
		t.Errorf("SecondsWatched = %d, want %d", statuses[0].SecondsWatched, 3*3600)
	}
}

func TestBlockReasonFor(t *testing.T) {
	policy := testPolicy("kid1", 2*time.Hour)
	engine, _ := newTestEngine(&fakeSource{}, &fakeSnapshotStore{}, policy)

	if got := engine.BlockReasonFor("kid1"); got != Allowed {
		t.Errorf("fresh user BlockReasonFor() = %v, want Allowed", got)
	}

	engine.ledger.Restore("kid1", 2*time.Hour, testStart, time.Time{})
	if got := engine.BlockReasonFor("KID1"); got != TimeLimitExceeded {
		t.Errorf("BlockReasonFor() = %v, want TimeLimitExceeded", got)
	}

	// Users without limiter configuration are never blocked.
	if got := engine.BlockReasonFor("parent"); got != Allowed {
		t.Errorf("unconfigured BlockReasonFor() = %v, want Allowed", got)
	}
}

func TestExtendTime(t *testing.T) {
	snaps := &fakeSnapshotStore{}
	engine, _ := newTestEngine(&fakeSource{}, snaps, testPolicy("kid1", 2*time.Hour))

	engine.ledger.Restore("kid1", 2*time.Hour, testStart, time.Time{})
	engine.ledger.MarkNotified("kid1")

	if err := engine.ExtendTime("kid1", 30); err != nil {
		t.Fatalf("ExtendTime() error = %v", err)
	}

	view, _ := engine.ledger.Get("kid1")
	if view.Watched != 90*time.Minute {
		t.Errorf("Watched = %v, want 90m", view.Watched)
	}
	if view.Notified {
		t.Error("extension did not re-arm the limit notification")
	}
	if engine.BlockReasonFor("kid1") != Allowed {
		t.Error("user still blocked after extension")
	}

	// The grant is durable immediately.
	snap, ok := snaps.find("kid1")
	if !ok || snap.WatchedSeconds != 90*60 {
		t.Errorf("persisted snapshot = %+v, %v, want 5400 watched seconds", snap, ok)
	}
}

func TestExtendTimeErrors(t *testing.T) {
	engine, _ := newTestEngine(&fakeSource{}, &fakeSnapshotStore{}, testPolicy("kid1", 2*time.Hour))

	if err := engine.ExtendTime("kid1", 0); !errors.Is(err, ErrInvalidMinutes) {
		t.Errorf("ExtendTime(0) error = %v, want ErrInvalidMinutes", err)
	}
	if err := engine.ExtendTime("kid1", -5); !errors.Is(err, ErrInvalidMinutes) {
		t.Errorf("ExtendTime(-5) error = %v, want ErrInvalidMinutes", err)
	}
	if err := engine.ExtendTime("nobody", 10); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("ExtendTime(nobody) error = %v, want ErrUnknownUser", err)
	}
}

func TestResetUser(t *testing.T) {
	snaps := &fakeSnapshotStore{}
	engine, _ := newTestEngine(&fakeSource{}, snaps, testPolicy("kid1", 2*time.Hour))
	engine.ledger.Restore("kid1", time.Hour, testStart.Add(-time.Hour), time.Time{})

	if err := engine.ResetUser("kid1"); err != nil {
		t.Fatalf("ResetUser() error = %v", err)
	}

	view, _ := engine.ledger.Get("kid1")
	if view.Watched != 0 {
		t.Errorf("Watched = %v, want 0", view.Watched)
	}
	if !view.LastReset.Equal(testStart) {
		t.Errorf("LastReset = %v, want %v", view.LastReset, testStart)
	}
	if snap, ok := snaps.find("kid1"); !ok || snap.WatchedSeconds != 0 {
		t.Errorf("persisted snapshot = %+v, %v, want zeroed", snap, ok)
	}

	if err := engine.ResetUser("nobody"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("ResetUser(nobody) error = %v, want ErrUnknownUser", err)
	}
}

func TestResetAll(t *testing.T) {
	engine, _ := newTestEngine(&fakeSource{}, &fakeSnapshotStore{},
		testPolicy("kid1", 2*time.Hour), testPolicy("kid2", time.Hour))
	engine.ledger.Restore("kid1", time.Hour, testStart.Add(-time.Hour), time.Time{})
	engine.ledger.Restore("kid2", 30*time.Minute, testStart.Add(-time.Hour), time.Time{})

	engine.ResetAll()

	for _, userID := range []string{"kid1", "kid2"} {
		view, _ := engine.ledger.Get(userID)
		if view.Watched != 0 {
			t.Errorf("%s Watched = %v, want 0", userID, view.Watched)
		}
	}
}

func TestRecomputeNextResets(t *testing.T) {
	policy := testPolicy("kid1", 2*time.Hour)
	policy.Reset = ResetPolicy{Kind: ResetInterval, IntervalMinutes: 60}
	engine, _ := newTestEngine(&fakeSource{}, &fakeSnapshotStore{}, policy)

	lastReset := testStart.Add(-30 * time.Minute)
	engine.ledger.Restore("kid1", 0, lastReset, testStart.Add(48*time.Hour))

	engine.RecomputeNextResets()

	view, _ := engine.ledger.Get("kid1")
	want := lastReset.Add(60 * time.Minute)
	if !view.NextReset.Equal(want) {
		t.Errorf("NextReset = %v, want %v", view.NextReset, want)
	}
}

func TestRestoreFromSnapshots(t *testing.T) {
	snaps := &fakeSnapshotStore{data: []storage.WatchSnapshot{
		{UserID: "kid1", WatchedSeconds: 4500, LastReset: testStart.Add(-2 * time.Hour)},
		{UserID: "gone", WatchedSeconds: 100, LastReset: testStart.Add(-2 * time.Hour)},
		{UserID: "kid2", WatchedSeconds: 60}, // zero LastReset
	}}
	engine, _ := newTestEngine(&fakeSource{}, snaps,
		testPolicy("kid1", 2*time.Hour), testPolicy("kid2", time.Hour))

	engine.restore(context.Background())

	view, ok := engine.ledger.Get("kid1")
	if !ok || view.Watched != 75*time.Minute {
		t.Errorf("restored kid1 = %+v, %v, want 75m watched", view, ok)
	}
	// Daily at 04:00 with a last reset two hours ago: next fire tomorrow 04:00.
	wantNext := time.Date(2025, time.March, 4, 4, 0, 0, 0, time.UTC)
	if !view.NextReset.Equal(wantNext) {
		t.Errorf("rederived NextReset = %v, want %v", view.NextReset, wantNext)
	}

	if _, ok := engine.ledger.Get("gone"); ok {
		t.Error("snapshot for unconfigured user was restored")
	}

	// A zero last-reset stamps now rather than triggering an immediate reset.
	view, _ = engine.ledger.Get("kid2")
	if !view.LastReset.Equal(testStart) {
		t.Errorf("kid2 LastReset = %v, want %v", view.LastReset, testStart)
	}
}

func TestRestoreLoadFailureStartsEmpty(t *testing.T) {
	snaps := &fakeSnapshotStore{loadErr: errors.New("corrupt file")}
	engine, _ := newTestEngine(&fakeSource{}, snaps, testPolicy("kid1", 2*time.Hour))

	engine.restore(context.Background())

	if engine.ledger.Len() != 0 {
		t.Errorf("ledger records = %d, want 0 after a failed load", engine.ledger.Len())
	}
}

func TestStartStopLifecycle(t *testing.T) {
	snaps := &fakeSnapshotStore{data: []storage.WatchSnapshot{
		{UserID: "kid1", WatchedSeconds: 300, LastReset: testStart},
	}}
	engine, _ := newTestEngine(&fakeSource{}, snaps, testPolicy("kid1", 2*time.Hour))

	engine.Start()
	engine.Stop()

	// Stop flushes the restored state back out.
	snap, ok := snaps.find("kid1")
	if !ok || snap.WatchedSeconds != 300 {
		t.Errorf("final snapshot = %+v, %v, want 300 watched seconds", snap, ok)
	}

	// Stop is idempotent.
	engine.Stop()
}
