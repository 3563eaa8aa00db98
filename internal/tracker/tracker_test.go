package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/trackletapp/tracklet/internal/clock"
	"github.com/trackletapp/tracklet/internal/session"
	"github.com/trackletapp/tracklet/internal/storage"
	"github.com/trackletapp/tracklet/internal/storage/bolt"
)

type queueRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (q *queueRecorder) Enqueue(sessionID string) {
	q.mu.Lock()
	q.ids = append(q.ids, sessionID)
	q.mu.Unlock()
}

func (q *queueRecorder) all() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

func setupTracker(t *testing.T) (*Tracker, *clock.TestClock, *queueRecorder) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "tracklet.bolt"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock.TestClock{CurrentTime: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	queue := &queueRecorder{}
	tr := New(store, queue, clk, Config{UserID: "user-1", GuardRelease: -1}, zerolog.Nop())
	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	return tr, clk, queue
}

func TestTracker_StartStop(t *testing.T) {
	tr, clk, queue := setupTracker(t)
	ctx := context.Background()

	started, err := tr.Start(ctx, session.CategoryGoal, "Writing", "Essay")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !started.Active {
		t.Error("Expected started session to be active")
	}
	if started.Elapsed != 0 {
		t.Errorf("Expected zero elapsed on start, got %v", started.Elapsed)
	}

	clk.Advance(25 * time.Minute)

	stopped, err := tr.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped == nil {
		t.Fatal("Expected stopped session")
	}
	if stopped.Elapsed != 25*time.Minute {
		t.Errorf("Expected 25m elapsed, got %v", stopped.Elapsed)
	}
	if stopped.Active {
		t.Error("Expected stopped session to be inactive")
	}
	if stopped.EndTime == nil || !stopped.EndTime.Equal(clk.CurrentTime) {
		t.Errorf("Expected end time stamped at stop, got %v", stopped.EndTime)
	}
	if stopped.SyncStatus != session.SyncPending {
		t.Errorf("Expected pending status, got %s", stopped.SyncStatus)
	}

	ids := queue.all()
	if len(ids) != 2 || ids[0] != started.ID || ids[1] != started.ID {
		t.Errorf("Expected session queued on start and stop, got %v", ids)
	}
}

func TestTracker_StopWithoutActive(t *testing.T) {
	tr, _, queue := setupTracker(t)

	stopped, err := tr.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped != nil {
		t.Errorf("Expected no-op stop, got %+v", stopped)
	}
	if len(queue.all()) != 0 {
		t.Error("Expected nothing queued for no-op stop")
	}
}

func TestTracker_StartStopsCurrentActive(t *testing.T) {
	tr, clk, _ := setupTracker(t)
	ctx := context.Background()

	first, err := tr.Start(ctx, session.CategoryGoal, "Writing", "Essay")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clk.Advance(10 * time.Minute)

	second, err := tr.Start(ctx, session.CategoryHealth, "Running", "Morning run")
	if err != nil {
		t.Fatalf("Second start failed: %v", err)
	}

	active := tr.ActiveSession()
	if active == nil || active.ID != second.ID {
		t.Fatal("Expected second session active")
	}

	sessions := tr.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	for _, s := range sessions {
		if s.ID == first.ID {
			if s.Active {
				t.Error("Expected first session stopped")
			}
			if s.Elapsed != 10*time.Minute {
				t.Errorf("Expected first session credited 10m, got %v", s.Elapsed)
			}
		}
	}
}

func TestTracker_Resume(t *testing.T) {
	tr, clk, _ := setupTracker(t)
	ctx := context.Background()

	started, err := tr.Start(ctx, session.CategoryGoal, "Writing", "Essay")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clk.Advance(20 * time.Minute)
	if _, err := tr.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	clk.Advance(time.Hour)

	resumed, err := tr.Resume(ctx, started.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !resumed.Active {
		t.Error("Expected resumed session active")
	}
	if resumed.Elapsed != 20*time.Minute {
		t.Errorf("Expected carried elapsed of 20m, got %v", resumed.Elapsed)
	}
	if !resumed.StartTime.Equal(clk.CurrentTime) {
		t.Errorf("Expected start time reset on resume, got %v", resumed.StartTime)
	}
	if resumed.EndTime != nil {
		t.Error("Expected end time cleared on resume")
	}

	// The idle hour between stop and resume is not tracked time.
	clk.Advance(5 * time.Minute)
	stopped, err := tr.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped.Elapsed != 25*time.Minute {
		t.Errorf("Expected 25m total elapsed, got %v", stopped.Elapsed)
	}
}

func TestTracker_ResumeUnknownSession(t *testing.T) {
	tr, _, _ := setupTracker(t)

	_, err := tr.Resume(context.Background(), "no-such-id")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestTracker_ResumeStopsCurrentActive(t *testing.T) {
	tr, clk, _ := setupTracker(t)
	ctx := context.Background()

	old, err := tr.Start(ctx, session.CategoryGoal, "Writing", "Essay")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clk.Advance(5 * time.Minute)
	if _, err := tr.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if _, err := tr.Start(ctx, session.CategoryHealth, "Running", "Morning run"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clk.Advance(5 * time.Minute)

	if _, err := tr.Resume(ctx, old.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	actives := 0
	for _, s := range tr.Sessions() {
		if s.Active {
			actives++
		}
	}
	if actives != 1 {
		t.Errorf("Expected exactly one active session, got %d", actives)
	}
	if active := tr.ActiveSession(); active == nil || active.ID != old.ID {
		t.Error("Expected resumed session to be the active one")
	}
}

func TestTracker_DeleteUnsynced(t *testing.T) {
	tr, _, queue := setupTracker(t)
	ctx := context.Background()

	started, err := tr.Start(ctx, session.CategoryGoal, "Writing", "Essay")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	queued := len(queue.all())

	if err := tr.Delete(ctx, started.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(tr.Sessions()) != 0 {
		t.Error("Expected session removed")
	}
	if len(queue.all()) != queued {
		t.Error("Expected no sync enqueue for never-synced delete")
	}
}

func TestTracker_DeleteSyncedKeepsTombstone(t *testing.T) {
	tr, clk, queue := setupTracker(t)
	ctx := context.Background()

	started, err := tr.Start(ctx, session.CategoryGoal, "Writing", "Essay")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Mark the session as confirmed by the remote.
	syncedAt := clk.CurrentTime
	synced := started
	synced.Active = false
	synced.SyncStatus = session.SyncSynced
	synced.SyncedAt = &syncedAt
	synced.RemoteID = started.ID
	if _, err := tr.Update(ctx, synced); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	queued := len(queue.all())

	if err := tr.Delete(ctx, started.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if len(tr.Sessions()) != 0 {
		t.Error("Expected session hidden from visible list")
	}
	ids := queue.all()
	if len(ids) != queued+1 || ids[len(ids)-1] != started.ID {
		t.Errorf("Expected tombstone queued for sync, got %v", ids)
	}
}

func TestTracker_DeleteUnknownSession(t *testing.T) {
	tr, _, _ := setupTracker(t)

	err := tr.Delete(context.Background(), "no-such-id")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestTracker_StartRejectsInvalidInput(t *testing.T) {
	tr, _, queue := setupTracker(t)

	_, err := tr.Start(context.Background(), session.CategoryGoal, "Writing", "   ")
	if !errors.Is(err, session.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
	if len(tr.Sessions()) != 0 {
		t.Error("Expected no session created")
	}
	if len(queue.all()) != 0 {
		t.Error("Expected nothing queued")
	}
}

func TestTracker_BusyGuard(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "tracklet.bolt"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock.TestClock{CurrentTime: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	tr := New(store, nil, clk, Config{UserID: "user-1", GuardRelease: time.Hour}, zerolog.Nop())
	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, err := tr.Start(context.Background(), session.CategoryGoal, "Writing", "Essay"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The guard is still held within the release window.
	if _, err := tr.Stop(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
}

func TestTracker_SaveDraft(t *testing.T) {
	tr, _, _ := setupTracker(t)

	draft, err := tr.SaveDraft(context.Background(), session.CategoryGoal, "Writing", "Outline")
	if err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}
	if draft.Active {
		t.Error("Expected draft inactive")
	}
	if draft.Elapsed != 0 {
		t.Errorf("Expected zero elapsed draft, got %v", draft.Elapsed)
	}
	if len(tr.Sessions()) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(tr.Sessions()))
	}
	if tr.ActiveSession() != nil {
		t.Error("Expected no active session after draft save")
	}
}

func TestTracker_UpdateDeactivatesOtherActive(t *testing.T) {
	tr, clk, _ := setupTracker(t)
	ctx := context.Background()

	if _, err := tr.Start(ctx, session.CategoryGoal, "Writing", "Essay"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clk.Advance(time.Minute)

	other, err := session.New(session.CategoryHealth, "Running", "Morning run", "user-1", clk.CurrentTime)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := tr.Update(ctx, other); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	actives := 0
	for _, s := range tr.Sessions() {
		if s.Active {
			actives++
		}
	}
	if actives != 1 {
		t.Errorf("Expected exactly one active session, got %d", actives)
	}
}

func TestTracker_Persistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracklet.bolt")
	clk := &clock.TestClock{CurrentTime: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	store, err := bolt.Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	tr := New(store, nil, clk, Config{UserID: "user-1", GuardRelease: -1}, zerolog.Nop())
	if err := tr.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	started, err := tr.Start(ctx, session.CategoryGoal, "Writing", "Essay")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clk.Advance(15 * time.Minute)
	if _, err := tr.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := bolt.Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	tr2 := New(reopened, nil, clk, Config{UserID: "user-1", GuardRelease: -1}, zerolog.Nop())
	if err := tr2.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	sessions := tr2.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 persisted session, got %d", len(sessions))
	}
	if sessions[0].ID != started.ID || sessions[0].Elapsed != 15*time.Minute {
		t.Errorf("Persisted session does not match: %+v", sessions[0])
	}
}

func TestTracker_ListenersNotified(t *testing.T) {
	tr, _, _ := setupTracker(t)

	var events []Event
	tr.Subscribe(func(e Event) {
		events = append(events, e)
	})

	started, err := tr.Start(context.Background(), session.CategoryGoal, "Writing", "Essay")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Active == nil || e.Active.ID != started.ID {
		t.Error("Expected event to carry the active session")
	}
	if len(e.Changes) == 0 || e.Changes[len(e.Changes)-1].Op != "start" {
		t.Errorf("Expected start change, got %+v", e.Changes)
	}
}

type failingStore struct {
	inner storage.LocalStore
}

func (f *failingStore) Load(ctx context.Context, userID string) ([]session.Session, error) {
	return f.inner.Load(ctx, userID)
}

func (f *failingStore) LoadAll(ctx context.Context, userID string) ([]session.Session, error) {
	return f.inner.LoadAll(ctx, userID)
}

func (f *failingStore) Save(context.Context, string, []session.Session) error {
	return errors.New("disk full")
}

func (f *failingStore) Update(context.Context, string, func([]session.Session) []session.Session) error {
	return errors.New("disk full")
}

func (f *failingStore) Close() error { return f.inner.Close() }

func TestTracker_ContinuesInMemoryOnStoreFailure(t *testing.T) {
	inner, err := bolt.Open(filepath.Join(t.TempDir(), "tracklet.bolt"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = inner.Close() })

	clk := &clock.TestClock{CurrentTime: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	queue := &queueRecorder{}
	tr := New(&failingStore{inner: inner}, queue, clk, Config{UserID: "user-1", GuardRelease: -1}, zerolog.Nop())
	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	started, err := tr.Start(context.Background(), session.CategoryGoal, "Writing", "Essay")
	if err != nil {
		t.Fatalf("Expected start to succeed in memory, got %v", err)
	}
	if active := tr.ActiveSession(); active == nil || active.ID != started.ID {
		t.Error("Expected session tracked in memory despite store failure")
	}
	if ids := queue.all(); len(ids) != 1 || ids[0] != started.ID {
		t.Errorf("Expected session still queued for sync, got %v", ids)
	}
}
