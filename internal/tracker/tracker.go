package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/trackletapp/tracklet/internal/clock"
	"github.com/trackletapp/tracklet/internal/metrics"
	"github.com/trackletapp/tracklet/internal/session"
	"github.com/trackletapp/tracklet/internal/storage"
)

// DefaultGuardRelease is how long the operation guard stays held after a
// write commits. Rapid repeated calls inside this window are rejected.
const DefaultGuardRelease = 300 * time.Millisecond

var (
	// ErrBusy is returned when another operation holds the engine guard.
	ErrBusy = errors.New("tracker: operation in progress")

	// ErrSessionNotFound is returned by resume/delete for unknown ids.
	ErrSessionNotFound = errors.New("tracker: session not found")
)

// Enqueuer receives ids of sessions whose local state diverged and must be
// pushed on the next sync cycle.
type Enqueuer interface {
	Enqueue(sessionID string)
}

// Tracker is the session lifecycle engine. It owns the in-memory mirror of
// the per-user session list, enforces the single-active-session invariant,
// persists through the local store, and notifies listeners after each
// committed write.
type Tracker struct {
	store        storage.LocalStore
	syncQueue    Enqueuer
	clk          clock.Clock
	userID       string
	guardRelease time.Duration
	logger       zerolog.Logger

	busyMu sync.Mutex
	busy   bool

	stateMu   sync.RWMutex
	sessions  []session.Session // full owned list, tombstones included
	listeners []Listener
}

// Config holds tracker configuration
type Config struct {
	UserID       string
	GuardRelease time.Duration
}

// New creates a lifecycle engine for the given user. Call Load before use.
func New(store storage.LocalStore, syncQueue Enqueuer, clk clock.Clock, cfg Config, logger zerolog.Logger) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.GuardRelease == 0 {
		cfg.GuardRelease = DefaultGuardRelease
	}

	return &Tracker{
		store:        store,
		syncQueue:    syncQueue,
		clk:          clk,
		userID:       cfg.UserID,
		guardRelease: cfg.GuardRelease,
		logger:       logger.With().Str("component", "tracker").Logger(),
	}
}

// Load populates the in-memory mirror from the local store. A store failure
// is logged and leaves the mirror empty; the engine stays usable.
func (t *Tracker) Load(ctx context.Context) error {
	sessions, err := t.store.LoadAll(ctx, t.userID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("load").Inc()
		t.logger.Error().Err(err).Msg("Failed to load sessions, starting empty")
		sessions = []session.Session{}
	}

	t.stateMu.Lock()
	t.sessions = sessions
	t.stateMu.Unlock()

	t.publish("load", nil)
	return nil
}

// Sessions returns the visible session list: owned, tombstones excluded.
func (t *Tracker) Sessions() []session.Session {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return visible(t.sessions)
}

// ActiveSession returns the single active session, or nil when idle.
func (t *Tracker) ActiveSession() *session.Session {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return findActive(t.sessions)
}

// Start creates and activates a new session. Any currently active session is
// implicitly stopped first with its elapsed time accounted.
func (t *Tracker) Start(ctx context.Context, category session.Category, subCategory, title string) (session.Session, error) {
	if err := session.Validate(category, subCategory, title); err != nil {
		metrics.SessionOperations.WithLabelValues("start", "invalid").Inc()
		return session.Session{}, err
	}

	var started session.Session
	err := t.mutate(ctx, "start", func(list []session.Session, now time.Time) ([]session.Session, []session.Session, error) {
		list, stopped := stopActive(list, now)

		next, err := session.New(category, subCategory, title, t.userID, now)
		if err != nil {
			return list, nil, err
		}

		started = next
		touched := append(stopped, next)
		return append([]session.Session{next}, list...), touched, nil
	})
	return started, err
}

// Stop halts the active session, adding the running interval to its elapsed
// time. Calling it when nothing is active is a no-op.
func (t *Tracker) Stop(ctx context.Context) (*session.Session, error) {
	var stoppedSession *session.Session
	err := t.mutate(ctx, "stop", func(list []session.Session, now time.Time) ([]session.Session, []session.Session, error) {
		list, stopped := stopActive(list, now)
		if len(stopped) == 0 {
			return list, nil, nil
		}
		stoppedSession = &stopped[0]
		return list, stopped, nil
	})
	return stoppedSession, err
}

// Resume reactivates an existing session, carrying its accumulated elapsed
// time over unchanged. A currently active session is implicitly stopped.
func (t *Tracker) Resume(ctx context.Context, sessionID string) (session.Session, error) {
	var resumed session.Session
	err := t.mutate(ctx, "resume", func(list []session.Session, now time.Time) ([]session.Session, []session.Session, error) {
		idx := indexByID(list, sessionID)
		if idx < 0 {
			return list, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}

		list, stopped := stopActive(list, now)

		// The target may itself be the session stopActive just rewrote;
		// re-read it from the updated list.
		idx = indexByID(list, sessionID)
		target := list[idx]
		target.Active = true
		target.StartTime = now
		target.EndTime = nil
		target.Saved = false
		markPending(&target, now)
		list[idx] = target

		resumed = target
		return list, append(stopped, target), nil
	})
	return resumed, err
}

// Delete removes a session from the local list immediately. If it ever
// reached the remote store a tombstone is kept and queued so the deletion
// propagates before the record is purged.
func (t *Tracker) Delete(ctx context.Context, sessionID string) error {
	return t.mutate(ctx, "delete", func(list []session.Session, now time.Time) ([]session.Session, []session.Session, error) {
		idx := indexByID(list, sessionID)
		if idx < 0 {
			return list, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}

		target := list[idx]
		list = append(list[:idx], list[idx+1:]...)

		if !target.EverSynced() {
			// Never left the device: nothing to propagate.
			return list, nil, nil
		}

		target.Deleted = true
		target.Active = false
		markPending(&target, now)
		return append(list, target), []session.Session{target}, nil
	})
}

// Update upserts a session: replaces by id or inserts at the head. The
// record is re-marked pending with a fresh update timestamp.
func (t *Tracker) Update(ctx context.Context, s session.Session) (session.Session, error) {
	var updated session.Session
	err := t.mutate(ctx, "update", func(list []session.Session, now time.Time) ([]session.Session, []session.Session, error) {
		var stopped []session.Session
		if s.Active {
			list, stopped = stopActiveExcept(list, now, s.ID)
		}

		s.UserID = t.userID
		markPending(&s, now)

		if idx := indexByID(list, s.ID); idx >= 0 {
			list[idx] = s
		} else {
			list = append([]session.Session{s}, list...)
		}

		updated = s
		return list, append(stopped, s), nil
	})
	return updated, err
}

// SaveDraft creates a session without starting a timer: a placeholder with
// zero elapsed time.
func (t *Tracker) SaveDraft(ctx context.Context, category session.Category, subCategory, title string) (session.Session, error) {
	draft, err := session.NewDraft(category, subCategory, title, t.userID, t.clk.Now())
	if err != nil {
		metrics.SessionOperations.WithLabelValues("draft", "invalid").Inc()
		return session.Session{}, err
	}
	return t.Update(ctx, draft)
}

// Reload replaces the mirror from the local store. The sync engine calls
// this after committing a merge; it never mutates the mirror directly.
func (t *Tracker) Reload(ctx context.Context) error {
	if !t.acquire() {
		return ErrBusy
	}
	defer t.clearBusy() // no tap-absorbing delay for background reloads

	sessions, err := t.store.LoadAll(ctx, t.userID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("load").Inc()
		return fmt.Errorf("reload sessions: %w", err)
	}

	t.stateMu.Lock()
	t.sessions = sessions
	t.stateMu.Unlock()

	t.publish("reload", nil)
	return nil
}

// mutate runs a lifecycle operation: acquire the engine guard, apply op to
// the current list through the serialized store write path, refresh the
// mirror, enqueue touched sessions for sync, and notify listeners.
func (t *Tracker) mutate(ctx context.Context, name string, op func([]session.Session, time.Time) ([]session.Session, []session.Session, error)) error {
	if !t.acquire() {
		metrics.SessionOperations.WithLabelValues(name, "busy").Inc()
		return ErrBusy
	}
	defer t.release()

	now := t.clk.Now()

	var (
		next    []session.Session
		touched []session.Session
		opErr   error
	)
	storeErr := t.store.Update(ctx, t.userID, func(current []session.Session) []session.Session {
		next, touched, opErr = op(current, now)
		if opErr != nil {
			return current
		}
		return next
	})

	if storeErr != nil {
		// Best effort: keep going on the in-memory mirror until storage
		// recovers. The records stay pending and will sync later.
		metrics.StoreErrors.WithLabelValues("update").Inc()
		t.logger.Error().Err(storeErr).Str("operation", name).Msg("Local store write failed, continuing in memory")

		t.stateMu.RLock()
		current := append([]session.Session(nil), t.sessions...)
		t.stateMu.RUnlock()
		next, touched, opErr = op(current, now)
	}

	if opErr != nil {
		metrics.SessionOperations.WithLabelValues(name, "rejected").Inc()
		return opErr
	}

	t.stateMu.Lock()
	t.sessions = next
	t.stateMu.Unlock()

	if t.syncQueue != nil {
		for _, sess := range touched {
			t.syncQueue.Enqueue(sess.ID)
		}
	}

	metrics.SessionOperations.WithLabelValues(name, "ok").Inc()
	t.logger.Debug().
		Str("operation", name).
		Int("touched", len(touched)).
		Msg("Committed lifecycle operation")

	t.publish(name, touched)
	return nil
}

func (t *Tracker) acquire() bool {
	t.busyMu.Lock()
	defer t.busyMu.Unlock()
	if t.busy {
		return false
	}
	t.busy = true
	return true
}

// release frees the guard after the configured delay, absorbing rapid
// repeated UI taps against the same engine.
func (t *Tracker) release() {
	if t.guardRelease <= 0 {
		t.clearBusy()
		return
	}
	time.AfterFunc(t.guardRelease, t.clearBusy)
}

func (t *Tracker) clearBusy() {
	t.busyMu.Lock()
	t.busy = false
	t.busyMu.Unlock()
}

// stopActive deactivates the current active session, if any, crediting the
// running interval to its elapsed time.
func stopActive(list []session.Session, now time.Time) ([]session.Session, []session.Session) {
	return stopActiveExcept(list, now, "")
}

func stopActiveExcept(list []session.Session, now time.Time, exceptID string) ([]session.Session, []session.Session) {
	for i, s := range list {
		if !s.Active || s.ID == exceptID {
			continue
		}
		running := now.Sub(s.StartTime)
		if running > 0 {
			s.Elapsed += running
		}
		end := now
		s.EndTime = &end
		s.Active = false
		markPending(&s, now)
		list[i] = s
		return list, []session.Session{s}
	}
	return list, nil
}

func markPending(s *session.Session, now time.Time) {
	s.SyncStatus = session.SyncPending
	updated := now
	s.UpdatedAt = &updated
}

func indexByID(list []session.Session, id string) int {
	for i, s := range list {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func findActive(list []session.Session) *session.Session {
	for _, s := range list {
		if s.Active && !s.Deleted {
			copied := s
			return &copied
		}
	}
	return nil
}

func visible(list []session.Session) []session.Session {
	out := make([]session.Session, 0, len(list))
	for _, s := range list {
		if s.Deleted {
			continue
		}
		out = append(out, s)
	}
	return out
}
