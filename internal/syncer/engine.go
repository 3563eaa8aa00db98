package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/trackletapp/tracklet/internal/clock"
	"github.com/trackletapp/tracklet/internal/metrics"
	"github.com/trackletapp/tracklet/internal/retry"
	"github.com/trackletapp/tracklet/internal/session"
	"github.com/trackletapp/tracklet/internal/storage"
	"github.com/trackletapp/tracklet/internal/tracker"
)

const (
	// DefaultMaxAttempts bounds retries of a single remote operation.
	DefaultMaxAttempts = 4

	// DefaultBaseDelay seeds the exponential backoff.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultBatchYield is the cooperative pause between push batches.
	DefaultBatchYield = 10 * time.Millisecond

	// DefaultPurgeMemory bounds the recently-purged-tombstone id cache.
	DefaultPurgeMemory = 512
)

// StateListener observes sync-cycle activity edges.
type StateListener func(isSyncing bool)

// Config holds sync engine configuration
type Config struct {
	UserID      string
	BatchSize   int
	PullLimit   int
	MaxAttempts uint
	BaseDelay   time.Duration
	BatchYield  time.Duration
	PurgeMemory int
}

// Engine reconciles the local session store with the remote document
// collection: pushes locally-dirty sessions, pulls and merges the remote
// set, and propagates deletions. It writes only through the local store and
// signals the lifecycle engine to reload, never touching its mirror.
type Engine struct {
	local  storage.LocalStore
	remote storage.RemoteStore
	clk    clock.Clock
	cfg    Config
	logger zerolog.Logger

	// cycleMu serializes full sync cycles; concurrent triggers no-op.
	cycleMu sync.Mutex

	mu             sync.Mutex
	queued         map[string]struct{}
	stateListeners []StateListener
	reloader       interface{ Reload(context.Context) error }

	// purged remembers tombstone ids removed after remote propagation so a
	// lagging pull cannot resurrect them.
	purged *lru.Cache[string, time.Time]
}

var _ tracker.Enqueuer = (*Engine)(nil)

// New creates a sync engine for the given user.
func New(local storage.LocalStore, remote storage.RemoteStore, clk clock.Clock, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > storage.MaxBatchSize {
		cfg.BatchSize = storage.MaxBatchSize
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = storage.DefaultPullLimit
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.BatchYield < 0 {
		cfg.BatchYield = DefaultBatchYield
	}
	if cfg.PurgeMemory <= 0 {
		cfg.PurgeMemory = DefaultPurgeMemory
	}

	purged, err := lru.New[string, time.Time](cfg.PurgeMemory)
	if err != nil {
		return nil, fmt.Errorf("create purge cache: %w", err)
	}

	return &Engine{
		local:  local,
		remote: remote,
		clk:    clk,
		cfg:    cfg,
		logger: logger.With().Str("component", "syncer").Logger(),
		queued: make(map[string]struct{}),
		purged: purged,
	}, nil
}

// SetReloader registers the lifecycle engine to be signalled after merges.
func (e *Engine) SetReloader(r interface{ Reload(context.Context) error }) {
	e.mu.Lock()
	e.reloader = r
	e.mu.Unlock()
}

// OnStateChange registers a sync-activity listener.
func (e *Engine) OnStateChange(fn StateListener) {
	e.mu.Lock()
	e.stateListeners = append(e.stateListeners, fn)
	e.mu.Unlock()
}

// Enqueue records that a session diverged locally. Pure bookkeeping; the
// record itself was already persisted as pending by the caller.
func (e *Engine) Enqueue(sessionID string) {
	e.mu.Lock()
	e.queued[sessionID] = struct{}{}
	e.mu.Unlock()
}

// MarkForSync stamps a session pending with a fresh update timestamp,
// writes through the local store, and queues it. No network call.
func (e *Engine) MarkForSync(ctx context.Context, s session.Session) error {
	now := e.clk.Now()
	err := e.local.Update(ctx, e.cfg.UserID, func(current []session.Session) []session.Session {
		for i, existing := range current {
			if existing.ID == s.ID {
				s.SyncStatus = session.SyncPending
				s.UpdatedAt = &now
				current[i] = s
				return current
			}
		}
		s.SyncStatus = session.SyncPending
		s.UpdatedAt = &now
		return append([]session.Session{s}, current...)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("update").Inc()
		return fmt.Errorf("mark for sync: %w", err)
	}

	e.Enqueue(s.ID)
	return nil
}

// SyncCycle runs one pull-then-push reconciliation. Cycles are serialized;
// a trigger arriving while one runs is a safe no-op (the running cycle's
// result is reconciled by the next trigger).
func (e *Engine) SyncCycle(ctx context.Context, trigger string) error {
	if !e.cycleMu.TryLock() {
		e.logger.Debug().Str("trigger", trigger).Msg("Sync cycle already running, skipping")
		return nil
	}
	defer e.cycleMu.Unlock()

	e.setSyncing(true)
	defer e.setSyncing(false)

	if err := e.remote.Ping(ctx); err != nil {
		// Offline is not an error: pending work stays queued.
		e.logger.Debug().Err(err).Str("trigger", trigger).Msg("Remote unreachable, skipping sync cycle")
		metrics.SyncCycles.WithLabelValues(trigger, "offline").Inc()
		return nil
	}

	pullErr := e.PullRemote(ctx)
	pushErr := e.PushPending(ctx)

	if pullErr != nil || pushErr != nil {
		metrics.SyncCycles.WithLabelValues(trigger, "error").Inc()
		return errors.Join(pullErr, pushErr)
	}

	metrics.SyncCycles.WithLabelValues(trigger, "ok").Inc()
	return nil
}

// PushPending writes locally-dirty sessions to the remote store in bounded
// batches. Skips silently when the remote is unreachable.
func (e *Engine) PushPending(ctx context.Context) error {
	if err := e.remote.Ping(ctx); err != nil {
		e.logger.Debug().Err(err).Msg("Remote unreachable, skipping push")
		return nil
	}

	all, err := e.local.LoadAll(ctx, e.cfg.UserID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("load").Inc()
		return fmt.Errorf("load sessions for push: %w", err)
	}

	candidates := selectPush(all)
	if len(candidates) == 0 {
		return nil
	}

	// pending -> syncing before the network leaves the device.
	if err := e.markStatus(ctx, idsOf(candidates), session.SyncSyncing); err != nil {
		return err
	}

	e.logger.Info().Int("sessions", len(candidates)).Msg("Pushing pending sessions")

	var pushErr error
	for start := 0; start < len(candidates); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		if err := e.pushBatch(ctx, batch); err != nil {
			pushErr = err
		}

		// Yield between batches so a sync burst never monopolizes the
		// process.
		if end < len(candidates) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.BatchYield):
			}
		}
	}

	return pushErr
}

func (e *Engine) pushBatch(ctx context.Context, batch []session.Session) error {
	started := time.Now()
	attempts := 0
	err := retry.Do(ctx, func() error {
		attempts++
		if attempts > 1 {
			metrics.SyncRetries.Inc()
		}
		return e.remote.MergeWriteBatch(ctx, e.cfg.UserID, batch)
	}, e.cfg.MaxAttempts, e.cfg.BaseDelay)
	metrics.SyncBatchDuration.Observe(time.Since(started).Seconds())

	now := e.clk.Now()
	if err != nil {
		metrics.SyncPushedSessions.WithLabelValues("failed").Add(float64(len(batch)))
		e.logger.Warn().Err(err).Int("sessions", len(batch)).Msg("Batch push failed, will retry next cycle")
		if markErr := e.markFailed(ctx, idsOf(batch), now); markErr != nil {
			return markErr
		}
		return fmt.Errorf("push batch: %w", err)
	}

	metrics.SyncPushedSessions.WithLabelValues("ok").Add(float64(len(batch)))
	return e.confirmBatch(ctx, batch, now)
}

// confirmBatch records a successful push: tombstones are purged outright,
// everything else is marked synced. A record no longer in syncing state was
// edited while the batch was in flight; its newer content is pending and
// must not be stamped synced, or the edit would never be pushed.
func (e *Engine) confirmBatch(ctx context.Context, batch []session.Session, now time.Time) error {
	confirmed := make(map[string]bool, len(batch))
	tombstones := make(map[string]bool)
	for _, s := range batch {
		confirmed[s.ID] = true
		if s.Deleted {
			tombstones[s.ID] = true
		}
	}

	edited := make(map[string]bool)
	err := e.local.Update(ctx, e.cfg.UserID, func(current []session.Session) []session.Session {
		next := make([]session.Session, 0, len(current))
		for _, s := range current {
			if !confirmed[s.ID] {
				next = append(next, s)
				continue
			}
			if tombstones[s.ID] {
				// Deletion is now remote; the local tombstone has served
				// its purpose.
				continue
			}
			if s.SyncStatus != session.SyncSyncing {
				edited[s.ID] = true
				next = append(next, s)
				continue
			}
			s.SyncStatus = session.SyncSynced
			synced := now
			s.SyncedAt = &synced
			if s.RemoteID == "" {
				s.RemoteID = s.ID
			}
			s.SyncRetryCount = 0
			s.LastSyncAttempt = nil
			next = append(next, s)
		}
		return next
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("update").Inc()
		return fmt.Errorf("confirm pushed batch: %w", err)
	}

	e.mu.Lock()
	for id := range confirmed {
		if edited[id] {
			continue
		}
		delete(e.queued, id)
	}
	e.mu.Unlock()

	for id := range tombstones {
		e.purged.Add(id, now)
		metrics.TombstonesPurged.Inc()
	}

	return nil
}

func (e *Engine) markStatus(ctx context.Context, ids map[string]bool, status session.SyncStatus) error {
	err := e.local.Update(ctx, e.cfg.UserID, func(current []session.Session) []session.Session {
		for i, s := range current {
			if ids[s.ID] {
				s.SyncStatus = status
				current[i] = s
			}
		}
		return current
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("update").Inc()
		return fmt.Errorf("mark sessions %s: %w", status, err)
	}
	return nil
}

func (e *Engine) markFailed(ctx context.Context, ids map[string]bool, now time.Time) error {
	err := e.local.Update(ctx, e.cfg.UserID, func(current []session.Session) []session.Session {
		for i, s := range current {
			if ids[s.ID] {
				s.SyncStatus = session.SyncFailed
				s.SyncRetryCount++
				attempt := now
				s.LastSyncAttempt = &attempt
				current[i] = s
			}
		}
		return current
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("update").Inc()
		return fmt.Errorf("mark sessions failed: %w", err)
	}
	return nil
}

// PullRemote fetches the user's remote session set, merges it with local
// state by last-write-wins, persists the merged list in one write, and
// signals the lifecycle engine to reload.
func (e *Engine) PullRemote(ctx context.Context) error {
	if err := e.remote.Ping(ctx); err != nil {
		e.logger.Debug().Err(err).Msg("Remote unreachable, skipping pull")
		return nil
	}

	remote, err := e.remote.FetchAll(ctx, e.cfg.UserID, e.cfg.PullLimit)
	if err != nil {
		return fmt.Errorf("fetch remote sessions: %w", err)
	}

	now := e.clk.Now()
	var stats MergeStats
	err = e.local.Update(ctx, e.cfg.UserID, func(current []session.Session) []session.Session {
		merged, s := merge(current, remote, e.wasPurged, now)
		stats = s
		return merged
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("update").Inc()
		return fmt.Errorf("persist merged sessions: %w", err)
	}

	metrics.SyncPulledSessions.Add(float64(stats.Adopted))
	metrics.SyncConflicts.Add(float64(stats.Conflicted))

	e.logger.Info().
		Int("remote", len(remote)).
		Int("adopted", stats.Adopted).
		Int("kept_local", stats.KeptLocal).
		Int("conflicted", stats.Conflicted).
		Int("removed", stats.Removed).
		Msg("Merged remote sessions")

	e.signalReload(ctx)
	return nil
}

func (e *Engine) wasPurged(id string) bool {
	return e.purged.Contains(id)
}

func (e *Engine) signalReload(ctx context.Context) {
	e.mu.Lock()
	r := e.reloader
	e.mu.Unlock()
	if r == nil {
		return
	}
	if err := r.Reload(ctx); err != nil {
		// A busy lifecycle engine will pick the merge up on its next
		// operation; nothing is lost.
		e.logger.Debug().Err(err).Msg("Lifecycle reload deferred")
	}
}

func (e *Engine) setSyncing(active bool) {
	e.mu.Lock()
	listeners := append([]StateListener(nil), e.stateListeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(active)
	}
}

// selectPush picks sessions that must reach the remote: explicitly dirty or
// failed records, plus active sessions edited since their last confirmation.
func selectPush(all []session.Session) []session.Session {
	out := make([]session.Session, 0, len(all))
	for _, s := range all {
		switch {
		case s.SyncStatus == session.SyncPending || s.SyncStatus == session.SyncFailed:
			out = append(out, s)
		case s.Active && s.UpdatedAt != nil && (s.SyncedAt == nil || s.UpdatedAt.After(*s.SyncedAt)):
			out = append(out, s)
		}
	}
	return out
}

func idsOf(sessions []session.Session) map[string]bool {
	ids := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		ids[s.ID] = true
	}
	return ids
}
