package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/trackletapp/tracklet/internal/session"
)

// DefaultSweepInterval is how often failed records are re-queued.
const DefaultSweepInterval = time.Hour

// Sweeper periodically moves failed and stale syncing records back to
// pending so the next sync cycle picks them up. Exhausted retries and pushes
// interrupted mid-flight (process exit between the syncing mark and the
// confirmation) are never dropped, only deferred.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
	stopChan chan struct{}
}

// NewSweeper creates a sweeper for the engine.
func NewSweeper(engine *Engine, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str("component", "sync-sweeper").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
	s.logger.Info().Dur("interval", s.interval).Msg("Sync sweeper started")
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopChan)
	s.logger.Info().Msg("Sync sweeper stopped")
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopChan:
			return
		}
	}
}

// sweep requeues failed sessions and logs backlog counts.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.engine.RequeueFailed(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to requeue failed sessions")
		return
	}
}

// RequeueFailed flips failed and stranded syncing records back to pending
// and queues them. A syncing record outside a live push is an interrupted
// one; merge-writes are idempotent, so re-sending an already-written batch
// is harmless.
func (e *Engine) RequeueFailed(ctx context.Context) error {
	var requeued []string
	err := e.local.Update(ctx, e.cfg.UserID, func(current []session.Session) []session.Session {
		for i, sess := range current {
			if sess.SyncStatus != session.SyncFailed && sess.SyncStatus != session.SyncSyncing {
				continue
			}
			sess.SyncStatus = session.SyncPending
			current[i] = sess
			requeued = append(requeued, sess.ID)
		}
		return current
	})
	if err != nil {
		return err
	}

	for _, id := range requeued {
		e.Enqueue(id)
	}
	if len(requeued) > 0 {
		e.logger.Info().Int("sessions", len(requeued)).Msg("Requeued failed sessions")
	}
	return nil
}
