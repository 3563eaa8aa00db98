package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// cycleTimeout bounds a triggered cycle; with retry ceilings this is the
// effective network timeout for one reconciliation.
const cycleTimeout = 2 * time.Minute

// Triggers funnels the externally-observed signals (network reachability,
// app foregrounding, manual sync requests) into best-effort, non-blocking
// sync cycles. All paths share the engine's cycle lock, so concurrent
// triggers are idempotent.
type Triggers struct {
	engine *Engine
	logger zerolog.Logger

	mu     sync.Mutex
	online bool
}

// NewTriggers creates the trigger surface for an engine. Reachability is
// assumed until the first NetworkChanged report.
func NewTriggers(engine *Engine, logger zerolog.Logger) *Triggers {
	return &Triggers{
		engine: engine,
		logger: logger.With().Str("component", "sync-triggers").Logger(),
		online: true,
	}
}

// NetworkChanged reports a reachability transition. The offline-to-online
// edge fires a sync cycle.
func (t *Triggers) NetworkChanged(online bool) {
	t.mu.Lock()
	wasOnline := t.online
	t.online = online
	t.mu.Unlock()

	if online && !wasOnline {
		t.fire("network")
	}
}

// AppForegrounded reports the app returning to the foreground.
func (t *Triggers) AppForegrounded() {
	t.fire("foreground")
}

// SyncNow handles a manual sync request from the UI layer.
func (t *Triggers) SyncNow() {
	t.fire("manual")
}

// RunPeriodic runs sync cycles on a fixed interval until ctx is done. The
// daemon uses this alongside the event-driven triggers.
func (t *Triggers) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.run("periodic")
		}
	}
}

func (t *Triggers) fire(trigger string) {
	go t.run(trigger)
}

func (t *Triggers) run(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	if err := t.engine.SyncCycle(ctx, trigger); err != nil {
		// Records stay failed; the next trigger retries them.
		t.logger.Warn().Err(err).Str("trigger", trigger).Msg("Sync cycle finished with errors")
	}
}
