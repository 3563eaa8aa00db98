package tracker

import (
	"github.com/trackletapp/tracklet/internal/metrics"
	"github.com/trackletapp/tracklet/internal/session"
)

// Change describes one session touched by a committed operation.
type Change struct {
	Op      string
	Session session.Session
}

// Event is delivered to listeners synchronously after each committed write.
type Event struct {
	// Sessions is the visible list (tombstones excluded), newest first.
	Sessions []session.Session

	// Active is the single active session, nil when idle.
	Active *session.Session

	// Changes lists the sessions the operation touched, with the operation
	// name. Empty for load/reload events.
	Changes []Change
}

// Listener observes committed state changes.
type Listener func(Event)

// Subscribe registers a listener. Listeners run synchronously on the
// mutating goroutine and must not call back into the engine.
func (t *Tracker) Subscribe(fn Listener) {
	t.stateMu.Lock()
	t.listeners = append(t.listeners, fn)
	t.stateMu.Unlock()
}

func (t *Tracker) publish(op string, touched []session.Session) {
	t.stateMu.RLock()
	sessions := visible(t.sessions)
	active := findActive(t.sessions)
	listeners := append([]Listener(nil), t.listeners...)
	t.stateMu.RUnlock()

	if active != nil {
		metrics.ActiveSessions.Set(1)
	} else {
		metrics.ActiveSessions.Set(0)
	}

	changes := make([]Change, 0, len(touched))
	for _, s := range touched {
		changes = append(changes, Change{Op: op, Session: s})
	}

	event := Event{Sessions: sessions, Active: active, Changes: changes}
	for _, fn := range listeners {
		fn(event)
	}
}
