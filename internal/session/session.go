package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category labels a session for analytics. Unknown values are tolerated
// in stored data but excluded from categorized totals.
type Category string

const (
	CategoryGoal   Category = "Goal"
	CategoryHealth Category = "Health"
	CategoryLost   Category = "Lost"
)

// Known reports whether the category belongs to the fixed set.
func (c Category) Known() bool {
	switch c {
	case CategoryGoal, CategoryHealth, CategoryLost:
		return true
	}
	return false
}

// SyncStatus tracks where a session sits in the reconciliation cycle.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncSyncing    SyncStatus = "syncing"
	SyncSynced     SyncStatus = "synced"
	SyncFailed     SyncStatus = "failed"
	SyncConflicted SyncStatus = "conflicted"
)

// UnmarshalJSON implements json.Unmarshaler and rejects unknown statuses.
func (s *SyncStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := SyncStatus(strings.ToLower(raw))
	switch normalized {
	case SyncPending, SyncSyncing, SyncSynced, SyncFailed, SyncConflicted:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid sync status: %s", raw)
	}
}

// MarshalJSON implements json.Marshaler to ensure lowercase output.
func (s SyncStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// Session is a single tracked time interval with its sync bookkeeping.
//
// Elapsed accumulates completed active intervals only; the currently running
// interval (when Active) is derived from StartTime at read time.
type Session struct {
	ID          string
	Category    Category
	SubCategory string
	Title       string

	// StartTime marks the beginning of the current running interval and is
	// reset on every transition to active.
	StartTime time.Time
	EndTime   *time.Time
	Active    bool
	Elapsed   time.Duration
	Saved     bool
	Deleted   bool
	UserID    string

	SyncStatus      SyncStatus
	UpdatedAt       *time.Time
	SyncedAt        *time.Time
	RemoteID        string
	LastSyncAttempt *time.Time
	SyncRetryCount  int
}

// New validates the labels and creates an active session starting at now.
func New(category Category, subCategory, title, userID string, now time.Time) (Session, error) {
	if err := Validate(category, subCategory, title); err != nil {
		return Session{}, err
	}

	return Session{
		ID:          NewID(now),
		Category:    category,
		SubCategory: subCategory,
		Title:       title,
		StartTime:   now,
		Active:      true,
		UserID:      userID,
		SyncStatus:  SyncPending,
		UpdatedAt:   timePtr(now),
	}, nil
}

// NewDraft creates a saved-without-starting placeholder session.
func NewDraft(category Category, subCategory, title, userID string, now time.Time) (Session, error) {
	s, err := New(category, subCategory, title, userID, now)
	if err != nil {
		return Session{}, err
	}
	s.Active = false
	s.Saved = true
	return s, nil
}

// Validate rejects empty labels. No session may be created from invalid input.
func Validate(category Category, subCategory, title string) error {
	if strings.TrimSpace(string(category)) == "" {
		return fmt.Errorf("%w: category is empty", ErrInvalid)
	}
	if strings.TrimSpace(subCategory) == "" {
		return fmt.Errorf("%w: sub-category is empty", ErrInvalid)
	}
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is empty", ErrInvalid)
	}
	return nil
}

// DisplayedElapsed returns the total tracked time as of now, including the
// currently running interval for an active session.
func (s Session) DisplayedElapsed(now time.Time) time.Duration {
	if !s.Active {
		return s.Elapsed
	}
	running := now.Sub(s.StartTime)
	if running < 0 {
		running = 0
	}
	return s.Elapsed + running
}

// MatchesRemote reports whether the session corresponds to the given remote
// record, by local id or remote-assigned id.
func (s Session) MatchesRemote(remote Session) bool {
	if s.ID != "" && s.ID == remote.ID {
		return true
	}
	if s.RemoteID != "" && (s.RemoteID == remote.RemoteID || s.RemoteID == remote.ID) {
		return true
	}
	return remote.RemoteID != "" && s.ID == remote.RemoteID
}

// EverSynced reports whether the session has ever reached the remote store.
func (s Session) EverSynced() bool {
	return s.SyncedAt != nil || s.RemoteID != ""
}

// NewID generates a time-prefixed session id. The millisecond prefix keeps
// ids ordered well enough for insertion-time sorting.
func NewID(now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// A broken system RNG is not recoverable here.
		panic(fmt.Sprintf("failed to generate session id: %v", err))
	}
	return fmt.Sprintf("%013d-%s", now.UnixMilli(), hex.EncodeToString(buf))
}

func timePtr(t time.Time) *time.Time {
	return &t
}
