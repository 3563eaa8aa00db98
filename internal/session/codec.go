package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrInvalid is returned when session labels fail validation.
var ErrInvalid = fmt.Errorf("session: invalid input")

// wireSession is the storage and wire representation: timestamps as
// RFC3339Nano strings, elapsed time as integer milliseconds.
type wireSession struct {
	ID              string     `json:"id"`
	Category        string     `json:"category"`
	SubCategory     string     `json:"sub_category"`
	Title           string     `json:"title"`
	StartTime       string     `json:"start_time"`
	EndTime         string     `json:"end_time,omitempty"`
	Active          bool       `json:"is_active"`
	ElapsedMS       int64      `json:"elapsed_ms"`
	Saved           bool       `json:"saved,omitempty"`
	Deleted         bool       `json:"deleted,omitempty"`
	UserID          string     `json:"user_id"`
	SyncStatus      SyncStatus `json:"sync_status"`
	UpdatedAt       string     `json:"updated_at,omitempty"`
	SyncedAt        string     `json:"synced_at,omitempty"`
	RemoteID        string     `json:"remote_id,omitempty"`
	LastSyncAttempt string     `json:"last_sync_attempt,omitempty"`
	SyncRetryCount  int        `json:"sync_retry_count,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s Session) MarshalJSON() ([]byte, error) {
	w := wireSession{
		ID:             s.ID,
		Category:       string(s.Category),
		SubCategory:    s.SubCategory,
		Title:          s.Title,
		StartTime:      s.StartTime.Format(time.RFC3339Nano),
		Active:         s.Active,
		ElapsedMS:      s.Elapsed.Milliseconds(),
		Saved:          s.Saved,
		Deleted:        s.Deleted,
		UserID:         s.UserID,
		SyncStatus:     s.SyncStatus,
		RemoteID:       s.RemoteID,
		SyncRetryCount: s.SyncRetryCount,
	}
	w.EndTime = formatOptional(s.EndTime)
	w.UpdatedAt = formatOptional(s.UpdatedAt)
	w.SyncedAt = formatOptional(s.SyncedAt)
	w.LastSyncAttempt = formatOptional(s.LastSyncAttempt)
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Session) UnmarshalJSON(data []byte) error {
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	startTime, err := time.Parse(time.RFC3339Nano, w.StartTime)
	if err != nil {
		return fmt.Errorf("parse start_time: %w", err)
	}

	endTime, err := parseOptional(w.EndTime, "end_time")
	if err != nil {
		return err
	}
	updatedAt, err := parseOptional(w.UpdatedAt, "updated_at")
	if err != nil {
		return err
	}
	syncedAt, err := parseOptional(w.SyncedAt, "synced_at")
	if err != nil {
		return err
	}
	lastAttempt, err := parseOptional(w.LastSyncAttempt, "last_sync_attempt")
	if err != nil {
		return err
	}

	status := w.SyncStatus
	if status == "" {
		status = SyncPending
	}

	*s = Session{
		ID:              w.ID,
		Category:        Category(w.Category),
		SubCategory:     w.SubCategory,
		Title:           w.Title,
		StartTime:       startTime,
		EndTime:         endTime,
		Active:          w.Active,
		Elapsed:         time.Duration(w.ElapsedMS) * time.Millisecond,
		Saved:           w.Saved,
		Deleted:         w.Deleted,
		UserID:          w.UserID,
		SyncStatus:      status,
		UpdatedAt:       updatedAt,
		SyncedAt:        syncedAt,
		RemoteID:        w.RemoteID,
		LastSyncAttempt: lastAttempt,
		SyncRetryCount:  w.SyncRetryCount,
	}
	return nil
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseOptional(value, field string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return &t, nil
}
