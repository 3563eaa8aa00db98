package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/trackletapp/tracklet/internal/session"
)

// sessionDoc converts a session to its remote hash representation. Local-only
// sync bookkeeping (status, retry counters) stays off the wire; the server
// write timestamp is stamped on every write.
func sessionDoc(sess session.Session, now time.Time) map[string]any {
	doc := map[string]any{
		"id":                sess.ID,
		"user_id":           sess.UserID,
		"category":          string(sess.Category),
		"sub_category":      sess.SubCategory,
		"title":             sess.Title,
		"start_time":        sess.StartTime.Format(time.RFC3339Nano),
		"end_time":          formatOptional(sess.EndTime),
		"is_active":         strconv.FormatBool(sess.Active),
		"elapsed_ms":        sess.Elapsed.Milliseconds(),
		"saved":             strconv.FormatBool(sess.Saved),
		"deleted":           strconv.FormatBool(sess.Deleted),
		"updated_at":        formatOptional(sess.UpdatedAt),
		"server_updated_at": now.Format(time.RFC3339Nano),
	}
	return doc
}

// parseSessionDoc converts a remote hash back to a session. The document id
// doubles as the remote-assigned id, and the server write timestamp becomes
// the confirmed-by-remote time.
func parseSessionDoc(data map[string]string) (*session.Session, error) {
	startTime, err := time.Parse(time.RFC3339Nano, data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	endTime, err := parseOptional(data["end_time"], "end_time")
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseOptional(data["updated_at"], "updated_at")
	if err != nil {
		return nil, err
	}
	serverUpdatedAt, err := parseOptional(data["server_updated_at"], "server_updated_at")
	if err != nil {
		return nil, err
	}

	elapsedMS, err := strconv.ParseInt(data["elapsed_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse elapsed_ms: %w", err)
	}

	active, err := strconv.ParseBool(data["is_active"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse is_active: %w", err)
	}

	saved, _ := strconv.ParseBool(data["saved"])
	deleted, _ := strconv.ParseBool(data["deleted"])

	return &session.Session{
		ID:          data["id"],
		Category:    session.Category(data["category"]),
		SubCategory: data["sub_category"],
		Title:       data["title"],
		StartTime:   startTime,
		EndTime:     endTime,
		Active:      active,
		Elapsed:     time.Duration(elapsedMS) * time.Millisecond,
		Saved:       saved,
		Deleted:     deleted,
		UserID:      data["user_id"],
		RemoteID:    data["id"],
		UpdatedAt:   updatedAt,
		SyncedAt:    serverUpdatedAt,
	}, nil
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
		return nil, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return &t, nil
}
