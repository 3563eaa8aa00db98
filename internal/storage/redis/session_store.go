package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trackletapp/tracklet/internal/session"
	"github.com/trackletapp/tracklet/internal/storage"
)

// FetchAll returns up to limit of the user's remote sessions, newest by
// update timestamp first.
func (s *Store) FetchAll(ctx context.Context, userID string, limit int) ([]session.Session, error) {
	if limit <= 0 {
		limit = storage.DefaultPullLimit
	}

	ids, err := s.client.SMembers(ctx, indexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list remote sessions: %w", err)
	}

	if len(ids) == 0 {
		return []session.Session{}, nil
	}

	// Pipeline for efficient batch retrieval.
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(userID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("fetch remote sessions: %w", err)
	}

	sessions := make([]session.Session, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		sess, err := parseSessionDoc(data)
		if err == nil {
			sessions = append(sessions, *sess)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return docTimestamp(sessions[i]).After(docTimestamp(sessions[j]))
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}

	return sessions, nil
}

// MergeWrite upserts a single session document.
func (s *Store) MergeWrite(ctx context.Context, userID string, sess session.Session) error {
	pipe := s.client.Pipeline()
	s.queueWrite(ctx, pipe, userID, sess, time.Now().UTC())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("merge write session %s: %w", sess.ID, err)
	}
	return nil
}

// MergeWriteBatch upserts a batch of session documents in one pipeline.
func (s *Store) MergeWriteBatch(ctx context.Context, userID string, batch []session.Session) error {
	if len(batch) == 0 {
		return nil
	}
	if len(batch) > storage.MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit %d", len(batch), storage.MaxBatchSize)
	}

	now := time.Now().UTC()
	pipe := s.client.Pipeline()
	for _, sess := range batch {
		s.queueWrite(ctx, pipe, userID, sess, now)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("merge write batch: %w", err)
	}
	return nil
}

func (s *Store) queueWrite(ctx context.Context, pipe redis.Pipeliner, userID string, sess session.Session, now time.Time) {
	pipe.HSet(ctx, sessionKey(userID, sess.ID), sessionDoc(sess, now))
	pipe.SAdd(ctx, indexKey(userID), sess.ID)
}

// docTimestamp orders remote documents for the bounded fetch: client update
// time when present, server write time otherwise.
func docTimestamp(sess session.Session) time.Time {
	if sess.UpdatedAt != nil {
		return *sess.UpdatedAt
	}
	if sess.SyncedAt != nil {
		return *sess.SyncedAt
	}
	return sess.StartTime
}
