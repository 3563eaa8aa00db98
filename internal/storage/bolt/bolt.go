package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/trackletapp/tracklet/internal/session"
	"github.com/trackletapp/tracklet/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	// bucketSessions holds one JSON document per user: the full session
	// list, tombstones included.
	bucketSessions = "sessions"

	// bucketLegacy holds the pre-user-scoping session list under a single
	// key. It is read once as a migration fallback and then cleared.
	bucketLegacy = "sessions_legacy"

	legacyKey = "sessions"
)

// Store implements storage.LocalStore using bbolt.
type Store struct {
	db     *bbolt.DB
	logger zerolog.Logger
}

// Open opens a BoltDB-backed local session store.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "local-store").Logger(),
	}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketSessions, bucketLegacy} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the user's sessions with tombstones filtered out.
func (s *Store) Load(ctx context.Context, userID string) ([]session.Session, error) {
	all, err := s.LoadAll(ctx, userID)
	if err != nil {
		return nil, err
	}

	visible := make([]session.Session, 0, len(all))
	for _, sess := range all {
		if sess.Deleted {
			continue
		}
		visible = append(visible, sess)
	}
	return visible, nil
}

// LoadAll returns the user's sessions including tombstones, migrating a
// legacy non-user-scoped list into the user key if the user key is empty.
func (s *Store) LoadAll(ctx context.Context, userID string) ([]session.Session, error) {
	var sessions []session.Session
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		bucket := tx.Bucket([]byte(bucketSessions))
		data := bucket.Get([]byte(userID))

		if data == nil {
			migrated, err := s.migrateLegacy(tx, userID)
			if err != nil {
				return err
			}
			sessions = migrated
			return nil
		}

		sessions = s.decode(data, userID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load sessions for %s: %w", userID, err)
	}
	return sessions, nil
}

// Save atomically overwrites the user's full session list.
func (s *Store) Save(ctx context.Context, userID string, sessions []session.Session) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.put(tx, userID, sessions)
	})
	if err != nil {
		return fmt.Errorf("save sessions for %s: %w", userID, err)
	}
	return nil
}

// Update applies fn to the user's full session list inside one transaction.
func (s *Store) Update(ctx context.Context, userID string, fn func([]session.Session) []session.Session) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		bucket := tx.Bucket([]byte(bucketSessions))
		current := s.decode(bucket.Get([]byte(userID)), userID)
		return s.put(tx, userID, fn(current))
	})
	if err != nil {
		return fmt.Errorf("update sessions for %s: %w", userID, err)
	}
	return nil
}

// migrateLegacy adopts the legacy non-namespaced list into the user key,
// stamping ownership. Runs at most once: the legacy key is cleared after.
func (s *Store) migrateLegacy(tx *bbolt.Tx, userID string) ([]session.Session, error) {
	legacy := tx.Bucket([]byte(bucketLegacy))
	data := legacy.Get([]byte(legacyKey))
	if data == nil {
		return []session.Session{}, nil
	}

	sessions := s.decode(data, userID)
	if err := s.put(tx, userID, sessions); err != nil {
		return nil, err
	}
	if err := legacy.Delete([]byte(legacyKey)); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("user_id", userID).
		Int("sessions", len(sessions)).
		Msg("Migrated legacy session store")

	return sessions, nil
}

func (s *Store) put(tx *bbolt.Tx, userID string, sessions []session.Session) error {
	owned := make([]session.Session, 0, len(sessions))
	for _, sess := range sessions {
		if sess.UserID != "" && sess.UserID != userID {
			// Foreign records are never written back under this user.
			continue
		}
		sess.UserID = userID
		owned = append(owned, sess)
	}

	data, err := json.Marshal(owned)
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	return tx.Bucket([]byte(bucketSessions)).Put([]byte(userID), data)
}

// decode parses a stored session list, stamping absent user ids and dropping
// foreign records. A list that fails to parse as a whole is treated as no
// data rather than surfaced as an error.
func (s *Store) decode(data []byte, userID string) []session.Session {
	if data == nil {
		return []session.Session{}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Corrupt session list, treating as empty")
		return []session.Session{}
	}

	sessions := make([]session.Session, 0, len(raw))
	for _, item := range raw {
		var sess session.Session
		if err := json.Unmarshal(item, &sess); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("Skipping undecodable session record")
			continue
		}
		if sess.UserID != "" && sess.UserID != userID {
			continue
		}
		sess.UserID = userID
		sessions = append(sessions, sess)
	}
	return sessions
}
