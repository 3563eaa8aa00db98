package storage

import (
	"context"
	"errors"
	"os"

	"github.com/trackletapp/tracklet/internal/session"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// LocalStore is the durable on-device copy of the per-user session list.
// It is the single source of truth; the lifecycle engine mirrors it in
// memory and the sync engine reconciles it against a RemoteStore.
type LocalStore interface {
	// Load returns the user's sessions with tombstones filtered out.
	// Records stored without a user id are stamped with userID; records
	// owned by another user are never returned.
	Load(ctx context.Context, userID string) ([]session.Session, error)

	// LoadAll returns the user's sessions including tombstones.
	LoadAll(ctx context.Context, userID string) ([]session.Session, error)

	// Save atomically overwrites the user's full session list. Every record
	// is stamped with userID before the write.
	Save(ctx context.Context, userID string, sessions []session.Session) error

	// Update applies fn to the user's full session list (tombstones
	// included) inside a single transaction. This is the serialized write
	// path shared by the lifecycle and sync engines.
	Update(ctx context.Context, userID string, fn func([]session.Session) []session.Session) error

	Close() error
}

// RemoteStore is the per-user remote session document collection. Writes are
// merges: fields absent from the written record are left untouched remotely.
type RemoteStore interface {
	// FetchAll returns up to limit of the user's remote sessions, newest by
	// update timestamp first.
	FetchAll(ctx context.Context, userID string, limit int) ([]session.Session, error)

	// MergeWrite upserts a single session document.
	MergeWrite(ctx context.Context, userID string, s session.Session) error

	// MergeWriteBatch upserts a batch of session documents. Callers bound
	// batches to MaxBatchSize.
	MergeWriteBatch(ctx context.Context, userID string, batch []session.Session) error

	// Ping reports remote reachability. Sync cycles skip silently when it
	// fails.
	Ping(ctx context.Context) error

	Close() error
}

// MaxBatchSize bounds a single remote batch write.
const MaxBatchSize = 20

// DefaultPullLimit bounds a single remote fetch.
const DefaultPullLimit = 500

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
