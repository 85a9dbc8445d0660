package storage

import (
	"context"
	"errors"
	"time"
)

// ErrVersionConflict is returned by PutIfVersion when the stored version
// does not match the expected one.
var ErrVersionConflict = errors.New("storage: version conflict")

// KV is the persistence contract shared by all backends. Values are opaque
// JSON blobs; backends never interpret them. Versions are per-key monotonic
// counters maintained by the backend on every successful write.
//
// Get returns expired records as-is. Interpreting ExpiresAt is the caller's
// job (see Alive); the engines need raw visibility of stale records to tell
// "never existed" apart from "existed and aged out".
type KV interface {
	// Get retrieves the record stored under key, or nil if absent.
	Get(ctx context.Context, key string) (*Record, error)

	// Put unconditionally overwrites the record under key. The stored
	// version becomes the previous version plus one (1 for a fresh key).
	Put(ctx context.Context, key string, value []byte, expiresAt time.Time) error

	// PutIfVersion overwrites only when the stored version equals
	// expectedVersion. expectedVersion 0 means "key must be absent".
	// Returns ErrVersionConflict otherwise.
	PutIfVersion(ctx context.Context, key string, value []byte, expectedVersion int64, expiresAt time.Time) error

	// Delete removes the record under key and reports whether a record
	// was actually removed. The boolean is what makes one-shot consumes
	// (PIN resolve, mailbox drain) winner-take-all.
	Delete(ctx context.Context, key string) (bool, error)

	// List returns all keys starting with prefix. Used by the sweeper only.
	List(ctx context.Context, prefix string) ([]string, error)

	// Ping checks the backend connection.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
