package persist

import (
	"context"
	"errors"
	"time"
)

// ErrStateNotFound is returned by Load when no envelope exists for the key.
// It is not an error condition for a restoring process.
var ErrStateNotFound = errors.New("persisted state not found")

// Metadata describes a persisted snapshot.
type Metadata struct {
	PersistedAt   int64  `json:"persisted_at"` // epoch milliseconds
	ServerID      string `json:"server_id"`
	ServerName    string `json:"server_name,omitempty"`
	SchemaVersion int    `json:"schema_version"`
	Checksum      string `json:"checksum,omitempty"`
}

// PersistedTime returns PersistedAt as a time.Time.
func (m Metadata) PersistedTime() time.Time {
	return time.UnixMilli(m.PersistedAt)
}

// Envelope is the unit stored by adapters: serialized state plus metadata.
// The state bytes are opaque to the adapter.
type Envelope struct {
	State    []byte   `json:"state"`
	Metadata Metadata `json:"metadata"`
}

// Adapter is the storage contract the runtime couples to. Implementations
// must be safe for concurrent use across processes; the coupler guarantees
// saves for a single key never overlap.
type Adapter interface {
	Load(ctx context.Context, key string) (*Envelope, error)
	Save(ctx context.Context, key string, env Envelope) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Cleaner is an optional adapter extension for pruning stale envelopes.
type Cleaner interface {
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
}
