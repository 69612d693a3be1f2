package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Config enumerates the persistence knobs a process may be started with.
// Adapter is the only required field.
type Config struct {
	Adapter Adapter

	// Key is the storage key; defaults to the registered name, else the
	// process id.
	Key string

	// SnapshotInterval is the periodic save cadence; zero disables it.
	SnapshotInterval time.Duration

	// PersistOnShutdown defaults to true; nil means default.
	PersistOnShutdown *bool

	// RestoreOnStart defaults to true; nil means default.
	RestoreOnStart *bool

	// MaxStateAge discards loaded state persisted longer ago than this.
	MaxStateAge time.Duration

	// CleanupOnTerminate deletes the key after a successful graceful stop.
	// When combined with shutdown persistence the save still happens first;
	// the ordering is deliberate so a crash mid-stop leaves a snapshot.
	CleanupOnTerminate bool

	// CleanupInterval prunes stale entries periodically. Requires MaxStateAge
	// and an Adapter implementing Cleaner.
	CleanupInterval time.Duration

	// SchemaVersion stamps saved envelopes; defaults to 1.
	SchemaVersion int

	// Migrate converts state loaded under a different schema version.
	Migrate func(old any, oldVersion int) (any, error)

	// OnError receives every non-fatal persistence failure.
	OnError func(error)
}

func (c Config) persistOnShutdown() bool { return c.PersistOnShutdown == nil || *c.PersistOnShutdown }
func (c Config) restoreOnStart() bool    { return c.RestoreOnStart == nil || *c.RestoreOnStart }

// StaleStateError marks a loaded envelope older than MaxStateAge.
type StaleStateError struct {
	Age time.Duration
	Max time.Duration
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("persisted state is stale: age %s exceeds %s", e.Age, e.Max)
}

// MigrationError wraps a schema migration failure.
type MigrationError struct {
	From int
	To   int
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration from schema %d to %d failed: %v", e.From, e.To, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Coupler adapts an Adapter into a single process's lifecycle. All saves for
// the key are serialized through the coupler's mutex.
type Coupler struct {
	mu  sync.Mutex
	cfg Config

	serverID   string
	serverName string

	serialize   func(any) ([]byte, error)
	deserialize func([]byte) (any, error)

	lastMeta *Metadata
}

// NewCoupler validates the config and binds it to a process identity.
// serialize/deserialize may be nil, selecting the JSON round-trip default.
func NewCoupler(cfg Config, serverID, serverName string, serialize func(any) ([]byte, error), deserialize func([]byte) (any, error)) (*Coupler, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("persistence adapter is required")
	}
	if cfg.CleanupInterval > 0 && cfg.MaxStateAge <= 0 {
		return nil, errors.New("cleanup_interval requires max_state_age")
	}
	if cfg.SchemaVersion <= 0 {
		cfg.SchemaVersion = 1
	}
	if cfg.Key == "" {
		if serverName != "" {
			cfg.Key = serverName
		} else {
			cfg.Key = serverID
		}
	}
	if serialize == nil {
		serialize = func(v any) ([]byte, error) { return json.Marshal(v) }
	}
	if deserialize == nil {
		deserialize = func(b []byte) (any, error) {
			var v any
			if err := json.Unmarshal(b, &v); err != nil {
				return nil, err
			}
			return v, nil
		}
	}
	return &Coupler{
		cfg:         cfg,
		serverID:    serverID,
		serverName:  serverName,
		serialize:   serialize,
		deserialize: deserialize,
	}, nil
}

// Key returns the storage key in effect.
func (c *Coupler) Key() string { return c.cfg.Key }

// SnapshotInterval returns the periodic save cadence (zero when disabled).
func (c *Coupler) SnapshotInterval() time.Duration { return c.cfg.SnapshotInterval }

// CleanupInterval returns the stale-entry pruning cadence (zero when disabled).
func (c *Coupler) CleanupInterval() time.Duration { return c.cfg.CleanupInterval }

// RestoreOnStart reports whether a restore is attempted before the process
// is marked running.
func (c *Coupler) RestoreOnStart() bool { return c.cfg.restoreOnStart() }

// PersistOnShutdown reports whether a final save runs on the graceful stop path.
func (c *Coupler) PersistOnShutdown() bool { return c.cfg.persistOnShutdown() }

// CleanupOnTerminate reports whether the key is deleted after graceful stop.
func (c *Coupler) CleanupOnTerminate() bool { return c.cfg.CleanupOnTerminate }

// ReportError routes a non-fatal persistence failure to the configured sink.
func (c *Coupler) ReportError(err error) {
	if c.cfg.OnError != nil && err != nil {
		c.cfg.OnError(err)
	}
}

// LastMeta returns metadata of the most recent successful save or restore.
func (c *Coupler) LastMeta() *Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastMeta == nil {
		return nil
	}
	m := *c.lastMeta
	return &m
}

// Restore loads, validates, and migrates persisted state. A missing envelope
// returns (nil, nil, nil): the caller proceeds with its init state.
func (c *Coupler) Restore(ctx context.Context) (any, *Metadata, error) {
	env, err := c.cfg.Adapter.Load(ctx, c.cfg.Key)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	meta := env.Metadata
	if c.cfg.MaxStateAge > 0 {
		age := time.Since(meta.PersistedTime())
		if age > c.cfg.MaxStateAge {
			return nil, nil, &StaleStateError{Age: age, Max: c.cfg.MaxStateAge}
		}
	}
	if meta.Checksum != "" {
		if sum := checksum(env.State); sum != meta.Checksum {
			return nil, nil, fmt.Errorf("checksum mismatch for key %q", c.cfg.Key)
		}
	}
	state, err := c.deserialize(env.State)
	if err != nil {
		return nil, nil, fmt.Errorf("deserialize state for key %q: %w", c.cfg.Key, err)
	}
	if meta.SchemaVersion != c.cfg.SchemaVersion {
		if c.cfg.Migrate == nil {
			return nil, nil, &MigrationError{
				From: meta.SchemaVersion,
				To:   c.cfg.SchemaVersion,
				Err:  errors.New("no migrate function configured"),
			}
		}
		migrated, err := c.cfg.Migrate(state, meta.SchemaVersion)
		if err != nil {
			return nil, nil, &MigrationError{From: meta.SchemaVersion, To: c.cfg.SchemaVersion, Err: err}
		}
		state = migrated
	}
	c.mu.Lock()
	c.lastMeta = &meta
	c.mu.Unlock()
	return state, &meta, nil
}

// Save serializes state and writes one envelope with fresh metadata. Saves
// for the same key never overlap.
func (c *Coupler) Save(ctx context.Context, state any) (*Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.serialize(state)
	if err != nil {
		return nil, fmt.Errorf("serialize state for key %q: %w", c.cfg.Key, err)
	}
	meta := Metadata{
		PersistedAt:   time.Now().UnixMilli(),
		ServerID:      c.serverID,
		ServerName:    c.serverName,
		SchemaVersion: c.cfg.SchemaVersion,
		Checksum:      checksum(data),
	}
	if err := c.cfg.Adapter.Save(ctx, c.cfg.Key, Envelope{State: data, Metadata: meta}); err != nil {
		return nil, err
	}
	c.lastMeta = &meta
	return &meta, nil
}

// DeleteKey removes the persisted envelope for this process.
func (c *Coupler) DeleteKey(ctx context.Context) error {
	return c.cfg.Adapter.Delete(ctx, c.cfg.Key)
}

// CleanupStale prunes entries older than MaxStateAge when the adapter
// supports it.
func (c *Coupler) CleanupStale(ctx context.Context) error {
	cleaner, ok := c.cfg.Adapter.(Cleaner)
	if !ok || c.cfg.MaxStateAge <= 0 {
		return nil
	}
	_, err := cleaner.CleanupOlderThan(ctx, c.cfg.MaxStateAge)
	return err
}

// Close closes the adapter, best-effort.
func (c *Coupler) Close() error { return c.cfg.Adapter.Close() }

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
