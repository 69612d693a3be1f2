// Package sqlite implements the snapshot adapter on modernc.org/sqlite
// (CGO-free). DSN is a filesystem path; use ":memory:" for in-memory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/otpkit/internal/persist"
)

type DB struct {
	db *sql.DB
}

func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &DB{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS server_state(
			key TEXT PRIMARY KEY,
			state BLOB NOT NULL,
			persisted_at INTEGER NOT NULL,
			server_id TEXT NOT NULL,
			server_name TEXT NULL,
			schema_version INTEGER NOT NULL,
			checksum TEXT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_server_state_persisted_at ON server_state(persisted_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Load(ctx context.Context, key string) (*persist.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state, persisted_at, server_id, server_name, schema_version, checksum
		FROM server_state WHERE key=?;`, key)
	var env persist.Envelope
	var name, checksum sql.NullString
	err := row.Scan(&env.State, &env.Metadata.PersistedAt, &env.Metadata.ServerID,
		&name, &env.Metadata.SchemaVersion, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persist.ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	env.Metadata.ServerName = name.String
	env.Metadata.Checksum = checksum.String
	return &env, nil
}

func (s *DB) Save(ctx context.Context, key string, env persist.Envelope) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_state(key, state, persisted_at, server_id, server_name, schema_version, checksum, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state=excluded.state,
			persisted_at=excluded.persisted_at,
			server_id=excluded.server_id,
			server_name=excluded.server_name,
			schema_version=excluded.schema_version,
			checksum=excluded.checksum,
			updated_at=excluded.updated_at;`,
		key, env.State, env.Metadata.PersistedAt, env.Metadata.ServerID,
		nullable(env.Metadata.ServerName), env.Metadata.SchemaVersion,
		nullable(env.Metadata.Checksum), time.Now().UTC())
	return err
}

func (s *DB) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM server_state WHERE key=?;`, key)
	return err
}

// CleanupOlderThan prunes envelopes persisted longer ago than age.
func (s *DB) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM server_state WHERE persisted_at < ?;`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
