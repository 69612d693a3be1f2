// Package postgres implements the snapshot adapter on PostgreSQL via the
// pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/otpkit/internal/persist"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	p := &DB{db: d}
	if err := p.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return p, nil
}

func (p *DB) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS server_state(
			key TEXT PRIMARY KEY,
			state BYTEA NOT NULL,
			persisted_at BIGINT NOT NULL,
			server_id TEXT NOT NULL,
			server_name TEXT NULL,
			schema_version INTEGER NOT NULL,
			checksum TEXT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_server_state_persisted_at ON server_state(persisted_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Load(ctx context.Context, key string) (*persist.Envelope, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT state, persisted_at, server_id, server_name, schema_version, checksum
		FROM server_state WHERE key=$1;`, key)
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

func (p *DB) Save(ctx context.Context, key string, env persist.Envelope) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO server_state(key, state, persisted_at, server_id, server_name, schema_version, checksum, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT(key) DO UPDATE SET
			state=EXCLUDED.state,
			persisted_at=EXCLUDED.persisted_at,
			server_id=EXCLUDED.server_id,
			server_name=EXCLUDED.server_name,
			schema_version=EXCLUDED.schema_version,
			checksum=EXCLUDED.checksum,
			updated_at=EXCLUDED.updated_at;`,
		key, env.State, env.Metadata.PersistedAt, env.Metadata.ServerID,
		nullable(env.Metadata.ServerName), env.Metadata.SchemaVersion,
		nullable(env.Metadata.Checksum), time.Now().UTC())
	return err
}

func (p *DB) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM server_state WHERE key=$1;`, key)
	return err
}

// CleanupOlderThan prunes envelopes persisted longer ago than age.
func (p *DB) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := p.db.ExecContext(ctx, `DELETE FROM server_state WHERE persisted_at < $1;`, cutoff)
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
