// Package clickhouse sends lifecycle records to ClickHouse using the
// official Go client.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/otpkit/internal/eventlog"
)

type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, database, table string) (*Sink, error) {
	if database == "" {
		database = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureSchema creates the event table when it does not exist yet.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			type String,
			occurred_at DateTime64(6),
			process_id String,
			name String,
			reason String,
			monitor_id String,
			down_reason String,
			error String,
			persisted_at Int64
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, process_id)
	`, s.table)
	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create event table: %w", err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, r eventlog.Record) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, process_id, name, reason, monitor_id, down_reason, error, persisted_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		r.Type,
		r.OccurredAt,
		r.ProcessID,
		r.Name,
		r.Reason,
		r.MonitorID,
		r.DownReason,
		r.Error,
		r.PersistedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
