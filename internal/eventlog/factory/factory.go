package factory

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/loykin/otpkit/internal/eventlog"
	"github.com/loykin/otpkit/internal/eventlog/clickhouse"
)

// NewSinkFromDSN creates an event sink based on DSN format.
// Supported formats:
//   - "clickhouse://host:port?database=db&table=table"
//   - "file:///path/to/events.jsonl"
//   - "/path/to/events.jsonl" (defaults to JSON lines file)
func NewSinkFromDSN(dsn string) (eventlog.Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}
	lower := strings.ToLower(dsn)

	if strings.HasPrefix(lower, "clickhouse://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		host := u.Host
		if host == "" {
			host = "localhost:9000"
		}
		table := u.Query().Get("table")
		if table == "" {
			table = "otpkit_events"
		}
		sink, err := clickhouse.New(host, u.Query().Get("database"), table)
		if err != nil {
			return nil, err
		}
		if err := sink.EnsureSchema(context.Background()); err != nil {
			_ = sink.Close()
			return nil, err
		}
		return sink, nil
	}

	if strings.HasPrefix(lower, "file://") {
		return eventlog.NewFileSink(strings.TrimPrefix(dsn, "file://"))
	}
	if !strings.Contains(dsn, "://") {
		return eventlog.NewFileSink(dsn)
	}
	return nil, errors.New("unsupported DSN format: " + dsn)
}
