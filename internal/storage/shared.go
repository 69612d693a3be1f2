package storage

import (
	"context"
	"time"

	"github.com/loykin/otpkit/internal/persist"
)

// NopCloser wraps an adapter whose lifetime the embedder owns. Process
// termination closes its coupled adapter; wrapping with NopCloser lets one
// adapter back many processes and restarts.
func NopCloser(a persist.Adapter) persist.Adapter {
	if c, ok := a.(persist.Cleaner); ok {
		return cleanerNopCloser{Adapter: a, cleaner: c}
	}
	return nopCloser{Adapter: a}
}

type nopCloser struct {
	persist.Adapter
}

func (nopCloser) Close() error { return nil }

type cleanerNopCloser struct {
	persist.Adapter
	cleaner persist.Cleaner
}

func (cleanerNopCloser) Close() error { return nil }

func (c cleanerNopCloser) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return c.cleaner.CleanupOlderThan(ctx, age)
}
