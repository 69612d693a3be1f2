package genserver

import (
	"time"

	"github.com/loykin/otpkit/internal/persist"
)

const (
	// DefaultInitTimeout bounds Behavior.Init during start.
	DefaultInitTimeout = 5 * time.Second
	// DefaultCallTimeout bounds Call when the caller gives no timeout.
	DefaultCallTimeout = 5 * time.Second
)

// StartOptions configures a single process start.
type StartOptions struct {
	// Name registers the Ref in the runtime's default registry. A duplicate
	// name fails the start and tears the fresh process down.
	Name string

	// TrapExit converts incoming link exit signals into Info messages
	// instead of forced termination.
	TrapExit bool

	// InitTimeout bounds Init; zero selects DefaultInitTimeout.
	InitTimeout time.Duration

	// Persistence couples the process to a storage adapter. Nil disables
	// persistence.
	Persistence *persist.Config

	// Meta is opaque metadata stored with the name registration.
	Meta any
}

// CallOptions tunes a single Call.
type CallOptions struct {
	// Timeout bounds the whole call; zero selects DefaultCallTimeout.
	Timeout time.Duration
}
