package genserver

import (
	"errors"
	"fmt"
	"time"
)

// ServerNotRunningError is returned when an operation targets a process that
// is not in the running set (never started, stopping, or already stopped).
type ServerNotRunningError struct {
	ID string
}

func (e *ServerNotRunningError) Error() string {
	return fmt.Sprintf("server %s is not running", e.ID)
}

// CallTimeoutError is returned to a caller whose Call did not complete within
// its deadline. The target process is unaffected.
type CallTimeoutError struct {
	ID      string
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("call to %s timed out after %s", e.ID, e.Timeout)
}

// InitializationError wraps a failure or timeout of a behavior's Init.
type InitializationError struct {
	Name string
	Err  error
}

func (e *InitializationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("init of %q failed: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("init failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// HandlerPanicError captures a panic recovered at the dispatcher boundary.
type HandlerPanicError struct {
	Handler string
	Value   any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Handler, e.Value)
}

// PersistenceNotConfiguredError is returned by Checkpoint and friends when the
// process was started without a persistence coupler.
type PersistenceNotConfiguredError struct {
	ID string
}

func (e *PersistenceNotConfiguredError) Error() string {
	return fmt.Sprintf("server %s has no persistence configured", e.ID)
}

// ErrStopped is the terminal result delivered to waiters when the runtime is
// shut down underneath them.
var ErrStopped = errors.New("runtime stopped")
