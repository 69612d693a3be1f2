// Package supervisor implements restart supervision over the process runtime:
// strategy-driven restarts, a sliding intensity window, ordered startup and
// shutdown, and significant-child auto-shutdown.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/otpkit/internal/genserver"
	"github.com/loykin/otpkit/internal/ref"
)

// Strategy selects how sibling children react when one of them exits.
type Strategy string

const (
	OneForOne       Strategy = "one_for_one"
	OneForAll       Strategy = "one_for_all"
	RestForOne      Strategy = "rest_for_one"
	SimpleOneForOne Strategy = "simple_one_for_one"
)

func (s Strategy) valid() bool {
	switch s {
	case OneForOne, OneForAll, RestForOne, SimpleOneForOne:
		return true
	}
	return false
}

// Restart is the per-child restart policy.
type Restart string

const (
	// Permanent children are restarted on any exit.
	Permanent Restart = "permanent"
	// Transient children are restarted only on abnormal exits.
	Transient Restart = "transient"
	// Temporary children are never restarted and are removed on exit.
	Temporary Restart = "temporary"
)

// AutoShutdown controls whether the supervisor stops itself when a
// significant child is permanently removed.
type AutoShutdown string

const (
	Never          AutoShutdown = "never"
	AnySignificant AutoShutdown = "any_significant"
	AllSignificant AutoShutdown = "all_significant"
)

// DefaultShutdownTimeout bounds the graceful stop of one child.
const DefaultShutdownTimeout = 5 * time.Second

// StartFunc starts one child and returns its running Ref.
type StartFunc func(ctx context.Context) (ref.Ref, error)

// TemplateFunc starts one dynamic child for simple_one_for_one.
type TemplateFunc func(ctx context.Context, args ...any) (ref.Ref, error)

// ChildSpec declares one supervised child.
type ChildSpec struct {
	ID              string
	Start           StartFunc
	Restart         Restart
	ShutdownTimeout time.Duration
	Significant     bool

	// set by NestedSpec so tree snapshots can recurse
	sub *subRef
}

func (cs ChildSpec) shutdownTimeout() time.Duration {
	if cs.ShutdownTimeout > 0 {
		return cs.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

// ChildTemplate is the single template simple_one_for_one spawns from. The
// non-factory fields apply uniformly to every dynamic child.
type ChildTemplate struct {
	IDPrefix        string
	Start           TemplateFunc
	Restart         Restart
	ShutdownTimeout time.Duration
	Significant     bool
}

// Intensity is the sliding restart budget: more than MaxRestarts restarts
// within the window shuts the supervisor down.
type Intensity struct {
	MaxRestarts int
	Within      time.Duration
}

// DefaultIntensity mirrors the usual supervision default of a handful of
// restarts per few seconds.
var DefaultIntensity = Intensity{MaxRestarts: 3, Within: 5 * time.Second}

// Config configures a Supervisor.
type Config struct {
	// ID names the supervisor in snapshots and logs.
	ID       string
	Strategy Strategy
	// Children are the static specs, started in declaration order. Must be
	// empty for simple_one_for_one.
	Children []ChildSpec
	// Template is required for simple_one_for_one and rejected otherwise.
	Template     *ChildTemplate
	Intensity    Intensity
	AutoShutdown AutoShutdown
	// OnStop is invoked exactly once when the supervisor stops, with the
	// reason it stopped. Parents use it to observe intensity blowups.
	OnStop func(genserver.TerminateReason)
}

// DuplicateChildError reports a child id already present in the supervisor.
type DuplicateChildError struct {
	ID string
}

func (e *DuplicateChildError) Error() string {
	return fmt.Sprintf("child %q already exists", e.ID)
}

// ChildNotFoundError reports an unknown child id.
type ChildNotFoundError struct {
	ID string
}

func (e *ChildNotFoundError) Error() string {
	return fmt.Sprintf("child %q not found", e.ID)
}

// MaxRestartsExceededError is the reason a supervisor stops itself when the
// intensity window overflows.
type MaxRestartsExceededError struct {
	SupervisorID string
	MaxRestarts  int
	Within       time.Duration
}

func (e *MaxRestartsExceededError) Error() string {
	return fmt.Sprintf("supervisor %q exceeded %d restarts within %s",
		e.SupervisorID, e.MaxRestarts, e.Within)
}

// ChildStartError wraps a start-factory failure during startup or restart.
type ChildStartError struct {
	ChildID string
	Err     error
}

func (e *ChildStartError) Error() string {
	return fmt.Sprintf("start child %q: %v", e.ChildID, e.Err)
}

func (e *ChildStartError) Unwrap() error { return e.Err }
