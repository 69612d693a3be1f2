package genserver

import (
	"context"
	"time"

	"github.com/loykin/otpkit/internal/ref"
)

// DistributionHooks is the optional seam a clustering layer plugs into. The
// core only calls these for Refs carrying a node hint; it owns no knowledge
// of how remote peers are implemented.
type DistributionHooks interface {
	// ResolveRemote reports whether the node id is reachable.
	ResolveRemote(node string) bool

	// RemoteCall performs a synchronous request against a remote process.
	RemoteCall(ctx context.Context, target ref.Ref, msg any, timeout time.Duration) (any, error)

	// RemoteCast delivers a fire-and-forget message. Delivery failures are
	// dropped silently by the core.
	RemoteCast(target ref.Ref, msg any) error

	// RemoteMonitor installs a monitor on a remote process.
	RemoteMonitor(owner ref.Ref, target ref.Ref) (string, error)

	// NotifyPeerTerminated informs the cluster that a local process linked
	// or monitored from remote nodes has terminated.
	NotifyPeerTerminated(p ref.Ref, reason TerminateReason)
}
