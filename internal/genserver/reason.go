package genserver

import (
	"github.com/loykin/otpkit/internal/ref"
)

// ReasonKind enumerates why a process terminated.
type ReasonKind string

const (
	ReasonNormal   ReasonKind = "normal"
	ReasonShutdown ReasonKind = "shutdown"
	ReasonError    ReasonKind = "error"
)

// TerminateReason is the closed sum carried on every stop path.
type TerminateReason struct {
	Kind ReasonKind
	Err  error
}

func NormalReason() TerminateReason   { return TerminateReason{Kind: ReasonNormal} }
func ShutdownReason() TerminateReason { return TerminateReason{Kind: ReasonShutdown} }
func ErrorReason(err error) TerminateReason {
	return TerminateReason{Kind: ReasonError, Err: err}
}

// IsAbnormal reports whether the reason propagates over links.
func (r TerminateReason) IsAbnormal() bool {
	return r.Kind != ReasonNormal && r.Kind != ReasonShutdown
}

func (r TerminateReason) String() string {
	if r.Kind == ReasonError && r.Err != nil {
		return "error: " + r.Err.Error()
	}
	return string(r.Kind)
}

// DownKind enumerates reasons observed by monitors.
type DownKind string

const (
	DownNormal   DownKind = "normal"
	DownShutdown DownKind = "shutdown"
	DownError    DownKind = "error"
	DownNoproc   DownKind = "noproc"
)

// DownReason is what a monitor owner observes when the monitored process
// terminates (or never existed).
type DownReason struct {
	Kind    DownKind
	Message string
}

// downReasonFor maps a termination reason onto the monitor-visible form.
func downReasonFor(r TerminateReason) DownReason {
	switch r.Kind {
	case ReasonNormal:
		return DownReason{Kind: DownNormal}
	case ReasonShutdown:
		return DownReason{Kind: DownShutdown}
	default:
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		return DownReason{Kind: DownError, Message: msg}
	}
}

// ExitSignal is delivered as an Info message to trap-exit processes when a
// linked peer terminates abnormally.
type ExitSignal struct {
	From   ref.Ref
	Reason TerminateReason
}
