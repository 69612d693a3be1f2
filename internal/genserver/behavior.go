package genserver

import (
	"context"

	"github.com/loykin/otpkit/internal/persist"
)

// Behavior defines the callbacks of a process kind. State is opaque to the
// runtime; it flows through the callbacks and is never touched elsewhere.
//
// A Call whose handler returns an error leaves state unchanged and rejects
// only that caller. A Cast or Info handler error is swallowed (there is no
// caller); state is likewise unchanged. Panics in any handler are recovered
// at the dispatcher boundary and treated as errors.
type Behavior interface {
	// Init produces the initial state. It runs under the start init timeout;
	// an error (or timeout) fails the start and yields no Ref.
	Init(ctx context.Context) (state any, err error)

	// HandleCall serves a synchronous request and returns the reply plus the
	// next state.
	HandleCall(ctx context.Context, msg any, state any) (reply any, next any, err error)

	// HandleCast serves a fire-and-forget message.
	HandleCast(ctx context.Context, msg any, state any) (next any, err error)
}

// InfoHandler receives exit signals from linked peers when trap-exit is
// enabled. A trap-exit process without an InfoHandler silently drops signals.
type InfoHandler interface {
	HandleInfo(ctx context.Context, sig ExitSignal, state any) (next any, err error)
}

// TerminateHandler runs best-effort on every stop path; panics and errors are
// logged and never propagate.
type TerminateHandler interface {
	Terminate(reason TerminateReason, state any)
}

// PersistPreparer lets a behavior shape (or veto) the state snapshot taken by
// a periodic or shutdown save. Returning ok=false skips that save.
type PersistPreparer interface {
	BeforePersist(state any) (snapshot any, ok bool)
}

// StateRestorer is invoked after a successful load, before the restored state
// is installed. Returning an error discards the loaded state and keeps the
// init state.
type StateRestorer interface {
	OnStateRestore(state any, meta persist.Metadata) (any, error)
}

// StateCodec overrides the default JSON round-trip used to persist state.
type StateCodec interface {
	SerializeState(state any) ([]byte, error)
	DeserializeState(data []byte) (any, error)
}

// BehaviorFuncs adapts plain functions to Behavior, mirroring the callback
// record embedders pass in. Nil HandleCall/HandleCast reject/ignore messages.
type BehaviorFuncs struct {
	InitFunc       func(ctx context.Context) (any, error)
	HandleCallFunc func(ctx context.Context, msg any, state any) (any, any, error)
	HandleCastFunc func(ctx context.Context, msg any, state any) (any, error)
	HandleInfoFunc func(ctx context.Context, sig ExitSignal, state any) (any, error)
	TerminateFunc  func(reason TerminateReason, state any)
}

func (b BehaviorFuncs) Init(ctx context.Context) (any, error) {
	if b.InitFunc == nil {
		return nil, nil
	}
	return b.InitFunc(ctx)
}

func (b BehaviorFuncs) HandleCall(ctx context.Context, msg any, state any) (any, any, error) {
	if b.HandleCallFunc == nil {
		return nil, state, &HandlerPanicError{Handler: "HandleCall", Value: "not implemented"}
	}
	return b.HandleCallFunc(ctx, msg, state)
}

func (b BehaviorFuncs) HandleCast(ctx context.Context, msg any, state any) (any, error) {
	if b.HandleCastFunc == nil {
		return state, nil
	}
	return b.HandleCastFunc(ctx, msg, state)
}

func (b BehaviorFuncs) HandleInfo(ctx context.Context, sig ExitSignal, state any) (any, error) {
	if b.HandleInfoFunc == nil {
		return state, nil
	}
	return b.HandleInfoFunc(ctx, sig, state)
}

func (b BehaviorFuncs) Terminate(reason TerminateReason, state any) {
	if b.TerminateFunc != nil {
		b.TerminateFunc(reason, state)
	}
}
