package fsm

import (
	"time"

	"github.com/loykin/otpkit/internal/genserver"
)

type resultKind int

const (
	resTransition resultKind = iota
	resKeepState
	resKeepStateAndData
	resPostpone
	resStop
)

// Result is the closed set of outcomes a state handler returns.
type Result struct {
	kind    resultKind
	next    string
	data    any
	actions []Action
	reason  genserver.TerminateReason
}

// Transition moves to next with new data. Actions run in the context of the
// new state, after onExit/onEnter.
func Transition(next string, data any, actions ...Action) Result {
	return Result{kind: resTransition, next: next, data: data, actions: actions}
}

// KeepState stays in the current state with new data.
func KeepState(data any, actions ...Action) Result {
	return Result{kind: resKeepState, data: data, actions: actions}
}

// KeepStateAndData stays put and leaves data untouched.
func KeepStateAndData(actions ...Action) Result {
	return Result{kind: resKeepStateAndData, actions: actions}
}

// Postpone retains the current event; it is replayed after the next state
// change, after onEnter.
func Postpone() Result {
	return Result{kind: resPostpone}
}

// Stop initiates termination of the machine with reason, installing data as
// the final data first.
func Stop(reason genserver.TerminateReason, data any) Result {
	return Result{kind: resStop, reason: reason, data: data}
}

type actionKind int

const (
	actStateTimeout actionKind = iota
	actEventTimeout
	actGenericTimeout
	actNextEvent
	actReply
)

// Action is an ordered side effect attached to a Result.
type Action struct {
	kind    actionKind
	name    string
	after   time.Duration
	payload any
	to      ReplyID
	value   any
}

// StateTimeout arms the single state timer; any transition cancels it.
func StateTimeout(after time.Duration, payload any) Action {
	return Action{kind: actStateTimeout, after: after, payload: payload}
}

// EventTimeout arms the single event timer; arrival of any event cancels it.
func EventTimeout(after time.Duration, payload any) Action {
	return Action{kind: actEventTimeout, after: after, payload: payload}
}

// GenericTimeout arms a named timer; re-arming the same name cancels the
// previous one.
func GenericTimeout(name string, after time.Duration, payload any) Action {
	return Action{kind: actGenericTimeout, name: name, after: after, payload: payload}
}

// NextEvent inserts an internal event processed immediately after the current
// handler returns, ahead of the mailbox.
func NextEvent(payload any) Action {
	return Action{kind: actNextEvent, payload: payload}
}

// Reply resolves the deferred call identified by to.
func Reply(to ReplyID, value any) Action {
	return Action{kind: actReply, to: to, value: value}
}
