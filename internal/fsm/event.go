// Package fsm layers a state machine on top of the process runtime: per-state
// handlers with transition results, state/event/generic timeouts, event
// postponement, and deferred call replies.
package fsm

// EventType tags how an event reached the machine.
type EventType string

const (
	// EventCast is a fire-and-forget event from Send.
	EventCast EventType = "cast"
	// EventCall carries a deferred-reply id from CallWithReply.
	EventCall EventType = "call"
	// EventInternal is inserted by a NextEvent action, ahead of the mailbox.
	EventInternal EventType = "internal"
	// EventStateTimeout fires when the state timeout elapses without a
	// transition.
	EventStateTimeout EventType = "state_timeout"
	// EventIdleTimeout fires when no event arrived within the event timeout.
	EventIdleTimeout EventType = "event_timeout"
	// EventGenericTimeout fires for a named timer; Name identifies it.
	EventGenericTimeout EventType = "generic_timeout"
)

// ReplyID identifies a pending deferred reply; handlers receive it on call
// events and answer it with a Reply action.
type ReplyID string

// Event is what state handlers receive.
type Event struct {
	Type    EventType
	Name    string
	Payload any
	From    ReplyID
}

// IsTimeout reports whether the event came from one of the timer kinds.
func (e Event) IsTimeout() bool {
	switch e.Type {
	case EventStateTimeout, EventIdleTimeout, EventGenericTimeout:
		return true
	}
	return false
}
