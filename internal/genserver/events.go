package genserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/otpkit/internal/persist"
	"github.com/loykin/otpkit/internal/ref"
)

// EventType enumerates lifecycle events emitted by the runtime.
type EventType string

const (
	EventStarted          EventType = "started"
	EventCrashed          EventType = "crashed"
	EventTerminated       EventType = "terminated"
	EventStateRestored    EventType = "state_restored"
	EventStatePersisted   EventType = "state_persisted"
	EventPersistenceError EventType = "persistence_error"
	EventProcessDown      EventType = "process_down"
)

// DownNotification accompanies process_down events, delivered to the monitor
// owner when the monitored process terminates (or never existed).
type DownNotification struct {
	MonitorID string
	OwnerID   string
	Target    ref.Ref
	Reason    DownReason
}

// Event is a lifecycle record delivered synchronously to subscribers in the
// order produced.
type Event struct {
	Type EventType
	Ref  ref.Ref
	Name string
	At   time.Time

	// Reason is set on crashed/terminated events.
	Reason *TerminateReason
	// Down is set on process_down events.
	Down *DownNotification
	// Meta is set on state_restored/state_persisted events.
	Meta *persist.Metadata
	// Err is set on persistence_error events.
	Err error
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// eventBus fans events out synchronously. Subscriber panics are recovered and
// logged; they never reach the emitter.
type eventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber
	logger *slog.Logger
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{logger: logger}
}

// subscribe registers fn and returns its cancel function.
func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}

func (b *eventBus) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs...)
	b.mu.RUnlock()
	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *eventBus) deliver(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("lifecycle subscriber panicked",
				"event", string(e.Type), "server", e.Ref.ID(), "panic", r)
		}
	}()
	s.fn(e)
}
