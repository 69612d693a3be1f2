package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/otpkit/internal/genserver"
	"github.com/loykin/otpkit/internal/ref"
)

var (
	// ErrStopped rejects deferred-reply callers left pending when the
	// machine terminates.
	ErrStopped = errors.New("state machine stopped")
	// ErrNoHandler means the machine landed in a state with no handler.
	ErrNoHandler = errors.New("no handler for state")
)

// ReplyTimeoutError reports a CallWithReply that saw no Reply action in time.
type ReplyTimeoutError struct {
	Timeout time.Duration
}

func (e *ReplyTimeoutError) Error() string {
	return fmt.Sprintf("no reply within %s", e.Timeout)
}

// State describes one named state: an event handler plus optional
// enter/exit hooks. Handle is required.
type State struct {
	OnEnter func(ctx context.Context, data any, from string)
	OnExit  func(ctx context.Context, data any, to string)
	Handle  func(ctx context.Context, ev Event, data any) Result
}

// Init is what a Definition's Init callback produces.
type Init struct {
	State   string
	Data    any
	Actions []Action
}

// Definition declares a state machine.
type Definition struct {
	Init        func(ctx context.Context) (Init, error)
	States      map[string]State
	OnTerminate func(reason genserver.TerminateReason, state string, data any)
}

// Snapshot is the read-only view returned by Current.
type Snapshot struct {
	State string
	Data  any
}

// fsmState is the machine's user-visible core, held as the process state.
type fsmState struct {
	state     string
	data      any
	postponed []Event
}

type eventMsg struct{ ev Event }

type timeoutMsg struct {
	typ     EventType
	name    string
	gen     uint64
	payload any
}

type initActionsMsg struct{ actions []Action }

type queryState struct{}

type replyOutcome struct {
	value any
	err   error
}

type timerSlot struct {
	gen    uint64
	active bool
	ref    genserver.TimerRef
}

// Machine is a running state machine. It implements the process behavior and
// owns the timer slots and pending deferred replies; all of those are touched
// only from the dispatcher except the pending map, which callers share.
type Machine struct {
	rt  *genserver.Runtime
	def Definition
	ref ref.Ref

	stopping bool
	stateT   timerSlot
	eventT   timerSlot
	genT     map[string]*timerSlot

	pmu     sync.Mutex
	pending map[ReplyID]chan replyOutcome
}

// Start runs def as a process. Name, trap-exit and the other start options
// pass through untouched.
func Start(ctx context.Context, rt *genserver.Runtime, def Definition, opts genserver.StartOptions) (*Machine, error) {
	if def.Init == nil || len(def.States) == 0 {
		return nil, errors.New("definition needs Init and at least one state")
	}
	m := &Machine{
		rt:      rt,
		def:     def,
		genT:    make(map[string]*timerSlot),
		pending: make(map[ReplyID]chan replyOutcome),
	}
	var initActions []Action
	r, err := rt.Start(ctx, &behaviorShim{m: m, initActions: &initActions}, opts)
	if err != nil {
		return nil, err
	}
	m.ref = r
	if len(initActions) > 0 {
		if err := rt.Cast(r, initActionsMsg{actions: initActions}); err != nil {
			_ = rt.Stop(ctx, r, genserver.ShutdownReason())
			return nil, err
		}
	}
	return m, nil
}

// behaviorShim adapts the machine to the process behavior and captures init
// actions so Start can replay them once the ref is known.
type behaviorShim struct {
	m           *Machine
	initActions *[]Action
}

func (b *behaviorShim) Init(ctx context.Context) (any, error) {
	res, err := b.m.def.Init(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := b.m.def.States[res.State]; !ok {
		return nil, fmt.Errorf("%w %q", ErrNoHandler, res.State)
	}
	*b.initActions = res.Actions
	return &fsmState{state: res.State, data: res.Data}, nil
}

func (b *behaviorShim) HandleCall(ctx context.Context, msg any, state any) (any, any, error) {
	fs := state.(*fsmState)
	if _, ok := msg.(queryState); ok {
		return Snapshot{State: fs.state, Data: fs.data}, fs, nil
	}
	return nil, fs, errors.New("use Send or CallWithReply to drive the machine")
}

func (b *behaviorShim) HandleCast(ctx context.Context, msg any, state any) (any, error) {
	fs := state.(*fsmState)
	m := b.m
	switch v := msg.(type) {
	case eventMsg:
		m.dispatch(ctx, fs, v.ev)
	case timeoutMsg:
		if ev, ok := m.acceptTimeout(v); ok {
			m.dispatch(ctx, fs, ev)
		}
	case initActionsMsg:
		var queue []Event
		m.applyActions(fs, v.actions, &queue)
		m.drain(ctx, fs, queue)
	}
	return fs, nil
}

func (b *behaviorShim) Terminate(reason genserver.TerminateReason, state any) {
	m := b.m
	m.cancelSlot(&m.stateT)
	m.cancelSlot(&m.eventT)
	for _, s := range m.genT {
		m.cancelSlot(s)
	}
	m.rejectPending(ErrStopped)
	if m.def.OnTerminate != nil {
		if fs, ok := state.(*fsmState); ok {
			m.def.OnTerminate(reason, fs.state, fs.data)
		}
	}
}

// dispatch runs one external event plus everything it spawns: inserted
// events, then postponed replays after a state change.
func (m *Machine) dispatch(ctx context.Context, fs *fsmState, ev Event) {
	m.drain(ctx, fs, []Event{ev})
}

func (m *Machine) drain(ctx context.Context, fs *fsmState, queue []Event) {
	for len(queue) > 0 && !m.stopping {
		ev := queue[0]
		queue = queue[1:]
		m.cancelSlot(&m.eventT)

		st, ok := m.def.States[fs.state]
		if !ok || st.Handle == nil {
			m.initiateStop(genserver.ErrorReason(fmt.Errorf("%w %q", ErrNoHandler, fs.state)))
			return
		}
		res := st.Handle(ctx, ev, fs.data)
		switch res.kind {
		case resPostpone:
			fs.postponed = append(fs.postponed, ev)
		case resKeepState:
			fs.data = res.data
			var inserted []Event
			m.applyActions(fs, res.actions, &inserted)
			queue = append(inserted, queue...)
		case resKeepStateAndData:
			var inserted []Event
			m.applyActions(fs, res.actions, &inserted)
			queue = append(inserted, queue...)
		case resTransition:
			fs.data = res.data
			m.cancelSlot(&m.stateT)
			var replay []Event
			if res.next != fs.state {
				prev := fs.state
				if st.OnExit != nil {
					st.OnExit(ctx, fs.data, res.next)
				}
				fs.state = res.next
				if enter := m.def.States[res.next]; enter.OnEnter != nil {
					enter.OnEnter(ctx, fs.data, prev)
				}
				replay = fs.postponed
				fs.postponed = nil
			}
			var inserted []Event
			m.applyActions(fs, res.actions, &inserted)
			queue = append(append(inserted, replay...), queue...)
		case resStop:
			if res.data != nil {
				fs.data = res.data
			}
			var inserted []Event
			m.applyActions(fs, res.actions, &inserted)
			m.initiateStop(res.reason)
			return
		}
	}
}

// initiateStop marks the machine stopping and asks the runtime for a graceful
// stop; further events are ignored while the stop message is in flight.
func (m *Machine) initiateStop(reason genserver.TerminateReason) {
	if m.stopping {
		return
	}
	m.stopping = true
	r := m.ref
	rt := m.rt
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), genserver.DefaultCallTimeout)
		defer cancel()
		_ = rt.Stop(ctx, r, reason)
	}()
}

// applyActions runs one action list in order; inserted events are appended to
// out for the caller to splice ahead of the work queue.
func (m *Machine) applyActions(fs *fsmState, actions []Action, out *[]Event) {
	for _, a := range actions {
		switch a.kind {
		case actStateTimeout:
			m.armSlot(&m.stateT, EventStateTimeout, "", a.after, a.payload)
		case actEventTimeout:
			m.armSlot(&m.eventT, EventIdleTimeout, "", a.after, a.payload)
		case actGenericTimeout:
			slot, ok := m.genT[a.name]
			if !ok {
				slot = &timerSlot{}
				m.genT[a.name] = slot
			}
			m.armSlot(slot, EventGenericTimeout, a.name, a.after, a.payload)
		case actNextEvent:
			*out = append(*out, Event{Type: EventInternal, Payload: a.payload})
		case actReply:
			m.deliverReply(a.to, replyOutcome{value: a.value})
		}
	}
}

func (m *Machine) armSlot(slot *timerSlot, typ EventType, name string, after time.Duration, payload any) {
	m.cancelSlot(slot)
	slot.gen++
	slot.active = true
	slot.ref = m.rt.SendAfter(m.ref, timeoutMsg{typ: typ, name: name, gen: slot.gen, payload: payload}, after)
}

func (m *Machine) cancelSlot(slot *timerSlot) {
	if slot.active {
		m.rt.CancelTimer(slot.ref)
		slot.active = false
		slot.gen++
	}
}

// acceptTimeout clears the matching timer handle before dispatch; a stale
// generation means the timer was cancelled or re-armed after firing.
func (m *Machine) acceptTimeout(t timeoutMsg) (Event, bool) {
	var slot *timerSlot
	switch t.typ {
	case EventStateTimeout:
		slot = &m.stateT
	case EventIdleTimeout:
		slot = &m.eventT
	case EventGenericTimeout:
		slot = m.genT[t.name]
	}
	if slot == nil || !slot.active || slot.gen != t.gen {
		return Event{}, false
	}
	slot.active = false
	return Event{Type: t.typ, Name: t.name, Payload: t.payload}, true
}

func (m *Machine) deliverReply(to ReplyID, out replyOutcome) {
	m.pmu.Lock()
	ch, ok := m.pending[to]
	if ok {
		delete(m.pending, to)
	}
	m.pmu.Unlock()
	if ok {
		ch <- out
	}
}

func (m *Machine) rejectPending(err error) {
	m.pmu.Lock()
	slots := m.pending
	m.pending = make(map[ReplyID]chan replyOutcome)
	m.pmu.Unlock()
	for _, ch := range slots {
		ch <- replyOutcome{err: err}
	}
}

// Ref returns the underlying process ref.
func (m *Machine) Ref() ref.Ref { return m.ref }

// Send delivers a fire-and-forget event.
func (m *Machine) Send(payload any) error {
	return m.rt.Cast(m.ref, eventMsg{ev: Event{Type: EventCast, Payload: payload}})
}

// CallWithReply delivers an event carrying a deferred-reply id and waits for
// a handler to answer it with a Reply action, possibly several events later.
func (m *Machine) CallWithReply(ctx context.Context, payload any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = genserver.DefaultCallTimeout
	}
	id := ReplyID(uuid.NewString())
	ch := make(chan replyOutcome, 1)
	m.pmu.Lock()
	m.pending[id] = ch
	m.pmu.Unlock()

	ev := Event{Type: EventCall, Payload: payload, From: id}
	if err := m.rt.Cast(m.ref, eventMsg{ev: ev}); err != nil {
		m.dropSlot(id)
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.value, out.err
	case <-timer.C:
		m.dropSlot(id)
		return nil, &ReplyTimeoutError{Timeout: timeout}
	case <-ctx.Done():
		m.dropSlot(id)
		return nil, ctx.Err()
	}
}

func (m *Machine) dropSlot(id ReplyID) {
	m.pmu.Lock()
	delete(m.pending, id)
	m.pmu.Unlock()
}

// Current returns the machine's state label and data.
func (m *Machine) Current(ctx context.Context) (Snapshot, error) {
	out, err := m.rt.Call(ctx, m.ref, queryState{}, genserver.CallOptions{})
	if err != nil {
		return Snapshot{}, err
	}
	return out.(Snapshot), nil
}

// Stop terminates the machine gracefully.
func (m *Machine) Stop(ctx context.Context, reason genserver.TerminateReason) error {
	return m.rt.Stop(ctx, m.ref, reason)
}
