package genserver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/otpkit/internal/persist"
	"github.com/loykin/otpkit/internal/ref"
)

type status int32

const (
	statusInitializing status = iota
	statusRunning
	statusStopping
	statusStopped
)

func (s status) String() string {
	switch s {
	case statusInitializing:
		return "initializing"
	case statusRunning:
		return "running"
	case statusStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// process is a single actor instance: private state, a mailbox, and one
// dispatcher goroutine that serializes handler execution.
type process struct {
	id       string
	name     string
	rt       *Runtime
	behavior Behavior
	trapExit bool

	mb *mailbox
	st atomic.Int32

	// state is owned by the dispatcher goroutine (and by whoever holds
	// runMu during termination). Nothing else reads or writes it.
	state any

	startedAt time.Time
	msgCount  atomic.Uint64
	callSeq   atomic.Uint64

	coupler *persist.Coupler

	// stopCh closes when the process leaves the running set; timer
	// goroutines tied to it unwind without keeping the host alive.
	stopCh chan struct{}
	// done closes once the termination sequence has fully run.
	done chan struct{}

	termOnce sync.Once
	// runMu serializes handler execution against forced termination.
	runMu sync.Mutex
}

func newProcess(rt *Runtime, id string, behavior Behavior, opts StartOptions) *process {
	p := &process{
		id:        id,
		name:      opts.Name,
		rt:        rt,
		behavior:  behavior,
		trapExit:  opts.TrapExit,
		mb:        newMailbox(),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.st.Store(int32(statusInitializing))
	return p
}

func (p *process) ref() ref.Ref { return ref.New(p.id) }

func (p *process) statusNow() status { return status(p.st.Load()) }

func (p *process) isRunning() bool { return p.statusNow() == statusRunning }

// loop is the dispatcher: one entry at a time, drained in FIFO order.
func (p *process) loop() {
	for {
		e, ok := p.mb.take(p.stopCh)
		if !ok {
			return
		}
		if stop, isStop := e.(stopEntry); isStop {
			p.shutdown(stop.reason, true, stop.done)
			return
		}
		p.handle(e)
	}
}

func (p *process) handle(e mailboxEntry) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	switch st := p.statusNow(); st {
	case statusStopped, statusStopping:
		// Stop is already underway; reject calls and checkpoint waiters,
		// drop the rest.
		switch e := e.(type) {
		case callEntry:
			e.sink.deliver(nil, &ServerNotRunningError{ID: p.id})
		case snapshotEntry:
			if e.done != nil {
				e.done <- &ServerNotRunningError{ID: p.id}
			}
		}
		return
	default:
	}

	switch e := e.(type) {
	case callEntry:
		if e.sink.cancelled.Load() {
			return
		}
		p.msgCount.Add(1)
		reply, next, err := p.safeCall(e.payload)
		if err != nil {
			// Reject only this caller; state is not advanced.
			e.sink.deliver(nil, err)
			return
		}
		p.state = next
		e.sink.deliver(reply, nil)
	case castEntry:
		p.msgCount.Add(1)
		next, err := p.safeCast(e.payload)
		if err != nil {
			// No caller to reject; swallow and keep state.
			p.rt.logger.Warn("cast handler failed", "server", p.id, "err", err)
			return
		}
		p.state = next
	case infoEntry:
		p.msgCount.Add(1)
		ih, ok := p.behavior.(InfoHandler)
		if !ok {
			return
		}
		next, err := p.safeInfo(ih, e.sig)
		if err != nil {
			p.rt.logger.Warn("info handler failed", "server", p.id, "err", err)
			return
		}
		p.state = next
	case snapshotEntry:
		err := p.saveSnapshot()
		if e.done != nil {
			e.done <- err
		}
	}
}

func (p *process) safeCall(msg any) (reply any, next any, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, next, err = nil, p.state, &HandlerPanicError{Handler: "HandleCall", Value: r}
		}
	}()
	return p.behavior.HandleCall(context.Background(), msg, p.state)
}

func (p *process) safeCast(msg any) (next any, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = p.state, &HandlerPanicError{Handler: "HandleCast", Value: r}
		}
	}()
	return p.behavior.HandleCast(context.Background(), msg, p.state)
}

func (p *process) safeInfo(ih InfoHandler, sig ExitSignal) (next any, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = p.state, &HandlerPanicError{Handler: "HandleInfo", Value: r}
		}
	}()
	return ih.HandleInfo(context.Background(), sig, p.state)
}

func (p *process) safeTerminate(reason TerminateReason) {
	th, ok := p.behavior.(TerminateHandler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.rt.logger.Warn("terminate callback panicked", "server", p.id, "panic", r)
		}
	}()
	th.Terminate(reason, p.state)
}

// saveSnapshot runs between handler executions, so it always sees a
// point-in-time state.
func (p *process) saveSnapshot() error {
	if p.coupler == nil {
		return &PersistenceNotConfiguredError{ID: p.id}
	}
	state := p.state
	if prep, ok := p.behavior.(PersistPreparer); ok {
		shaped, keep := prep.BeforePersist(state)
		if !keep {
			return nil
		}
		state = shaped
	}
	meta, err := p.coupler.Save(context.Background(), state)
	if err != nil {
		p.coupler.ReportError(err)
		p.rt.bus.emit(Event{Type: EventPersistenceError, Ref: p.ref(), Name: p.name, Err: err})
		return err
	}
	p.rt.bus.emit(Event{Type: EventStatePersisted, Ref: p.ref(), Name: p.name, Meta: meta})
	return nil
}

// forceTerminate bypasses the mailbox: it waits for any in-flight handler,
// then runs the termination sequence immediately.
func (p *process) forceTerminate(reason TerminateReason) {
	p.shutdown(reason, false, nil)
}

// shutdown runs the termination sequence exactly once. Racing callers wait
// for the winner and then resolve their own completion channel.
func (p *process) shutdown(reason TerminateReason, graceful bool, done chan error) {
	ran := false
	p.runMu.Lock()
	p.termOnce.Do(func() {
		ran = true
		p.terminateLocked(reason, graceful)
	})
	p.runMu.Unlock()
	if done == nil {
		return
	}
	if ran {
		done <- nil
		return
	}
	go func() {
		<-p.done
		done <- nil
	}()
}

// terminateLocked is the ordered stop path from the spec of this runtime:
// stop timers, flush the mailbox, run Terminate, persistence cleanup, exit
// propagation, monitor notification, registry removal, terminated event.
func (p *process) terminateLocked(reason TerminateReason, graceful bool) {
	p.st.Store(int32(statusStopping))
	if graceful {
		p.shutdownSave()
	}
	p.st.Store(int32(statusStopped))
	close(p.stopCh)

	var stops []chan error
	for _, e := range p.mb.closeAndDrain() {
		switch e := e.(type) {
		case callEntry:
			e.sink.deliver(nil, &ServerNotRunningError{ID: p.id})
		case stopEntry:
			if e.done != nil {
				stops = append(stops, e.done)
			}
		case snapshotEntry:
			if e.done != nil {
				e.done <- &ServerNotRunningError{ID: p.id}
			}
		}
	}

	p.safeTerminate(reason)
	p.persistCleanup(graceful)
	p.rt.propagateExit(p, reason)
	p.rt.dropRegistrations(p.id)
	p.rt.removeProcess(p.id)

	if reason.IsAbnormal() {
		p.rt.bus.emit(Event{Type: EventCrashed, Ref: p.ref(), Name: p.name, Reason: &reason})
	}
	p.rt.bus.emit(Event{Type: EventTerminated, Ref: p.ref(), Name: p.name, Reason: &reason})

	close(p.done)
	for _, ch := range stops {
		ch <- nil
	}
}

// shutdownSave performs the final snapshot on the graceful stop path. Errors
// never block shutdown.
func (p *process) shutdownSave() {
	if p.coupler == nil || !p.coupler.PersistOnShutdown() {
		return
	}
	state := p.state
	if prep, ok := p.behavior.(PersistPreparer); ok {
		shaped, keep := prep.BeforePersist(state)
		if !keep {
			return
		}
		state = shaped
	}
	if _, err := p.coupler.Save(context.Background(), state); err != nil {
		p.coupler.ReportError(err)
		p.rt.logger.Warn("shutdown snapshot failed", "server", p.id, "err", err)
	}
}

// persistCleanup deletes the key after a graceful stop when configured, then
// closes the adapter. The shutdown save has already happened by design; a
// crash between the two still leaves a snapshot behind.
func (p *process) persistCleanup(graceful bool) {
	if p.coupler == nil {
		return
	}
	if graceful && p.coupler.CleanupOnTerminate() {
		if err := p.coupler.DeleteKey(context.Background()); err != nil {
			p.coupler.ReportError(err)
		}
	}
	if err := p.coupler.Close(); err != nil {
		p.rt.logger.Debug("adapter close failed", "server", p.id, "err", err)
	}
}

// startTimers launches the periodic snapshot and cleanup loops. Both unwind
// when stopCh closes.
func (p *process) startTimers() {
	if p.coupler == nil {
		return
	}
	if interval := p.coupler.SnapshotInterval(); interval > 0 {
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					p.mb.push(snapshotEntry{})
				case <-p.stopCh:
					return
				}
			}
		}()
	}
	if interval := p.coupler.CleanupInterval(); interval > 0 {
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					if err := p.coupler.CleanupStale(context.Background()); err != nil {
						p.coupler.ReportError(err)
					}
				case <-p.stopCh:
					return
				}
			}
		}()
	}
}

// estimateStateSize gives the rough memory figure surfaced by introspection.
func estimateStateSize(state any) int64 {
	switch v := state.(type) {
	case nil:
		return 0
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	default:
		return int64(len(fmt.Sprintf("%v", v)))
	}
}
