// Package genserver implements the process runtime: per-process serialized
// mailboxes with call/cast/info handling, init/terminate lifecycle, timers,
// links, monitors, and the lifecycle event bus.
package genserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/otpkit/internal/linkmon"
	"github.com/loykin/otpkit/internal/persist"
	"github.com/loykin/otpkit/internal/ref"
	"github.com/loykin/otpkit/internal/registry"
)

// Runtime owns every ambient piece the processes share: the running set, the
// default registry, the link/monitor fabric, timers, and the event bus.
// Construct one per embedding; tests get isolation by constructing their own.
type Runtime struct {
	mu    sync.RWMutex
	procs map[string]*process

	ids      *ref.Generator
	registry *registry.Registry
	// attached registries (duplicate-mode or user-created) cleaned on
	// process termination alongside the default one
	attached []*registry.Registry

	links    *linkmon.LinkRegistry
	monitors *linkmon.MonitorRegistry

	bus    *eventBus
	timers *timerTable
	logger *slog.Logger
	hooks  DistributionHooks
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger installs a structured logger; the default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}

// WithIDPrefix changes the process id prefix (default "proc").
func WithIDPrefix(prefix string) Option {
	return func(rt *Runtime) { rt.ids = ref.NewGenerator(prefix) }
}

// WithDistributionHooks plugs in the optional clustering layer.
func WithDistributionHooks(h DistributionHooks) Option {
	return func(rt *Runtime) { rt.hooks = h }
}

func NewRuntime(opts ...Option) *Runtime {
	rt := &Runtime{
		procs:    make(map[string]*process),
		ids:      ref.NewGenerator("proc"),
		registry: registry.New(registry.Unique),
		links:    linkmon.NewLinkRegistry(),
		monitors: linkmon.NewMonitorRegistry(),
		timers:   newTimerTable(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	rt.bus = newEventBus(rt.logger)
	for _, o := range opts {
		o(rt)
	}
	rt.bus.logger = rt.logger
	return rt
}

// Registry returns the runtime's default unique-mode registry.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// AttachRegistry adds a user-owned registry whose entries are dropped
// automatically when their process terminates.
func (rt *Runtime) AttachRegistry(r *registry.Registry) {
	rt.mu.Lock()
	rt.attached = append(rt.attached, r)
	rt.mu.Unlock()
}

// Subscribe registers a lifecycle-event consumer. Handlers must not block;
// panics are contained.
func (rt *Runtime) Subscribe(fn func(Event)) func() {
	return rt.bus.subscribe(fn)
}

// Start creates a process from behavior: Init under the init timeout, name
// registration, optional state restore, then the dispatcher goroutine. The
// returned Ref is live and registered before Start returns.
func (rt *Runtime) Start(ctx context.Context, behavior Behavior, opts StartOptions) (ref.Ref, error) {
	id := rt.ids.Next()
	p := newProcess(rt, id, behavior, opts)

	initTimeout := opts.InitTimeout
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}
	state, err := runInit(ctx, behavior, initTimeout)
	if err != nil {
		return ref.Ref{}, &InitializationError{Name: opts.Name, Err: err}
	}
	p.state = state

	if opts.Name != "" {
		if err := rt.registry.Register(opts.Name, p.ref(), opts.Meta); err != nil {
			return ref.Ref{}, err
		}
	}

	if opts.Persistence != nil {
		if err := rt.attachPersistence(p, opts); err != nil {
			if opts.Name != "" {
				rt.registry.Unregister(opts.Name)
			}
			return ref.Ref{}, err
		}
	}

	rt.mu.Lock()
	rt.procs[id] = p
	rt.mu.Unlock()
	p.st.Store(int32(statusRunning))

	go p.loop()
	p.startTimers()
	rt.bus.emit(Event{Type: EventStarted, Ref: p.ref(), Name: p.name})
	return p.ref(), nil
}

func runInit(ctx context.Context, behavior Behavior, timeout time.Duration) (any, error) {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type initResult struct {
		state any
		err   error
	}
	ch := make(chan initResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- initResult{err: &HandlerPanicError{Handler: "Init", Value: r}}
			}
		}()
		s, err := behavior.Init(ictx)
		ch <- initResult{state: s, err: err}
	}()
	select {
	case res := <-ch:
		return res.state, res.err
	case <-ictx.Done():
		return nil, fmt.Errorf("init timed out after %s", timeout)
	}
}

// attachPersistence builds the coupler and, unless disabled, restores state
// before the process is marked running. Restore failures are never fatal.
func (rt *Runtime) attachPersistence(p *process, opts StartOptions) error {
	var serialize func(any) ([]byte, error)
	var deserialize func([]byte) (any, error)
	if codec, ok := p.behavior.(StateCodec); ok {
		serialize = codec.SerializeState
		deserialize = codec.DeserializeState
	}
	coupler, err := persist.NewCoupler(*opts.Persistence, p.id, opts.Name, serialize, deserialize)
	if err != nil {
		return err
	}
	p.coupler = coupler
	if !coupler.RestoreOnStart() {
		return nil
	}
	state, meta, err := coupler.Restore(context.Background())
	if err != nil {
		coupler.ReportError(err)
		rt.bus.emit(Event{Type: EventPersistenceError, Ref: p.ref(), Name: p.name, Err: err})
		return nil
	}
	if meta == nil {
		// Nothing persisted yet; proceed with the init state.
		return nil
	}
	if restorer, ok := p.behavior.(StateRestorer); ok {
		state, err = restorer.OnStateRestore(state, *meta)
		if err != nil {
			coupler.ReportError(err)
			rt.bus.emit(Event{Type: EventPersistenceError, Ref: p.ref(), Name: p.name, Err: err})
			return nil
		}
	}
	p.state = state
	rt.bus.emit(Event{Type: EventStateRestored, Ref: p.ref(), Name: p.name, Meta: meta})
	return nil
}

// Call sends a synchronous request and waits for the handler's reply, the
// timeout, or ctx cancellation. A timed-out call that was never dispatched is
// removed from the mailbox; one already dispatched finishes and its result is
// discarded.
func (rt *Runtime) Call(ctx context.Context, target ref.Ref, msg any, opts CallOptions) (any, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if target.IsRemote() && rt.hooks != nil {
		return rt.hooks.RemoteCall(ctx, target, msg, timeout)
	}
	p := rt.getProcess(target.ID())
	if p == nil || !p.isRunning() {
		return nil, &ServerNotRunningError{ID: target.ID()}
	}
	sink := newReplySink()
	seq := p.callSeq.Add(1)
	if !p.mb.push(callEntry{seq: seq, payload: msg, sink: sink, enqueued: time.Now()}) {
		return nil, &ServerNotRunningError{ID: target.ID()}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-sink.ch:
		return res.reply, res.err
	case <-timer.C:
		p.mb.removeCall(seq)
		sink.cancel(&CallTimeoutError{ID: target.ID(), Timeout: timeout})
		res := <-sink.ch
		return res.reply, res.err
	case <-ctx.Done():
		p.mb.removeCall(seq)
		sink.cancel(ctx.Err())
		res := <-sink.ch
		return res.reply, res.err
	}
}

// Cast enqueues a fire-and-forget message. A non-running local target is an
// error; remote casts are routed through the hooks and dropped on failure.
func (rt *Runtime) Cast(target ref.Ref, msg any) error {
	if target.IsRemote() && rt.hooks != nil {
		_ = rt.hooks.RemoteCast(target, msg)
		return nil
	}
	p := rt.getProcess(target.ID())
	if p == nil || !p.isRunning() {
		return &ServerNotRunningError{ID: target.ID()}
	}
	if !p.mb.push(castEntry{payload: msg}) {
		return &ServerNotRunningError{ID: target.ID()}
	}
	return nil
}

// castSilent drops the message when the target is gone; used by timers.
func (rt *Runtime) castSilent(target ref.Ref, msg any) {
	if p := rt.getProcess(target.ID()); p != nil && p.isRunning() {
		p.mb.push(castEntry{payload: msg})
	}
}

// Stop terminates the process gracefully and waits for completion. Stopping
// an already-stopped process returns immediately; concurrent stops all return
// once the first completes.
func (rt *Runtime) Stop(ctx context.Context, target ref.Ref, reason TerminateReason) error {
	p := rt.getProcess(target.ID())
	if p == nil {
		return nil
	}
	done := make(chan error, 1)
	if !p.mb.push(stopEntry{reason: reason, done: done}) {
		// Mailbox already closed: termination is underway.
		select {
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill force-terminates the process, bypassing the mailbox.
func (rt *Runtime) Kill(target ref.Ref, reason TerminateReason) {
	if p := rt.getProcess(target.ID()); p != nil {
		p.forceTerminate(reason)
	}
}

// SendAfter schedules a cast for delivery after delay. If the target is gone
// at fire time the message is dropped silently.
func (rt *Runtime) SendAfter(target ref.Ref, msg any, delay time.Duration) TimerRef {
	return rt.timers.schedule(delay, func() {
		rt.castSilent(target, msg)
	})
}

// CancelTimer cancels a pending timer; true iff it had not fired yet.
func (rt *Runtime) CancelTimer(id TimerRef) bool {
	return rt.timers.cancel(id)
}

// Link binds a and b bidirectionally. Both must be running.
func (rt *Runtime) Link(a, b ref.Ref) (string, error) {
	pa := rt.getProcess(a.ID())
	if pa == nil || !pa.isRunning() {
		return "", &ServerNotRunningError{ID: a.ID()}
	}
	pb := rt.getProcess(b.ID())
	if pb == nil || !pb.isRunning() {
		return "", &ServerNotRunningError{ID: b.ID()}
	}
	return rt.links.Add(a.ID(), b.ID()), nil
}

// Unlink removes a link by id. Idempotent.
func (rt *Runtime) Unlink(linkID string) {
	rt.links.Remove(linkID)
}

// Monitor installs a one-way monitor owned by `owner` on target. A monitor
// on an unknown id is still created; its owner observes a single
// process_down with reason noproc before any later runtime event.
func (rt *Runtime) Monitor(owner, target ref.Ref) string {
	if target.IsRemote() && rt.hooks != nil {
		if id, err := rt.hooks.RemoteMonitor(owner, target); err == nil {
			return id
		}
	}
	id := rt.monitors.Add(owner.ID(), target)
	p := rt.getProcess(target.ID())
	if p == nil || p.statusNow() == statusStopped {
		rt.monitors.Remove(id)
		rt.bus.emit(Event{Type: EventProcessDown, Ref: target, Down: &DownNotification{
			MonitorID: id,
			OwnerID:   owner.ID(),
			Target:    target,
			Reason:    DownReason{Kind: DownNoproc},
		}})
	}
	return id
}

// Demonitor removes a monitor; no process_down is delivered afterwards.
func (rt *Runtime) Demonitor(monitorID string) bool {
	return rt.monitors.Remove(monitorID)
}

// Checkpoint performs one save in the dispatcher's serialization order and
// waits for it.
func (rt *Runtime) Checkpoint(ctx context.Context, target ref.Ref) error {
	p := rt.getProcess(target.ID())
	if p == nil || !p.isRunning() {
		return &ServerNotRunningError{ID: target.ID()}
	}
	if p.coupler == nil {
		return &PersistenceNotConfiguredError{ID: target.ID()}
	}
	done := make(chan error, 1)
	if !p.mb.push(snapshotEntry{done: done}) {
		return &ServerNotRunningError{ID: target.ID()}
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastCheckpointMeta returns metadata of the most recent save or restore.
func (rt *Runtime) LastCheckpointMeta(target ref.Ref) (*persist.Metadata, error) {
	p := rt.getProcess(target.ID())
	if p == nil {
		return nil, &ServerNotRunningError{ID: target.ID()}
	}
	if p.coupler == nil {
		return nil, &PersistenceNotConfiguredError{ID: target.ID()}
	}
	return p.coupler.LastMeta(), nil
}

// ClearPersistedState deletes the persisted envelope for the process.
func (rt *Runtime) ClearPersistedState(ctx context.Context, target ref.Ref) error {
	p := rt.getProcess(target.ID())
	if p == nil {
		return &ServerNotRunningError{ID: target.ID()}
	}
	if p.coupler == nil {
		return &PersistenceNotConfiguredError{ID: target.ID()}
	}
	return p.coupler.DeleteKey(ctx)
}

// IsAlive reports whether the id is in the running set.
func (rt *Runtime) IsAlive(target ref.Ref) bool {
	p := rt.getProcess(target.ID())
	return p != nil && p.isRunning()
}

// WhereIs resolves a registered name to a live Ref.
func (rt *Runtime) WhereIs(name string) (ref.Ref, bool) {
	return rt.registry.Whereis(name)
}

// Shutdown stops every process: graceful first with the given grace window,
// then forced. The runtime is unusable afterwards.
func (rt *Runtime) Shutdown(grace time.Duration) {
	rt.mu.RLock()
	procs := make([]*process, 0, len(rt.procs))
	for _, p := range rt.procs {
		procs = append(procs, p)
	}
	rt.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *process) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			if err := rt.Stop(ctx, p.ref(), ShutdownReason()); err != nil {
				p.forceTerminate(ShutdownReason())
			}
		}(p)
	}
	wg.Wait()
	rt.timers.stopAll()
}

// propagateExit runs the link/monitor half of the termination sequence:
// drain links atomically, signal or kill peers, notify monitors once, then
// drop the monitors the dead process owned.
func (rt *Runtime) propagateExit(p *process, reason TerminateReason) {
	for _, l := range rt.links.Drain(p.id) {
		peer := rt.getProcess(l.Peer(p.id))
		if peer == nil || reason.Kind == ReasonNormal {
			continue
		}
		if peer.trapExit {
			peer.mb.push(infoEntry{sig: ExitSignal{From: p.ref(), Reason: reason}})
		} else {
			derived := ErrorReason(fmt.Errorf("linked process %s exited: %s", p.id, reason))
			go peer.forceTerminate(derived)
		}
	}
	for _, m := range rt.monitors.TakeByTarget(p.id) {
		rt.bus.emit(Event{Type: EventProcessDown, Ref: p.ref(), Name: p.name, Down: &DownNotification{
			MonitorID: m.ID,
			OwnerID:   m.MonitorerID,
			Target:    m.Monitored,
			Reason:    downReasonFor(reason),
		}})
	}
	rt.monitors.DropByOwner(p.id)
	if rt.hooks != nil {
		rt.hooks.NotifyPeerTerminated(p.ref(), reason)
	}
}

// dropRegistrations clears the default and attached registries for the id.
func (rt *Runtime) dropRegistrations(id string) {
	rt.registry.DropProcess(id)
	rt.mu.RLock()
	attached := append([]*registry.Registry(nil), rt.attached...)
	rt.mu.RUnlock()
	for _, r := range attached {
		r.DropProcess(id)
	}
}

func (rt *Runtime) getProcess(id string) *process {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.procs[id]
}

func (rt *Runtime) removeProcess(id string) {
	rt.mu.Lock()
	delete(rt.procs, id)
	rt.mu.Unlock()
}
