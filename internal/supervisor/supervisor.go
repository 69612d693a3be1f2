package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/otpkit/internal/genserver"
	"github.com/loykin/otpkit/internal/metrics"
	"github.com/loykin/otpkit/internal/ref"
)

var (
	ErrNotRunning     = errors.New("supervisor is not running")
	ErrAlreadyStarted = errors.New("supervisor already started")
)

type child struct {
	spec     ChildSpec
	ref      ref.Ref
	restarts uint64
	lastExit *genserver.TerminateReason
	// stopping marks a deliberate stop so the watcher's terminated event
	// for this ref is not treated as a crash.
	stopping bool
}

func (c *child) running() bool { return !c.ref.IsZero() }

type ctrlType int

const (
	ctrlChildDown ctrlType = iota
	ctrlStartChild
	ctrlStartDynamic
	ctrlTerminateChild
	ctrlRestartChild
	ctrlStop
)

type ctrlReply struct {
	ref ref.Ref
	err error
}

type ctrlMsg struct {
	typ    ctrlType
	refID  string
	reason genserver.TerminateReason
	spec   ChildSpec
	args   []any
	id     string
	reply  chan ctrlReply
}

// Supervisor manages an ordered set of children under one restart strategy.
// All mutations are serialized through a control loop; the child watcher is a
// subscription to the runtime's lifecycle events filtered by child ref.
type Supervisor struct {
	rt  *genserver.Runtime
	cfg Config

	ctrl    chan ctrlMsg
	stopCh  chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	unsub   func()

	mu            sync.Mutex
	children      []*child
	restarts      []time.Time
	totalRestarts uint64
	dynSeq        atomic.Uint64
	finalReason   genserver.TerminateReason
}

// New validates cfg and builds a stopped supervisor; Start brings it up.
func New(rt *genserver.Runtime, cfg Config) (*Supervisor, error) {
	if rt == nil {
		return nil, errors.New("nil runtime")
	}
	if !cfg.Strategy.valid() {
		return nil, fmt.Errorf("invalid strategy %q", cfg.Strategy)
	}
	if cfg.Strategy == SimpleOneForOne {
		if cfg.Template == nil || cfg.Template.Start == nil {
			return nil, errors.New("simple_one_for_one requires a child template")
		}
		if len(cfg.Children) > 0 {
			return nil, errors.New("simple_one_for_one takes no static children")
		}
	} else if cfg.Template != nil {
		return nil, fmt.Errorf("strategy %q takes no child template", cfg.Strategy)
	}
	seen := make(map[string]struct{}, len(cfg.Children))
	for _, cs := range cfg.Children {
		if cs.ID == "" || cs.Start == nil {
			return nil, fmt.Errorf("child spec needs id and start factory")
		}
		if _, dup := seen[cs.ID]; dup {
			return nil, &DuplicateChildError{ID: cs.ID}
		}
		seen[cs.ID] = struct{}{}
	}
	if cfg.Intensity.MaxRestarts <= 0 {
		cfg.Intensity.MaxRestarts = DefaultIntensity.MaxRestarts
	}
	if cfg.Intensity.Within <= 0 {
		cfg.Intensity.Within = DefaultIntensity.Within
	}
	if cfg.AutoShutdown == "" {
		cfg.AutoShutdown = Never
	}
	if cfg.ID == "" {
		cfg.ID = "supervisor"
	}
	return &Supervisor{
		rt:     rt,
		cfg:    cfg,
		ctrl:   make(chan ctrlMsg, 16),
		stopCh: make(chan struct{}),
	}, nil
}

// ID returns the supervisor's configured id.
func (s *Supervisor) ID() string { return s.cfg.ID }

// Start launches all static children in declaration order. A start failure
// rolls already-started siblings back in reverse order and Start fails.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	started := make([]*child, 0, len(s.cfg.Children))
	for _, cs := range s.cfg.Children {
		r, err := cs.Start(ctx)
		if err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				s.stopChildRef(started[i])
			}
			s.stopped.Store(true)
			close(s.stopCh)
			return &ChildStartError{ChildID: cs.ID, Err: err}
		}
		started = append(started, &child{spec: cs, ref: r})
	}
	s.mu.Lock()
	s.children = started
	s.mu.Unlock()

	s.unsub = s.rt.Subscribe(s.onEvent)
	go s.run()
	return nil
}

// onEvent is the watcher: terminated events for current child refs become
// control messages. Must not block; spill to a goroutine if the loop is busy.
func (s *Supervisor) onEvent(e genserver.Event) {
	if e.Type != genserver.EventTerminated {
		return
	}
	if !s.owns(e.Ref.ID()) {
		return
	}
	reason := genserver.NormalReason()
	if e.Reason != nil {
		reason = *e.Reason
	}
	m := ctrlMsg{typ: ctrlChildDown, refID: e.Ref.ID(), reason: reason}
	select {
	case s.ctrl <- m:
		return
	case <-s.stopCh:
		return
	default:
	}
	go func() {
		select {
		case s.ctrl <- m:
		case <-s.stopCh:
		}
	}()
}

func (s *Supervisor) owns(refID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if c.ref.ID() == refID {
			return true
		}
	}
	return false
}

func (s *Supervisor) run() {
	defer func() {
		s.stopped.Store(true)
		close(s.stopCh)
		if s.unsub != nil {
			s.unsub()
		}
	}()
	for m := range s.ctrl {
		switch m.typ {
		case ctrlChildDown:
			if !s.handleChildDown(m.refID, m.reason) {
				return
			}
		case ctrlStartChild:
			r, err := s.addChild(m.spec)
			m.reply <- ctrlReply{ref: r, err: err}
		case ctrlStartDynamic:
			r, err := s.addDynamic(m.args)
			m.reply <- ctrlReply{ref: r, err: err}
		case ctrlTerminateChild:
			keep, err := s.terminateChild(m.id)
			m.reply <- ctrlReply{err: err}
			if !keep {
				return
			}
		case ctrlRestartChild:
			r, err := s.restartChild(m.id)
			m.reply <- ctrlReply{ref: r, err: err}
		case ctrlStop:
			s.shutdownChildren()
			s.finish(genserver.ShutdownReason())
			m.reply <- ctrlReply{}
			return
		}
	}
}

// handleChildDown applies restart policy and strategy to one child exit.
// Returns false when the supervisor must stop itself.
func (s *Supervisor) handleChildDown(refID string, reason genserver.TerminateReason) bool {
	s.mu.Lock()
	var c *child
	idx := -1
	for i, cc := range s.children {
		if cc.ref.ID() == refID && !cc.stopping {
			c, idx = cc, i
			break
		}
	}
	if c == nil {
		s.mu.Unlock()
		return true
	}
	c.ref = ref.Ref{}
	c.lastExit = &reason
	s.mu.Unlock()

	switch c.spec.Restart {
	case Temporary:
		s.removeChild(c.spec.ID)
		return s.autoShutdownCheck(c.spec)
	case Transient:
		if !reason.IsAbnormal() {
			s.removeChild(c.spec.ID)
			return s.autoShutdownCheck(c.spec)
		}
	case Permanent, "":
	}

	if !s.recordRestart() {
		err := &MaxRestartsExceededError{
			SupervisorID: s.cfg.ID,
			MaxRestarts:  s.cfg.Intensity.MaxRestarts,
			Within:       s.cfg.Intensity.Within,
		}
		s.shutdownChildren()
		s.finish(genserver.ErrorReason(err))
		return false
	}

	if err := s.applyStrategy(idx); err != nil {
		s.shutdownChildren()
		s.finish(genserver.ErrorReason(err))
		return false
	}
	return true
}

// recordRestart prunes the window and admits one more restart; false means
// the budget is exhausted.
func (s *Supervisor) recordRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.cfg.Intensity.Within)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept
	if len(s.restarts) >= s.cfg.Intensity.MaxRestarts {
		return false
	}
	s.restarts = append(s.restarts, time.Now())
	s.totalRestarts++
	metrics.IncChildRestart(s.cfg.ID)
	return true
}

func (s *Supervisor) applyStrategy(idx int) error {
	switch s.cfg.Strategy {
	case OneForOne, SimpleOneForOne:
		return s.restartAt(idx)
	case OneForAll:
		return s.restartRange(0)
	case RestForOne:
		return s.restartRange(idx)
	}
	return nil
}

// restartAt restarts the single child at idx.
func (s *Supervisor) restartAt(idx int) error {
	s.mu.Lock()
	if idx >= len(s.children) {
		s.mu.Unlock()
		return nil
	}
	c := s.children[idx]
	s.mu.Unlock()
	return s.startInto(c)
}

// restartRange stops every running child at index >= from in reverse order,
// then starts the whole suffix in declaration order.
func (s *Supervisor) restartRange(from int) error {
	s.mu.Lock()
	suffix := append([]*child(nil), s.children[from:]...)
	s.mu.Unlock()
	for i := len(suffix) - 1; i >= 0; i-- {
		s.stopChildRef(suffix[i])
	}
	for _, c := range suffix {
		if err := s.startInto(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) startInto(c *child) error {
	ctx, cancel := context.WithTimeout(context.Background(), genserver.DefaultInitTimeout)
	defer cancel()
	r, err := c.spec.Start(ctx)
	if err != nil {
		return &ChildStartError{ChildID: c.spec.ID, Err: err}
	}
	s.mu.Lock()
	c.ref = r
	c.restarts++
	s.mu.Unlock()
	return nil
}

// stopChildRef stops one child gracefully under its shutdown timeout, then
// force-terminates on deadline. The ref is zeroed so the watcher ignores the
// resulting terminated event.
func (s *Supervisor) stopChildRef(c *child) {
	s.mu.Lock()
	r := c.ref
	c.stopping = true
	s.mu.Unlock()
	if !r.IsZero() {
		ctx, cancel := context.WithTimeout(context.Background(), c.spec.shutdownTimeout())
		if err := s.rt.Stop(ctx, r, genserver.ShutdownReason()); err != nil {
			s.rt.Kill(r, genserver.ShutdownReason())
		}
		cancel()
	}
	s.mu.Lock()
	c.ref = ref.Ref{}
	c.stopping = false
	s.mu.Unlock()
}

func (s *Supervisor) shutdownChildren() {
	s.mu.Lock()
	all := append([]*child(nil), s.children...)
	s.mu.Unlock()
	for i := len(all) - 1; i >= 0; i-- {
		s.stopChildRef(all[i])
	}
}

// finish records the stop reason and runs the one-shot stop callback.
func (s *Supervisor) finish(reason genserver.TerminateReason) {
	s.mu.Lock()
	s.finalReason = reason
	s.mu.Unlock()
	if s.cfg.OnStop != nil {
		s.cfg.OnStop(reason)
	}
}

// StopReason reports why the supervisor stopped; meaningful once Done is
// closed.
func (s *Supervisor) StopReason() genserver.TerminateReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalReason
}

func (s *Supervisor) removeChild(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.children {
		if c.spec.ID == id {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

// autoShutdownCheck runs after a permanent removal; false means the
// supervisor stops itself with reason shutdown.
func (s *Supervisor) autoShutdownCheck(removed ChildSpec) bool {
	if s.cfg.AutoShutdown == Never || !removed.Significant {
		return true
	}
	if s.cfg.AutoShutdown == AllSignificant {
		s.mu.Lock()
		for _, c := range s.children {
			if c.spec.Significant {
				s.mu.Unlock()
				return true
			}
		}
		s.mu.Unlock()
	}
	s.shutdownChildren()
	s.finish(genserver.ShutdownReason())
	return false
}

func (s *Supervisor) addChild(cs ChildSpec) (ref.Ref, error) {
	if s.cfg.Strategy == SimpleOneForOne {
		return ref.Ref{}, errors.New("simple_one_for_one accepts only argument-form startChild")
	}
	if cs.ID == "" || cs.Start == nil {
		return ref.Ref{}, errors.New("child spec needs id and start factory")
	}
	s.mu.Lock()
	for _, c := range s.children {
		if c.spec.ID == cs.ID {
			s.mu.Unlock()
			return ref.Ref{}, &DuplicateChildError{ID: cs.ID}
		}
	}
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), genserver.DefaultInitTimeout)
	defer cancel()
	r, err := cs.Start(ctx)
	if err != nil {
		return ref.Ref{}, &ChildStartError{ChildID: cs.ID, Err: err}
	}
	s.mu.Lock()
	s.children = append(s.children, &child{spec: cs, ref: r})
	s.mu.Unlock()
	return r, nil
}

func (s *Supervisor) addDynamic(args []any) (ref.Ref, error) {
	if s.cfg.Strategy != SimpleOneForOne {
		return ref.Ref{}, errors.New("argument-form startChild requires simple_one_for_one")
	}
	tmpl := s.cfg.Template
	n := s.dynSeq.Add(1)
	prefix := tmpl.IDPrefix
	if prefix == "" {
		prefix = "child"
	}
	id := fmt.Sprintf("%s-%d", prefix, n)
	frozen := append([]any(nil), args...)
	cs := ChildSpec{
		ID:              id,
		Start:           func(ctx context.Context) (ref.Ref, error) { return tmpl.Start(ctx, frozen...) },
		Restart:         tmpl.Restart,
		ShutdownTimeout: tmpl.ShutdownTimeout,
		Significant:     tmpl.Significant,
	}
	ctx, cancel := context.WithTimeout(context.Background(), genserver.DefaultInitTimeout)
	defer cancel()
	r, err := cs.Start(ctx)
	if err != nil {
		return ref.Ref{}, &ChildStartError{ChildID: id, Err: err}
	}
	s.mu.Lock()
	s.children = append(s.children, &child{spec: cs, ref: r})
	s.mu.Unlock()
	return r, nil
}

// terminateChild gracefully stops and permanently removes one child. The
// bool result is false when auto-shutdown stopped the supervisor.
func (s *Supervisor) terminateChild(id string) (bool, error) {
	s.mu.Lock()
	var c *child
	for _, cc := range s.children {
		if cc.spec.ID == id {
			c = cc
			break
		}
	}
	s.mu.Unlock()
	if c == nil {
		return true, &ChildNotFoundError{ID: id}
	}
	s.stopChildRef(c)
	s.removeChild(id)
	return s.autoShutdownCheck(c.spec), nil
}

// restartChild stops then freshly starts one child. Not counted against the
// intensity window.
func (s *Supervisor) restartChild(id string) (ref.Ref, error) {
	s.mu.Lock()
	var c *child
	for _, cc := range s.children {
		if cc.spec.ID == id {
			c = cc
			break
		}
	}
	s.mu.Unlock()
	if c == nil {
		return ref.Ref{}, &ChildNotFoundError{ID: id}
	}
	s.stopChildRef(c)
	if err := s.startInto(c); err != nil {
		return ref.Ref{}, err
	}
	s.mu.Lock()
	r := c.ref
	s.mu.Unlock()
	return r, nil
}

func (s *Supervisor) send(ctx context.Context, m ctrlMsg) (ctrlReply, error) {
	if !s.started.Load() || s.stopped.Load() {
		return ctrlReply{}, ErrNotRunning
	}
	select {
	case s.ctrl <- m:
	case <-s.stopCh:
		return ctrlReply{}, ErrNotRunning
	case <-ctx.Done():
		return ctrlReply{}, ctx.Err()
	}
	select {
	case r := <-m.reply:
		return r, nil
	case <-s.stopCh:
		return ctrlReply{}, ErrNotRunning
	case <-ctx.Done():
		return ctrlReply{}, ctx.Err()
	}
}

// StartChild adds a new static child by spec. Rejected for
// simple_one_for_one.
func (s *Supervisor) StartChild(ctx context.Context, cs ChildSpec) (ref.Ref, error) {
	r, err := s.send(ctx, ctrlMsg{typ: ctrlStartChild, spec: cs, reply: make(chan ctrlReply, 1)})
	if err != nil {
		return ref.Ref{}, err
	}
	return r.ref, r.err
}

// StartChildArgs spawns one dynamic child from the template. Only valid for
// simple_one_for_one.
func (s *Supervisor) StartChildArgs(ctx context.Context, args ...any) (ref.Ref, error) {
	r, err := s.send(ctx, ctrlMsg{typ: ctrlStartDynamic, args: args, reply: make(chan ctrlReply, 1)})
	if err != nil {
		return ref.Ref{}, err
	}
	return r.ref, r.err
}

// TerminateChild stops and permanently removes one child.
func (s *Supervisor) TerminateChild(ctx context.Context, id string) error {
	r, err := s.send(ctx, ctrlMsg{typ: ctrlTerminateChild, id: id, reply: make(chan ctrlReply, 1)})
	if err != nil {
		return err
	}
	return r.err
}

// RestartChild stops then freshly starts one child; its restart counter is
// incremented but the intensity window is untouched.
func (s *Supervisor) RestartChild(ctx context.Context, id string) (ref.Ref, error) {
	r, err := s.send(ctx, ctrlMsg{typ: ctrlRestartChild, id: id, reply: make(chan ctrlReply, 1)})
	if err != nil {
		return ref.Ref{}, err
	}
	return r.ref, r.err
}

// Stop shuts the supervisor down: children in reverse start order, each under
// its shutdown timeout. Stopping a stopped supervisor returns nil.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.started.Load() || s.stopped.Load() {
		return nil
	}
	m := ctrlMsg{typ: ctrlStop, reply: make(chan ctrlReply, 1)}
	select {
	case s.ctrl <- m:
	case <-s.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-m.reply:
		return nil
	case <-s.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the supervisor has stopped, whether by Stop, intensity
// overflow, or auto-shutdown.
func (s *Supervisor) Done() <-chan struct{} { return s.stopCh }

// Running reports whether the control loop is live.
func (s *Supervisor) Running() bool { return s.started.Load() && !s.stopped.Load() }

// TotalRestarts returns the number of policy-driven restarts performed.
func (s *Supervisor) TotalRestarts() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalRestarts
}
