package supervisor

import (
	"context"
	"sync"

	"github.com/loykin/otpkit/internal/genserver"
	"github.com/loykin/otpkit/internal/ref"
)

// subRef tracks the currently running nested supervisor behind a child spec,
// so snapshots can recurse across restarts.
type subRef struct {
	mu sync.Mutex
	s  *Supervisor
}

func (h *subRef) set(s *Supervisor) {
	h.mu.Lock()
	h.s = s
	h.mu.Unlock()
}

func (h *subRef) get() *Supervisor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.s
}

// treeBehavior runs a nested supervisor as a process under a parent
// supervisor, so the parent observes its lifetime like any other child.
type treeBehavior struct {
	sub *Supervisor
}

func (b *treeBehavior) Init(ctx context.Context) (any, error) {
	if err := b.sub.Start(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (b *treeBehavior) HandleCall(_ context.Context, _ any, state any) (any, any, error) {
	return nil, state, ErrNotRunning
}

func (b *treeBehavior) HandleCast(_ context.Context, _ any, state any) (any, error) {
	return state, nil
}

func (b *treeBehavior) Terminate(_ genserver.TerminateReason, _ any) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	_ = b.sub.Stop(ctx)
}

// NestedSpec runs a supervisor as a child of a parent supervisor. Every
// (re)start builds a fresh Supervisor via build; when the nested supervisor
// stops itself (intensity overflow or auto-shutdown), its proxy process dies
// with that reason and the parent reacts per its own strategy.
func NestedSpec(rt *genserver.Runtime, id string, restart Restart, build func() (*Supervisor, error)) ChildSpec {
	holder := &subRef{}
	return ChildSpec{
		ID:      id,
		Restart: restart,
		sub:     holder,
		Start: func(ctx context.Context) (ref.Ref, error) {
			sub, err := build()
			if err != nil {
				return ref.Ref{}, err
			}
			r, err := rt.Start(ctx, &treeBehavior{sub: sub}, genserver.StartOptions{})
			if err != nil {
				return ref.Ref{}, err
			}
			holder.set(sub)
			go func() {
				<-sub.Done()
				if rt.IsAlive(r) {
					rt.Kill(r, sub.StopReason())
				}
			}()
			return r, nil
		},
	}
}
