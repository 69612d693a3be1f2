package genserver

import (
	"sort"
	"time"

	"github.com/loykin/otpkit/internal/ref"
)

// ProcessStats is the read-only view surfaced to observers. It exposes no
// mutation and never hands out the process state itself.
type ProcessStats struct {
	ID            string        `json:"id"`
	Name          string        `json:"name,omitempty"`
	Status        string        `json:"status"`
	MailboxDepth  int           `json:"mailbox_depth"`
	MessageCount  uint64        `json:"message_count"`
	StartedAt     time.Time     `json:"started_at"`
	Uptime        time.Duration `json:"uptime"`
	TrapExit      bool          `json:"trap_exit"`
	Persisted     bool          `json:"persisted"`
	StateSizeHint int64         `json:"state_size_hint"`
}

// Stats returns the current stats for one process.
func (rt *Runtime) Stats(target ref.Ref) (ProcessStats, error) {
	p := rt.getProcess(target.ID())
	if p == nil {
		return ProcessStats{}, &ServerNotRunningError{ID: target.ID()}
	}
	return p.stats(), nil
}

// ListStats returns stats for every live process, ordered by id.
func (rt *Runtime) ListStats() []ProcessStats {
	rt.mu.RLock()
	procs := make([]*process, 0, len(rt.procs))
	for _, p := range rt.procs {
		procs = append(procs, p)
	}
	rt.mu.RUnlock()
	out := make([]ProcessStats, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *process) stats() ProcessStats {
	// Briefly serialize with the dispatcher so the state size hint reads a
	// settled state.
	p.runMu.Lock()
	sizeHint := estimateStateSize(p.state)
	p.runMu.Unlock()
	return ProcessStats{
		ID:            p.id,
		Name:          p.name,
		Status:        p.statusNow().String(),
		MailboxDepth:  p.mb.depth(),
		MessageCount:  p.msgCount.Load(),
		StartedAt:     p.startedAt,
		Uptime:        time.Since(p.startedAt),
		TrapExit:      p.trapExit,
		Persisted:     p.coupler != nil,
		StateSizeHint: sizeHint,
	}
}
