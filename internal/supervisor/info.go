package supervisor

import "github.com/loykin/otpkit/internal/ref"

// ChildInfo is the read-only view of one supervised child.
type ChildInfo struct {
	ID          string  `json:"id"`
	Ref         ref.Ref `json:"-"`
	RefID       string  `json:"ref_id,omitempty"`
	Running     bool    `json:"running"`
	Restart     Restart `json:"restart"`
	Significant bool    `json:"significant"`
	Restarts    uint64  `json:"restarts"`
	LastExit    string  `json:"last_exit,omitempty"`
}

// TreeSnapshot is a point-in-time view of a supervision tree, recursing
// through nested supervisors.
type TreeSnapshot struct {
	ID            string          `json:"id"`
	Strategy      Strategy        `json:"strategy"`
	Running       bool            `json:"running"`
	TotalRestarts uint64          `json:"total_restarts"`
	Children      []ChildSnapshot `json:"children"`
}

// ChildSnapshot is one node of a TreeSnapshot.
type ChildSnapshot struct {
	ChildInfo
	Subtree *TreeSnapshot `json:"subtree,omitempty"`
}

// Children returns the current child views in declaration order.
func (s *Supervisor) Children() []ChildInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChildInfo, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c.info())
	}
	return out
}

func (c *child) info() ChildInfo {
	info := ChildInfo{
		ID:          c.spec.ID,
		Ref:         c.ref,
		RefID:       c.ref.ID(),
		Running:     c.running(),
		Restart:     c.spec.Restart,
		Significant: c.spec.Significant,
		Restarts:    c.restarts,
	}
	if info.Restart == "" {
		info.Restart = Permanent
	}
	if c.lastExit != nil {
		info.LastExit = c.lastExit.String()
	}
	return info
}

// Snapshot captures the whole tree rooted at this supervisor.
func (s *Supervisor) Snapshot() TreeSnapshot {
	s.mu.Lock()
	kids := append([]*child(nil), s.children...)
	total := s.totalRestarts
	s.mu.Unlock()

	snap := TreeSnapshot{
		ID:            s.cfg.ID,
		Strategy:      s.cfg.Strategy,
		Running:       s.Running(),
		TotalRestarts: total,
		Children:      make([]ChildSnapshot, 0, len(kids)),
	}
	for _, c := range kids {
		s.mu.Lock()
		node := ChildSnapshot{ChildInfo: c.info()}
		sub := c.spec.sub
		s.mu.Unlock()
		if sub != nil {
			if nested := sub.get(); nested != nil {
				t := nested.Snapshot()
				node.Subtree = &t
			}
		}
		snap.Children = append(snap.Children, node)
	}
	return snap
}
