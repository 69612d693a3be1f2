// Package linkmon stores the link and monitor fabric: symmetric links that
// propagate exit signals, and one-way monitors that observe termination.
// Records are kept by id with reverse indexes by process id so removal never
// walks the full table.
package linkmon

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Link is a symmetric binding between two process ids. The pair is unordered;
// the labels only record which side initiated the call.
type Link struct {
	ID        string
	ID1       string
	ID2       string
	CreatedAt time.Time
}

// Peer returns the other participant of the link.
func (l Link) Peer(id string) string {
	if l.ID1 == id {
		return l.ID2
	}
	return l.ID1
}

// LinkRegistry is safe for concurrent use.
type LinkRegistry struct {
	mu       sync.Mutex
	links    map[string]Link
	byServer map[string]map[string]struct{} // process id -> link ids
}

func NewLinkRegistry() *LinkRegistry {
	return &LinkRegistry{
		links:    make(map[string]Link),
		byServer: make(map[string]map[string]struct{}),
	}
}

// Add stores a new link between a and b and returns its id.
func (r *LinkRegistry) Add(a, b string) string {
	l := Link{ID: uuid.NewString(), ID1: a, ID2: b, CreatedAt: time.Now()}
	r.mu.Lock()
	r.links[l.ID] = l
	r.index(a, l.ID)
	r.index(b, l.ID)
	r.mu.Unlock()
	return l.ID
}

// Remove deletes a link by id. Idempotent.
func (r *LinkRegistry) Remove(id string) {
	r.mu.Lock()
	if l, ok := r.links[id]; ok {
		r.unindex(l.ID1, id)
		r.unindex(l.ID2, id)
		delete(r.links, id)
	}
	r.mu.Unlock()
}

// Get returns the link by id.
func (r *LinkRegistry) Get(id string) (Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[id]
	return l, ok
}

// Of returns all links involving the process id.
func (r *LinkRegistry) Of(id string) []Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Link
	for lid := range r.byServer[id] {
		out = append(out, r.links[lid])
	}
	return out
}

// Drain atomically removes and returns every link involving the process id.
// Exit propagation uses this so each link fires exactly once even when both
// ends terminate concurrently.
func (r *LinkRegistry) Drain(id string) []Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Link
	for lid := range r.byServer[id] {
		l := r.links[lid]
		out = append(out, l)
		r.unindex(l.ID1, lid)
		r.unindex(l.ID2, lid)
		delete(r.links, lid)
	}
	delete(r.byServer, id)
	return out
}

// Len returns the number of stored links.
func (r *LinkRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

func (r *LinkRegistry) index(id, linkID string) {
	s := r.byServer[id]
	if s == nil {
		s = make(map[string]struct{})
		r.byServer[id] = s
	}
	s[linkID] = struct{}{}
}

func (r *LinkRegistry) unindex(id, linkID string) {
	if s := r.byServer[id]; s != nil {
		delete(s, linkID)
		if len(s) == 0 {
			delete(r.byServer, id)
		}
	}
}
