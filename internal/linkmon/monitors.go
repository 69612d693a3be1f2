package linkmon

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/otpkit/internal/ref"
)

// Monitor is a one-way observation of Monitored by the process MonitorerID.
type Monitor struct {
	ID          string
	MonitorerID string
	Monitored   ref.Ref
	CreatedAt   time.Time
}

// MonitorRegistry is safe for concurrent use.
type MonitorRegistry struct {
	mu       sync.Mutex
	monitors map[string]Monitor
	byOwner  map[string]map[string]struct{} // monitorer id -> monitor ids
	byTarget map[string]map[string]struct{} // monitored id -> monitor ids
}

func NewMonitorRegistry() *MonitorRegistry {
	return &MonitorRegistry{
		monitors: make(map[string]Monitor),
		byOwner:  make(map[string]map[string]struct{}),
		byTarget: make(map[string]map[string]struct{}),
	}
}

// Add stores a monitor of target owned by ownerID and returns its id.
func (r *MonitorRegistry) Add(ownerID string, target ref.Ref) string {
	m := Monitor{ID: uuid.NewString(), MonitorerID: ownerID, Monitored: target, CreatedAt: time.Now()}
	r.mu.Lock()
	r.monitors[m.ID] = m
	addIndex(r.byOwner, ownerID, m.ID)
	addIndex(r.byTarget, target.ID(), m.ID)
	r.mu.Unlock()
	return m.ID
}

// Remove deletes a monitor by id and reports whether it was present.
func (r *MonitorRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[id]
	if !ok {
		return false
	}
	dropIndex(r.byOwner, m.MonitorerID, id)
	dropIndex(r.byTarget, m.Monitored.ID(), id)
	delete(r.monitors, id)
	return true
}

// Get returns the monitor by id.
func (r *MonitorRegistry) Get(id string) (Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[id]
	return m, ok
}

// TakeByTarget atomically removes and returns every monitor watching the
// target id, so each fires exactly one down notification.
func (r *MonitorRegistry) TakeByTarget(targetID string) []Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Monitor
	for id := range r.byTarget[targetID] {
		m := r.monitors[id]
		out = append(out, m)
		dropIndex(r.byOwner, m.MonitorerID, id)
		delete(r.monitors, id)
	}
	delete(r.byTarget, targetID)
	return out
}

// DropByOwner removes every monitor owned by the terminating process id.
// No notifications are owed for these.
func (r *MonitorRegistry) DropByOwner(ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.byOwner[ownerID] {
		m := r.monitors[id]
		dropIndex(r.byTarget, m.Monitored.ID(), id)
		delete(r.monitors, id)
	}
	delete(r.byOwner, ownerID)
}

// Len returns the number of stored monitors.
func (r *MonitorRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	s := idx[key]
	if s == nil {
		s = make(map[string]struct{})
		idx[key] = s
	}
	s[id] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, id string) {
	if s := idx[key]; s != nil {
		delete(s, id)
		if len(s) == 0 {
			delete(idx, key)
		}
	}
}
