// Package registry provides name -> process reference maps with unique or
// duplicate keys, glob matching, and automatic cleanup on termination.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loykin/otpkit/internal/ref"
)

// Mode selects how many entries a key may hold.
type Mode int

const (
	// Unique allows at most one entry per key.
	Unique Mode = iota
	// Duplicate allows an ordered list per key; a given Ref may appear at
	// most once per key.
	Duplicate
)

// Entry is one registration.
type Entry struct {
	Key          string
	Ref          ref.Ref
	Meta         any
	RegisteredAt time.Time
}

// AlreadyRegisteredError is returned when a unique key is taken, or when the
// same Ref is registered twice under one duplicate key.
type AlreadyRegisteredError struct {
	Key string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("name %q is already registered", e.Key)
}

// NotRegisteredError is returned by Lookup for absent keys.
type NotRegisteredError struct {
	Key string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("name %q is not registered", e.Key)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	mode    Mode
	entries map[string][]Entry
	// reverse index: process id -> keys it appears under
	byID map[string]map[string]struct{}
}

func New(mode Mode) *Registry {
	return &Registry{
		mode:    mode,
		entries: make(map[string][]Entry),
		byID:    make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Mode() Mode { return r.mode }

// Register binds key to p. meta is opaque user metadata carried on the entry.
func (r *Registry) Register(key string, p ref.Ref, meta any) error {
	if key == "" {
		return fmt.Errorf("registry key must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.entries[key]
	if r.mode == Unique && len(existing) > 0 {
		return &AlreadyRegisteredError{Key: key}
	}
	for _, e := range existing {
		if e.Ref.Equal(p) {
			return &AlreadyRegisteredError{Key: key}
		}
	}
	r.entries[key] = append(existing, Entry{Key: key, Ref: p, Meta: meta, RegisteredAt: time.Now()})
	keys := r.byID[p.ID()]
	if keys == nil {
		keys = make(map[string]struct{})
		r.byID[p.ID()] = keys
	}
	keys[key] = struct{}{}
	return nil
}

// Lookup returns the Ref for key or NotRegisteredError. In duplicate mode it
// returns the first (oldest) entry.
func (r *Registry) Lookup(key string) (ref.Ref, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	es := r.entries[key]
	if len(es) == 0 {
		return ref.Ref{}, &NotRegisteredError{Key: key}
	}
	return es[0].Ref, nil
}

// Whereis returns the Ref for key and whether it exists.
func (r *Registry) Whereis(key string) (ref.Ref, bool) {
	p, err := r.Lookup(key)
	return p, err == nil
}

// LookupAll returns all entries for key in registration order.
func (r *Registry) LookupAll(key string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries[key]...)
}

// IsRegistered reports whether key has at least one entry.
func (r *Registry) IsRegistered(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[key]) > 0
}

// Unregister removes all entries for key. Idempotent.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries[key] {
		r.dropReverse(e.Ref.ID(), key)
	}
	delete(r.entries, key)
}

// UnregisterRef removes one Ref from one key, leaving other entries intact.
func (r *Registry) UnregisterRef(key string, p ref.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	es := r.entries[key]
	kept := es[:0]
	for _, e := range es {
		if !e.Ref.Equal(p) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(r.entries, key)
	} else {
		r.entries[key] = kept
	}
	r.dropReverse(p.ID(), key)
}

// DropProcess removes every entry held by the process id. Called by the
// runtime exactly once during termination.
func (r *Registry) DropProcess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.byID[id]
	for key := range keys {
		es := r.entries[key]
		kept := es[:0]
		for _, e := range es {
			if e.Ref.ID() != id {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.entries, key)
		} else {
			r.entries[key] = kept
		}
	}
	delete(r.byID, id)
}

// Keys returns all registered keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the total number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, es := range r.entries {
		n += len(es)
	}
	return n
}

// Select returns entries satisfying the predicate, ordered by key then
// registration order.
func (r *Registry) Select(pred func(Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, key := range r.sortedKeysLocked() {
		for _, e := range r.entries[key] {
			if pred == nil || pred(e) {
				out = append(out, e)
			}
		}
	}
	return out
}

// Match returns entries whose key matches the glob pattern: '*' matches any
// run of non-'/' characters, '**' matches anything, '?' matches one
// character. An optional predicate filters further.
func (r *Registry) Match(pattern string, pred func(Entry) bool) []Entry {
	m, err := compileGlob(pattern)
	if err != nil {
		return nil
	}
	return r.Select(func(e Entry) bool {
		if !m(e.Key) {
			return false
		}
		return pred == nil || pred(e)
	})
}

// Dispatch hands msg to fn once per entry under key, in registration order,
// and returns how many entries were visited. The registry has no send path of
// its own; fn is the delivery callback. A nil fn just counts.
func (r *Registry) Dispatch(key string, msg any, fn func(Entry, any)) int {
	es := r.LookupAll(key)
	if fn != nil {
		for _, e := range es {
			fn(e, msg)
		}
	}
	return len(es)
}

func (r *Registry) sortedKeysLocked() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) dropReverse(id, key string) {
	if keys := r.byID[id]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byID, id)
		}
	}
}
