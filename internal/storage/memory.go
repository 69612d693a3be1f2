// Package storage provides snapshot adapters implementing the persist
// contract: an in-memory map, a JSON file per key, plus SQLite and PostgreSQL
// backends in subpackages.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/otpkit/internal/persist"
)

// Memory is a map-backed adapter, used in tests and for processes that only
// need restarts within one host process lifetime.
type Memory struct {
	mu   sync.RWMutex
	data map[string]persist.Envelope
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]persist.Envelope)}
}

func (m *Memory) Load(_ context.Context, key string) (*persist.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.data[key]
	if !ok {
		return nil, persist.ErrStateNotFound
	}
	cp := env
	cp.State = append([]byte(nil), env.State...)
	return &cp, nil
}

func (m *Memory) Save(_ context.Context, key string, env persist.Envelope) error {
	cp := env
	cp.State = append([]byte(nil), env.State...)
	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// CleanupOlderThan removes envelopes persisted longer ago than age.
func (m *Memory) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	n := 0
	m.mu.Lock()
	for k, env := range m.data {
		if env.Metadata.PersistedAt < cutoff {
			delete(m.data, k)
			n++
		}
	}
	m.mu.Unlock()
	return n, nil
}

// Len reports how many envelopes are held; test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
