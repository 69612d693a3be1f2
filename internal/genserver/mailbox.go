package genserver

import (
	"sync"
	"sync/atomic"
	"time"
)

// Mailbox entries form a closed sum: call, cast, info, stop, plus the two
// internal persistence entries that ride the same serialization.
type mailboxEntry interface{ entry() }

type callEntry struct {
	seq      uint64
	payload  any
	sink     *replySink
	enqueued time.Time
}

type castEntry struct {
	payload any
}

type infoEntry struct {
	sig ExitSignal
}

type stopEntry struct {
	reason TerminateReason
	done   chan error
}

// snapshotEntry triggers a persistence save between handler executions.
// done is nil for periodic ticks and non-nil for manual checkpoints.
type snapshotEntry struct {
	done chan error
}

func (callEntry) entry()     {}
func (castEntry) entry()     {}
func (infoEntry) entry()     {}
func (stopEntry) entry()     {}
func (snapshotEntry) entry() {}

type callResult struct {
	reply any
	err   error
}

// replySink is the one-shot result slot owned by a caller. The dispatcher
// fills it at most once; the caller's timeout cancels it without racing the
// handler (a late handler result is discarded by the once).
type replySink struct {
	once      sync.Once
	ch        chan callResult
	cancelled atomic.Bool
}

func newReplySink() *replySink {
	return &replySink{ch: make(chan callResult, 1)}
}

func (s *replySink) deliver(reply any, err error) {
	s.once.Do(func() { s.ch <- callResult{reply: reply, err: err} })
}

func (s *replySink) cancel(err error) {
	s.cancelled.Store(true)
	s.deliver(nil, err)
}

// mailbox is an append-at-tail, dispatch-from-head FIFO guarded by a mutex so
// a timed-out caller can remove its still-pending entry, which a bare channel
// cannot do. wake carries at most one pending signal.
type mailbox struct {
	mu      sync.Mutex
	entries []mailboxEntry
	wake    chan struct{}
	closed  bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// push appends an entry. It reports false once the mailbox is closed.
func (m *mailbox) push(e mailboxEntry) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// take blocks until an entry is available or stop is closed.
func (m *mailbox) take(stop <-chan struct{}) (mailboxEntry, bool) {
	for {
		m.mu.Lock()
		if len(m.entries) > 0 {
			e := m.entries[0]
			m.entries = m.entries[1:]
			m.mu.Unlock()
			return e, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-m.wake:
		case <-stop:
			return nil, false
		}
	}
}

// removeCall drops a still-pending call by sequence number. It reports
// whether the entry was found (false means it was already dispatched).
func (m *mailbox) removeCall(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if c, ok := e.(callEntry); ok && c.seq == seq {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

// depth returns the number of queued entries.
func (m *mailbox) depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// closeAndDrain marks the mailbox closed and returns everything still queued
// so the termination sequence can reject calls and resolve stops.
func (m *mailbox) closeAndDrain() []mailboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	rest := m.entries
	m.entries = nil
	return rest
}
