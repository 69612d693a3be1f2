package genserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimerRef identifies a pending sendAfter timer.
type TimerRef string

// timerTable tracks pending wall-clock timers. Fired or cancelled timers are
// removed; CancelTimer on an absent id returns false, which gives the
// cancel-twice law (true, then false) for free.
type timerTable struct {
	mu     sync.Mutex
	timers map[TimerRef]*time.Timer
}

func newTimerTable() *timerTable {
	return &timerTable{timers: make(map[TimerRef]*time.Timer)}
}

// schedule fires fn after d unless cancelled. fn runs off the timer goroutine
// with the table entry already removed.
func (t *timerTable) schedule(d time.Duration, fn func()) TimerRef {
	id := TimerRef(uuid.NewString())
	t.mu.Lock()
	t.timers[id] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		fn()
	})
	t.mu.Unlock()
	return id
}

// cancel stops a pending timer. It reports true iff the timer had not fired
// and had not been cancelled before.
func (t *timerTable) cancel(id TimerRef) bool {
	t.mu.Lock()
	tm, ok := t.timers[id]
	if ok {
		delete(t.timers, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	tm.Stop()
	return true
}

// stopAll cancels every pending timer; used on runtime shutdown.
func (t *timerTable) stopAll() {
	t.mu.Lock()
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()
}
