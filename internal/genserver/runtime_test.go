package genserver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/otpkit/internal/ref"
)

func refFor(id string) ref.Ref { return ref.New(id) }

type counterBehavior struct{}

func (counterBehavior) Init(context.Context) (any, error) { return 0, nil }

func (counterBehavior) HandleCall(_ context.Context, msg any, state any) (any, any, error) {
	n := state.(int)
	switch msg {
	case "get":
		return n, n, nil
	case "fail":
		return nil, n, errors.New("requested failure")
	}
	return nil, n, errors.New("unknown call")
}

func (counterBehavior) HandleCast(_ context.Context, msg any, state any) (any, error) {
	n := state.(int)
	switch msg {
	case "inc":
		return n + 1, nil
	case "boom":
		panic("cast panic")
	case "slow":
		time.Sleep(300 * time.Millisecond)
		return n, nil
	}
	return n, nil
}

func TestCallCastSerialized(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, rt.Cast(r, "inc"))
	}
	v, err := rt.Call(context.Background(), r, "get", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 100, v)
}

func TestCallHandlerErrorLeavesStateUntouched(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, rt.Cast(r, "inc"))

	_, err = rt.Call(context.Background(), r, "fail", CallOptions{})
	require.Error(t, err)

	v, err := rt.Call(context.Background(), r, "get", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, rt.IsAlive(r))
}

func TestCastPanicSwallowedProcessSurvives(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, rt.Cast(r, "inc"))
	require.NoError(t, rt.Cast(r, "boom"))
	require.NoError(t, rt.Cast(r, "inc"))

	v, err := rt.Call(context.Background(), r, "get", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestCallTimeoutRemovedFromMailbox(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	// Occupy the dispatcher so the call below never gets dispatched in time.
	require.NoError(t, rt.Cast(r, "slow"))

	_, err = rt.Call(context.Background(), r, "get", CallOptions{Timeout: 30 * time.Millisecond})
	var timeoutErr *CallTimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	// The process is unaffected and the stale call never executes.
	v, err := rt.Call(context.Background(), r, "get", CallOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestCallUnknownTarget(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	_, err := rt.Call(context.Background(), refFor("nope"), "get", CallOptions{})
	var nr *ServerNotRunningError
	require.ErrorAs(t, err, &nr)
}

func TestInitFailureYieldsNoRef(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	b := BehaviorFuncs{InitFunc: func(context.Context) (any, error) {
		return nil, errors.New("nope")
	}}
	_, err := rt.Start(context.Background(), b, StartOptions{Name: "broken"})
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)

	_, ok := rt.WhereIs("broken")
	assert.False(t, ok)
}

func TestNamedStartAndDuplicateName(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{Name: "counter"})
	require.NoError(t, err)

	got, ok := rt.WhereIs("counter")
	require.True(t, ok)
	assert.Equal(t, r, got)

	_, err = rt.Start(context.Background(), counterBehavior{}, StartOptions{Name: "counter"})
	require.Error(t, err)

	// The name frees up once the holder stops.
	require.NoError(t, rt.Stop(context.Background(), r, NormalReason()))
	_, ok = rt.WhereIs("counter")
	assert.False(t, ok)
}

func TestStopRunsTerminateAndIsIdempotent(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	var mu sync.Mutex
	var reasons []TerminateReason
	b := BehaviorFuncs{
		InitFunc: func(context.Context) (any, error) { return "s", nil },
		TerminateFunc: func(reason TerminateReason, _ any) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	}
	r, err := rt.Start(context.Background(), b, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, rt.Stop(context.Background(), r, NormalReason()))
	require.NoError(t, rt.Stop(context.Background(), r, NormalReason()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reasons, 1)
	assert.Equal(t, ReasonNormal, reasons[0].Kind)
}

func TestSendAfterAndCancelTimer(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	rt.SendAfter(r, "inc", 20*time.Millisecond)
	require.Eventually(t, func() bool {
		v, err := rt.Call(context.Background(), r, "get", CallOptions{})
		return err == nil && v == 1
	}, time.Second, 10*time.Millisecond)

	tr := rt.SendAfter(r, "inc", time.Hour)
	assert.True(t, rt.CancelTimer(tr))
	assert.False(t, rt.CancelTimer(tr))

	v, err := rt.Call(context.Background(), r, "get", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestLinkAbnormalExitKillsPeer(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	a, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)
	b, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	_, err = rt.Link(a, b)
	require.NoError(t, err)

	rt.Kill(a, ErrorReason(errors.New("a died")))
	require.Eventually(t, func() bool { return !rt.IsAlive(b) }, time.Second, 10*time.Millisecond)
}

func TestLinkNormalExitDoesNotPropagate(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	a, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)
	b, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	_, err = rt.Link(a, b)
	require.NoError(t, err)

	require.NoError(t, rt.Stop(context.Background(), a, NormalReason()))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, rt.IsAlive(b))
}

func TestUnlinkStopsPropagation(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	a, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)
	b, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	linkID, err := rt.Link(a, b)
	require.NoError(t, err)
	rt.Unlink(linkID)

	rt.Kill(a, ErrorReason(errors.New("a died")))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, rt.IsAlive(b))
}

func TestTrapExitDeliversInfoSignal(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	sigCh := make(chan ExitSignal, 1)
	b := BehaviorFuncs{
		InitFunc: func(context.Context) (any, error) { return nil, nil },
		HandleInfoFunc: func(_ context.Context, sig ExitSignal, state any) (any, error) {
			sigCh <- sig
			return state, nil
		},
	}
	watcher, err := rt.Start(context.Background(), b, StartOptions{TrapExit: true})
	require.NoError(t, err)
	worker, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	_, err = rt.Link(watcher, worker)
	require.NoError(t, err)

	bang := errors.New("worker exploded")
	rt.Kill(worker, ErrorReason(bang))

	select {
	case sig := <-sigCh:
		assert.Equal(t, worker, sig.From)
		assert.Equal(t, ReasonError, sig.Reason.Kind)
		assert.ErrorIs(t, sig.Reason.Err, bang)
	case <-time.After(time.Second):
		t.Fatal("exit signal not delivered")
	}
	assert.True(t, rt.IsAlive(watcher))
}

func TestMonitorDeliversDownOnce(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	var downs atomic.Int32
	var last atomic.Value
	unsub := rt.Subscribe(func(e Event) {
		if e.Type == EventProcessDown {
			downs.Add(1)
			last.Store(*e.Down)
		}
	})
	defer unsub()

	owner, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)
	target, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	id := rt.Monitor(owner, target)
	rt.Kill(target, ErrorReason(errors.New("target died")))

	require.Eventually(t, func() bool { return downs.Load() == 1 }, time.Second, 10*time.Millisecond)
	down := last.Load().(DownNotification)
	assert.Equal(t, id, down.MonitorID)
	assert.Equal(t, owner.ID(), down.OwnerID)
	assert.Equal(t, target, down.Target)
	assert.Equal(t, DownError, down.Reason.Kind)

	// No second notification for the same monitor.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), downs.Load())
}

func TestDemonitorSuppressesDown(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	var downs atomic.Int32
	unsub := rt.Subscribe(func(e Event) {
		if e.Type == EventProcessDown {
			downs.Add(1)
		}
	})
	defer unsub()

	owner, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)
	target, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	id := rt.Monitor(owner, target)
	require.True(t, rt.Demonitor(id))
	require.False(t, rt.Demonitor(id))

	rt.Kill(target, ErrorReason(errors.New("gone")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), downs.Load())
}

func TestMonitorUnknownTargetNoproc(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	var got atomic.Value
	unsub := rt.Subscribe(func(e Event) {
		if e.Type == EventProcessDown {
			got.Store(*e.Down)
		}
	})
	defer unsub()

	owner, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	rt.Monitor(owner, refFor("never-existed"))

	// noproc is emitted synchronously from Monitor itself.
	down, ok := got.Load().(DownNotification)
	require.True(t, ok)
	assert.Equal(t, DownNoproc, down.Reason.Kind)
}

func TestLifecycleEventsOrder(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	var mu sync.Mutex
	var types []EventType
	unsub := rt.Subscribe(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})
	defer unsub()

	r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)
	rt.Kill(r, ErrorReason(errors.New("bang")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventStarted, EventCrashed, EventTerminated}, types)
}

func TestStats(t *testing.T) {
	rt := NewRuntime(WithIDPrefix("unit"))
	defer rt.Shutdown(time.Second)

	r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{Name: "stat-me", TrapExit: true})
	require.NoError(t, err)
	require.NoError(t, rt.Cast(r, "inc"))

	require.Eventually(t, func() bool {
		st, err := rt.Stats(r)
		return err == nil && st.MessageCount == 1
	}, time.Second, 10*time.Millisecond)

	st, err := rt.Stats(r)
	require.NoError(t, err)
	assert.Equal(t, "stat-me", st.Name)
	assert.Equal(t, "running", st.Status)
	assert.True(t, st.TrapExit)
	assert.False(t, st.Persisted)

	all := rt.ListStats()
	require.Len(t, all, 1)
	assert.Equal(t, r.ID(), all[0].ID)
}

func TestShutdownStopsEverything(t *testing.T) {
	rt := NewRuntime()

	var refs []ref.Ref
	for i := 0; i < 5; i++ {
		r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
		require.NoError(t, err)
		refs = append(refs, r)
	}
	rt.Shutdown(time.Second)
	for _, r := range refs {
		assert.False(t, rt.IsAlive(r))
	}
	assert.Empty(t, rt.ListStats())
}

func TestCheckpointWaiterResolvedWhenKillWinsTheRace(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)
	p := rt.getProcess(r.ID())
	require.NotNil(t, p)

	rt.Kill(r, ErrorReason(errors.New("forced")))
	<-p.done

	// A snapshot entry the dispatcher popped just before the kill acquired
	// runMu reaches handle after the stop; its waiter must still resolve.
	done := make(chan error, 1)
	p.handle(snapshotEntry{done: done})

	select {
	case err := <-done:
		var nre *ServerNotRunningError
		require.ErrorAs(t, err, &nre)
	case <-time.After(time.Second):
		t.Fatal("checkpoint waiter never resolved")
	}
}
