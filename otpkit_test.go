package otpkit

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type getCount struct{}
type increment struct{}

// counter is a persisted counter with a plain-integer codec.
type counter struct{}

func (counter) Init(context.Context) (any, error) { return 0, nil }

func (counter) HandleCall(_ context.Context, msg any, state any) (any, any, error) {
	if _, ok := msg.(getCount); ok {
		return state.(int), state, nil
	}
	return nil, state, errors.New("unknown call")
}

func (counter) HandleCast(_ context.Context, msg any, state any) (any, error) {
	if _, ok := msg.(increment); ok {
		return state.(int) + 1, nil
	}
	return state, nil
}

func (counter) SerializeState(state any) ([]byte, error) {
	return []byte(strconv.Itoa(state.(int))), nil
}

func (counter) DeserializeState(data []byte) (any, error) {
	return strconv.Atoi(string(data))
}

func TestCounterSurvivesCrashAndRestore(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	store := SharedAdapter(NewMemoryAdapter())
	sup, err := rt.NewSupervisor(SupervisorConfig{
		ID:       "root",
		Strategy: OneForOne,
		Children: []ChildSpec{{
			ID:      "counter",
			Restart: Permanent,
			Start: func(ctx context.Context) (Ref, error) {
				return rt.Start(ctx, counter{}, StartOptions{
					Name:        "counter",
					Persistence: &PersistenceConfig{Adapter: store},
				})
			},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))
	defer func() { _ = sup.Stop(context.Background()) }()

	ctx := context.Background()
	first, ok := rt.WhereIs("counter")
	require.True(t, ok)

	for i := 0; i < 1000; i++ {
		require.NoError(t, rt.Cast(first, increment{}))
	}
	got, err := rt.Call(ctx, first, getCount{}, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, 1000, got)

	require.NoError(t, rt.Checkpoint(ctx, first))
	meta, err := rt.LastCheckpointMeta(first)
	require.NoError(t, err)
	assert.NotZero(t, meta.PersistedAt)

	rt.Kill(first, ErrorReason(errors.New("simulated crash")))

	// The supervisor brings a fresh process up under the same name; it loads
	// the snapshot before serving.
	var second Ref
	require.Eventually(t, func() bool {
		r, ok := rt.WhereIs("counter")
		if !ok || r.Equal(first) {
			return false
		}
		second = r
		return true
	}, 2*time.Second, 10*time.Millisecond)

	got, err = rt.Call(ctx, second, getCount{}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1000, got)
}

func TestBehaviorFuncsAndTimers(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	ticks := make(chan struct{}, 1)
	r, err := rt.Start(context.Background(), BehaviorFuncs{
		HandleCastFunc: func(_ context.Context, msg any, state any) (any, error) {
			if msg == "tick" {
				select {
				case ticks <- struct{}{}:
				default:
				}
			}
			return state, nil
		},
	}, StartOptions{})
	require.NoError(t, err)

	rt.SendAfter(r, "tick", 20*time.Millisecond)
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("timer message never arrived")
	}

	cancelled := rt.SendAfter(r, "tick", time.Hour)
	assert.True(t, rt.CancelTimer(cancelled))
}

func TestFacadeStateMachine(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	def := FSMDefinition{
		Init: func(context.Context) (FSMInit, error) {
			return FSMInit{State: "closed"}, nil
		},
		States: map[string]FSMState{
			"closed": {
				Handle: func(_ context.Context, ev FSMEvent, _ any) FSMResult {
					if ev.Payload == "open" {
						return Transition("open", nil)
					}
					return KeepStateAndData()
				},
			},
			"open": {
				Handle: func(_ context.Context, ev FSMEvent, _ any) FSMResult {
					if ev.Type == FSMEventCall {
						return KeepStateAndData(ReplyTo(ev.From, "ajar"))
					}
					return KeepStateAndData()
				},
			},
		},
	}

	m, err := rt.StartStateMachine(context.Background(), def, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Send("open"))
	require.Eventually(t, func() bool {
		s, err := m.Current(context.Background())
		return err == nil && s.State == "open"
	}, 2*time.Second, 10*time.Millisecond)

	v, err := m.CallWithReply(context.Background(), "status", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ajar", v)
}

func TestMonitorAcrossFacade(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	downs := make(chan Event, 4)
	unsub := rt.Subscribe(func(e Event) {
		if e.Type == EventProcessDown {
			downs <- e
		}
	})
	defer unsub()

	owner, err := rt.Start(context.Background(), BehaviorFuncs{}, StartOptions{})
	require.NoError(t, err)
	target, err := rt.Start(context.Background(), BehaviorFuncs{}, StartOptions{})
	require.NoError(t, err)

	monID := rt.Monitor(owner, target)
	require.NotEmpty(t, monID)

	rt.Kill(target, ErrorReason(errors.New("gone")))

	select {
	case e := <-downs:
		require.NotNil(t, e.Down)
		assert.Equal(t, monID, e.Down.MonitorID)
	case <-time.After(2 * time.Second):
		t.Fatal("no down notification")
	}
}
