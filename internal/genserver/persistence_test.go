package genserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/otpkit/internal/persist"
	"github.com/loykin/otpkit/internal/storage"
)

type persistedCounter struct {
	restored chan persist.Metadata
}

type pcState struct {
	Count int `json:"count"`
}

func (persistedCounter) Init(context.Context) (any, error) { return pcState{}, nil }

func (persistedCounter) HandleCall(_ context.Context, _ any, state any) (any, any, error) {
	st := state.(pcState)
	return st.Count, st, nil
}

func (persistedCounter) HandleCast(_ context.Context, msg any, state any) (any, error) {
	st := state.(pcState)
	if msg == "inc" {
		st.Count++
	}
	return st, nil
}

func (persistedCounter) SerializeState(state any) ([]byte, error) { return json.Marshal(state) }

func (persistedCounter) DeserializeState(data []byte) (any, error) {
	var st pcState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st, nil
}

func (b persistedCounter) OnStateRestore(state any, meta persist.Metadata) (any, error) {
	if b.restored != nil {
		b.restored <- meta
	}
	return state, nil
}

func TestCheckpointAndRestore(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)
	adapter := storage.NewMemory()

	cfg := &persist.Config{Adapter: storage.NopCloser(adapter), Key: "pc"}
	r, err := rt.Start(context.Background(), persistedCounter{}, StartOptions{Persistence: cfg})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, rt.Cast(r, "inc"))
	}
	require.NoError(t, rt.Checkpoint(context.Background(), r))

	meta, err := rt.LastCheckpointMeta(r)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 1, meta.SchemaVersion)
	assert.NotEmpty(t, meta.Checksum)

	// Kill abnormally: no shutdown save, the checkpoint stands.
	rt.Kill(r, ErrorReason(errors.New("crash")))

	restored := make(chan persist.Metadata, 1)
	r2, err := rt.Start(context.Background(), persistedCounter{restored: restored}, StartOptions{Persistence: cfg})
	require.NoError(t, err)

	select {
	case <-restored:
	case <-time.After(time.Second):
		t.Fatal("state was not restored")
	}
	v, err := rt.Call(context.Background(), r2, "get", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestShutdownSaveOnGracefulStop(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)
	adapter := storage.NewMemory()

	cfg := &persist.Config{Adapter: storage.NopCloser(adapter), Key: "pc"}
	r, err := rt.Start(context.Background(), persistedCounter{}, StartOptions{Persistence: cfg})
	require.NoError(t, err)

	require.NoError(t, rt.Cast(r, "inc"))
	require.NoError(t, rt.Stop(context.Background(), r, NormalReason()))

	env, err := adapter.Load(context.Background(), "pc")
	require.NoError(t, err)
	var st pcState
	require.NoError(t, json.Unmarshal(env.State, &st))
	assert.Equal(t, 1, st.Count)
}

func TestCleanupOnTerminateDeletesAfterSave(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)
	adapter := storage.NewMemory()

	cfg := &persist.Config{
		Adapter:            storage.NopCloser(adapter),
		Key:                "pc",
		CleanupOnTerminate: true,
	}
	r, err := rt.Start(context.Background(), persistedCounter{}, StartOptions{Persistence: cfg})
	require.NoError(t, err)
	require.NoError(t, rt.Cast(r, "inc"))
	require.NoError(t, rt.Stop(context.Background(), r, NormalReason()))

	_, err = adapter.Load(context.Background(), "pc")
	assert.ErrorIs(t, err, persist.ErrStateNotFound)
}

func TestCheckpointWithoutPersistence(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)

	r, err := rt.Start(context.Background(), counterBehavior{}, StartOptions{})
	require.NoError(t, err)

	err = rt.Checkpoint(context.Background(), r)
	var notConfigured *PersistenceNotConfiguredError
	require.ErrorAs(t, err, &notConfigured)
}

func TestRestoreFailureFallsBackToInitState(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)
	adapter := storage.NewMemory()

	// Poison the stored envelope so deserialization fails.
	require.NoError(t, adapter.Save(context.Background(), "pc", persist.Envelope{
		State:    []byte("{not json"),
		Metadata: persist.Metadata{PersistedAt: time.Now().UnixMilli(), SchemaVersion: 1},
	}))

	var persistErrs int
	unsub := rt.Subscribe(func(e Event) {
		if e.Type == EventPersistenceError {
			persistErrs++
		}
	})
	defer unsub()

	cfg := &persist.Config{Adapter: storage.NopCloser(adapter), Key: "pc"}
	r, err := rt.Start(context.Background(), persistedCounter{}, StartOptions{Persistence: cfg})
	require.NoError(t, err)

	v, err := rt.Call(context.Background(), r, "get", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	assert.Equal(t, 1, persistErrs)
}

func TestPeriodicSnapshot(t *testing.T) {
	rt := NewRuntime()
	defer rt.Shutdown(time.Second)
	adapter := storage.NewMemory()

	cfg := &persist.Config{
		Adapter:          storage.NopCloser(adapter),
		Key:              "pc",
		SnapshotInterval: 30 * time.Millisecond,
	}
	r, err := rt.Start(context.Background(), persistedCounter{}, StartOptions{Persistence: cfg})
	require.NoError(t, err)
	require.NoError(t, rt.Cast(r, "inc"))

	require.Eventually(t, func() bool {
		env, err := adapter.Load(context.Background(), "pc")
		if err != nil {
			return false
		}
		var st pcState
		return json.Unmarshal(env.State, &st) == nil && st.Count == 1
	}, 2*time.Second, 20*time.Millisecond)
}
