package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/otpkit/internal/genserver"
)

type idleBehavior struct{}

func (idleBehavior) Init(context.Context) (any, error) { return nil, nil }
func (idleBehavior) HandleCall(_ context.Context, _ any, state any) (any, any, error) {
	return nil, state, errors.New("no calls")
}
func (idleBehavior) HandleCast(_ context.Context, _ any, state any) (any, error) { return state, nil }

func TestRegisterAndGating(t *testing.T) {
	// Helpers are inert until Register succeeds.
	if !regOK.Load() {
		IncStart("early")
		assert.Equal(t, float64(0), testutil.ToFloat64(processStarts.WithLabelValues("early")))
	}

	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "register is idempotent")

	IncStart("svc")
	IncStart("svc")
	assert.Equal(t, float64(2), testutil.ToFloat64(processStarts.WithLabelValues("svc")))

	IncChildRestart("root")
	assert.Equal(t, float64(1), testutil.ToFloat64(childRestarts.WithLabelValues("root")))

	SetRunning(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(runningProcesses))
}

func TestObserveFeedsCollectors(t *testing.T) {
	require.NoError(t, Register(prometheus.NewRegistry()))

	rt := genserver.NewRuntime()
	defer rt.Shutdown(time.Second)
	unsub := Observe(rt)
	defer unsub()

	r, err := rt.Start(context.Background(), idleBehavior{}, genserver.StartOptions{Name: "observed"})
	require.NoError(t, err)

	starts := testutil.ToFloat64(processStarts.WithLabelValues("observed"))
	assert.Equal(t, float64(1), starts)

	rt.Kill(r, genserver.ErrorReason(errors.New("boom")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(processCrashes.WithLabelValues("observed")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t,
		testutil.ToFloat64(processTerminations.WithLabelValues(string(genserver.ReasonError))), float64(1))
}

func TestSamplerExportsGauges(t *testing.T) {
	require.NoError(t, Register(prometheus.NewRegistry()))

	rt := genserver.NewRuntime()
	defer rt.Shutdown(time.Second)

	_, err := rt.Start(context.Background(), idleBehavior{}, genserver.StartOptions{Name: "sampled"})
	require.NoError(t, err)

	s := NewSampler(rt, 20*time.Millisecond)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(runningProcesses) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(mailboxDepth.WithLabelValues("sampled")))
}

func TestHandlerServesMetrics(t *testing.T) {
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, 200, resp.StatusCode)
}
