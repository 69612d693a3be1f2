package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/otpkit/internal/genserver"
	"github.com/loykin/otpkit/internal/ref"
	"github.com/loykin/otpkit/internal/supervisor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiWorker struct{}

func (apiWorker) Init(context.Context) (any, error) { return nil, nil }
func (apiWorker) HandleCall(_ context.Context, _ any, state any) (any, any, error) {
	return nil, state, errors.New("no calls")
}
func (apiWorker) HandleCast(_ context.Context, _ any, state any) (any, error) { return state, nil }

func setup(t *testing.T) (*genserver.Runtime, *supervisor.Supervisor, *httptest.Server) {
	t.Helper()
	rt := genserver.NewRuntime()
	t.Cleanup(func() { rt.Shutdown(time.Second) })

	s, err := supervisor.New(rt, supervisor.Config{
		ID:       "root",
		Strategy: supervisor.OneForOne,
		Children: []supervisor.ChildSpec{{
			ID:      "api-worker",
			Restart: supervisor.Permanent,
			Start: func(ctx context.Context) (ref.Ref, error) {
				return rt.Start(ctx, apiWorker{}, genserver.StartOptions{Name: "api"})
			},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	srv := httptest.NewServer(NewRouter(rt, []*supervisor.Supervisor{s}, "/debug/otp").Handler())
	t.Cleanup(srv.Close)
	return rt, s, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestProcessesEndpoint(t *testing.T) {
	_, _, srv := setup(t)

	var stats []genserver.ProcessStats
	code := getJSON(t, srv.URL+"/debug/otp/processes", &stats)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, stats, 1)
	assert.Equal(t, "api", stats[0].Name)

	var one genserver.ProcessStats
	code = getJSON(t, srv.URL+"/debug/otp/processes/"+stats[0].ID, &one)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, stats[0].ID, one.ID)

	code = getJSON(t, srv.URL+"/debug/otp/processes/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRegistryEndpoints(t *testing.T) {
	_, _, srv := setup(t)

	var entries []registryEntry
	code := getJSON(t, srv.URL+"/debug/otp/registry", &entries)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, entries, 1)
	assert.Equal(t, "api", entries[0].Key)
	assert.NotEmpty(t, entries[0].RefID)

	// Glob filtering.
	entries = nil
	code = getJSON(t, srv.URL+"/debug/otp/registry?pattern=a*", &entries)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, entries, 1)

	entries = nil
	code = getJSON(t, srv.URL+"/debug/otp/registry?pattern=z*", &entries)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, entries)

	var one registryEntry
	code = getJSON(t, srv.URL+"/debug/otp/registry/api", &one)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "api", one.Key)

	code = getJSON(t, srv.URL+"/debug/otp/registry/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTreeEndpoint(t *testing.T) {
	_, _, srv := setup(t)

	var trees []supervisor.TreeSnapshot
	code := getJSON(t, srv.URL+"/debug/otp/tree", &trees)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, trees, 1)
	assert.Equal(t, "root", trees[0].ID)
	require.Len(t, trees[0].Children, 1)
	assert.Equal(t, "api-worker", trees[0].Children[0].ID)
	assert.True(t, trees[0].Children[0].Running)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, srv := setup(t)

	resp, err := http.Get(srv.URL + "/debug/otp/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", sanitizeBase(""))
	assert.Equal(t, "", sanitizeBase("/"))
	assert.Equal(t, "/debug", sanitizeBase("debug"))
	assert.Equal(t, "/debug", sanitizeBase("/debug/"))
	assert.Equal(t, "/a/b", sanitizeBase(" /a/b "))
}
