package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "otpkit.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "debug"
color = true

[server]
enabled = true
listen = "127.0.0.1:9000"
base_path = "/debug/otp"

[metrics]
enabled = true
sample_interval = "2s"

[persistence]
dsn = "sqlite:///var/lib/otpkit/state.db"
snapshot_interval = "30s"
max_state_age = "24h"
cleanup_interval = "1h"

[eventlog]
dsn = "file:///var/log/otpkit/events.jsonl"

[runtime]
id_prefix = "node-a"
shutdown_grace = "15s"
`)

	fc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", fc.Log.Level)
	assert.True(t, fc.Log.Color)
	assert.True(t, fc.Server.Enabled)
	assert.Equal(t, "127.0.0.1:9000", fc.Server.Listen)
	assert.Equal(t, "/debug/otp", fc.Server.BasePath)
	assert.True(t, fc.Metrics.Enabled)
	assert.Equal(t, 2*time.Second, fc.Metrics.SampleInterval)
	assert.Equal(t, "sqlite:///var/lib/otpkit/state.db", fc.Persistence.DSN)
	assert.Equal(t, 30*time.Second, fc.Persistence.SnapshotInterval)
	assert.Equal(t, 24*time.Hour, fc.Persistence.MaxStateAge)
	assert.Equal(t, time.Hour, fc.Persistence.CleanupInterval)
	assert.Equal(t, "file:///var/log/otpkit/events.jsonl", fc.EventLog.DSN)
	assert.Equal(t, "node-a", fc.Runtime.IDPrefix)
	assert.Equal(t, 15*time.Second, fc.Runtime.ShutdownGrace)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "info"
`)

	fc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, fc.Server.Listen)
	assert.Equal(t, DefaultBasePath, fc.Server.BasePath)
	assert.Equal(t, DefaultShutdownGrace, fc.Runtime.ShutdownGrace)
	assert.Equal(t, 5*time.Second, fc.Metrics.SampleInterval)
	assert.False(t, fc.Server.Enabled)
	assert.Empty(t, fc.Persistence.DSN)
}

func TestLoadRejectsCleanupWithoutMaxAge(t *testing.T) {
	path := writeConfig(t, `
[persistence]
dsn = "sqlite://state.db"
cleanup_interval = "1h"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_state_age")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadMalformedToml(t *testing.T) {
	path := writeConfig(t, `[server` + "\n")
	_, err := Load(path)
	require.Error(t, err)
}
