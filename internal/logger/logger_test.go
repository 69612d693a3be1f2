package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARNING "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewWithoutFile(t *testing.T) {
	logger, closer, err := Config{Level: "info"}.New()
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Nil(t, closer)

	assert.False(t, logger.Enabled(nil, slog.LevelDebug))
	assert.True(t, logger.Enabled(nil, slog.LevelInfo))
}

func TestNewWithRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otpkit.log")
	logger, closer, err := Config{Level: "debug", File: path}.New()
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer func() { _ = closer.Close() }()

	logger.Info("hello", "k", "v")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "k=v")
}

func TestColorHandlerWrites(t *testing.T) {
	logger, _, err := Config{Level: "info", Color: true}.New()
	require.NoError(t, err)
	logger.Info("colored output")
}
