package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sq "github.com/loykin/otpkit/internal/storage/sqlite"
)

func TestNewFromDSNSqlite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	a, err := NewFromDSN("sqlite://" + path)
	require.NoError(t, err)
	_, ok := a.(*sq.DB)
	assert.True(t, ok)
	require.NoError(t, a.Close())

	// A bare path defaults to sqlite.
	a, err = NewFromDSN(filepath.Join(t.TempDir(), "other.db"))
	require.NoError(t, err)
	_, ok = a.(*sq.DB)
	assert.True(t, ok)
	require.NoError(t, a.Close())
}

func TestNewFromDSNEmpty(t *testing.T) {
	_, err := NewFromDSN("   ")
	require.Error(t, err)
}
