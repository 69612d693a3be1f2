package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/otpkit/internal/ref"
)

func TestUniqueMode(t *testing.T) {
	r := New(Unique)
	a := ref.New("p-1")
	b := ref.New("p-2")

	require.NoError(t, r.Register("svc", a, nil))
	err := r.Register("svc", b, nil)
	var already *AlreadyRegisteredError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, "svc", already.Key)

	got, err := r.Lookup("svc")
	require.NoError(t, err)
	assert.True(t, got.Equal(a))

	r.Unregister("svc")
	r.Unregister("svc") // idempotent
	_, err = r.Lookup("svc")
	var missing *NotRegisteredError
	require.ErrorAs(t, err, &missing)
}

func TestDuplicateMode(t *testing.T) {
	r := New(Duplicate)
	a := ref.New("p-1")
	b := ref.New("p-2")

	require.NoError(t, r.Register("workers", a, "meta-a"))
	require.NoError(t, r.Register("workers", b, "meta-b"))
	// Same ref twice under one key is rejected.
	require.Error(t, r.Register("workers", a, nil))

	all := r.LookupAll("workers")
	require.Len(t, all, 2)
	assert.True(t, all[0].Ref.Equal(a), "registration order preserved")
	assert.Equal(t, "meta-a", all[0].Meta)

	// Lookup returns the oldest entry.
	first, err := r.Lookup("workers")
	require.NoError(t, err)
	assert.True(t, first.Equal(a))

	r.UnregisterRef("workers", a)
	all = r.LookupAll("workers")
	require.Len(t, all, 1)
	assert.True(t, all[0].Ref.Equal(b))
}

func TestDropProcess(t *testing.T) {
	r := New(Duplicate)
	a := ref.New("p-1")
	b := ref.New("p-2")
	require.NoError(t, r.Register("group/a", a, nil))
	require.NoError(t, r.Register("group/b", a, nil))
	require.NoError(t, r.Register("group/a", b, nil))

	r.DropProcess("p-1")

	assert.False(t, r.IsRegistered("group/b"))
	all := r.LookupAll("group/a")
	require.Len(t, all, 1)
	assert.True(t, all[0].Ref.Equal(b))

	// Dropping an unknown process is a no-op.
	r.DropProcess("p-1")
	assert.Equal(t, 1, r.Len())
}

func TestKeysSorted(t *testing.T) {
	r := New(Unique)
	require.NoError(t, r.Register("b", ref.New("p-2"), nil))
	require.NoError(t, r.Register("a", ref.New("p-1"), nil))
	require.NoError(t, r.Register("c", ref.New("p-3"), nil))
	assert.Equal(t, []string{"a", "b", "c"}, r.Keys())
}

func TestMatchGlob(t *testing.T) {
	r := New(Unique)
	require.NoError(t, r.Register("shard/1/leader", ref.New("p-1"), nil))
	require.NoError(t, r.Register("shard/2/leader", ref.New("p-2"), nil))
	require.NoError(t, r.Register("shard/2/replica", ref.New("p-3"), nil))
	require.NoError(t, r.Register("other", ref.New("p-4"), nil))

	leaders := r.Match("shard/*/leader", nil)
	require.Len(t, leaders, 2)
	assert.Equal(t, "shard/1/leader", leaders[0].Key)
	assert.Equal(t, "shard/2/leader", leaders[1].Key)

	everything := r.Match("**", nil)
	assert.Len(t, everything, 4)

	one := r.Match("shard/?/replica", nil)
	require.Len(t, one, 1)
	assert.Equal(t, "shard/2/replica", one[0].Key)

	// '*' does not cross '/'.
	assert.Empty(t, r.Match("shard/*", nil))

	filtered := r.Match("shard/**", func(e Entry) bool { return e.Ref.ID() == "p-3" })
	require.Len(t, filtered, 1)
	assert.Equal(t, "shard/2/replica", filtered[0].Key)
}

func TestSelectAndDispatch(t *testing.T) {
	r := New(Duplicate)
	require.NoError(t, r.Register("topic", ref.New("p-1"), nil))
	require.NoError(t, r.Register("topic", ref.New("p-2"), nil))

	var visited []string
	var payloads []any
	n := r.Dispatch("topic", "ping", func(e Entry, msg any) {
		visited = append(visited, e.Ref.ID())
		payloads = append(payloads, msg)
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"p-1", "p-2"}, visited)
	assert.Equal(t, []any{"ping", "ping"}, payloads)

	assert.Equal(t, 0, r.Dispatch("nope", "ping", func(Entry, any) { t.Fatal("must not be called") }))
	assert.Equal(t, 2, r.Dispatch("topic", nil, nil))

	sel := r.Select(func(e Entry) bool { return e.Ref.ID() == "p-2" })
	require.Len(t, sel, 1)
}

func TestRegisterEmptyKey(t *testing.T) {
	r := New(Unique)
	require.Error(t, r.Register("", ref.New("p-1"), nil))
}
