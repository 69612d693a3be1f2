package ref

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefIdentity(t *testing.T) {
	a := New("p-1")
	b := New("p-1")
	c := NewRemote("p-1", "node-2")

	assert.True(t, a.Equal(b))
	assert.True(t, a.Equal(c), "node hints do not affect identity")
	assert.False(t, a.Equal(New("p-2")))

	assert.False(t, a.IsRemote())
	assert.True(t, c.IsRemote())
	assert.Equal(t, "p-1", a.String())
	assert.Equal(t, "p-1@node-2", c.String())

	var zero Ref
	assert.True(t, zero.IsZero())
	assert.False(t, a.IsZero())
}

func TestGeneratorSequence(t *testing.T) {
	g := NewGenerator("unit")
	assert.Equal(t, "unit-1", g.Next())
	assert.Equal(t, "unit-2", g.Next())

	d := NewGenerator("")
	assert.Equal(t, "proc-1", d.Next())
}

func TestGeneratorConcurrentUnique(t *testing.T) {
	g := NewGenerator("c")
	const n = 200
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() { ids <- g.Next() }()
	}
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id := <-ids
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
