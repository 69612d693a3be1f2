package ref

import (
	"fmt"
	"sync/atomic"
)

// Ref is an opaque handle referencing a process by id, with an optional node
// hint for remote routing. Holding a Ref does not imply the process is alive.
type Ref struct {
	id   string
	node string
}

// New returns a Ref for a local process id.
func New(id string) Ref { return Ref{id: id} }

// NewRemote returns a Ref carrying a node routing hint.
func NewRemote(id, node string) Ref { return Ref{id: id, node: node} }

func (r Ref) ID() string   { return r.id }
func (r Ref) Node() string { return r.node }

// IsRemote reports whether the Ref carries a node hint.
func (r Ref) IsRemote() bool { return r.node != "" }

// IsZero reports whether the Ref is the zero value.
func (r Ref) IsZero() bool { return r.id == "" }

// Equal compares two Refs by id only; node hints do not affect identity.
func (r Ref) Equal(o Ref) bool { return r.id == o.id }

func (r Ref) String() string {
	if r.node != "" {
		return r.id + "@" + r.node
	}
	return r.id
}

// Generator produces monotonic process ids. It is owned by a Runtime so tests
// can reset id sequences by constructing a fresh Runtime.
type Generator struct {
	prefix string
	seq    atomic.Uint64
}

func NewGenerator(prefix string) *Generator {
	if prefix == "" {
		prefix = "proc"
	}
	return &Generator{prefix: prefix}
}

// Next returns the next id in the sequence, e.g. "proc-17".
func (g *Generator) Next() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.seq.Add(1))
}
