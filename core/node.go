// Package core provides the graph node primitives the dagmc sampler works on.
//
// A Node is the fundamental vertex of a model graph. Like a double-buffered
// compute block it carries two copies of its state: the current value, which
// proposals write into, and the last kept value, which a rejected proposal
// falls back to. Moves drive every node through the same lifecycle:
//
//   - Touch: the value is about to change (or has changed); mark it and its
//     dependents for recomputation
//   - Keep: accept the current value as the new last kept value
//   - Restore: revert the current value to the last kept value
//
// Key components:
//   - GraphNode: the capability interface moves and kernels depend on
//   - Node: reference implementation with constant, stochastic and
//     deterministic kinds and an explicit Clean/Dirty/Committed state machine
//   - Value: numeric state with bit-exact equality and binary encoding
//   - Checkpoint encoding with header and CRC32 for persisted chain state
package core

import (
	"fmt"
	"math"
)

// GraphNode is what a move needs from a model vertex. Implementations are
// owned by the model graph; moves only borrow them for the duration of a call.
type GraphNode interface {
	Name() string
	IsClamped() bool
	State() State

	Touch()
	Keep()
	Restore()

	// LnProbability is the log density of the current value given the
	// current values of the node's parents.
	LnProbability() float64
	// LnProbabilityRatio is LnProbability minus its value when last kept.
	LnProbabilityRatio() float64

	// ValueBytes returns the serialized current value.
	ValueBytes() []byte
	// SetValueBytes replaces the current value from its serialized form.
	SetValueBytes(b []byte) error

	// Affected lists the stochastic dependents whose probability changes
	// when this node's value changes.
	Affected() []GraphNode
}

// RealNode is a GraphNode holding real numbers, the contract numeric
// proposal kernels operate on.
type RealNode interface {
	GraphNode
	Values() []float64
	SetValues(x []float64)
}

// State is the lifecycle position of a node's own value
type State uint8

const (
	// Clean nodes have not been touched since construction
	Clean State = iota
	// Dirty nodes were touched and are waiting for Keep or Restore
	Dirty
	// Committed nodes hold a value that was explicitly kept
	Committed
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Committed:
		return "committed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Kind distinguishes how a node obtains its value
type Kind uint8

const (
	KindConstant Kind = iota
	KindStochastic
	KindDeterministic
)

// Flags bit definitions
const (
	FlagDirty    = 1 << 0 // own value touched since last keep/restore
	FlagAffected = 1 << 1 // an ancestor was touched
	FlagClamped  = 1 << 2 // value fixed to observed data
)

// Density returns the log density of x given the parent values
type Density func(x Value, params []Value) float64

// Function computes a deterministic node's value from its parent values
type Function func(params []Value) Value

// Node is the reference GraphNode implementation.
type Node struct {
	name  string
	kind  Kind
	flags uint32
	state State
	rest  State // state to return to on Restore

	value Value // current value (written by proposals)
	kept  Value // last kept value

	density Density
	fn      Function

	parents  []*Node
	children []*Node

	lnProb     float64
	keptLnProb float64
	probStale  bool
	valueStale bool

	// OnCommit and OnRollback are called after Keep and Restore of this node.
	OnCommit   func(*Node)
	OnRollback func(*Node)
}

// NewConstant creates a node whose value never changes
func NewConstant(name string, v Value) *Node {
	return &Node{
		name:      name,
		kind:      KindConstant,
		value:     v.Clone(),
		kept:      v.Clone(),
		probStale: true,
	}
}

// NewStochastic creates a random variable with density d over the parent values.
func NewStochastic(name string, init Value, d Density, parents ...*Node) *Node {
	n := &Node{
		name:      name,
		kind:      KindStochastic,
		value:     init.Clone(),
		kept:      init.Clone(),
		density:   d,
		probStale: true,
	}
	n.link(parents)
	return n
}

// NewDeterministic creates a node whose value is fn applied to its parents.
func NewDeterministic(name string, fn Function, parents ...*Node) *Node {
	n := &Node{
		name:       name,
		kind:       KindDeterministic,
		fn:         fn,
		probStale:  true,
		valueStale: true,
	}
	n.link(parents)
	return n
}

func (n *Node) link(parents []*Node) {
	n.parents = append([]*Node(nil), parents...)
	for _, p := range parents {
		p.children = append(p.children, n)
	}
}

// Name returns the stable identity of the node
func (n *Node) Name() string { return n.name }

// Kind returns the node kind
func (n *Node) Kind() Kind { return n.kind }

// State returns the lifecycle state of the node's own value
func (n *Node) State() State { return n.state }

// Parents returns the nodes this node depends on
func (n *Node) Parents() []*Node { return n.parents }

// Children returns the nodes depending on this node
func (n *Node) Children() []*Node { return n.children }

// HasFlag checks if a runtime flag is set
func (n *Node) HasFlag(flag uint32) bool { return n.flags&flag != 0 }

// IsClamped reports whether the node is fixed to observed data
func (n *Node) IsClamped() bool { return n.HasFlag(FlagClamped) }

// Clamp fixes a stochastic node to observed data.
func (n *Node) Clamp(v Value) error {
	if n.kind != KindStochastic {
		return fmt.Errorf("node %q: only stochastic nodes can be clamped", n.name)
	}
	n.value = v.Clone()
	n.kept = v.Clone()
	n.flags |= FlagClamped
	n.markStale()
	return nil
}

// Value returns the current value. Callers must not modify it.
func (n *Node) Value() Value {
	if n.kind == KindDeterministic && n.valueStale {
		n.value = n.fn(n.parentValues())
		n.valueStale = false
	}
	return n.value
}

// KeptValue returns the last kept value
func (n *Node) KeptValue() Value { return n.kept }

// Values returns a copy of the current value
func (n *Node) Values() []float64 {
	return n.Value().Clone()
}

// SetValues replaces the current value and invalidates every dependent.
func (n *Node) SetValues(x []float64) {
	if n.kind == KindDeterministic {
		return
	}
	n.value = Value(x).Clone()
	n.markStale()
}

// ValueBytes returns the serialized current value
func (n *Node) ValueBytes() []byte {
	b, _ := n.Value().MarshalBinary()
	return b
}

// SetValueBytes replaces the current value from its serialized form
func (n *Node) SetValueBytes(b []byte) error {
	var v Value
	if err := v.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("node %q: %w", n.name, err)
	}
	if n.kind == KindDeterministic {
		return fmt.Errorf("node %q: deterministic value cannot be set", n.name)
	}
	n.SetValues(v)
	return nil
}

// Touch flags the node and all of its dependents for recomputation.
func (n *Node) Touch() {
	if n.state != Dirty {
		n.rest = n.state
		n.state = Dirty
	}
	n.flags |= FlagDirty
	n.markStale()
	n.forEachDescendant(func(d *Node) {
		d.flags |= FlagAffected
	})
}

// Keep accepts the current value as the last kept value.
func (n *Node) Keep() {
	n.kept = n.Value().Clone()
	n.keptLnProb = n.LnProbability()
	n.flags &^= FlagDirty
	n.state = Committed
	n.forEachDescendant(func(d *Node) {
		d.keptLnProb = d.LnProbability()
		d.flags &^= FlagAffected
	})
	if n.OnCommit != nil {
		n.OnCommit(n)
	}
}

// Restore reverts the current value to the last kept value.
func (n *Node) Restore() {
	if n.kind != KindDeterministic {
		n.value = n.kept.Clone()
	}
	if n.state == Dirty {
		n.state = n.rest
	}
	n.flags &^= FlagDirty
	n.markStale()
	n.forEachDescendant(func(d *Node) {
		d.flags &^= FlagAffected
	})
	if n.OnRollback != nil {
		n.OnRollback(n)
	}
}

// LnProbability returns the log density of the current value.
// Constant and deterministic nodes contribute zero.
func (n *Node) LnProbability() float64 {
	if !n.probStale {
		return n.lnProb
	}
	switch n.kind {
	case KindStochastic:
		n.lnProb = n.density(n.value, n.parentValues())
	default:
		n.lnProb = 0
	}
	n.probStale = false
	return n.lnProb
}

// LnProbabilityRatio compares the current log density with the one at last keep
func (n *Node) LnProbabilityRatio() float64 {
	return n.LnProbability() - n.keptLnProb
}

// Affected returns the stochastic dependents of this node, looking through
// deterministic children. The returned order is stable.
func (n *Node) Affected() []GraphNode {
	var out []GraphNode
	seen := make(map[*Node]bool)
	var walk func(*Node)
	walk = func(p *Node) {
		for _, c := range p.children {
			if seen[c] {
				continue
			}
			seen[c] = true
			if c.kind == KindDeterministic {
				walk(c)
				continue
			}
			out = append(out, c)
		}
	}
	walk(n)
	return out
}

// Clone creates a detached deep copy of the node: value, kept value, flags
// and caches are copied, graph links are not.
func (n *Node) Clone() *Node {
	return n.CloneWith(nil)
}

// CloneWith deep copies the node and links the copy under the given parents.
func (n *Node) CloneWith(parents []*Node) *Node {
	c := &Node{
		name:       n.name,
		kind:       n.kind,
		flags:      n.flags,
		state:      n.state,
		rest:       n.rest,
		value:      n.value.Clone(),
		kept:       n.kept.Clone(),
		density:    n.density,
		fn:         n.fn,
		lnProb:     n.lnProb,
		keptLnProb: n.keptLnProb,
		probStale:  n.probStale,
		valueStale: n.valueStale,
	}
	c.link(parents)
	return c
}

func (n *Node) parentValues() []Value {
	vals := make([]Value, len(n.parents))
	for i, p := range n.parents {
		vals[i] = p.Value()
	}
	return vals
}

func (n *Node) markStale() {
	n.probStale = true
	if n.kind == KindDeterministic {
		n.valueStale = true
	}
	n.forEachDescendant(func(d *Node) {
		d.probStale = true
		if d.kind == KindDeterministic {
			d.valueStale = true
		}
	})
}

// forEachDescendant visits every node reachable through child links once.
func (n *Node) forEachDescendant(visit func(*Node)) {
	seen := make(map[*Node]bool)
	stack := append([]*Node(nil), n.children...)
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[d] {
			continue
		}
		seen[d] = true
		visit(d)
		stack = append(stack, d.children...)
	}
}

// IsComputable reports whether x is a finite number
func IsComputable(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

var _ RealNode = (*Node)(nil)
