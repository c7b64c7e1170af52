// Package kernels provides the proposal kernels moves compose.
//
// A kernel owns a set of real-valued graph nodes and perturbs them one
// proposal at a time:
//
//	k.Prepare()        // remember the values about to change
//	hr := k.Propose()  // touch and perturb; hr is the log Hastings ratio
//	k.Clean()          // after acceptance, or
//	k.Undo()           // after rejection, put the remembered values back
//
// Between Prepare and Clean/Undo a kernel holds at most one pending
// perturbation. Kernels never decide acceptance and never call Keep or
// Restore on their nodes; that is the owning move's job.
//
// Available kernels:
//   - slide: uniform sliding window, symmetric
//   - scale: multiplier exp(λ(u-½)) applied to every element
//   - updown: scales one node set up and another down by the same factor
//
// Kernels are registered in the Catalog by name for the compiler.
package kernels

import (
	"errors"
	"fmt"
	"math"

	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/random"
)

// DefaultTarget is the acceptance rate tuning steers toward
const DefaultTarget = 0.44

var (
	// ErrNoNodes is returned when a kernel is built without target nodes
	ErrNoNodes = errors.New("kernel requires at least one node")
	// ErrBadTuning is returned for non-positive tuning parameters or targets outside (0,1)
	ErrBadTuning = errors.New("invalid tuning parameter")
)

// Kernel is the proposal contract consumed by moves.
type Kernel interface {
	Name() string
	// Nodes returns the nodes the kernel perturbs, in a stable order.
	Nodes() []core.GraphNode

	Prepare()
	// Propose perturbs the nodes and returns the log Hastings ratio.
	// NaN or ±Inf mean the proposal must be rejected.
	Propose() float64
	Undo()
	Clean()

	// Tune adjusts the tuning parameter from an observed acceptance rate.
	Tune(rate float64)
	TuningParameter() float64
	SetTuningParameter(p float64)

	// SwapNode replaces old with replacement when the kernel owns old and
	// reports whether it did.
	SwapNode(old, replacement core.GraphNode) (bool, error)

	// SetOwner records the move the kernel belongs to, for diagnostics.
	SetOwner(name string)
	Owner() string
}

// Options configure a kernel
type Options struct {
	Name   string
	Nodes  []core.RealNode
	Down   []core.RealNode // updown only: nodes scaled by 1/c
	Tuning float64         // 0 selects the kernel default
	Target float64         // 0 selects DefaultTarget
}

// Constructor builds a kernel drawing randomness from src
type Constructor func(opts Options, src random.Source) (Kernel, error)

// Catalog maps kernel names to constructors
var Catalog = map[string]Constructor{
	"slide":  NewSlide,
	"scale":  NewScale,
	"updown": NewUpDownScale,
}

// Lookup returns the constructor registered under name
func Lookup(name string) (Constructor, error) {
	c, ok := Catalog[name]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q", name)
	}
	return c, nil
}

// base carries the bookkeeping every numeric kernel shares.
type base struct {
	name   string
	owner  string
	nodes  []core.RealNode
	stored [][]float64

	pending bool
	tuning  float64
	target  float64
	src     random.Source
}

func newBase(kind string, opts Options, src random.Source, defaultTuning float64) (base, error) {
	if len(opts.Nodes) == 0 {
		return base{}, ErrNoNodes
	}
	for _, n := range append(append([]core.RealNode(nil), opts.Nodes...), opts.Down...) {
		if n == nil {
			return base{}, fmt.Errorf("%s kernel: nil node", kind)
		}
	}
	b := base{
		name:   opts.Name,
		nodes:  append([]core.RealNode(nil), opts.Nodes...),
		tuning: opts.Tuning,
		target: opts.Target,
		src:    src,
	}
	if b.name == "" {
		b.name = fmt.Sprintf("%s(%s)", kind, opts.Nodes[0].Name())
	}
	if b.tuning == 0 {
		b.tuning = defaultTuning
	}
	if b.target == 0 {
		b.target = DefaultTarget
	}
	if b.tuning < 0 || math.IsNaN(b.tuning) {
		return base{}, fmt.Errorf("%s kernel %q: %w: %v", kind, b.name, ErrBadTuning, b.tuning)
	}
	if b.target <= 0 || b.target >= 1 {
		return base{}, fmt.Errorf("%s kernel %q: %w: target %v", kind, b.name, ErrBadTuning, b.target)
	}
	return b, nil
}

func (b *base) Name() string             { return b.name }
func (b *base) Owner() string            { return b.owner }
func (b *base) SetOwner(name string)     { b.owner = name }
func (b *base) TuningParameter() float64 { return b.tuning }

func (b *base) SetTuningParameter(p float64) {
	if p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0) {
		b.tuning = p
	}
}

func (b *base) Nodes() []core.GraphNode {
	out := make([]core.GraphNode, len(b.nodes))
	for i, n := range b.nodes {
		out[i] = n
	}
	return out
}

// Prepare remembers the current values of every owned node
func (b *base) Prepare() {
	b.stored = remember(b.stored[:0], b.nodes)
	b.pending = false
}

// Undo puts the remembered values back if a perturbation is pending
func (b *base) Undo() {
	if !b.pending {
		return
	}
	for i, n := range b.nodes {
		n.SetValues(b.stored[i])
	}
	b.pending = false
}

// Clean finalizes a pending perturbation
func (b *base) Clean() {
	b.pending = false
}

// Tune applies the multiplicative rule: grow the parameter when acceptance
// is above target, shrink it otherwise.
func (b *base) Tune(rate float64) {
	b.tuning = tuneParameter(b.tuning, rate, b.target)
}

func (b *base) SwapNode(old, replacement core.GraphNode) (bool, error) {
	return swapIn(b.nodes, old, replacement)
}

func remember(dst [][]float64, nodes []core.RealNode) [][]float64 {
	for _, n := range nodes {
		dst = append(dst, n.Values())
	}
	return dst
}

func swapIn(nodes []core.RealNode, old, replacement core.GraphNode) (bool, error) {
	for i, n := range nodes {
		if core.GraphNode(n) != old {
			continue
		}
		r, ok := replacement.(core.RealNode)
		if !ok {
			return false, fmt.Errorf("replacement for %q is not a real-valued node", old.Name())
		}
		nodes[i] = r
		return true, nil
	}
	return false, nil
}

func tuneParameter(p, rate, target float64) float64 {
	if rate > target {
		return p * (1 + (rate-target)/(1-target))
	}
	return p / (2 - rate/target)
}

func touchAll(nodes []core.RealNode) {
	for _, n := range nodes {
		n.Touch()
	}
}
