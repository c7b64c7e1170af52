package moves

import (
	"fmt"

	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/kernels"
)

// stubKernel moves its nodes to next(values) and reports a fixed Hastings ratio
type stubKernel struct {
	name   string
	nodes  []*core.Node
	next   func(x []float64) []float64
	hr     float64
	owner  string
	tuning float64

	stored      [][]float64
	storedNodes []*core.Node
	pending     bool

	prepared, proposed, undone, cleaned int
	rates                               []float64
	onPropose                           func(k *stubKernel)
}

func newStub(name string, hr float64, next func([]float64) []float64, nodes ...*core.Node) *stubKernel {
	if next == nil {
		next = func(x []float64) []float64 { return x }
	}
	return &stubKernel{name: name, nodes: nodes, next: next, hr: hr, tuning: 1}
}

func shiftTo(v float64) func([]float64) []float64 {
	return func(x []float64) []float64 {
		out := make([]float64, len(x))
		for i := range out {
			out[i] = v
		}
		return out
	}
}

func (k *stubKernel) Name() string { return k.name }

func (k *stubKernel) Nodes() []core.GraphNode {
	out := make([]core.GraphNode, len(k.nodes))
	for i, n := range k.nodes {
		out[i] = n
	}
	return out
}

func (k *stubKernel) Prepare() {
	k.prepared++
	k.stored = k.stored[:0]
	k.storedNodes = append(k.storedNodes[:0], k.nodes...)
	for _, n := range k.nodes {
		k.stored = append(k.stored, n.Values())
	}
	k.pending = false
}

func (k *stubKernel) Propose() float64 {
	k.proposed++
	for _, n := range k.nodes {
		n.Touch()
		n.SetValues(k.next(n.Values()))
	}
	k.pending = true
	if k.onPropose != nil {
		k.onPropose(k)
	}
	return k.hr
}

func (k *stubKernel) Undo() {
	k.undone++
	if !k.pending {
		return
	}
	for i, n := range k.storedNodes {
		n.SetValues(k.stored[i])
	}
	k.pending = false
}

func (k *stubKernel) Clean() {
	k.cleaned++
	k.pending = false
}

func (k *stubKernel) Tune(rate float64)            { k.rates = append(k.rates, rate) }
func (k *stubKernel) TuningParameter() float64     { return k.tuning }
func (k *stubKernel) SetTuningParameter(p float64) { k.tuning = p }
func (k *stubKernel) SetOwner(name string)         { k.owner = name }
func (k *stubKernel) Owner() string                { return k.owner }

func (k *stubKernel) SwapNode(old, replacement core.GraphNode) (bool, error) {
	for i, n := range k.nodes {
		if core.GraphNode(n) != old {
			continue
		}
		r, ok := replacement.(*core.Node)
		if !ok {
			return false, fmt.Errorf("unsupported node type %T", replacement)
		}
		k.nodes[i] = r
		return true, nil
	}
	return false, nil
}

var _ kernels.Kernel = (*stubKernel)(nil)

// scriptSource replays fixed draws and fails loudly on unexpected uniforms
type scriptSource struct {
	ints     []int
	unis     []float64
	intDraws int
	uniDraws int
}

func (s *scriptSource) UniformInt(bound int) int {
	s.intDraws++
	if len(s.ints) == 0 {
		return 0
	}
	v := s.ints[0] % bound
	s.ints = s.ints[1:]
	return v
}

func (s *scriptSource) Uniform01() float64 {
	s.uniDraws++
	if len(s.unis) == 0 {
		panic("unexpected Uniform01 draw")
	}
	v := s.unis[0]
	s.unis = s.unis[1:]
	return v
}

// quadratic is an unnormalized log density -x²
func quadratic(x core.Value, _ []core.Value) float64 {
	return -x[0] * x[0]
}

// coupled is -(y-p)² for parent value p
func coupled(y core.Value, params []core.Value) float64 {
	d := y[0] - params[0][0]
	return -d * d
}

func keepAll(nodes ...*core.Node) {
	for _, n := range nodes {
		n.Keep()
	}
}

// pair builds x with density -x² and y | x with density -(y-x)²
func pair(x0, y0 float64) (x, y *core.Node) {
	x = core.NewStochastic("x", core.Scalar(x0), quadratic)
	y = core.NewStochastic("y", core.Scalar(y0), coupled, x)
	keepAll(x, y)
	return x, y
}

func snapshotBytes(nodes ...*core.Node) [][]byte {
	out := make([][]byte, len(nodes))
	for i, n := range nodes {
		out[i] = n.ValueBytes()
	}
	return out
}
