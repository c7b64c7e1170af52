package kernels

import (
	"math"

	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/random"
)

// Scale multiplies every element by c = exp(λ(u-½)).
// For m scaled elements the log Hastings ratio is m·ln c.
type Scale struct {
	base
}

// NewScale builds a multiplier kernel; the tuning parameter is λ.
func NewScale(opts Options, src random.Source) (Kernel, error) {
	b, err := newBase("scale", opts, src, 1.0)
	if err != nil {
		return nil, err
	}
	return &Scale{base: b}, nil
}

func (s *Scale) Propose() float64 {
	touchAll(s.nodes)
	lnc := s.tuning * (s.src.Uniform01() - 0.5)
	m := scaleAll(s.nodes, math.Exp(lnc))
	s.pending = true
	return float64(m) * lnc
}

// UpDownScale scales the up set by c and the down set by 1/c with one draw.
// The log Hastings ratio is (nUp-nDown)·ln c over element counts.
type UpDownScale struct {
	base
	down       []core.RealNode
	storedDown [][]float64
}

// NewUpDownScale builds an up/down kernel over opts.Nodes (up) and opts.Down.
func NewUpDownScale(opts Options, src random.Source) (Kernel, error) {
	b, err := newBase("updown", opts, src, 1.0)
	if err != nil {
		return nil, err
	}
	return &UpDownScale{base: b, down: append([]core.RealNode(nil), opts.Down...)}, nil
}

func (u *UpDownScale) Nodes() []core.GraphNode {
	out := u.base.Nodes()
	for _, n := range u.down {
		out = append(out, n)
	}
	return out
}

func (u *UpDownScale) Prepare() {
	u.base.Prepare()
	u.storedDown = remember(u.storedDown[:0], u.down)
}

func (u *UpDownScale) Propose() float64 {
	touchAll(u.nodes)
	touchAll(u.down)
	lnc := u.tuning * (u.src.Uniform01() - 0.5)
	c := math.Exp(lnc)
	nUp := scaleAll(u.nodes, c)
	nDown := scaleAll(u.down, 1/c)
	u.pending = true
	return float64(nUp-nDown) * lnc
}

func (u *UpDownScale) Undo() {
	if u.pending {
		for i, n := range u.down {
			n.SetValues(u.storedDown[i])
		}
	}
	u.base.Undo()
}

func (u *UpDownScale) SwapNode(old, replacement core.GraphNode) (bool, error) {
	if ok, err := u.base.SwapNode(old, replacement); ok || err != nil {
		return ok, err
	}
	return swapIn(u.down, old, replacement)
}

func scaleAll(nodes []core.RealNode, c float64) int {
	m := 0
	for _, n := range nodes {
		x := n.Values()
		for i := range x {
			x[i] *= c
		}
		m += len(x)
		n.SetValues(x)
	}
	return m
}

var (
	_ Kernel = (*Scale)(nil)
	_ Kernel = (*UpDownScale)(nil)
)
