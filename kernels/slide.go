package kernels

import "github.com/sbl8/dagmc/random"

// Slide moves every element by δ(u-½), u uniform on [0,1).
// The window is symmetric so the Hastings ratio is zero.
type Slide struct {
	base
}

// NewSlide builds a sliding window kernel; the tuning parameter is the window width δ.
func NewSlide(opts Options, src random.Source) (Kernel, error) {
	b, err := newBase("slide", opts, src, 1.0)
	if err != nil {
		return nil, err
	}
	return &Slide{base: b}, nil
}

func (s *Slide) Propose() float64 {
	touchAll(s.nodes)
	for _, n := range s.nodes {
		x := n.Values()
		for i := range x {
			x[i] += s.tuning * (s.src.Uniform01() - 0.5)
		}
		n.SetValues(x)
	}
	s.pending = true
	return 0
}

var _ Kernel = (*Slide)(nil)
