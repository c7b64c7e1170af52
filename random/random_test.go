package random

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPCGDeterministic(t *testing.T) {
	t.Parallel()
	a, b := New(42), New(42)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.UniformInt(7), b.UniformInt(7))
		assert.Equal(t, a.Uniform01(), b.Uniform01())
	}
}

func TestPCGRanges(t *testing.T) {
	t.Parallel()
	src := New(7)
	counts := make([]int, 3)
	for i := 0; i < 30000; i++ {
		k := src.UniformInt(3)
		if k < 0 || k >= 3 {
			t.Fatalf("UniformInt(3) = %d, want [0,3)", k)
		}
		counts[k]++
		u := src.Uniform01()
		if u < 0 || u >= 1 {
			t.Fatalf("Uniform01() = %v, want [0,1)", u)
		}
	}
	for i, c := range counts {
		assert.InDelta(t, 10000, c, 500, "bucket %d", i)
	}
}

func TestPCGSplit(t *testing.T) {
	t.Parallel()
	base := New(10)
	s := base.Split(2)
	assert.Equal(t, uint64(10), s.Seed())
	assert.Equal(t, uint64(2), s.Stream())
	assert.Equal(t, draws(base.Split(2), 8), draws(s, 8), "a split is reproducible")
	assert.NotEqual(t, draws(base.Split(1), 8), draws(base.Split(2), 8))
	assert.NotEqual(t, draws(New(10), 8), draws(base.Split(0), 8))
}

func TestPCGSplitIndependentOfSeedOffset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b *PCG
	}{
		{"seed 1 stream 0 vs seed 0 stream 1", New(1).Split(0), New(0).Split(1)},
		{"seed 5 stream 2 vs seed 7 stream 0", New(5).Split(2), New(7).Split(0)},
		{"seed 3 stream 0 vs seed 3 unsplit", New(3).Split(0), New(3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, draws(tt.a, 8), draws(tt.b, 8))
		})
	}
}

func draws(p *PCG, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = p.Uniform01()
	}
	return out
}

// script replays fixed draws
type script struct {
	ints  []int
	uni   []float64
	calls int
}

func (s *script) UniformInt(bound int) int {
	v := s.ints[0] % bound
	s.ints = s.ints[1:]
	s.calls++
	return v
}

func (s *script) Uniform01() float64 {
	v := s.uni[0]
	s.uni = s.uni[1:]
	s.calls++
	return v
}

func TestSourceInterface(t *testing.T) {
	t.Parallel()
	var src Source = &script{ints: []int{5}, uni: []float64{0.25}}
	assert.Equal(t, 2, src.UniformInt(3))
	assert.Equal(t, 0.25, src.Uniform01())
	var _ Source = New(1)
}
