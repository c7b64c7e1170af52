// Package random provides the seedable random source threaded through moves,
// kernels and the scheduler. There is no package-level generator: every
// consumer receives a Source explicitly so a fixed seed reproduces a chain.
package random

import "math/rand/v2"

// Source is the randomness contract consumed by the sampler
type Source interface {
	// UniformInt returns a uniform integer in [0, bound). bound must be positive.
	UniformInt(bound int) int
	// Uniform01 returns a uniform float64 in [0, 1).
	Uniform01() float64
}

// PCG is a deterministic Source backed by the PCG generator
type PCG struct {
	seed   uint64
	stream uint64
	rng    *rand.Rand
}

const golden = 0x9E3779B97F4A7C15

// New returns a PCG source for seed. Two sources with the same seed yield the
// same sequence.
func New(seed uint64) *PCG {
	return &PCG{
		seed: seed,
		rng:  rand.New(rand.NewPCG(seed, seed^golden)),
	}
}

// Seed returns the seed the source was created with
func (p *PCG) Seed() uint64 { return p.seed }

// UniformInt returns a uniform integer in [0, bound)
func (p *PCG) UniformInt(bound int) int {
	return p.rng.IntN(bound)
}

// Uniform01 returns a uniform float64 in [0, 1)
func (p *PCG) Uniform01() float64 {
	return p.rng.Float64()
}

// Stream returns the sub-stream index given to Split, zero for New
func (p *PCG) Stream() uint64 { return p.stream }

// Split derives the source for sub-stream stream, e.g. one per chain. The
// seed stays the PCG's first state word and the stream is mixed into the
// second, so (seed, stream) pairs map to distinct generator states.
func (p *PCG) Split(stream uint64) *PCG {
	return &PCG{
		seed:   p.seed,
		stream: stream,
		rng:    rand.New(rand.NewPCG(p.seed, mix(p.seed^mix(stream+1)))),
	}
}

// mix is the splitmix64 finalizer
func mix(z uint64) uint64 {
	z += golden
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}
