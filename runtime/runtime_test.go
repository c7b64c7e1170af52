package runtime

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/dagmc/compiler"
	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/kernels"
	"github.com/sbl8/dagmc/moves"
	"github.com/sbl8/dagmc/random"
)

const normalModel = `
nodes:
  - {name: mu, dist: normal, params: [0, 10], init: 0}
  - {name: sigma, dist: exponential, params: [1], init: 1}
  - {name: y, dist: normal, params: [mu, sigma], observed: [1.2, 0.8, 1.1, 0.9, 1.0]}
moves:
  - {type: mh, kernel: slide, nodes: [mu], weight: 2}
  - type: correlated
    primary: {kernel: scale, nodes: [sigma]}
    dragging: [{kernel: slide, nodes: [mu]}]
    steps: 3
`

func testSpec(t *testing.T) *compiler.Spec {
	t.Helper()
	spec, err := compiler.Parse([]byte(normalModel))
	require.NoError(t, err)
	return spec
}

func testChain(t *testing.T, seed uint64, opts ChainOptions) *Chain {
	t.Helper()
	src := random.New(seed)
	g, ms, err := compiler.Build(testSpec(t), src)
	require.NoError(t, err)
	c, err := NewChain(0, g, ms, src, opts)
	require.NoError(t, err)
	return c
}

// failing is a move that stops the chain
type failing struct {
	moves.Move
	err   error
	stats moves.Stats
}

func (f *failing) Name() string       { return "failing" }
func (f *failing) Weight() float64    { return 1 }
func (f *failing) Stats() moves.Stats { return f.stats }
func (f *failing) PerformMcmcMove(float64, float64, float64) error {
	f.stats.Tried++
	return f.err
}

func TestSchedulerWeights(t *testing.T) {
	t.Parallel()
	c := testChain(t, 3, DefaultChainOptions())
	s := c.sched
	assert.Equal(t, 3.0, s.MovesPerIteration())
	assert.Equal(t, 3, s.Picks())

	counts := make(map[string]int)
	const n = 30000
	for range n {
		counts[s.Next().Name()]++
	}
	assert.InDelta(t, 2.0/3, float64(counts["mh(slide(mu))"])/n, 0.02)
	assert.InDelta(t, 1.0/3, float64(counts["correlated(scale(sigma))"])/n, 0.02)
}

func TestSchedulerErrors(t *testing.T) {
	t.Parallel()
	_, err := NewScheduler(nil, random.New(1))
	assert.ErrorIs(t, err, ErrNoMoves)
	_, err = NewScheduler([]moves.Move{&failing{}}, nil)
	assert.Error(t, err)
}

func TestSchedulerPicksAtLeastOne(t *testing.T) {
	t.Parallel()
	x := core.NewStochastic("x", core.Scalar(0), func(core.Value, []core.Value) float64 { return 0 })
	k, err := kernels.NewSlide(kernels.Options{Nodes: []core.RealNode{x}}, random.New(1))
	require.NoError(t, err)
	m, err := moves.NewMH(k, 0.2, false, random.New(1))
	require.NoError(t, err)
	s, err := NewScheduler([]moves.Move{m}, random.New(1))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Picks())
	assert.Same(t, m, s.Next())
}

func TestChainRunSamples(t *testing.T) {
	t.Parallel()
	opts := DefaultChainOptions()
	opts.SampleEvery = 5
	c := testChain(t, 11, opts)

	sink := &MemorySink{}
	require.NoError(t, c.Run(context.Background(), 50, sink))
	assert.Equal(t, 50, c.Generation())

	samples := sink.Samples()
	require.Len(t, samples, 10)
	for i, s := range samples {
		assert.Equal(t, 5*(i+1), s.Generation)
		assert.Contains(t, s.Values, "mu")
		assert.Contains(t, s.Values, "sigma")
		assert.NotContains(t, s.Values, "y")
		assert.InDelta(t, s.LnLikelihood+s.LnPrior, s.LnPosterior, 1e-9)
	}

	var tried uint64
	for _, ms := range c.Stats() {
		tried += ms.Stats.Tried
	}
	assert.Equal(t, uint64(150), tried)
}

func TestChainDeterministic(t *testing.T) {
	t.Parallel()
	run := func() []Sample {
		opts := DefaultChainOptions()
		opts.SampleEvery = 1
		c := testChain(t, 42, opts)
		sink := &MemorySink{}
		require.NoError(t, c.Run(context.Background(), 40, sink))
		return sink.Samples()
	}
	assert.Equal(t, run(), run())
}

func TestChainTunesOnlyDuringBurnIn(t *testing.T) {
	t.Parallel()
	opts := DefaultChainOptions()
	opts.BurnIn = 100
	opts.TuneInterval = 20
	c := testChain(t, 5, opts)
	mh := c.sched.Moves()[0]
	initial := mh.TuningParameter()

	require.NoError(t, c.Run(context.Background(), 100, nil))
	tuned := mh.TuningParameter()
	assert.NotEqual(t, initial, tuned)

	require.NoError(t, c.Run(context.Background(), 100, nil))
	assert.Equal(t, tuned, mh.TuningParameter())
}

func TestChainStopsOnInvariantViolation(t *testing.T) {
	t.Parallel()
	g, _, err := compiler.Build(testSpec(t), random.New(1))
	require.NoError(t, err)
	violation := &moves.Error{Code: moves.CodeMissingSnapshot, Kind: moves.KindInvariantViolation, Message: "lost"}
	c, err := NewChain(2, g, []moves.Move{&failing{err: violation}}, random.New(1), DefaultChainOptions())
	require.NoError(t, err)

	err = c.Run(context.Background(), 10, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, moves.ErrInvariantViolation)
	assert.Zero(t, c.Generation())
}

func TestChainContextCanceled(t *testing.T) {
	t.Parallel()
	c := testChain(t, 1, DefaultChainOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Run(ctx, 10, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Generation())
}

func TestChainOptimize(t *testing.T) {
	t.Parallel()
	c := testChain(t, 9, DefaultChainOptions())
	before := c.Graph().LnPosterior(1, 1, 1)
	require.NoError(t, c.Optimize(context.Background(), 200))
	after := c.Graph().LnPosterior(1, 1, 1)
	assert.GreaterOrEqual(t, after, before)
	assert.Zero(t, c.Generation())

	mu, ok := c.Graph().Node("mu")
	require.True(t, ok)
	assert.InDelta(t, 1.0, mu.Value()[0], 0.2)
}

func TestChainCheckpointRestore(t *testing.T) {
	t.Parallel()
	c := testChain(t, 4, DefaultChainOptions())
	require.NoError(t, c.Run(context.Background(), 30, nil))
	data, err := c.Checkpoint()
	require.NoError(t, err)
	want := c.Sample().Values

	fresh := testChain(t, 99, DefaultChainOptions())
	require.NoError(t, fresh.Restore(data))
	assert.Equal(t, want, fresh.Sample().Values)
	assert.Error(t, fresh.Restore(data[:4]))
}

func TestNewChainErrors(t *testing.T) {
	t.Parallel()
	g, ms, err := compiler.Build(testSpec(t), random.New(1))
	require.NoError(t, err)
	_, err = NewChain(0, nil, ms, random.New(1), DefaultChainOptions())
	assert.Error(t, err)
	_, err = NewChain(0, g, nil, random.New(1), DefaultChainOptions())
	assert.ErrorIs(t, err, ErrNoMoves)
	opts := DefaultChainOptions()
	opts.SampleEvery = -1
	_, err = NewChain(0, g, ms, random.New(1), opts)
	assert.Error(t, err)
}

func TestEngineRun(t *testing.T) {
	t.Parallel()
	opts := DefaultEngineOptions()
	opts.Chains = 3
	opts.Seed = 7
	opts.Chain.SampleEvery = 10
	e, err := NewEngine(testSpec(t), opts)
	require.NoError(t, err)
	assert.NotEmpty(t, e.RunID())
	require.Len(t, e.Chains(), 3)

	sink := &MemorySink{}
	require.NoError(t, e.Run(context.Background(), 100, sink))
	assert.Len(t, sink.Samples(), 30)
	for i := range 3 {
		chain := sink.Chain(i)
		require.Len(t, chain, 10)
		assert.Equal(t, e.RunID(), chain[0].RunID)
	}
	// different seeds give different chains
	assert.NotEqual(t, sink.Chain(0)[9].Values, sink.Chain(1)[9].Values)

	stats := e.Stats()
	assert.Equal(t, []int{100, 100, 100}, stats.Generations)
	assert.Len(t, stats.Moves, 3)
	assert.Positive(t, stats.Elapsed)
}

func TestEngineReproducibleFromSeed(t *testing.T) {
	t.Parallel()
	run := func(runID string) []Sample {
		opts := DefaultEngineOptions()
		opts.Chains = 2
		opts.Seed = 123
		opts.RunID = runID
		opts.Chain.SampleEvery = 5
		e, err := NewEngine(testSpec(t), opts)
		require.NoError(t, err)
		sink := &MemorySink{}
		require.NoError(t, e.Run(context.Background(), 25, sink))
		return append(sink.Chain(0), sink.Chain(1)...)
	}
	assert.Equal(t, run("a"), run("a"))
}

func TestEngineStopsAllChainsOnError(t *testing.T) {
	t.Parallel()
	opts := DefaultEngineOptions()
	opts.Chains = 2
	e, err := NewEngine(testSpec(t), opts)
	require.NoError(t, err)

	broken := errors.New("sink down")
	err = e.Run(context.Background(), 100, sinkFunc(func(Sample) error { return broken }))
	assert.ErrorIs(t, err, broken)
}

func TestEngineRestore(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(testSpec(t), DefaultEngineOptions())
	require.NoError(t, err)
	c := e.Chains()[0]
	require.NoError(t, c.Run(context.Background(), 10, nil))
	data, err := c.Checkpoint()
	require.NoError(t, err)

	assert.Error(t, e.Restore(5, data, 10))
	require.NoError(t, e.Restore(0, data, 500))
	assert.Equal(t, 500, c.Generation())
}

func TestNewEngineErrors(t *testing.T) {
	t.Parallel()
	_, err := NewEngine(nil, DefaultEngineOptions())
	assert.Error(t, err)

	spec := testSpec(t)
	spec.Moves[0].Weight = math.Inf(1)
	_, err = NewEngine(spec, DefaultEngineOptions())
	assert.ErrorIs(t, err, moves.ErrConfiguration)
}

type sinkFunc func(Sample) error

func (f sinkFunc) Write(_ context.Context, s Sample) error { return f(s) }
