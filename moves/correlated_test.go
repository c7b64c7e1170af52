package moves

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/kernels"
	"github.com/sbl8/dagmc/random"
)

const tolerance = 1e-12

func TestNewCorrelatedConfigurationErrors(t *testing.T) {
	t.Parallel()
	x, y := pair(1, 1)
	primary := newStub("p", 0, nil, x)
	drag := newStub("d", 0, nil, y)
	overlapping := newStub("o", 0, nil, y, x)

	tests := []struct {
		name     string
		primary  kernels.Kernel
		dragging []kernels.Kernel
		steps    int
		weight   float64
		code     string
	}{
		{"no dragging kernels", primary, nil, 1, 1, CodeNoDragging},
		{"overlapping nodes", primary, []kernels.Kernel{drag, overlapping}, 1, 1, CodeOverlap},
		{"zero steps", primary, []kernels.Kernel{drag}, 0, 1, CodeBadSteps},
		{"zero weight", primary, []kernels.Kernel{drag}, 1, 0, CodeBadWeight},
		{"nan weight", primary, []kernels.Kernel{drag}, 1, math.NaN(), CodeBadWeight},
		{"nil primary", nil, []kernels.Kernel{drag}, 1, 1, CodeNilKernel},
		{"nil dragging kernel", primary, []kernels.Kernel{nil}, 1, 1, CodeNilKernel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewCorrelated(tt.primary, tt.dragging, tt.steps, tt.weight, true, random.New(1))
			assert.Nil(t, m)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.ErrorIs(t, err, &Error{Code: tt.code})
		})
	}
}

func TestNewCorrelated(t *testing.T) {
	t.Parallel()
	x, y := pair(1, 1)
	z := core.NewStochastic("z", core.Scalar(0), coupled, y)
	keepAll(z)
	primary := newStub("p", 0, nil, x)
	drag := newStub("d", 0, nil, y)

	m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 3, 2.5, true, random.New(1))
	require.NoError(t, err)

	assert.Equal(t, "correlated(p)", m.Name())
	assert.Equal(t, m.Name(), primary.Owner())
	assert.Equal(t, m.Name(), drag.Owner())
	assert.Equal(t, 3, m.Steps())
	assert.Equal(t, 2.5, m.Weight())
	assert.True(t, m.AutoTune())
	assert.Same(t, primary, m.Primary())
	assert.Len(t, m.Dragging(), 1)
	assert.True(t, math.IsNaN(m.TuningParameter()))
	m.SetTuningParameter(4)
	assert.True(t, math.IsNaN(m.TuningParameter()))

	assert.Equal(t, []core.GraphNode{x, y}, m.Nodes())
	assert.Equal(t, []core.GraphNode{z}, m.Affected())

	m.SetName("drag-y")
	assert.Equal(t, "drag-y", drag.Owner())
}

// With n = 1 the bridging weight is 1/2. For x: 1 -> 2 and y: 1 -> 3 under
// E(x,y) = -x² - (y-x)²:
//
//	E(x,y) = -1, E(x',y) = -5, E(x',y') = -5, E(x,y') = -5
//	step ratio = (-5+5)/2 - (-1+5)/2 + 0.1 = -1.9
func TestCorrelatedSingleStepFormula(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		u         float64
		wantRatio float64
		wantY     float64
	}{
		// rejected locally: (E(x,y) - E(x',y) + mainHR) / 2 = (4 + 0.3) / 2
		{"local reject", 0.5, 2.15, 1},
		// accepted locally: E values collapse, (0 + 0.1 + 0.3) / 2
		{"local accept", 0.1, 0.2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := pair(1, 1)
			primary := newStub("p", 0.3, shiftTo(2), x)
			drag := newStub("d", 0.1, shiftTo(3), y)
			src := &scriptSource{unis: []float64{tt.u}}
			m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 1, 1, false, src)
			require.NoError(t, err)

			ratio, err := m.performMove(1, 1, 1)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantRatio, ratio, tolerance)
			assert.Equal(t, 1, src.uniDraws, "one local draw for a negative step ratio")
			assert.Equal(t, 2.0, x.Value()[0])
			assert.Equal(t, tt.wantY, y.Value()[0])
		})
	}
}

func TestCorrelatedHeats(t *testing.T) {
	t.Parallel()
	x, y := pair(1, 1)
	obs := core.NewStochastic("obs", core.Scalar(0), coupled, x)
	require.NoError(t, obs.Clamp(core.Scalar(0)))
	keepAll(obs)
	primary := newStub("p", 0, shiftTo(2), x)
	drag := newStub("d", 0, nil, y)
	m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 1, 1, false, &scriptSource{})
	require.NoError(t, err)

	// E = pHeat·(lHeat·lnLik + prHeat·lnPrior) with lnLik = -x², lnPrior = -x² - (y-x)²
	assert.InDelta(t, 0.5*(0.25*-1+2*-1), m.posterior(0.25, 0.5, 2), tolerance)
	x.SetValues([]float64{2})
	assert.InDelta(t, 0.5*(0.25*-4+2*-5), m.posterior(0.25, 0.5, 2), tolerance)
}

func TestCorrelatedZeroRatioAlwaysAccepted(t *testing.T) {
	t.Parallel()
	for _, steps := range []int{1, 2, 5, 17} {
		x, y := pair(0.5, -0.25)
		primary := newStub("p", 0, nil, x)
		drag := newStub("d", 0, nil, y)
		src := &scriptSource{}
		m, err := NewCorrelated(primary, []kernels.Kernel{drag}, steps, 1, false, src)
		require.NoError(t, err)

		ratio, err := m.performMove(1, 1, 1)
		require.NoError(t, err)
		assert.Zero(t, ratio, "steps=%d", steps)

		require.NoError(t, m.PerformMcmcMove(1, 1, 1))
		assert.Equal(t, uint64(1), m.Stats().Accepted, "steps=%d", steps)
		assert.Zero(t, src.uniDraws, "no draw is needed for a zero ratio")
		assert.Equal(t, 2*steps, src.intDraws)
	}
}

func TestCorrelatedNonComputablePrimary(t *testing.T) {
	t.Parallel()
	for _, hr := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		x, y := pair(1, 1)
		before := snapshotBytes(x, y)
		primary := newStub("p", hr, shiftTo(7), x)
		drag := newStub("d", 0, shiftTo(9), y)
		src := &scriptSource{}
		m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 4, 1, false, src)
		require.NoError(t, err)

		var bridged bool
		m.SetPhaseHook(func(p Phase, _ int) {
			if p == PhaseBridging {
				bridged = true
			}
		})

		ratio, err := m.performMove(1, 1, 1)
		require.NoError(t, err)
		if math.IsNaN(hr) {
			assert.True(t, math.IsNaN(ratio))
		} else {
			assert.Equal(t, hr, ratio)
		}
		assert.Equal(t, PhaseAborted, m.Phase())
		assert.False(t, bridged)
		assert.Zero(t, drag.prepared)
		assert.Zero(t, src.intDraws)
		assert.Equal(t, before, snapshotBytes(x, y))

		require.NoError(t, m.PerformMcmcMove(1, 1, 1))
		assert.Equal(t, uint64(0), m.Stats().Accepted, "hr=%v", hr)
		assert.Equal(t, PhaseRejected, m.Phase())
		assert.Equal(t, before, snapshotBytes(x, y))
		assert.Zero(t, src.uniDraws)
	}
}

func TestCorrelatedRejectionDiscardsLocalAccepts(t *testing.T) {
	t.Parallel()
	x, y := pair(1, 1)
	w := core.NewStochastic("w", core.Scalar(0.5), coupled, x)
	keepAll(w)
	before := snapshotBytes(x, y, w)
	keptLnProb := []float64{x.LnProbability(), y.LnProbability(), w.LnProbability()}

	// Large step ratios accept every bridging step; a hopeless primary
	// Hastings ratio rejects the compound move.
	primary := newStub("p", -1e6, shiftTo(2), x)
	dragY := newStub("dy", 50, shiftTo(3), y)
	dragW := newStub("dw", 50, shiftTo(4), w)
	src := &scriptSource{ints: []int{0, 1, 0, 1, 1, 0}, unis: []float64{0.99}}
	m, err := NewCorrelated(primary, []kernels.Kernel{dragY, dragW}, 6, 1, false, src)
	require.NoError(t, err)

	require.NoError(t, m.PerformMcmcMove(1, 1, 1))
	assert.Equal(t, uint64(0), m.Stats().Accepted)
	assert.Equal(t, 3, dragY.cleaned, "every bridging step was locally accepted")
	assert.Equal(t, 3, dragW.cleaned)
	assert.Equal(t, 1, src.uniDraws, "only the global decision draws")
	assert.Equal(t, before, snapshotBytes(x, y, w), "rollback is bit identical")

	for i, n := range []*core.Node{x, y, w} {
		assert.False(t, n.HasFlag(core.FlagDirty), n.Name())
		assert.True(t, n.KeptValue().Equal(n.Value()), n.Name())
		assert.Zero(t, n.LnProbabilityRatio(), n.Name())
		assert.Equal(t, keptLnProb[i], n.LnProbability(), n.Name())
	}
}

func TestCorrelatedAcceptanceKeepsNodes(t *testing.T) {
	t.Parallel()
	x, y := pair(1, 1)
	primary := newStub("p", 100, shiftTo(2), x)
	drag := newStub("d", 0, shiftTo(1.5), y)
	m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 3, 1, false, random.New(11))
	require.NoError(t, err)

	require.NoError(t, m.PerformMcmcMove(1, 1, 1))
	assert.Equal(t, uint64(1), m.Stats().Accepted)
	assert.Equal(t, PhaseAccepted, m.Phase())
	assert.Equal(t, 1, primary.cleaned)
	assert.Zero(t, primary.undone)

	for _, n := range []*core.Node{x, y} {
		assert.False(t, n.HasFlag(core.FlagDirty), n.Name())
		assert.Equal(t, core.Committed, n.State(), n.Name())
		assert.True(t, n.KeptValue().Equal(n.Value()), n.Name())
	}
	assert.Equal(t, 2.0, x.Value()[0])
}

func TestCorrelatedRollbackProperty(t *testing.T) {
	t.Parallel()
	x, y := pair(0.2, 0.1)
	z := core.NewStochastic("z", core.Scalar(0), coupled, y)
	require.NoError(t, z.Clamp(core.Scalar(0.3)))
	keepAll(z)

	src := random.New(2024)
	primary, err := kernels.NewSlide(kernels.Options{Nodes: []core.RealNode{x}, Tuning: 3}, src)
	require.NoError(t, err)
	drag, err := kernels.NewScale(kernels.Options{Nodes: []core.RealNode{y}, Tuning: 2}, src)
	require.NoError(t, err)
	m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 4, 1, true, src)
	require.NoError(t, err)

	var rejected int
	for i := 0; i < 500; i++ {
		before := snapshotBytes(x, y)
		accepted := m.Stats().Accepted
		require.NoError(t, m.PerformMcmcMove(1, 1, 1))

		if m.Stats().Accepted == accepted {
			rejected++
			require.Equal(t, before, snapshotBytes(x, y), "iteration %d", i)
		}
		for _, n := range []*core.Node{x, y} {
			require.False(t, n.HasFlag(core.FlagDirty), "iteration %d: %s", i, n.Name())
			require.True(t, n.KeptValue().Equal(n.Value()), "iteration %d: %s", i, n.Name())
		}
	}
	assert.Positive(t, rejected)
	assert.Less(t, rejected, 500)
}

func TestCorrelatedDeterminism(t *testing.T) {
	t.Parallel()
	run := func() ([][]byte, Stats) {
		x, y := pair(0.2, 0.1)
		src := random.New(99)
		primary, err := kernels.NewSlide(kernels.Options{Nodes: []core.RealNode{x}}, src)
		require.NoError(t, err)
		drag, err := kernels.NewSlide(kernels.Options{Nodes: []core.RealNode{y}}, src)
		require.NoError(t, err)
		m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 5, 1, true, src)
		require.NoError(t, err)
		for i := 0; i < 200; i++ {
			require.NoError(t, m.PerformMcmcMove(1, 1, 1))
			if i%20 == 19 {
				m.Tune()
			}
		}
		return snapshotBytes(x, y), m.Stats()
	}

	values1, stats1 := run()
	values2, stats2 := run()
	assert.Equal(t, values1, values2)
	assert.Equal(t, stats1, stats2)
}

func TestCorrelatedUniformKernelSelection(t *testing.T) {
	t.Parallel()
	x := core.NewStochastic("x", core.Scalar(0), quadratic)
	a := core.NewStochastic("a", core.Scalar(0), quadratic)
	b := core.NewStochastic("b", core.Scalar(0), quadratic)
	c := core.NewStochastic("c", core.Scalar(0), quadratic)
	keepAll(x, a, b, c)

	drag := []*stubKernel{newStub("a", 0, nil, a), newStub("b", 0, nil, b), newStub("c", 0, nil, c)}
	m, err := NewCorrelated(newStub("x", 0, nil, x), []kernels.Kernel{drag[0], drag[1], drag[2]}, 10, 1, false, random.New(3))
	require.NoError(t, err)

	const runs = 3000
	for i := 0; i < runs; i++ {
		require.NoError(t, m.PerformMcmcMove(1, 1, 1))
	}
	for _, k := range drag {
		freq := float64(k.proposed) / float64(runs*10)
		assert.InDelta(t, 1.0/3, freq, 0.02, "kernel %s", k.name)
	}
}

func TestCorrelatedNonComputableStep(t *testing.T) {
	t.Parallel()
	x, y := pair(1, 1)
	primary := newStub("p", 0, shiftTo(2), x)
	drag := newStub("d", math.NaN(), shiftTo(5), y)
	src := &scriptSource{}
	m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 3, 1, false, src)
	require.NoError(t, err)

	ratio, err := m.performMove(1, 1, 1)
	require.NoError(t, err)
	// no round contributes: (0 + 0 + 0) / 4
	assert.Zero(t, ratio)
	assert.Equal(t, 3, drag.undone)
	assert.Equal(t, 3, drag.cleaned)
	assert.Equal(t, 1.0, y.Value()[0])
	assert.Equal(t, core.Committed, y.State())
}

func TestCorrelatedInvariantViolation(t *testing.T) {
	t.Parallel()
	x, y := pair(1, 1)
	ghost := core.NewStochastic("ghost", core.Scalar(0), quadratic)
	keepAll(ghost)
	before := snapshotBytes(x, y)

	primary := newStub("p", 0, shiftTo(2), x)
	primary.onPropose = func(k *stubKernel) { k.nodes = []*core.Node{ghost} }
	drag := newStub("d", 0, nil, y)
	m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 2, 1, false, &scriptSource{})
	require.NoError(t, err)

	err = m.PerformMcmcMove(1, 1, 1)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.ErrorIs(t, err, &Error{Code: CodeMissingSnapshot})
	assert.Equal(t, before, snapshotBytes(x, y))
	assert.Zero(t, drag.prepared)
	assert.Equal(t, uint64(1), m.Stats().Tried)
}

func TestCorrelatedHillClimbing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		hr     float64
		accept bool
	}{
		{"improvement", 1, true},
		{"slightly worse", -1e-9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := pair(0, 0)
			primary := newStub("p", tt.hr, nil, x)
			drag := newStub("d", 0, nil, y)
			src := &scriptSource{}
			m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 2, 1, false, src)
			require.NoError(t, err)

			require.NoError(t, m.PerformHillClimbingMove(1, 1))
			assert.Equal(t, tt.accept, m.Stats().Accepted == 1)
			assert.Zero(t, src.uniDraws, "hill climbing never draws for the global decision")
		})
	}
}

func TestCorrelatedTune(t *testing.T) {
	t.Parallel()
	x, y := pair(0, 0)
	z := core.NewStochastic("z", core.Scalar(0), quadratic)
	keepAll(z)
	primary := newStub("p", 0, nil, x)
	dragY := newStub("dy", 0, nil, y)
	dragZ := newStub("dz", 0, nil, z)
	m, err := NewCorrelated(primary, []kernels.Kernel{dragY, dragZ}, 1, 1, true, random.New(1))
	require.NoError(t, err)

	for i := 0; i < MinTuningTrials-1; i++ {
		require.NoError(t, m.PerformMcmcMove(1, 1, 1))
	}
	m.Tune()
	assert.Empty(t, primary.rates, "below the minimum number of trials")
	assert.Equal(t, uint64(MinTuningTrials-1), m.Stats().TriedPeriod)

	require.NoError(t, m.PerformMcmcMove(1, 1, 1))
	m.Tune()
	assert.Equal(t, []float64{1}, primary.rates)
	assert.Equal(t, []float64{1}, dragY.rates)
	assert.Equal(t, []float64{1}, dragZ.rates)
	assert.Zero(t, m.Stats().TriedPeriod)
	assert.Equal(t, uint64(MinTuningTrials), m.Stats().Tried)
}

func TestCorrelatedSwapNode(t *testing.T) {
	t.Parallel()
	x, y := pair(0, 0)
	y2 := core.NewStochastic("y2", core.Scalar(1), coupled, x)
	x2 := core.NewStochastic("x2", core.Scalar(0), quadratic)
	keepAll(y2, x2)
	primary := newStub("p", 0, nil, x)
	drag := newStub("d", 0, nil, y)
	other := newStub("o", 0, nil, y)
	m, err := NewCorrelated(primary, []kernels.Kernel{drag, other}, 1, 1, false, random.New(1))
	require.NoError(t, err)
	assert.Equal(t, []core.GraphNode{x, y}, m.Nodes())

	require.NoError(t, m.SwapNode(y, y2))
	assert.Equal(t, []core.GraphNode{x, y2}, m.Nodes())
	assert.Same(t, y2, drag.nodes[0])
	assert.Same(t, y2, other.nodes[0], "every dragging kernel owning the node is updated")

	require.NoError(t, m.SwapNode(x, x2))
	assert.Same(t, x2, primary.nodes[0])
	assert.Equal(t, []core.GraphNode{x2, y2}, m.Nodes())

	require.NoError(t, m.SwapNode(y, x), "nodes nobody owns are ignored")

	err = m.SwapNode(y2, x2)
	assert.ErrorIs(t, err, &Error{Code: CodeOverlap})
	assert.Same(t, y2, drag.nodes[0], "a rejected swap leaves the kernels untouched")
	assert.Same(t, y2, other.nodes[0])
	assert.Equal(t, []core.GraphNode{x2, y2}, m.Nodes())
}

func TestCorrelatedSwapNodeOverlapKeepsMoveUsable(t *testing.T) {
	t.Parallel()
	x, y := pair(0, 0)
	primary := newStub("p", 0, shiftTo(1), x)
	drag := newStub("d", 0, shiftTo(2), y)
	m, err := NewCorrelated(primary, []kernels.Kernel{drag}, 2, 1, false, random.New(5))
	require.NoError(t, err)

	err = m.SwapNode(y, x)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, &Error{Code: CodeOverlap})
	assert.Same(t, y, drag.nodes[0])
	assert.Equal(t, []core.GraphNode{x, y}, m.Nodes())

	require.NoError(t, m.PerformMcmcMove(1, 1, 1))
	assert.Same(t, y, drag.nodes[0], "dragging kernel still moves its own node")
	assert.Equal(t, 2, drag.proposed)
}
