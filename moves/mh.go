package moves

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/kernels"
	"github.com/sbl8/dagmc/random"
)

// MHMove applies a single kernel and accepts with the Metropolis-Hastings rule.
type MHMove struct {
	name     string
	kernel   kernels.Kernel
	weight   float64
	autoTune bool
	src      random.Source
	logger   *slog.Logger

	touched  []core.GraphNode
	affected []core.GraphNode
	stats    Stats
}

// NewMH builds a move around kernel
func NewMH(kernel kernels.Kernel, weight float64, autoTune bool, src random.Source) (*MHMove, error) {
	if kernel == nil {
		return nil, newError(KindConfiguration, CodeNilKernel, "kernel is nil")
	}
	if !(weight > 0) || math.IsInf(weight, 0) {
		return nil, newError(KindConfiguration, CodeBadWeight, "weight must be positive, got %v", weight)
	}
	if src == nil {
		return nil, newError(KindConfiguration, CodeNilSource, "random source is nil")
	}
	m := &MHMove{
		name:     fmt.Sprintf("mh(%s)", kernel.Name()),
		kernel:   kernel,
		weight:   weight,
		autoTune: autoTune,
		src:      src,
		logger:   slog.Default(),
	}
	kernel.SetOwner(m.name)
	m.rebuild()
	return m, nil
}

// SetLogger replaces the logger used for warnings
func (m *MHMove) SetLogger(l *slog.Logger) {
	if l != nil {
		m.logger = l
	}
}

// SetName renames the move and its kernel's owner
func (m *MHMove) SetName(name string) {
	m.name = name
	m.kernel.SetOwner(name)
}

func (m *MHMove) Name() string               { return m.name }
func (m *MHMove) Weight() float64            { return m.weight }
func (m *MHMove) AutoTune() bool             { return m.autoTune }
func (m *MHMove) Kernel() kernels.Kernel     { return m.kernel }
func (m *MHMove) Stats() Stats               { return m.stats }
func (m *MHMove) ResetPeriod()               { m.stats.resetPeriod() }
func (m *MHMove) TuningParameter() float64   { return m.kernel.TuningParameter() }
func (m *MHMove) Nodes() []core.GraphNode    { return append([]core.GraphNode(nil), m.touched...) }
func (m *MHMove) Affected() []core.GraphNode { return append([]core.GraphNode(nil), m.affected...) }

func (m *MHMove) rebuild() {
	m.touched = uniqueByName(m.kernel.Nodes())
	m.affected = affectedOf(m.touched)
}

// propose runs the kernel and returns the log acceptance ratio
func (m *MHMove) propose(lHeat, pHeat, prHeat float64) float64 {
	m.kernel.Prepare()
	hr := m.kernel.Propose()
	if !core.IsComputable(hr) {
		if math.IsNaN(hr) {
			m.logger.Warn("Hastings ratio is NaN", "move", m.name, "kernel", m.kernel.Name())
		}
		return hr
	}
	for _, n := range m.touched {
		n.Touch()
	}
	return lnPosteriorRatio(m.touched, m.affected, lHeat, pHeat, prHeat) + hr
}

func (m *MHMove) accept() {
	m.kernel.Clean()
	for _, n := range m.touched {
		n.Keep()
	}
	m.stats.record(true)
}

func (m *MHMove) reject() {
	m.kernel.Undo()
	for _, n := range m.touched {
		n.Restore()
	}
	m.stats.record(false)
}

// PerformMcmcMove proposes and accepts stochastically
func (m *MHMove) PerformMcmcMove(priorHeat, likelihoodHeat, posteriorHeat float64) error {
	if metropolis(m.propose(likelihoodHeat, posteriorHeat, priorHeat), m.src) {
		m.accept()
	} else {
		m.reject()
	}
	return nil
}

// PerformHillClimbingMove proposes and accepts only improvements
func (m *MHMove) PerformHillClimbingMove(likelihoodHeat, posteriorHeat float64) error {
	if greedy(m.propose(likelihoodHeat, posteriorHeat, 1)) {
		m.accept()
	} else {
		m.reject()
	}
	return nil
}

// Tune forwards the period acceptance rate to the kernel once the period
// has MinTuningTrials trials, then starts a new period.
func (m *MHMove) Tune() {
	if m.stats.TriedPeriod < MinTuningTrials {
		return
	}
	m.kernel.Tune(m.stats.PeriodAcceptanceRate())
	m.stats.resetPeriod()
}

// SwapNode replaces old in the kernel, if it owns it
func (m *MHMove) SwapNode(old, replacement core.GraphNode) error {
	ok, err := m.kernel.SwapNode(old, replacement)
	if err != nil {
		return newError(KindConfiguration, CodeSwapFailed, "swap in %s", m.name).
			WithContext("node", old.Name()).WithCause(err)
	}
	if ok {
		m.rebuild()
	}
	return nil
}

var _ Move = (*MHMove)(nil)
