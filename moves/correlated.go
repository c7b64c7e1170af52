package moves

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/kernels"
	"github.com/sbl8/dagmc/random"
)

// CorrelatedMove updates the nodes of a primary kernel and drags the nodes of
// one or more dragging kernels along through a fixed number of bridging steps.
//
// Bridging round ii of n (ii = 0..n-1) targets a posterior interpolated
// between the state before the primary update (x) and after it (x'). With
// wt = (ii+1)/(n+1), the second term is weighted 1-wt = (n-ii)/(n+1):
//
//	ratio = (E(x',y) - E(x',y'))·wt - (E(x,y) - E(x,y'))·(1-wt) + stepHR
//
// For n = 1 both terms carry 1/2.
//
// The compound move is accepted with the log ratio
//
//	(Σ (E(x,y) - E(x',y)) + Σ accepted stepHR + mainHR) / (n+1)
//
// where the first sum runs over the rounds with a computable step ratio.
type CorrelatedMove struct {
	name     string
	primary  kernels.Kernel
	dragging []kernels.Kernel
	steps    int
	weight   float64
	autoTune bool
	src      random.Source
	logger   *slog.Logger
	hook     PhaseHook

	touched  []core.GraphNode // primary nodes first, then dragging nodes
	affected []core.GraphNode
	stats    Stats
	phase    Phase

	// per call
	savedFull      []savedValue
	primaryPending bool
	locallyKept    map[string]bool
}

type savedValue struct {
	node  core.GraphNode
	value []byte
}

// primarySwap is a node the primary kernel actually changed, with its value
// before (x) and after (x') the primary update.
type primarySwap struct {
	node    core.GraphNode
	before  []byte
	forward []byte
}

// NewCorrelated builds a correlated move. It fails with a configuration error
// when there are no dragging kernels, steps is below one, weight is not
// positive, or a primary node is also perturbed by a dragging kernel.
func NewCorrelated(primary kernels.Kernel, dragging []kernels.Kernel, steps int, weight float64, autoTune bool, src random.Source) (*CorrelatedMove, error) {
	if primary == nil {
		return nil, newError(KindConfiguration, CodeNilKernel, "primary kernel is nil")
	}
	if len(dragging) == 0 {
		return nil, newError(KindConfiguration, CodeNoDragging, "correlated move needs at least one dragging kernel").
			WithContext("primary", primary.Name())
	}
	for i, d := range dragging {
		if d == nil {
			return nil, newError(KindConfiguration, CodeNilKernel, "dragging kernel %d is nil", i)
		}
	}
	if steps < 1 {
		return nil, newError(KindConfiguration, CodeBadSteps, "steps must be at least 1, got %d", steps)
	}
	if !(weight > 0) || math.IsInf(weight, 0) {
		return nil, newError(KindConfiguration, CodeBadWeight, "weight must be positive, got %v", weight)
	}
	if src == nil {
		return nil, newError(KindConfiguration, CodeNilSource, "random source is nil")
	}

	m := &CorrelatedMove{
		name:        fmt.Sprintf("correlated(%s)", primary.Name()),
		primary:     primary,
		dragging:    append([]kernels.Kernel(nil), dragging...),
		steps:       steps,
		weight:      weight,
		autoTune:    autoTune,
		src:         src,
		logger:      slog.Default(),
		locallyKept: make(map[string]bool),
	}
	if err := m.rebuild(); err != nil {
		return nil, err
	}
	m.setOwner()
	return m, nil
}

// rebuild recomputes the touched and affected sets and checks that no node
// is shared between the primary and the dragging kernels.
func (m *CorrelatedMove) rebuild() error {
	primaryNodes := m.primary.Nodes()
	draggingNodes := make([][]core.GraphNode, len(m.dragging))
	for i, d := range m.dragging {
		draggingNodes[i] = d.Nodes()
	}
	if err := m.checkDisjoint(primaryNodes, draggingNodes); err != nil {
		return err
	}

	groups := append([][]core.GraphNode{primaryNodes}, draggingNodes...)
	m.touched = uniqueByName(groups...)
	m.affected = affectedOf(m.touched)
	return nil
}

func (m *CorrelatedMove) checkDisjoint(primaryNodes []core.GraphNode, draggingNodes [][]core.GraphNode) error {
	owned := make(map[string]bool, len(primaryNodes))
	for _, n := range primaryNodes {
		owned[n.Name()] = true
	}
	var overlap []string
	for _, nodes := range draggingNodes {
		for _, n := range nodes {
			if owned[n.Name()] {
				overlap = append(overlap, n.Name())
			}
		}
	}
	if len(overlap) > 0 {
		return newError(KindConfiguration, CodeOverlap, "primary and dragging kernels share nodes").
			WithContext("primary", m.primary.Name()).
			WithContext("nodes", strings.Join(overlap, ","))
	}
	return nil
}

func (m *CorrelatedMove) setOwner() {
	m.primary.SetOwner(m.name)
	for _, d := range m.dragging {
		d.SetOwner(m.name)
	}
}

// SetName renames the move and the owner recorded on its kernels
func (m *CorrelatedMove) SetName(name string) {
	m.name = name
	m.setOwner()
}

// SetLogger replaces the logger used for warnings and decisions
func (m *CorrelatedMove) SetLogger(l *slog.Logger) {
	if l != nil {
		m.logger = l
	}
}

// SetPhaseHook installs an observer for phase transitions
func (m *CorrelatedMove) SetPhaseHook(h PhaseHook) { m.hook = h }

func (m *CorrelatedMove) Name() string            { return m.name }
func (m *CorrelatedMove) Weight() float64         { return m.weight }
func (m *CorrelatedMove) AutoTune() bool          { return m.autoTune }
func (m *CorrelatedMove) Steps() int              { return m.steps }
func (m *CorrelatedMove) Phase() Phase            { return m.phase }
func (m *CorrelatedMove) Stats() Stats            { return m.stats }
func (m *CorrelatedMove) ResetPeriod()            { m.stats.resetPeriod() }
func (m *CorrelatedMove) Primary() kernels.Kernel { return m.primary }

// Dragging returns the dragging kernels in construction order
func (m *CorrelatedMove) Dragging() []kernels.Kernel {
	return append([]kernels.Kernel(nil), m.dragging...)
}

// Nodes returns every node the move may change: primary nodes first
func (m *CorrelatedMove) Nodes() []core.GraphNode {
	return append([]core.GraphNode(nil), m.touched...)
}

// Affected returns the dependents whose probability the move changes
func (m *CorrelatedMove) Affected() []core.GraphNode {
	return append([]core.GraphNode(nil), m.affected...)
}

// TuningParameter is undefined for the compound move; its kernels carry
// their own parameters.
func (m *CorrelatedMove) TuningParameter() float64 { return math.NaN() }

// SetTuningParameter is a no-op
func (m *CorrelatedMove) SetTuningParameter(float64) {}

func (m *CorrelatedMove) setPhase(p Phase, step int) {
	m.phase = p
	if m.hook != nil {
		m.hook(p, step)
	}
}

func (m *CorrelatedMove) posterior(lHeat, pHeat, prHeat float64) float64 {
	return lnPosterior(m.touched, m.affected, lHeat, pHeat, prHeat)
}

// performMove proposes the compound update and returns its log acceptance
// ratio. On a non-computable primary Hastings ratio every node is already
// restored when it returns, and the ratio is that Hastings ratio.
func (m *CorrelatedMove) performMove(lHeat, pHeat, prHeat float64) (float64, error) {
	m.setPhase(PhaseIdle, 0)
	clear(m.locallyKept)
	m.primaryPending = false

	m.savedFull = m.savedFull[:0]
	savedPrimary := make(map[string][]byte, len(m.touched))
	for _, n := range m.touched {
		b := n.ValueBytes()
		m.savedFull = append(m.savedFull, savedValue{node: n, value: b})
		savedPrimary[n.Name()] = b
	}
	m.setPhase(PhaseSnapshotted, 0)

	exy := m.posterior(lHeat, pHeat, prHeat)

	m.primary.Prepare()
	mainHR := m.primary.Propose()
	m.primaryPending = true
	m.setPhase(PhasePrimaryProposed, 0)

	if !core.IsComputable(mainHR) {
		if math.IsNaN(mainHR) {
			m.logger.Warn("Hastings ratio is NaN", "move", m.name, "kernel", m.primary.Name())
		}
		return mainHR, m.abort()
	}

	enxy := m.posterior(lHeat, pHeat, prHeat)

	swaps, err := m.prunePrimary(savedPrimary)
	if err != nil {
		if restoreErr := m.abort(); restoreErr != nil {
			m.logger.Error("restore after invariant violation failed", "move", m.name, "error", restoreErr)
		}
		return math.NaN(), err
	}

	var fullPosteriorRatio, loopHR float64
	n := m.steps
	for ii := 0; ii < n; ii++ {
		k := m.dragging[m.src.UniformInt(len(m.dragging))]
		m.setPhase(PhaseBridging, ii+1)

		k.Prepare()
		stepHR := k.Propose()
		if !core.IsComputable(stepHR) {
			if math.IsNaN(stepHR) {
				m.logger.Warn("Hastings ratio is NaN", "move", m.name, "kernel", k.Name(), "step", ii+1)
			}
			k.Undo()
			k.Clean()
			restoreNodes(k.Nodes())
			continue
		}

		enxny := m.posterior(lHeat, pHeat, prHeat)

		if err := applySwaps(swaps, false); err != nil {
			return math.NaN(), m.failRestore(err)
		}
		exny := m.posterior(lHeat, pHeat, prHeat)
		if err := applySwaps(swaps, true); err != nil {
			return math.NaN(), m.failRestore(err)
		}

		wt := float64(ii+1) / float64(n+1)
		stepRatio := (enxy-enxny)*wt - (exy-exny)*(1-wt) + stepHR

		if metropolis(stepRatio, m.src) {
			k.Clean()
			for _, node := range k.Nodes() {
				node.Keep()
				m.locallyKept[node.Name()] = true
			}
			loopHR += stepHR
			exy = exny
			enxy = enxny
		} else {
			k.Undo()
			restoreNodes(k.Nodes())
		}

		fullPosteriorRatio += exy - enxy
	}

	return (fullPosteriorRatio + loopHR + mainHR) / float64(n+1), nil
}

// prunePrimary drops the snapshot entries of nodes the primary proposal left
// unchanged. A touched node without a snapshot entry means node identity
// changed during the move.
func (m *CorrelatedMove) prunePrimary(saved map[string][]byte) ([]primarySwap, error) {
	current := uniqueByName(m.primary.Nodes())
	for _, d := range m.dragging {
		current = uniqueByName(current, d.Nodes())
	}

	var swaps []primarySwap
	for _, n := range current {
		before, ok := saved[n.Name()]
		if !ok {
			return nil, newError(KindInvariantViolation, CodeMissingSnapshot, "no saved value for touched node").
				WithContext("move", m.name).
				WithContext("node", n.Name())
		}
		now := n.ValueBytes()
		if bytes.Equal(now, before) {
			delete(saved, n.Name())
			continue
		}
		swaps = append(swaps, primarySwap{node: n, before: before, forward: now})
	}
	return swaps, nil
}

func applySwaps(swaps []primarySwap, forward bool) error {
	for _, s := range swaps {
		v := s.before
		if forward {
			v = s.forward
		}
		if err := s.node.SetValueBytes(v); err != nil {
			return err
		}
	}
	return nil
}

func restoreNodes(nodes []core.GraphNode) {
	for _, n := range nodes {
		n.Restore()
	}
}

// abort undoes the primary proposal and restores the snapshot
func (m *CorrelatedMove) abort() error {
	if m.primaryPending {
		m.primary.Undo()
		m.primaryPending = false
	}
	err := m.restoreAll()
	m.setPhase(PhaseAborted, 0)
	return err
}

func (m *CorrelatedMove) failRestore(cause error) error {
	err := newError(KindInvariantViolation, CodeRestoreFailed, "cannot swap primary values").
		WithContext("move", m.name).
		WithCause(cause)
	if restoreErr := m.abort(); restoreErr != nil {
		m.logger.Error("restore after invariant violation failed", "move", m.name, "error", restoreErr)
	}
	return err
}

// restoreAll puts every touched node back to its snapshot value, including
// nodes locally accepted during bridging. Restored nodes whose value still
// differs from the snapshot are overwritten, and those and the locally kept
// ones are kept again once every value is back in place.
func (m *CorrelatedMove) restoreAll() error {
	var rekeep []core.GraphNode
	for _, s := range m.savedFull {
		s.node.Restore()
		if bytes.Equal(s.node.ValueBytes(), s.value) {
			if m.locallyKept[s.node.Name()] {
				rekeep = append(rekeep, s.node)
			}
			continue
		}
		if err := s.node.SetValueBytes(s.value); err != nil {
			return newError(KindInvariantViolation, CodeRestoreFailed, "cannot restore snapshot value").
				WithContext("move", m.name).
				WithContext("node", s.node.Name()).
				WithCause(err)
		}
		rekeep = append(rekeep, s.node)
	}
	for _, n := range rekeep {
		n.Keep()
	}
	clear(m.locallyKept)
	return nil
}

func (m *CorrelatedMove) accept() {
	if m.primaryPending {
		m.primary.Clean()
		m.primaryPending = false
	}
	for _, n := range m.touched {
		n.Keep()
	}
	clear(m.locallyKept)
	m.stats.record(true)
	m.setPhase(PhaseAccepted, 0)
}

func (m *CorrelatedMove) reject() error {
	var err error
	if m.phase != PhaseAborted {
		err = m.abort()
	}
	m.stats.record(false)
	m.setPhase(PhaseRejected, 0)
	return err
}

func (m *CorrelatedMove) decide(ratio float64, accept bool) error {
	m.logger.Debug("correlated move decided", "move", m.name, "ratio", ratio, "accepted", accept)
	if accept {
		m.accept()
		return nil
	}
	return m.reject()
}

// PerformMcmcMove runs the compound proposal and accepts it with probability
// min(1, exp(ratio)). An invariant violation is returned after the snapshot
// has been restored as far as possible; the chain must not continue.
func (m *CorrelatedMove) PerformMcmcMove(priorHeat, likelihoodHeat, posteriorHeat float64) error {
	ratio, err := m.performMove(likelihoodHeat, posteriorHeat, priorHeat)
	if err != nil {
		m.stats.record(false)
		m.setPhase(PhaseRejected, 0)
		return err
	}
	return m.decide(ratio, metropolis(ratio, m.src))
}

// PerformHillClimbingMove runs the compound proposal and accepts it only
// when the ratio is not negative.
func (m *CorrelatedMove) PerformHillClimbingMove(likelihoodHeat, posteriorHeat float64) error {
	ratio, err := m.performMove(likelihoodHeat, posteriorHeat, 1)
	if err != nil {
		m.stats.record(false)
		m.setPhase(PhaseRejected, 0)
		return err
	}
	return m.decide(ratio, greedy(ratio))
}

// Tune forwards the acceptance rate of the current period to the primary
// and every dragging kernel, then starts a new period. Periods with fewer
// than MinTuningTrials trials are left to accumulate.
func (m *CorrelatedMove) Tune() {
	if m.stats.TriedPeriod < MinTuningTrials {
		return
	}
	rate := m.stats.PeriodAcceptanceRate()
	m.primary.Tune(rate)
	for _, d := range m.dragging {
		d.Tune(rate)
	}
	m.stats.resetPeriod()
}

// SwapNode replaces old in the primary kernel if it owns it, otherwise in
// every dragging kernel that does. The disjointness check runs on the
// resulting node sets before any kernel changes, so a rejected swap leaves
// the move as it was.
func (m *CorrelatedMove) SwapNode(old, replacement core.GraphNode) error {
	primaryNodes, inPrimary := replaceNode(m.primary.Nodes(), old, replacement)
	draggingNodes := make([][]core.GraphNode, len(m.dragging))
	var owners []kernels.Kernel
	for i, d := range m.dragging {
		nodes, ok := d.Nodes(), false
		if !inPrimary {
			nodes, ok = replaceNode(nodes, old, replacement)
		}
		draggingNodes[i] = nodes
		if ok {
			owners = append(owners, d)
		}
	}
	if inPrimary {
		owners = []kernels.Kernel{m.primary}
	}
	if len(owners) == 0 {
		return nil
	}
	if err := m.checkDisjoint(primaryNodes, draggingNodes); err != nil {
		return err
	}

	for i, k := range owners {
		if _, err := k.SwapNode(old, replacement); err != nil {
			for _, done := range owners[:i] {
				_, _ = done.SwapNode(replacement, old)
			}
			return newError(KindConfiguration, CodeSwapFailed, "swap node in kernel").
				WithContext("move", m.name).WithContext("kernel", k.Name()).
				WithContext("node", old.Name()).WithCause(err)
		}
	}
	return m.rebuild()
}

// replaceNode returns a copy of nodes with old replaced and whether old was present
func replaceNode(nodes []core.GraphNode, old, replacement core.GraphNode) ([]core.GraphNode, bool) {
	out := slices.Clone(nodes)
	i := slices.Index(out, old)
	if i < 0 {
		return out, false
	}
	out[i] = replacement
	return out, true
}

var _ Move = (*CorrelatedMove)(nil)
