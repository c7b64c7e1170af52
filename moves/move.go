// Package moves implements Metropolis-Hastings moves over a model graph.
//
// A move composes one or more proposal kernels into an update that is
// accepted or rejected as a whole. MHMove wraps a single kernel.
// CorrelatedMove updates a primary variable and drags correlated variables
// along through a number of bridging steps, each locally accepted against a
// posterior interpolated between the old and the new primary value. Local
// acceptances are provisional: if the compound move is rejected every
// touched node is put back to its value from before the move.
//
// Moves are single-threaded. A chain applies one move at a time and each
// move draws all of its randomness from the random.Source it was built with.
package moves

import (
	"math"

	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/random"
)

// Move is what a scheduler drives
type Move interface {
	Name() string
	Weight() float64
	AutoTune() bool
	// Nodes returns the nodes the move may change.
	Nodes() []core.GraphNode

	PerformMcmcMove(priorHeat, likelihoodHeat, posteriorHeat float64) error
	PerformHillClimbingMove(likelihoodHeat, posteriorHeat float64) error

	// Tune feeds the acceptance rate of the current period to the kernels.
	Tune()
	TuningParameter() float64
	SwapNode(old, replacement core.GraphNode) error

	Stats() Stats
	ResetPeriod()
}

// MinTuningTrials is the number of trials a period needs before Tune acts
const MinTuningTrials = 4

// Stats counts trials and acceptances overall and in the current tuning period
type Stats struct {
	Tried          uint64
	Accepted       uint64
	TriedPeriod    uint64
	AcceptedPeriod uint64
}

// AcceptanceRate is the overall fraction of accepted trials
func (s Stats) AcceptanceRate() float64 {
	if s.Tried == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Tried)
}

// PeriodAcceptanceRate is the fraction of accepted trials in the current period
func (s Stats) PeriodAcceptanceRate() float64 {
	if s.TriedPeriod == 0 {
		return 0
	}
	return float64(s.AcceptedPeriod) / float64(s.TriedPeriod)
}

func (s *Stats) record(accepted bool) {
	s.Tried++
	s.TriedPeriod++
	if accepted {
		s.Accepted++
		s.AcceptedPeriod++
	}
}

func (s *Stats) resetPeriod() {
	s.TriedPeriod = 0
	s.AcceptedPeriod = 0
}

// Phase is the position of a move inside one PerformMcmcMove call
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseSnapshotted
	PhasePrimaryProposed
	PhaseAborted
	PhaseBridging
	PhaseAccepted
	PhaseRejected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSnapshotted:
		return "snapshotted"
	case PhasePrimaryProposed:
		return "primary-proposed"
	case PhaseAborted:
		return "aborted"
	case PhaseBridging:
		return "bridging"
	case PhaseAccepted:
		return "accepted"
	case PhaseRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// PhaseHook observes phase transitions. step is the 1-based bridging round
// for PhaseBridging and zero otherwise.
type PhaseHook func(phase Phase, step int)

// lnPosterior weighs the log densities of touched and affected nodes.
// Clamped nodes count as likelihood, everything else as prior. Summation
// stops once either accumulator is no longer finite.
func lnPosterior(touched, affected []core.GraphNode, lHeat, pHeat, prHeat float64) float64 {
	for _, n := range touched {
		n.Touch()
	}
	var lnLikelihood, lnPrior float64
	accumulate := func(nodes []core.GraphNode) bool {
		for _, n := range nodes {
			if n.IsClamped() {
				lnLikelihood += n.LnProbability()
			} else {
				lnPrior += n.LnProbability()
			}
			if !core.IsComputable(lnLikelihood) || !core.IsComputable(lnPrior) {
				return false
			}
		}
		return true
	}
	if accumulate(touched) {
		accumulate(affected)
	}
	return pHeat * (lHeat*lnLikelihood + prHeat*lnPrior)
}

// lnPosteriorRatio is lnPosterior over probability ratios against the last
// kept values.
func lnPosteriorRatio(touched, affected []core.GraphNode, lHeat, pHeat, prHeat float64) float64 {
	var lnLikelihood, lnPrior float64
	accumulate := func(nodes []core.GraphNode) bool {
		for _, n := range nodes {
			if n.IsClamped() {
				lnLikelihood += n.LnProbabilityRatio()
			} else {
				lnPrior += n.LnProbabilityRatio()
			}
			if !core.IsComputable(lnLikelihood) || !core.IsComputable(lnPrior) {
				return false
			}
		}
		return true
	}
	if accumulate(touched) {
		accumulate(affected)
	}
	return pHeat * (lHeat*lnLikelihood + prHeat*lnPrior)
}

// metropolis is the stochastic acceptance test. The uniform draw is only
// consumed when the ratio is finite and negative.
func metropolis(ratio float64, src random.Source) bool {
	if !core.IsComputable(ratio) {
		return false
	}
	return ratio >= 0 || src.Uniform01() < math.Exp(ratio)
}

// greedy is the hill-climbing acceptance test
func greedy(ratio float64) bool {
	return core.IsComputable(ratio) && ratio >= 0
}

// affectedOf collects the dependents of nodes that are not themselves in
// nodes, deduplicated by name in first-seen order.
func affectedOf(nodes []core.GraphNode) []core.GraphNode {
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seen[n.Name()] = true
	}
	var out []core.GraphNode
	for _, n := range nodes {
		for _, a := range n.Affected() {
			if seen[a.Name()] {
				continue
			}
			seen[a.Name()] = true
			out = append(out, a)
		}
	}
	return out
}

// uniqueByName appends the nodes of every group once, in order
func uniqueByName(groups ...[]core.GraphNode) []core.GraphNode {
	seen := make(map[string]bool)
	var out []core.GraphNode
	for _, g := range groups {
		for _, n := range g {
			if seen[n.Name()] {
				continue
			}
			seen[n.Name()] = true
			out = append(out, n)
		}
	}
	return out
}
