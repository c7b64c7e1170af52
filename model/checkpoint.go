package model

import (
	"fmt"

	"github.com/sbl8/dagmc/core"
)

// Values returns the current values of the monitored nodes
func (g *Graph) Values() []core.NamedValue {
	monitored := g.Monitored()
	out := make([]core.NamedValue, len(monitored))
	for i, n := range monitored {
		out[i] = core.NamedValue{Name: n.Name(), Value: n.Value().Clone()}
	}
	return out
}

// Checkpoint serializes the values of every free stochastic node
func (g *Graph) Checkpoint() ([]byte, error) {
	free := g.Stochastic()
	entries := make([]core.NamedValue, len(free))
	for i, n := range free {
		entries[i] = core.NamedValue{Name: n.Name(), Value: n.Value()}
	}
	return core.EncodeCheckpoint(entries)
}

// RestoreCheckpoint sets the values stored by Checkpoint and keeps them.
// Every entry must name a free stochastic node of this graph.
func (g *Graph) RestoreCheckpoint(data []byte) error {
	entries, err := core.DecodeCheckpoint(data)
	if err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	for _, e := range entries {
		n, err := g.MustNode(e.Name)
		if err != nil {
			return fmt.Errorf("restore checkpoint: %w", err)
		}
		if n.Kind() != core.KindStochastic || n.IsClamped() {
			return fmt.Errorf("restore checkpoint: node %q is not a free stochastic node", e.Name)
		}
	}
	for _, e := range entries {
		n, _ := g.Node(e.Name)
		n.SetValues(e.Value)
	}
	return g.KeepAll()
}
