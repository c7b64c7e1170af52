// Package model defines the probabilistic graphical models dagmc samples.
//
// A Graph is a directed acyclic graph of core.Nodes: constants, stochastic
// nodes with a density over their parents' values, and deterministic nodes
// computed from their parents. Nodes are added parents first and are looked
// up by name, which is also how moves and checkpoints identify them.
//
// Key operations:
//   - Builder methods AddConstant, AddStochastic, AddDeterministic, Clamp
//   - Validate and TopologicalOrder for consistency checks
//   - LnPosterior with separate prior, likelihood and posterior heats
//   - Clone for independent chains, Checkpoint/RestoreCheckpoint for resuming
//
// Graphs are created by the compiler from YAML model specifications. A graph
// and its nodes belong to exactly one chain and are not safe for concurrent use.
package model

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sbl8/dagmc/core"
)

var (
	// ErrDuplicateNode is returned when a name is added twice
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrUnknownNode is returned for references to names not in the graph
	ErrUnknownNode = errors.New("unknown node")
)

// Graph is a named collection of nodes in insertion order
type Graph struct {
	nodes []*core.Node
	index map[string]int
}

// New returns an empty graph
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

// NodeCount returns the number of nodes in the graph
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// Node returns the node called name
func (g *Graph) Node(name string) (*core.Node, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// MustNode returns the node called name or an ErrUnknownNode error
func (g *Graph) MustNode(name string) (*core.Node, error) {
	n, ok := g.Node(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}
	return n, nil
}

// Nodes returns every node in insertion order
func (g *Graph) Nodes() []*core.Node {
	return slices.Clone(g.nodes)
}

// Stochastic returns the stochastic nodes that are not clamped, the ones a
// sampler updates.
func (g *Graph) Stochastic() []*core.Node {
	var out []*core.Node
	for _, n := range g.nodes {
		if n.Kind() == core.KindStochastic && !n.IsClamped() {
			out = append(out, n)
		}
	}
	return out
}

// Monitored returns the nodes recorded in samples: free stochastic nodes and
// deterministic nodes.
func (g *Graph) Monitored() []*core.Node {
	var out []*core.Node
	for _, n := range g.nodes {
		switch {
		case n.Kind() == core.KindDeterministic:
			out = append(out, n)
		case n.Kind() == core.KindStochastic && !n.IsClamped():
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) add(n *core.Node) (*core.Node, error) {
	if n.Name() == "" {
		return nil, errors.New("node name is empty")
	}
	if _, exists := g.index[n.Name()]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, n.Name())
	}
	g.index[n.Name()] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return n, nil
}

func (g *Graph) resolve(names []string) ([]*core.Node, error) {
	parents := make([]*core.Node, len(names))
	for i, name := range names {
		p, err := g.MustNode(name)
		if err != nil {
			return nil, err
		}
		parents[i] = p
	}
	return parents, nil
}

// AddConstant adds a node with a fixed value
func (g *Graph) AddConstant(name string, v core.Value) (*core.Node, error) {
	return g.add(core.NewConstant(name, v))
}

// AddStochastic adds a random variable distributed as dist over the named
// parents, one parent per distribution parameter.
func (g *Graph) AddStochastic(name string, dist Distribution, init core.Value, parents ...string) (*core.Node, error) {
	if len(parents) != dist.Arity {
		return nil, fmt.Errorf("node %q: %s takes %d parameters, got %d", name, dist.Name, dist.Arity, len(parents))
	}
	ps, err := g.resolve(parents)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", name, err)
	}
	return g.add(core.NewStochastic(name, init, dist.Density, ps...))
}

// AddDeterministic adds a node computed by fn from the named parents
func (g *Graph) AddDeterministic(name string, fn Function, parents ...string) (*core.Node, error) {
	if fn.Arity >= 0 && len(parents) != fn.Arity {
		return nil, fmt.Errorf("node %q: %s takes %d arguments, got %d", name, fn.Name, fn.Arity, len(parents))
	}
	if len(parents) == 0 {
		return nil, fmt.Errorf("node %q: %s needs at least one argument", name, fn.Name)
	}
	ps, err := g.resolve(parents)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", name, err)
	}
	return g.add(core.NewDeterministic(name, fn.Fn, ps...))
}

// Clamp fixes a stochastic node to observed data
func (g *Graph) Clamp(name string, v core.Value) error {
	n, err := g.MustNode(name)
	if err != nil {
		return err
	}
	return n.Clamp(v)
}

// Validate checks graph consistency: the graph is non-empty, acyclic, and
// its current state has a finite log posterior.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	for _, n := range g.nodes {
		for _, p := range n.Parents() {
			if q, ok := g.Node(p.Name()); !ok || q != p {
				return fmt.Errorf("node %q references node %q outside the graph", n.Name(), p.Name())
			}
		}
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	for _, n := range g.nodes {
		if lp := n.LnProbability(); !core.IsComputable(lp) {
			return fmt.Errorf("node %q has non-finite log probability %v", n.Name(), lp)
		}
	}
	return nil
}

// TopologicalOrder returns the nodes with every parent before its children
func (g *Graph) TopologicalOrder() ([]*core.Node, error) {
	inDegree := make(map[*core.Node]int, len(g.nodes))
	for _, n := range g.nodes {
		inDegree[n] = len(n.Parents())
	}

	// Kahn's algorithm, seeded in insertion order for a stable result
	queue := make([]*core.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]*core.Node, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, child := range current.Children() {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("graph has a cycle: %d of %d nodes ordered", len(order), len(g.nodes))
	}
	return order, nil
}

// LnLikelihood sums the log probabilities of clamped nodes
func (g *Graph) LnLikelihood() float64 {
	var lp float64
	for _, n := range g.nodes {
		if n.IsClamped() {
			lp += n.LnProbability()
		}
	}
	return lp
}

// LnPrior sums the log probabilities of unclamped stochastic nodes
func (g *Graph) LnPrior() float64 {
	var lp float64
	for _, n := range g.Stochastic() {
		lp += n.LnProbability()
	}
	return lp
}

// LnPosterior is posteriorHeat·(likelihoodHeat·LnLikelihood + priorHeat·LnPrior)
func (g *Graph) LnPosterior(priorHeat, likelihoodHeat, posteriorHeat float64) float64 {
	return posteriorHeat * (likelihoodHeat*g.LnLikelihood() + priorHeat*g.LnPrior())
}

// KeepAll keeps every node in topological order. Call it once after
// building so every probability ratio starts at zero.
func (g *Graph) KeepAll() error {
	order, err := g.TopologicalOrder()
	if err != nil {
		return err
	}
	for _, n := range order {
		n.Keep()
	}
	return nil
}

// Clone returns an independent deep copy of the graph
func (g *Graph) Clone() (*Graph, error) {
	c := New()
	mapped := make(map[*core.Node]*core.Node, len(g.nodes))
	for _, n := range g.nodes {
		parents := make([]*core.Node, len(n.Parents()))
		for i, p := range n.Parents() {
			mp, ok := mapped[p]
			if !ok {
				return nil, fmt.Errorf("node %q: parent %q not cloned yet", n.Name(), p.Name())
			}
			parents[i] = mp
		}
		cn, err := c.add(n.CloneWith(parents))
		if err != nil {
			return nil, err
		}
		mapped[n] = cn
	}
	return c, nil
}
