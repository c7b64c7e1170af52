package compiler

import (
	"fmt"

	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/kernels"
	"github.com/sbl8/dagmc/model"
	"github.com/sbl8/dagmc/moves"
	"github.com/sbl8/dagmc/random"
)

// Move types
const (
	MoveMH         = "mh"
	MoveCorrelated = "correlated"
)

// Build compiles spec into a fresh graph and its moves. Every call returns
// independent nodes and kernels drawing randomness from src, so one spec can
// be built once per chain.
func Build(spec *Spec, src random.Source) (*model.Graph, []moves.Move, error) {
	g, err := BuildGraph(spec)
	if err != nil {
		return nil, nil, err
	}
	ms, err := buildMoves(spec, g, src)
	if err != nil {
		return nil, nil, err
	}
	return g, ms, nil
}

// BuildGraph builds, validates and keeps the graph of spec
func BuildGraph(spec *Spec) (*model.Graph, error) {
	g := model.New()
	for i, ns := range spec.Nodes {
		if err := addNode(g, ns); err != nil {
			return nil, fmt.Errorf("nodes[%d] %q: %w", i, ns.Name, err)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	if err := g.KeepAll(); err != nil {
		return nil, err
	}
	return g, nil
}

func addNode(g *model.Graph, ns NodeSpec) error {
	set := 0
	for _, ok := range []bool{ns.Value != nil, ns.Dist != "", ns.Fn != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of value, dist or fn is required")
	}

	switch {
	case ns.Value != nil:
		if ns.Value.IsRef() {
			return fmt.Errorf("constant value must be numeric")
		}
		_, err := g.AddConstant(ns.Name, ns.Value.Value)
		return err

	case ns.Fn != "":
		fn, err := model.LookupFunction(ns.Fn)
		if err != nil {
			return err
		}
		parents, err := paramNodes(g, ns.Name, ns.Params)
		if err != nil {
			return err
		}
		_, err = g.AddDeterministic(ns.Name, fn, parents...)
		return err

	default:
		dist, err := model.LookupDistribution(ns.Dist)
		if err != nil {
			return err
		}
		parents, err := paramNodes(g, ns.Name, ns.Params)
		if err != nil {
			return err
		}
		if (ns.Init != nil && ns.Init.IsRef()) || (ns.Observed != nil && ns.Observed.IsRef()) {
			return fmt.Errorf("init and observed must be numeric")
		}
		start := core.Scalar(0)
		switch {
		case ns.Observed != nil:
			start = ns.Observed.Value
		case ns.Init != nil:
			start = ns.Init.Value
		}
		if _, err := g.AddStochastic(ns.Name, dist, start, parents...); err != nil {
			return err
		}
		if ns.Observed != nil {
			return g.Clamp(ns.Name, ns.Observed.Value)
		}
		return nil
	}
}

// paramNodes resolves parameters to node names, adding a constant node for
// every literal.
func paramNodes(g *model.Graph, owner string, params []Param) ([]string, error) {
	names := make([]string, len(params))
	for i, p := range params {
		if p.IsRef() {
			names[i] = p.Node
			continue
		}
		name := fmt.Sprintf("%s.p%d", owner, i)
		if _, err := g.AddConstant(name, p.Value); err != nil {
			return nil, err
		}
		names[i] = name
	}
	return names, nil
}

func buildMoves(spec *Spec, g *model.Graph, src random.Source) ([]moves.Move, error) {
	mhByName := make(map[string]KernelSpec)
	typeByName := make(map[string]string)
	for _, ms := range spec.Moves {
		if ms.Name == "" {
			continue
		}
		typeByName[ms.Name] = ms.Type
		if ms.Type == MoveMH {
			mhByName[ms.Name] = ms.KernelSpec
		}
	}

	resolve := func(ks KernelSpec) (KernelSpec, error) {
		if ks.Ref == "" {
			return ks, nil
		}
		t, ok := typeByName[ks.Ref]
		if !ok {
			return ks, fmt.Errorf("unknown move %q", ks.Ref)
		}
		if t != MoveMH {
			return ks, fmt.Errorf("move %q is a %s move; only mh moves can be dragged", ks.Ref, t)
		}
		return mhByName[ks.Ref], nil
	}

	out := make([]moves.Move, 0, len(spec.Moves))
	for i, ms := range spec.Moves {
		m, err := buildMove(ms, g, src, resolve)
		if err != nil {
			return nil, fmt.Errorf("moves[%d] %s: %w", i, ms.Type, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func buildMove(ms MoveSpec, g *model.Graph, src random.Source, resolve func(KernelSpec) (KernelSpec, error)) (moves.Move, error) {
	weight := ms.Weight
	if weight == 0 {
		weight = 1
	}
	autoTune := ms.Tune == nil || *ms.Tune

	switch ms.Type {
	case MoveMH:
		k, err := buildKernel(ms.KernelSpec, g, src)
		if err != nil {
			return nil, err
		}
		m, err := moves.NewMH(k, weight, autoTune, src)
		if err != nil {
			return nil, err
		}
		if ms.Name != "" {
			m.SetName(ms.Name)
		}
		return m, nil

	case MoveCorrelated:
		if ms.Primary == nil {
			return nil, fmt.Errorf("primary kernel is required")
		}
		ps, err := resolve(*ms.Primary)
		if err != nil {
			return nil, fmt.Errorf("primary: %w", err)
		}
		primary, err := buildKernel(ps, g, src)
		if err != nil {
			return nil, fmt.Errorf("primary: %w", err)
		}
		dragging := make([]kernels.Kernel, 0, len(ms.Dragging))
		for j, ds := range ms.Dragging {
			ds, err := resolve(ds)
			if err != nil {
				return nil, fmt.Errorf("dragging[%d]: %w", j, err)
			}
			k, err := buildKernel(ds, g, src)
			if err != nil {
				return nil, fmt.Errorf("dragging[%d]: %w", j, err)
			}
			dragging = append(dragging, k)
		}
		steps := ms.Steps
		if steps == 0 {
			steps = 1
		}
		m, err := moves.NewCorrelated(primary, dragging, steps, weight, autoTune, src)
		if err != nil {
			return nil, err
		}
		if ms.Name != "" {
			m.SetName(ms.Name)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unknown move type %q", ms.Type)
	}
}

func buildKernel(ks KernelSpec, g *model.Graph, src random.Source) (kernels.Kernel, error) {
	ctor, err := kernels.Lookup(ks.Kernel)
	if err != nil {
		return nil, err
	}
	up, err := realNodes(g, ks.Nodes)
	if err != nil {
		return nil, err
	}
	down, err := realNodes(g, ks.Down)
	if err != nil {
		return nil, err
	}
	return ctor(kernels.Options{
		Nodes:  up,
		Down:   down,
		Tuning: ks.Tuning,
		Target: ks.Target,
	}, src)
}

func realNodes(g *model.Graph, names []string) ([]core.RealNode, error) {
	out := make([]core.RealNode, 0, len(names))
	for _, name := range names {
		n, err := g.MustNode(name)
		if err != nil {
			return nil, err
		}
		if n.Kind() != core.KindStochastic || n.IsClamped() {
			return nil, fmt.Errorf("node %q cannot be updated by a kernel", name)
		}
		out = append(out, n)
	}
	return out, nil
}

// Summary describes a compiled model
type Summary struct {
	Nodes             int
	Stochastic        int
	Clamped           int
	Moves             int
	MovesPerIteration float64
	LnPosterior       float64
}

// Check builds spec once and summarizes the result
func Check(spec *Spec) (Summary, error) {
	g, ms, err := Build(spec, random.New(0))
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Nodes:       g.NodeCount(),
		Stochastic:  len(g.Stochastic()),
		Moves:       len(ms),
		LnPosterior: g.LnPosterior(1, 1, 1),
	}
	for _, n := range g.Nodes() {
		if n.IsClamped() {
			s.Clamped++
		}
	}
	for _, m := range ms {
		s.MovesPerIteration += m.Weight()
	}
	return s, nil
}
