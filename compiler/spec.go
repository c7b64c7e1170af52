// Package compiler turns YAML model specifications into runnable models.
//
// A specification declares graph nodes and the moves that update them:
//
//	nodes:
//	  - {name: sigma, dist: exponential, params: [1], init: 1}
//	  - {name: a, dist: normal, params: [0, sigma], init: 0}
//	  - {name: b, dist: normal, params: [a, 1], init: 0}
//	  - {name: y, dist: normal, params: [b, 1], observed: [0.3, 0.1]}
//	moves:
//	  - {type: mh, name: slide-a, kernel: slide, nodes: [a], weight: 2}
//	  - type: correlated
//	    primary: {kernel: scale, nodes: [sigma]}
//	    dragging:
//	      - {ref: slide-a}
//	      - {kernel: slide, nodes: [b]}
//	    steps: 4
//
// Parameters are numbers, vectors, or the names of earlier nodes. Numbers
// become anonymous constant nodes. A dragging or primary entry may reference
// an mh move by name to reuse its kernel settings; only mh moves can be
// referenced.
//
// Compilation pipeline:
//  1. Parse YAML into a Spec
//  2. Build the graph in declaration order, clamp observations, validate
//  3. Build kernels from the kernels.Catalog and assemble the moves
package compiler

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sbl8/dagmc/core"
)

// Spec is a complete model specification
type Spec struct {
	Nodes []NodeSpec `yaml:"nodes"`
	Moves []MoveSpec `yaml:"moves"`
}

// NodeSpec declares one graph node. Exactly one of Value, Dist or Fn is set.
type NodeSpec struct {
	Name     string  `yaml:"name"`
	Value    *Param  `yaml:"value,omitempty"`
	Dist     string  `yaml:"dist,omitempty"`
	Fn       string  `yaml:"fn,omitempty"`
	Params   []Param `yaml:"params,omitempty"`
	Init     *Param  `yaml:"init,omitempty"`
	Observed *Param  `yaml:"observed,omitempty"`
}

// KernelSpec configures one proposal kernel
type KernelSpec struct {
	Ref    string   `yaml:"ref,omitempty"`
	Kernel string   `yaml:"kernel,omitempty"`
	Nodes  []string `yaml:"nodes,omitempty"`
	Down   []string `yaml:"down,omitempty"`
	Tuning float64  `yaml:"tuning,omitempty"`
	Target float64  `yaml:"target,omitempty"`
}

// MoveSpec declares a move. mh moves use the inline kernel fields;
// correlated moves use Primary, Dragging and Steps.
type MoveSpec struct {
	KernelSpec `yaml:",inline"`

	Type     string       `yaml:"type"`
	Name     string       `yaml:"name,omitempty"`
	Primary  *KernelSpec  `yaml:"primary,omitempty"`
	Dragging []KernelSpec `yaml:"dragging,omitempty"`
	Steps    int          `yaml:"steps,omitempty"`
	Weight   float64      `yaml:"weight,omitempty"`
	Tune     *bool        `yaml:"tune,omitempty"`
}

// Param is a literal value or a reference to a node by name
type Param struct {
	Node  string
	Value core.Value
}

// IsRef reports whether the parameter names a node
func (p Param) IsRef() bool { return p.Node != "" }

// UnmarshalYAML accepts a number, a list of numbers, or a node name
func (p *Param) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		switch value.ShortTag() {
		case "!!int", "!!float":
			var f float64
			if err := value.Decode(&f); err != nil {
				return fmt.Errorf("line %d: invalid number %q: %w", value.Line, value.Value, err)
			}
			*p = Param{Value: core.Scalar(f)}
		case "!!str":
			*p = Param{Node: value.Value}
		default:
			return fmt.Errorf("line %d: invalid parameter %q", value.Line, value.Value)
		}
		return nil
	case yaml.SequenceNode:
		var xs []float64
		if err := value.Decode(&xs); err != nil {
			return fmt.Errorf("line %d: vector parameters must be numbers: %w", value.Line, err)
		}
		*p = Param{Value: core.Value(xs)}
		return nil
	default:
		return fmt.Errorf("line %d: parameter must be a number, a list of numbers or a node name", value.Line)
	}
}

// MarshalYAML writes the parameter back in the form it was read
func (p Param) MarshalYAML() (any, error) {
	if p.IsRef() {
		return p.Node, nil
	}
	if len(p.Value) == 1 {
		return p.Value[0], nil
	}
	return []float64(p.Value), nil
}

// Parse decodes a specification. Unknown fields are rejected.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parse model spec: %w", err)
	}
	if len(spec.Nodes) == 0 {
		return nil, errors.New("parse model spec: no nodes declared")
	}
	return &spec, nil
}

// Load reads and parses a specification file
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model spec: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}
