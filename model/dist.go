package model

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sbl8/dagmc/core"
)

// Distribution is a named log density over a node value and its parameters.
// Parameters are scalars or vectors matching the value element by element.
type Distribution struct {
	Name    string
	Arity   int
	Density core.Density
}

// Function is a named deterministic transform. Arity -1 accepts any number
// of arguments.
type Function struct {
	Name  string
	Arity int
	Fn    core.Function
}

// logProber is the part of a gonum distribution the densities use
type logProber interface {
	LogProb(x float64) float64
}

// elementwise builds a density summing build(params_i).LogProb(x_i) over the
// elements of x. build returns nil for invalid parameters.
func elementwise(build func(p []float64) logProber) core.Density {
	return func(x core.Value, params []core.Value) float64 {
		p := make([]float64, len(params))
		var lp float64
		for i, xi := range x {
			for j, param := range params {
				switch len(param) {
				case 1:
					p[j] = param[0]
				case len(x):
					p[j] = param[i]
				default:
					return math.NaN()
				}
			}
			d := build(p)
			if d == nil {
				return math.Inf(-1)
			}
			lp += d.LogProb(xi)
		}
		return lp
	}
}

func positive(v float64) bool { return v > 0 && !math.IsInf(v, 1) }

var distributions = map[string]Distribution{
	"normal": {Name: "normal", Arity: 2, Density: elementwise(func(p []float64) logProber {
		if !positive(p[1]) {
			return nil
		}
		return distuv.Normal{Mu: p[0], Sigma: p[1]}
	})},
	"lognormal": {Name: "lognormal", Arity: 2, Density: elementwise(func(p []float64) logProber {
		if !positive(p[1]) {
			return nil
		}
		return distuv.LogNormal{Mu: p[0], Sigma: p[1]}
	})},
	"exponential": {Name: "exponential", Arity: 1, Density: elementwise(func(p []float64) logProber {
		if !positive(p[0]) {
			return nil
		}
		return distuv.Exponential{Rate: p[0]}
	})},
	"gamma": {Name: "gamma", Arity: 2, Density: elementwise(func(p []float64) logProber {
		if !positive(p[0]) || !positive(p[1]) {
			return nil
		}
		return distuv.Gamma{Alpha: p[0], Beta: p[1]}
	})},
	"uniform": {Name: "uniform", Arity: 2, Density: elementwise(func(p []float64) logProber {
		if !(p[0] < p[1]) {
			return nil
		}
		return distuv.Uniform{Min: p[0], Max: p[1]}
	})},
	"beta": {Name: "beta", Arity: 2, Density: elementwise(func(p []float64) logProber {
		if !positive(p[0]) || !positive(p[1]) {
			return nil
		}
		return distuv.Beta{Alpha: p[0], Beta: p[1]}
	})},
}

// LookupDistribution returns the distribution registered under name
func LookupDistribution(name string) (Distribution, error) {
	d, ok := distributions[name]
	if !ok {
		return Distribution{}, fmt.Errorf("unknown distribution %q (known: %v)", name, DistributionNames())
	}
	return d, nil
}

// DistributionNames lists the registered distributions in sorted order
func DistributionNames() []string {
	names := make([]string, 0, len(distributions))
	for name := range distributions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// broadcast applies op across the arguments element by element. Scalar
// arguments are repeated to the length of the longest one.
func broadcast(params []core.Value, init float64, op func(acc, v float64) float64) core.Value {
	n := 0
	for _, p := range params {
		n = max(n, len(p))
	}
	out := make(core.Value, n)
	for i := range out {
		acc := init
		for _, p := range params {
			switch len(p) {
			case 1:
				acc = op(acc, p[0])
			case n:
				acc = op(acc, p[i])
			default:
				acc = math.NaN()
			}
		}
		out[i] = acc
	}
	return out
}

func unary(op func(float64) float64) core.Function {
	return func(params []core.Value) core.Value {
		out := params[0].Clone()
		for i, v := range out {
			out[i] = op(v)
		}
		return out
	}
}

var functions = map[string]Function{
	"add": {Name: "add", Arity: -1, Fn: func(params []core.Value) core.Value {
		return broadcast(params, 0, func(acc, v float64) float64 { return acc + v })
	}},
	"mul": {Name: "mul", Arity: -1, Fn: func(params []core.Value) core.Value {
		return broadcast(params, 1, func(acc, v float64) float64 { return acc * v })
	}},
	"exp": {Name: "exp", Arity: 1, Fn: unary(math.Exp)},
	"log": {Name: "log", Arity: 1, Fn: unary(math.Log)},
	"neg": {Name: "neg", Arity: 1, Fn: unary(func(v float64) float64 { return -v })},
}

// LookupFunction returns the function registered under name
func LookupFunction(name string) (Function, error) {
	f, ok := functions[name]
	if !ok {
		return Function{}, fmt.Errorf("unknown function %q", name)
	}
	return f, nil
}
