package main

import (
	"fmt"
	"os"
	goruntime "runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbl8/dagmc/compiler"
	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/logging"
	"github.com/sbl8/dagmc/runtime"
)

type options struct {
	iterations int
	chains     int
	dim        int
	steps      int
	seed       uint64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := options{}
	cmd := &cobra.Command{
		Use:   "mcperf [model.yaml]",
		Short: "Measure move throughput",
		Long: `mcperf times chains over a model. Without a model it uses a synthetic
hierarchical normal model of --dim variables sharing one scale, updated by
one mh move per variable and one correlated move on the scale.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				spec *compiler.Spec
				err  error
			)
			if len(args) == 1 {
				spec, err = compiler.Load(args[0])
			} else {
				spec, err = synthetic(o.dim, o.steps)
			}
			if err != nil {
				return err
			}
			return measure(cmd, spec, o)
		},
	}
	fl := cmd.Flags()
	fl.IntVarP(&o.iterations, "iterations", "n", 2000, "generations per chain")
	fl.IntVar(&o.chains, "chains", 1, "parallel chains")
	fl.IntVar(&o.dim, "dim", 16, "variables in the synthetic model")
	fl.IntVar(&o.steps, "steps", 4, "bridging steps of the synthetic correlated move")
	fl.Uint64Var(&o.seed, "seed", 1, "random seed")
	return cmd
}

// synthetic builds x_i ~ normal(0, sigma), y_i ~ normal(x_i, 1) with one
// observation per variable.
func synthetic(dim, steps int) (*compiler.Spec, error) {
	if dim < 1 {
		return nil, fmt.Errorf("dim must be at least 1, got %d", dim)
	}
	num := func(v float64) compiler.Param { return compiler.Param{Value: core.Scalar(v)} }
	ref := func(name string) compiler.Param { return compiler.Param{Node: name} }

	spec := &compiler.Spec{
		Nodes: []compiler.NodeSpec{{
			Name: "sigma", Dist: "exponential", Params: []compiler.Param{num(1)}, Init: ptr(num(1)),
		}},
	}
	correlated := compiler.MoveSpec{
		Type:    compiler.MoveCorrelated,
		Primary: &compiler.KernelSpec{Kernel: "scale", Nodes: []string{"sigma"}},
		Steps:   steps,
	}
	for i := range dim {
		x := fmt.Sprintf("x%d", i)
		obs := float64(i%5) - 2
		spec.Nodes = append(spec.Nodes,
			compiler.NodeSpec{Name: x, Dist: "normal", Params: []compiler.Param{num(0), ref("sigma")}, Init: ptr(num(0))},
			compiler.NodeSpec{Name: "y" + x, Dist: "normal", Params: []compiler.Param{ref(x), num(1)}, Observed: ptr(num(obs))},
		)
		spec.Moves = append(spec.Moves, compiler.MoveSpec{
			Type:       compiler.MoveMH,
			KernelSpec: compiler.KernelSpec{Kernel: "slide", Nodes: []string{x}},
		})
		correlated.Dragging = append(correlated.Dragging, compiler.KernelSpec{Kernel: "slide", Nodes: []string{x}})
	}
	spec.Moves = append(spec.Moves, correlated)
	return spec, nil
}

func ptr[T any](v T) *T { return &v }

func measure(cmd *cobra.Command, spec *compiler.Spec, o options) error {
	opts := runtime.DefaultEngineOptions()
	opts.Chains = o.chains
	opts.Seed = o.seed
	opts.Logger = logging.Discard()
	opts.Chain.BurnIn = o.iterations / 2
	opts.Chain.SampleEvery = 0
	engine, err := runtime.NewEngine(spec, opts)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := engine.Run(cmd.Context(), o.iterations, nil); err != nil {
		return err
	}
	elapsed := time.Since(start)
	stats := engine.Stats()

	out := cmd.OutOrStdout()
	perIteration := engine.Chains()[0].MovesPerIteration()
	totalMoves := perIteration * float64(o.iterations*o.chains)
	fmt.Fprintf(out, "Go %s %s/%s, %d CPUs\n", goruntime.Version(), goruntime.GOOS, goruntime.GOARCH, goruntime.NumCPU())
	fmt.Fprintf(out, "%d chains x %d generations, %g moves/generation\n", o.chains, o.iterations, perIteration)
	fmt.Fprintf(out, "elapsed %v, %.0f moves/s, %v/generation\n\n",
		elapsed.Round(time.Microsecond), totalMoves/elapsed.Seconds(),
		(elapsed / time.Duration(max(1, o.iterations))).Round(time.Nanosecond))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MOVE\tTRIED\tRATE\tTUNING")
	for _, m := range stats.Moves[0] {
		fmt.Fprintf(w, "%s\t%d\t%.3f\t%.4g\n", m.Move, m.Stats.Tried, m.Stats.AcceptanceRate(), m.TuningParameter)
	}
	return w.Flush()
}
