package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sbl8/dagmc/compiler"
	"github.com/sbl8/dagmc/core"
	"github.com/sbl8/dagmc/model"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:          "mccheck model.yaml...",
		Short:        "Validate dagmc model specifications",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var failed []string
			for _, path := range args {
				if err := check(cmd, path, verbose); err != nil {
					fmt.Fprintf(out, "%s: FAIL\n  %v\n", path, err)
					failed = append(failed, path)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d models invalid: %s", len(failed), len(args), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list nodes in topological order")
	cmd.AddCommand(&cobra.Command{
		Use:   "distributions",
		Short: "List the supported distributions",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range model.DistributionNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	})
	return cmd
}

func check(cmd *cobra.Command, path string, verbose bool) error {
	spec, err := compiler.Load(path)
	if err != nil {
		return err
	}
	if len(spec.Moves) == 0 {
		return errors.New("model declares no moves")
	}
	s, err := compiler.Check(spec)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: OK  nodes=%d stochastic=%d clamped=%d moves=%d moves/iteration=%g lnPosterior=%.6g\n",
		path, s.Nodes, s.Stochastic, s.Clamped, s.Moves, s.MovesPerIteration, s.LnPosterior)
	if !verbose {
		return nil
	}

	g, err := compiler.BuildGraph(spec)
	if err != nil {
		return err
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  NODE\tKIND\tVALUE\tLNPROB")
	for _, n := range order {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%.6g\n", n.Name(), kindName(n), n.Value(), n.LnProbability())
	}
	return w.Flush()
}

func kindName(n *core.Node) string {
	switch {
	case n.IsClamped():
		return "observed"
	case n.Kind() == core.KindStochastic:
		return "stochastic"
	case n.Kind() == core.KindDeterministic:
		return "deterministic"
	default:
		return "constant"
	}
}
