package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sbl8/dagmc/compiler"
	"github.com/sbl8/dagmc/config"
	"github.com/sbl8/dagmc/logging"
	"github.com/sbl8/dagmc/runtime"
	"github.com/sbl8/dagmc/store"
)

type flags struct {
	config      string
	chains      int
	seed        uint64
	iterations  int
	burnin      int
	sampleEvery int
	optimize    int
	storePath   string
	metricsAddr string
	resume      string
	logLevel    string
	jsonLogs    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "mcrun [model.yaml]",
		Short: "Run Markov chains over a dagmc model",
		Long: `mcrun compiles a YAML model specification and runs independent Markov
chains over it. Samples and checkpoints go to a BadgerDB store when a store
path is configured; --resume continues a stored run from its checkpoints.

Configuration is read from --config, then DAGMC_ environment variables
(a .env file in the working directory is loaded first), then flags.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, f, args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, cfg, f.resume)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "run configuration file (YAML)")
	fl.IntVar(&f.chains, "chains", 1, "number of independent chains")
	fl.Uint64Var(&f.seed, "seed", 1, "random seed; chain i uses stream i of it")
	fl.IntVarP(&f.iterations, "iterations", "n", 10000, "generations per chain")
	fl.IntVar(&f.burnin, "burnin", 1000, "leading generations during which moves are tuned")
	fl.IntVar(&f.sampleEvery, "sample-every", 10, "generations between samples")
	fl.IntVar(&f.optimize, "optimize", 0, "hill-climbing rounds before sampling")
	fl.StringVar(&f.storePath, "store", "", "BadgerDB directory for samples and checkpoints")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fl.StringVar(&f.resume, "resume", "", "continue the stored run with this id")
	fl.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	fl.BoolVar(&f.jsonLogs, "json", false, "log in JSON")
	return cmd
}

// resolveConfig layers explicitly set flags over file and environment
func resolveConfig(cmd *cobra.Command, f *flags, args []string) (config.RunConfig, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return cfg, err
	}
	changed := cmd.Flags().Changed
	if len(args) == 1 {
		cfg.Model = args[0]
	}
	if changed("chains") {
		cfg.Chains = f.chains
	}
	if changed("seed") {
		cfg.Seed = f.seed
	}
	if changed("iterations") {
		cfg.Iterations = f.iterations
	}
	if changed("burnin") {
		cfg.BurnIn = f.burnin
	}
	if changed("sample-every") {
		cfg.SampleEvery = f.sampleEvery
	}
	if changed("optimize") {
		cfg.Optimize = f.optimize
	}
	if changed("store") {
		cfg.Store.Path = f.storePath
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("json") {
		cfg.Log.JSON = f.jsonLogs
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if f.resume != "" && !cfg.Persistent() {
		return cfg, errors.New("--resume needs a store")
	}
	if cfg.Model == "" && f.resume == "" {
		return cfg, errors.New("no model given")
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cobra.Command, cfg config.RunConfig, resume string) error {
	lc := cfg.Logging()
	lc.Service = "mcrun"
	logger := logging.New(lc)
	slog.SetDefault(logger)

	var samples *store.SampleStore
	if cfg.Persistent() {
		sc := cfg.StoreOptions()
		sc.Logger = logger.With("component", "badger")
		db, err := store.Open(sc)
		if err != nil {
			return err
		}
		defer db.Close()
		samples = store.NewSampleStore(db)
	}

	opts := cfg.EngineOptions()
	opts.Logger = logger
	start := 0
	if resume != "" {
		info, err := samples.LoadRun(resume)
		if err != nil {
			return err
		}
		if cfg.Model == "" {
			cfg.Model = info.Model
		}
		opts.RunID = info.RunID
		opts.Chains = info.Chains
		opts.Seed = info.Seed
	}

	spec, err := compiler.Load(cfg.Model)
	if err != nil {
		return err
	}
	if resume != "" {
		// a resumed chain must not replay the random numbers it already used
		_, gen, err := samples.LoadCheckpoint(resume, 0)
		if err != nil {
			return err
		}
		opts.Seed += uint64(gen) * uint64(opts.Chains)
		start = gen
	}

	engine, err := runtime.NewEngine(spec, opts)
	if err != nil {
		return err
	}
	logger = logger.With("run_id", engine.RunID())

	if resume != "" {
		for i := range engine.Chains() {
			data, gen, err := samples.LoadCheckpoint(resume, i)
			if err != nil {
				return err
			}
			if err := engine.Restore(i, data, gen); err != nil {
				return err
			}
		}
		logger.Info("run resumed", "generation", start)
	} else if samples != nil {
		err := samples.SaveRun(store.RunInfo{
			RunID:   engine.RunID(),
			Model:   cfg.Model,
			Chains:  opts.Chains,
			Seed:    opts.Seed,
			Created: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	if cfg.Optimize > 0 && resume == "" {
		if err := engine.Optimize(ctx, cfg.Optimize); err != nil {
			return err
		}
	}

	var sink runtime.Sink
	var buffers *runtime.ChainBuffers
	if samples != nil {
		buffers = runtime.NewChainBuffers(samples, len(engine.Chains()), cfg.Store.BatchSize)
		sink = buffers
	}

	remaining := cfg.Iterations - start
	segment := remaining
	if samples != nil && cfg.Store.CheckpointEvery > 0 {
		segment = cfg.Store.CheckpointEvery
	}
	for remaining > 0 {
		n := min(segment, remaining)
		runErr := engine.Run(ctx, n, sink)
		if buffers != nil {
			// flush whatever was sampled, even when the run was interrupted
			if err := buffers.Flush(context.WithoutCancel(ctx)); err != nil {
				return errors.Join(runErr, err)
			}
		}
		if runErr != nil {
			return runErr
		}
		if samples != nil {
			if err := checkpoint(samples, engine); err != nil {
				return err
			}
		}
		remaining -= n
	}
	if buffers != nil {
		if err := buffers.Close(ctx); err != nil {
			return err
		}
	}

	printStats(cmd, engine.Stats())
	return nil
}

func checkpoint(samples *store.SampleStore, engine *runtime.Engine) error {
	for _, c := range engine.Chains() {
		data, err := c.Checkpoint()
		if err != nil {
			return fmt.Errorf("checkpoint chain %d: %w", c.ID(), err)
		}
		if err := samples.SaveCheckpoint(engine.RunID(), c.ID(), c.Generation(), data); err != nil {
			return err
		}
	}
	return nil
}

func printStats(cmd *cobra.Command, s runtime.ExecutionStats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s finished in %v\n", s.RunID, s.Elapsed.Round(time.Millisecond))
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN\tGEN\tMOVE\tTRIED\tACCEPTED\tRATE\tTUNING")
	for i, moves := range s.Moves {
		for _, m := range moves {
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%.3f\t%.4g\n",
				i, s.Generations[i], m.Move, m.Stats.Tried, m.Stats.Accepted, m.Stats.AcceptanceRate(), m.TuningParameter)
		}
	}
	w.Flush()
}
