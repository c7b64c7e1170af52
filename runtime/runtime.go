// Package runtime runs Markov chains over compiled models.
//
// A Chain owns one graph, its moves and a random source, and advances one
// generation per Step by performing MovesPerIteration randomly scheduled
// moves. The Engine compiles a model specification once per chain and runs
// the chains concurrently; chains share nothing but the sample sink.
//
// Key components:
//   - Scheduler: weighted random move schedule
//   - Chain: iteration, burn-in tuning, sampling and hill climbing
//   - Engine: parallel independent chains with a run id and tracing
//   - Sink, MemorySink and Buffer: sample delivery
//
// Execution model:
//  1. Build one graph and move set per chain, on stream i of the seed
//  2. Optionally restore each chain from a checkpoint
//  3. Run every chain on its own goroutine, sampling into the sink
//  4. Stop all chains at the first error or when the context ends
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sbl8/dagmc/compiler"
	"github.com/sbl8/dagmc/random"
)

// EngineOptions configures engine behavior
type EngineOptions struct {
	Chains  int
	Workers int
	Seed    uint64
	RunID   string // generated when empty
	Chain   ChainOptions
	Logger  *slog.Logger
}

// DefaultEngineOptions provides sensible runtime defaults
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		Chains:  1,
		Workers: runtime.NumCPU(),
		Seed:    1,
		Chain:   DefaultChainOptions(),
	}
}

// ExecutionStats summarizes a finished or running engine
type ExecutionStats struct {
	RunID       string
	Generations []int
	Elapsed     time.Duration
	Moves       [][]MoveStats // per chain
}

// Engine runs independent chains of one model
type Engine struct {
	runID  string
	chains []*Chain
	opts   EngineOptions
	logger *slog.Logger

	mu      sync.RWMutex
	elapsed time.Duration
}

// NewEngine compiles spec once per chain. Chain i draws from stream i of a
// source seeded with opts.Seed, so a run is reproducible from its seed.
func NewEngine(spec *compiler.Spec, opts EngineOptions) (*Engine, error) {
	if spec == nil {
		return nil, errors.New("model spec cannot be nil")
	}
	if opts.Chains <= 0 {
		opts.Chains = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultEngineOptions().Workers
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", opts.RunID)

	e := &Engine{
		runID:  opts.RunID,
		chains: make([]*Chain, opts.Chains),
		opts:   opts,
		logger: logger,
	}
	root := random.New(opts.Seed)
	for i := range opts.Chains {
		src := root.Split(uint64(i))
		g, ms, err := compiler.Build(spec, src)
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", i, err)
		}
		co := opts.Chain
		co.Logger = logger
		c, err := NewChain(i, g, ms, src, co)
		if err != nil {
			return nil, err
		}
		c.runID = opts.RunID
		e.chains[i] = c
	}
	return e, nil
}

// RunID identifies the run in samples, logs and traces
func (e *Engine) RunID() string { return e.runID }

// Chains returns the chains in index order
func (e *Engine) Chains() []*Chain { return e.chains }

// Restore positions chain i at a checkpoint taken at generation
func (e *Engine) Restore(i int, data []byte, generation int) error {
	if i < 0 || i >= len(e.chains) {
		return fmt.Errorf("no chain %d in a run of %d", i, len(e.chains))
	}
	if err := e.chains[i].Restore(data); err != nil {
		return err
	}
	e.chains[i].SetGeneration(generation)
	return nil
}

// Run advances every chain by iterations generations. The first failing
// chain cancels the others.
func (e *Engine) Run(ctx context.Context, iterations int, sink Sink) error {
	return e.each(ctx, "runtime.Chain.Run", func(ctx context.Context, c *Chain) error {
		return c.Run(ctx, iterations, sink)
	}, attribute.Int("iterations", iterations))
}

// Optimize hill-climbs every chain for iterations rounds
func (e *Engine) Optimize(ctx context.Context, iterations int) error {
	return e.each(ctx, "runtime.Chain.Optimize", func(ctx context.Context, c *Chain) error {
		return c.Optimize(ctx, iterations)
	}, attribute.Int("iterations", iterations))
}

func (e *Engine) each(ctx context.Context, name string, fn func(context.Context, *Chain) error, attrs ...attribute.KeyValue) error {
	start := time.Now()
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, c := range e.chains {
		g.Go(func() error {
			spanCtx, span := tracer.Start(gCtx, name,
				trace.WithAttributes(append([]attribute.KeyValue{
					attribute.String("run_id", e.runID),
					attribute.Int("chain", c.ID()),
				}, attrs...)...),
			)
			defer span.End()

			if err := fn(spanCtx, c); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			span.SetAttributes(attribute.Int("generation", c.Generation()))
			span.SetStatus(codes.Ok, "")
			return nil
		})
	}
	err := g.Wait()

	e.mu.Lock()
	e.elapsed += time.Since(start)
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("run failed", "phase", name, "error", err)
		return err
	}
	e.logger.Info("run finished", "phase", name, "chains", len(e.chains), "elapsed", time.Since(start))
	return nil
}

// Stats returns current execution statistics. Call it while no chain runs.
func (e *Engine) Stats() ExecutionStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := ExecutionStats{
		RunID:       e.runID,
		Generations: make([]int, len(e.chains)),
		Elapsed:     e.elapsed,
		Moves:       make([][]MoveStats, len(e.chains)),
	}
	for i, c := range e.chains {
		s.Generations[i] = c.Generation()
		s.Moves[i] = c.Stats()
	}
	return s
}
