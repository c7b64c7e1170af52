package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sbl8/dagmc/model"
	"github.com/sbl8/dagmc/moves"
	"github.com/sbl8/dagmc/random"
)

// Heats scale the prior, the likelihood and the whole posterior. A chain
// at heat one samples the posterior itself.
type Heats struct {
	Prior      float64
	Likelihood float64
	Posterior  float64
}

// Cold is the unheated chain
var Cold = Heats{Prior: 1, Likelihood: 1, Posterior: 1}

// ChainOptions configure a chain
type ChainOptions struct {
	Heats Heats
	// BurnIn is the number of leading generations during which moves with
	// auto-tuning enabled are tuned.
	BurnIn int
	// TuneInterval is the number of generations between two tunings.
	TuneInterval int
	// SampleEvery is the number of generations between two samples.
	SampleEvery int
	Logger      *slog.Logger
}

// DefaultChainOptions provides sensible chain defaults
func DefaultChainOptions() ChainOptions {
	return ChainOptions{
		Heats:        Cold,
		BurnIn:       0,
		TuneInterval: 100,
		SampleEvery:  10,
	}
}

// MoveStats summarizes one move of a chain
type MoveStats struct {
	Move            string
	Stats           moves.Stats
	TuningParameter float64
}

// Chain runs one Markov chain over its own graph. A chain is not safe for
// concurrent use; parallel chains each own a graph, moves and random source.
type Chain struct {
	id         int
	label      string
	runID      string
	graph      *model.Graph
	sched      *Scheduler
	opts       ChainOptions
	logger     *slog.Logger
	generation int
}

// NewChain assembles a chain from a built graph and its moves
func NewChain(id int, g *model.Graph, ms []moves.Move, src random.Source, opts ChainOptions) (*Chain, error) {
	if g == nil {
		return nil, errors.New("chain: graph is nil")
	}
	sched, err := NewScheduler(ms, src)
	if err != nil {
		return nil, fmt.Errorf("chain %d: %w", id, err)
	}
	if opts.Heats == (Heats{}) {
		opts.Heats = Cold
	}
	if opts.TuneInterval < 0 || opts.SampleEvery < 0 || opts.BurnIn < 0 {
		return nil, fmt.Errorf("chain %d: burn-in, tune interval and sample interval must not be negative", id)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("chain", id)
	for _, m := range ms {
		if l, ok := m.(interface{ SetLogger(*slog.Logger) }); ok {
			l.SetLogger(logger.With("move", m.Name()))
		}
	}
	return &Chain{
		id:     id,
		label:  strconv.Itoa(id),
		graph:  g,
		sched:  sched,
		opts:   opts,
		logger: logger,
	}, nil
}

// ID returns the chain index
func (c *Chain) ID() int { return c.id }

// Graph returns the graph the chain updates
func (c *Chain) Graph() *model.Graph { return c.graph }

// Generation returns the number of completed iterations
func (c *Chain) Generation() int { return c.generation }

// SetGeneration positions the chain, for resuming from a checkpoint
func (c *Chain) SetGeneration(g int) { c.generation = g }

// MovesPerIteration is the expected number of moves per generation
func (c *Chain) MovesPerIteration() float64 { return c.sched.MovesPerIteration() }

// Step performs one iteration. Any move error stops the chain: moves only
// fail when the graph state can no longer be trusted.
func (c *Chain) Step() error {
	start := time.Now()
	for range c.sched.Picks() {
		m := c.sched.Next()
		before := m.Stats()
		err := m.PerformMcmcMove(c.opts.Heats.Prior, c.opts.Heats.Likelihood, c.opts.Heats.Posterior)
		c.record(m, before)
		if err != nil {
			return c.fail(m, err)
		}
	}
	c.generation++
	chainGeneration.WithLabelValues(c.label).Set(float64(c.generation))
	iterationDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (c *Chain) record(m moves.Move, before moves.Stats) {
	after := m.Stats()
	if d := after.Tried - before.Tried; d > 0 {
		moveTrials.WithLabelValues(m.Name()).Add(float64(d))
	}
	if d := after.Accepted - before.Accepted; d > 0 {
		moveAccepted.WithLabelValues(m.Name()).Add(float64(d))
	}
	moveAcceptanceRate.WithLabelValues(c.label, m.Name()).Set(after.AcceptanceRate())
}

func (c *Chain) fail(m moves.Move, err error) error {
	if errors.Is(err, moves.ErrInvariantViolation) {
		invariantViolations.Inc()
	}
	c.logger.Error("chain stopped", "generation", c.generation, "move", m.Name(), "error", err)
	return fmt.Errorf("chain %d generation %d: move %q: %w", c.id, c.generation, m.Name(), err)
}

// Run performs iterations generations, tuning during burn-in and writing a
// sample to sink every SampleEvery generations. sink may be nil.
func (c *Chain) Run(ctx context.Context, iterations int, sink Sink) error {
	for range iterations {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Step(); err != nil {
			return err
		}
		if c.tuningDue() {
			c.Tune()
		}
		if sink != nil && c.opts.SampleEvery > 0 && c.generation%c.opts.SampleEvery == 0 {
			s := c.Sample()
			chainLnPosterior.WithLabelValues(c.label).Set(s.LnPosterior)
			if err := sink.Write(ctx, s); err != nil {
				return fmt.Errorf("chain %d: write sample %d: %w", c.id, c.generation, err)
			}
		}
	}
	return nil
}

func (c *Chain) tuningDue() bool {
	return c.opts.TuneInterval > 0 && c.generation <= c.opts.BurnIn && c.generation%c.opts.TuneInterval == 0
}

// Tune tunes every move with auto-tuning enabled
func (c *Chain) Tune() {
	for _, m := range c.sched.Moves() {
		if !m.AutoTune() {
			continue
		}
		m.Tune()
		c.logger.Debug("move tuned", "move", m.Name(), "generation", c.generation, "tuning", m.TuningParameter())
	}
}

// Optimize runs iterations rounds of hill climbing. Moves only accept
// changes that do not lower the heated posterior. The generation counter is
// left alone.
func (c *Chain) Optimize(ctx context.Context, iterations int) error {
	for range iterations {
		if err := ctx.Err(); err != nil {
			return err
		}
		for range c.sched.Picks() {
			m := c.sched.Next()
			before := m.Stats()
			err := m.PerformHillClimbingMove(c.opts.Heats.Likelihood, c.opts.Heats.Posterior)
			c.record(m, before)
			if err != nil {
				return c.fail(m, err)
			}
		}
	}
	c.logger.Info("optimization finished", "rounds", iterations,
		"ln_posterior", c.graph.LnPosterior(1, c.opts.Heats.Likelihood, c.opts.Heats.Posterior))
	return nil
}

// Sample captures the current state
func (c *Chain) Sample() Sample {
	return newSample(c.runID, c.id, c.generation, c.graph, c.opts.Heats)
}

// Stats reports every move in declaration order
func (c *Chain) Stats() []MoveStats {
	ms := c.sched.Moves()
	out := make([]MoveStats, len(ms))
	for i, m := range ms {
		out[i] = MoveStats{Move: m.Name(), Stats: m.Stats(), TuningParameter: m.TuningParameter()}
	}
	return out
}

// Checkpoint serializes the free stochastic nodes
func (c *Chain) Checkpoint() ([]byte, error) {
	return c.graph.Checkpoint()
}

// Restore loads a checkpoint written by Checkpoint
func (c *Chain) Restore(data []byte) error {
	if err := c.graph.RestoreCheckpoint(data); err != nil {
		return fmt.Errorf("chain %d: %w", c.id, err)
	}
	return nil
}
