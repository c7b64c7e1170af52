package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("dagmc.runtime")

var (
	// moveTrials counts performed moves by move name
	moveTrials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagmc_move_trials_total",
		Help: "Total move trials by move",
	}, []string{"move"})

	// moveAccepted counts accepted moves by move name
	moveAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagmc_move_accepted_total",
		Help: "Total accepted moves by move",
	}, []string{"move"})

	// moveAcceptanceRate is the overall acceptance rate per chain and move
	moveAcceptanceRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dagmc_move_acceptance_rate",
		Help: "Overall acceptance rate by chain and move",
	}, []string{"chain", "move"})

	// chainGeneration tracks the current generation of each chain
	chainGeneration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dagmc_chain_generation",
		Help: "Current generation by chain",
	}, []string{"chain"})

	// chainLnPosterior tracks the log posterior at the last sample
	chainLnPosterior = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dagmc_chain_ln_posterior",
		Help: "Log posterior at the last sample by chain",
	}, []string{"chain"})

	// iterationDuration tracks the wall time of one chain iteration
	iterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dagmc_iteration_duration_seconds",
		Help:    "Chain iteration duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12), // 1µs to ~4s
	})

	// invariantViolations counts chains stopped by an invariant violation
	invariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagmc_invariant_violations_total",
		Help: "Total chains stopped by an invariant violation",
	})
)
