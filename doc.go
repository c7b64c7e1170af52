// Package dagmc samples directed acyclic graphical models with
// Metropolis-Hastings moves, including correlated moves that drag
// dependent variables along when a primary variable changes.
//
// # Architecture Overview
//
// A model is a graph of nodes. Each node keeps two copies of its value: the
// current one, which proposals write into, and the last kept one, which a
// rejected proposal falls back to. Moves drive nodes through the same
// Touch/Keep/Restore lifecycle:
//
//   - Nodes: constant, stochastic and deterministic vertices with cached
//     log densities
//   - Kernels: slide, scale and up-down scale proposals with tunable width
//   - Moves: single-kernel MH moves and correlated moves that bridge from
//     the old to the new primary value in a number of locally accepted steps
//   - Runtime: weighted move schedule, chains, parallel engine
//   - Compiler: YAML model specifications
//
// # Basic Usage
//
//	// Check a model
//	mccheck -v model.yaml
//
//	// Run four chains and keep the samples
//	mcrun model.yaml --chains 4 -n 20000 --store ./samples
//
//	// From Go
//	spec, err := compiler.Load("model.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, err := runtime.NewEngine(spec, runtime.DefaultEngineOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sink := &runtime.MemorySink{}
//	if err := engine.Run(ctx, 10000, sink); err != nil {
//	    log.Fatal(err)
//	}
//
// # Package Structure
//
//   - core: nodes, values and checkpoint encoding
//   - kernels: proposal kernels
//   - random: deterministic random sources
//   - moves: MH and correlated MH moves
//   - model: graphs and distributions
//   - compiler: model specifications
//   - runtime: chains and the parallel engine
//   - store: BadgerDB persistence for samples and checkpoints
//   - config, logging: command configuration
//   - cmd: command-line tools (mcrun, mccheck, mcperf)
package dagmc
