package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sbl8/dagmc/model"
)

// Sample is the state of one chain at one generation
type Sample struct {
	RunID        string               `json:"run_id"`
	Chain        int                  `json:"chain"`
	Generation   int                  `json:"generation"`
	LnPosterior  float64              `json:"ln_posterior"`
	LnLikelihood float64              `json:"ln_likelihood"`
	LnPrior      float64              `json:"ln_prior"`
	Values       map[string][]float64 `json:"values"`
}

func newSample(runID string, chain, generation int, g *model.Graph, h Heats) Sample {
	s := Sample{
		RunID:        runID,
		Chain:        chain,
		Generation:   generation,
		LnPosterior:  g.LnPosterior(h.Prior, h.Likelihood, h.Posterior),
		LnLikelihood: g.LnLikelihood(),
		LnPrior:      g.LnPrior(),
		Values:       make(map[string][]float64),
	}
	for _, nv := range g.Values() {
		s.Values[nv.Name] = nv.Value.Clone()
	}
	return s
}

// Sink receives samples. Chains call Write from their own goroutine, so a
// Sink shared between chains must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, s Sample) error
}

// MemorySink keeps every sample in memory
type MemorySink struct {
	mu      sync.Mutex
	samples []Sample
}

// Write appends s
func (m *MemorySink) Write(_ context.Context, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

// Samples returns the samples written so far
func (m *MemorySink) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.samples...)
}

// Chain returns the samples of one chain in write order
func (m *MemorySink) Chain(chain int) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sample
	for _, s := range m.samples {
		if s.Chain == chain {
			out = append(out, s)
		}
	}
	return out
}

// BatchWriter is a sink that accepts many samples at once
type BatchWriter interface {
	WriteBatch(ctx context.Context, samples []Sample) error
}

// ErrBufferClosed is returned by writes after Close
var ErrBufferClosed = errors.New("sample buffer closed")

// Buffer collects samples in a fixed, preallocated window and hands them to
// a BatchWriter when the window is full. One Buffer serves one chain.
type Buffer struct {
	out    BatchWriter
	window []Sample
	used   int
	closed bool
}

// NewBuffer creates a buffer flushing every size samples
func NewBuffer(out BatchWriter, size int) *Buffer {
	return &Buffer{out: out, window: make([]Sample, max(1, size))}
}

// Write stores s and flushes when the window is full
func (b *Buffer) Write(ctx context.Context, s Sample) error {
	if b.closed {
		return ErrBufferClosed
	}
	b.window[b.used] = s
	b.used++
	if b.used == len(b.window) {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered samples and empties the window
func (b *Buffer) Flush(ctx context.Context) error {
	if b.used == 0 {
		return nil
	}
	err := b.out.WriteBatch(ctx, b.window[:b.used])
	clear(b.window[:b.used])
	b.used = 0
	return err
}

// Len is the number of buffered samples
func (b *Buffer) Len() int { return b.used }

// Close flushes the remaining samples; later writes fail
func (b *Buffer) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.Flush(ctx)
}

// ChainBuffers gives every chain of a run its own Buffer, so one sink can be
// shared by concurrently running chains without locking.
type ChainBuffers struct {
	buffers []*Buffer
}

// NewChainBuffers creates one buffer of the given size per chain
func NewChainBuffers(out BatchWriter, chains, size int) *ChainBuffers {
	b := &ChainBuffers{buffers: make([]*Buffer, chains)}
	for i := range b.buffers {
		b.buffers[i] = NewBuffer(out, size)
	}
	return b
}

// Write routes s to the buffer of its chain
func (b *ChainBuffers) Write(ctx context.Context, s Sample) error {
	if s.Chain < 0 || s.Chain >= len(b.buffers) {
		return fmt.Errorf("sample of chain %d in a run of %d chains", s.Chain, len(b.buffers))
	}
	return b.buffers[s.Chain].Write(ctx, s)
}

// Flush writes every buffered sample. Call it while no chain runs.
func (b *ChainBuffers) Flush(ctx context.Context) error {
	var errs []error
	for _, buf := range b.buffers {
		errs = append(errs, buf.Flush(ctx))
	}
	return errors.Join(errs...)
}

// Close flushes and closes every buffer
func (b *ChainBuffers) Close(ctx context.Context) error {
	var errs []error
	for _, buf := range b.buffers {
		errs = append(errs, buf.Close(ctx))
	}
	return errors.Join(errs...)
}
