// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autotunetest provides a scripted backend to test the algorithm picker: every algorithm has a
// simulated duration, scratch size and optional failure, and the device clock only moves by the
// simulated durations, so the picker's decisions are deterministic.
package autotunetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/convpicker/autotune"
	"github.com/gomlx/convpicker/backends"
	"github.com/gomlx/convpicker/device"
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types/xsync"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// BackendName is the name of the fake backend.
const BackendName = "fake"

// Algorithm is the scripted behavior of one candidate.
type Algorithm struct {
	Desc         hlo.AlgorithmDesc
	Duration     time.Duration
	ScratchBytes int64

	// Err, if set, is returned by every run of the algorithm.
	Err error

	// Panic, if set, is the value the algorithm panics with on every run.
	Panic any

	// Output returned by ReadOutput after running the algorithm.
	Output []float64
}

// Backend is a scripted fake backend. Configure its fields before use.
type Backend struct {
	executor *device.Executor

	// Algorithms used for every instruction not listed in ByInstruction.
	Algorithms []Algorithm

	// ByInstruction overrides Algorithms for the instructions with the given names.
	ByInstruction map[string][]Algorithm

	// PrepareErr, if set, is returned by PrepareConv.
	PrepareErr error

	// Gate, if set, blocks PrepareConv until triggered.
	Gate *xsync.Latch

	mu            sync.Mutex
	preparedNames []string
	numPrepared   atomic.Int32
	numRuns       atomic.Int32
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
}

var _ backends.Backend = (*Backend)(nil)

// New creates a fake backend whose executor default allocator has the given budget (<= 0 for unlimited).
func New(budget int64, algorithms ...Algorithm) *Backend {
	executor := device.NewExecutor(0, "fake-device", "fake/v1", budget)
	executor.NewClock = func() device.Clock { return device.NewManualClock() }
	return &Backend{executor: executor, Algorithms: algorithms}
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string { return "scripted fake backend for tests" }

// Executor implements backends.Backend.
func (b *Backend) Executor() *device.Executor { return b.executor }

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {}

func (b *Backend) algorithmsFor(instr *hlo.Instruction) []Algorithm {
	if algos, found := b.ByInstruction[instr.Name]; found {
		return algos
	}
	return b.Algorithms
}

// Candidates implements backends.Backend.
func (b *Backend) Candidates(instr *hlo.Instruction) ([]hlo.AlgorithmDesc, error) {
	if !instr.Kind.IsConvolution() {
		return nil, errors.Errorf("instruction %q is not a convolution", instr.Name)
	}
	algos := b.algorithmsFor(instr)
	candidates := make([]hlo.AlgorithmDesc, len(algos))
	for ii, algo := range algos {
		candidates[ii] = algo.Desc
	}
	return candidates, nil
}

// PrepareConv implements backends.Backend. Each call counts as one benchmark invocation.
func (b *Backend) PrepareConv(instr *hlo.Instruction) (backends.ConvRunner, error) {
	inFlight := b.inFlight.Add(1)
	for {
		current := b.maxInFlight.Load()
		if inFlight <= current || b.maxInFlight.CompareAndSwap(current, inFlight) {
			break
		}
	}
	if b.Gate != nil {
		b.Gate.Wait()
	}
	b.numPrepared.Add(1)
	b.mu.Lock()
	b.preparedNames = append(b.preparedNames, instr.Name)
	b.mu.Unlock()
	if b.PrepareErr != nil {
		b.inFlight.Add(-1)
		return nil, b.PrepareErr
	}
	return &runner{backend: b, algorithms: b.algorithmsFor(instr)}, nil
}

// NumBenchmarks returns the number of convolutions prepared for benchmarking.
func (b *Backend) NumBenchmarks() int { return int(b.numPrepared.Load()) }

// NumRuns returns the total number of algorithm executions, including warmup runs.
func (b *Backend) NumRuns() int { return int(b.numRuns.Load()) }

// MaxConcurrentBenchmarks returns the highest number of convolutions being benchmarked at the same time.
func (b *Backend) MaxConcurrentBenchmarks() int { return int(b.maxInFlight.Load()) }

// BenchmarkedInstructions returns the names of the instructions benchmarked, in order of invocation.
func (b *Backend) BenchmarkedInstructions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.preparedNames...)
}

type runner struct {
	backend    *Backend
	algorithms []Algorithm
	lastOutput []float64
	closed     bool
}

func (r *runner) find(algo hlo.AlgorithmDesc) (*Algorithm, error) {
	for ii := range r.algorithms {
		if r.algorithms[ii].Desc == algo {
			return &r.algorithms[ii], nil
		}
	}
	return nil, errors.Errorf("unknown algorithm %s", algo)
}

// ScratchBytes implements backends.ConvRunner.
func (r *runner) ScratchBytes(algo hlo.AlgorithmDesc) (int64, error) {
	a, err := r.find(algo)
	if err != nil {
		return 0, err
	}
	return a.ScratchBytes, nil
}

// Run implements backends.ConvRunner.
func (r *runner) Run(stream *device.Stream, algo hlo.AlgorithmDesc, scratch *device.Scratch) error {
	a, err := r.find(algo)
	if err != nil {
		return err
	}
	if r.closed {
		exceptions.Panicf("running algorithm %s on a closed runner", algo)
	}
	if scratch.Size() < a.ScratchBytes {
		return errors.Errorf("algorithm %s requires %d bytes of scratch, got %d", algo, a.ScratchBytes, scratch.Size())
	}
	r.backend.numRuns.Add(1)
	if a.Panic != nil {
		panic(a.Panic)
	}
	if a.Err != nil {
		return a.Err
	}
	if clock, ok := stream.Clock().(*device.ManualClock); ok {
		clock.Advance(a.Duration)
	}
	r.lastOutput = a.Output
	return nil
}

// ReadOutput implements backends.OutputReader.
func (r *runner) ReadOutput() ([]float64, error) {
	return r.lastOutput, nil
}

// Close implements backends.ConvRunner.
func (r *runner) Close() error {
	if !r.closed {
		r.closed = true
		r.backend.inFlight.Add(-1)
	}
	return nil
}

// NoCacheBackend is a Backend that also picks the best algorithm by itself, by returning Pick,
// or Err if set.
type NoCacheBackend struct {
	*Backend
	Pick     hlo.AlgorithmDesc
	Err      error
	numPicks atomic.Int32
}

// PickBestAlgorithmNoCache implements autotune.NoCachePicker.
func (b *NoCacheBackend) PickBestAlgorithmNoCache(ctx context.Context, instr *hlo.Instruction,
	stream *device.Stream, allocator device.Allocator) (autotune.Result, error) {
	b.numPicks.Add(1)
	if err := ctx.Err(); err != nil {
		return autotune.Result{}, err
	}
	if b.Err != nil {
		return autotune.Result{}, b.Err
	}
	return autotune.Result{Algorithm: b.Pick}, nil
}

var _ autotune.NoCachePicker = (*NoCacheBackend)(nil)

// NumPicks returns the number of calls to PickBestAlgorithmNoCache.
func (b *NoCacheBackend) NumPicks() int { return int(b.numPicks.Load()) }
