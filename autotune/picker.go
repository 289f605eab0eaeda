// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autotune implements the convolution algorithm picker: a compiler pass that, for every
// convolution of a module whose algorithm wasn't chosen yet, benchmarks the candidate algorithms
// of the backend on its device, picks the fastest, and rewrites the convolution to pin the
// algorithm and attach the scratch space it requires.
//
// Decisions are cached per Fingerprint, so identical convolutions are only benchmarked once.
//
// Example:
//
//	backend := must.M1(backends.NewWithConfig("simplego"))
//	picker := autotune.NewPicker(backend, autotune.NewCache(), autotune.WithParallelism(2))
//	changed, err := picker.Run(ctx, module)
package autotune

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/convpicker/backends"
	"github.com/gomlx/convpicker/device"
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/hlo/verifier"
	"github.com/gomlx/convpicker/types"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// NoCachePicker can be implemented by a backend that knows how to pick the best algorithm of a
// convolution itself. If implemented, the Picker uses it instead of the generic BenchmarkRunner.
type NoCachePicker interface {
	PickBestAlgorithmNoCache(ctx context.Context, instr *hlo.Instruction, stream *device.Stream, allocator device.Allocator) (Result, error)
}

// Picker is the convolution algorithm picker pass. Create it with NewPicker.
type Picker struct {
	backend backends.Backend
	cache   *Cache

	allocator    types.Optional[device.Allocator]
	parallelism  int
	repetitions  int
	warmup       bool
	crossCheck   types.Optional[float64]
	disabled     types.Set[hlo.AlgorithmDesc]
	progress     func(done, total int)
	resultLogger func(instr *hlo.Instruction, fp Fingerprint, results []Result)
}

// Option configures a Picker.
type Option func(p *Picker)

// WithAllocator sets the allocator used for scratch space. If None, the default allocator of the
// backend's executor is used.
func WithAllocator(allocator types.Optional[device.Allocator]) Option {
	return func(p *Picker) { p.allocator = allocator }
}

// WithParallelism sets the number of convolutions benchmarked concurrently, each on its own stream.
// Default is 1.
func WithParallelism(parallelism int) Option {
	return func(p *Picker) { p.parallelism = max(parallelism, 1) }
}

// WithRepetitions sets the number of timed runs per candidate. Default is 5.
func WithRepetitions(repetitions int) Option {
	return func(p *Picker) { p.repetitions = max(repetitions, 1) }
}

// WithWarmup enables or disables the untimed warmup run of each candidate. Default is true.
func WithWarmup(warmup bool) Option {
	return func(p *Picker) { p.warmup = warmup }
}

// WithCrossCheck enables comparing the output of each candidate with the output of the first successful
// one, with the given relative tolerance. Candidates that don't match fail with FailureWrongResult.
func WithCrossCheck(tolerance float64) Option {
	return func(p *Picker) { p.crossCheck = types.Some(tolerance) }
}

// WithDisabledAlgorithms excludes the given algorithms from the selection.
func WithDisabledAlgorithms(algorithms ...hlo.AlgorithmDesc) Option {
	return func(p *Picker) { p.disabled.Insert(algorithms...) }
}

// WithProgress sets a function called after each distinct convolution is tuned. Calls are serialized.
func WithProgress(progress func(done, total int)) Option {
	return func(p *Picker) { p.progress = progress }
}

// WithResultLogger sets a function called with the results of all candidates of each benchmarked
// convolution. Calls may be concurrent.
func WithResultLogger(logger func(instr *hlo.Instruction, fp Fingerprint, results []Result)) Option {
	return func(p *Picker) { p.resultLogger = logger }
}

// NewPicker creates a Picker for the backend. If cache is nil, a new one is created.
func NewPicker(backend backends.Backend, cache *Cache, options ...Option) *Picker {
	if cache == nil {
		cache = NewCache()
	}
	p := &Picker{
		backend:     backend,
		cache:       cache,
		parallelism: 1,
		repetitions: 5,
		warmup:      true,
		disabled:    types.MakeSet[hlo.AlgorithmDesc](),
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Name of the pass.
func (p *Picker) Name() string {
	return "conv-algorithm-picker:" + p.backend.Name()
}

// Cache used by the picker.
func (p *Picker) Cache() *Cache { return p.cache }

// NeedsTuning returns whether the instruction is a convolution whose algorithm is still to be chosen.
func NeedsTuning(instr *hlo.Instruction) bool {
	return instr.Kind.IsConvolution() && instr.Backend.Algorithm.IsSearch()
}

// Fingerprint of the convolution instruction for the picker's backend and device.
func (p *Picker) Fingerprint(instr *hlo.Instruction) (Fingerprint, error) {
	return NewFingerprint(p.backend.Name(), p.backend.Executor().Capability, instr)
}

func (p *Picker) scratchAllocator() device.Allocator {
	return p.allocator.OrElseFn(func() device.Allocator { return p.backend.Executor().DefaultAllocator })
}

// PickBestAlgorithm returns the best algorithm for the convolution instruction, from the cache or
// by benchmarking its candidates on the stream. It doesn't modify the instruction.
func (p *Picker) PickBestAlgorithm(ctx context.Context, instr *hlo.Instruction, stream *device.Stream) (Result, error) {
	fp, err := p.Fingerprint(instr)
	if err != nil {
		return Result{}, err
	}
	return p.pick(ctx, instr, fp, stream)
}

// pick returns the cached result for the fingerprint, or benchmarks the instruction. Only valid
// results are cached.
func (p *Picker) pick(ctx context.Context, instr *hlo.Instruction, fp Fingerprint, stream *device.Stream) (Result, error) {
	return p.cache.GetOrCompute(fp, func() (Result, error) {
		best, err := p.pickNoCache(ctx, instr, fp, stream)
		if err == nil {
			if checkErr := checkRewrite(instr, best); checkErr != nil {
				err = errors.WithMessagef(checkErr, "backend %q picked an invalid result", p.backend.Name())
			}
		}
		if err != nil {
			var noViable *NoViableAlgorithmError
			if errors.As(err, &noViable) {
				noViable.Instruction = instr.Name
				noViable.Fingerprint = fp
			}
			return Result{}, err
		}
		klog.V(1).Infof("%s: %s picked algorithm %s for %q (fingerprint %s): %s, scratch %s", p.Name(), stream,
			best.Algorithm, instr.Name, fp.Hash(), best.Duration, humanize.IBytes(uint64(best.ScratchBytes)))
		return best, nil
	})
}

// pickNoCache benchmarks the candidates of the instruction and selects the best.
func (p *Picker) pickNoCache(ctx context.Context, instr *hlo.Instruction, fp Fingerprint, stream *device.Stream) (Result, error) {
	if ncp, ok := p.backend.(NoCachePicker); ok {
		return ncp.PickBestAlgorithmNoCache(ctx, instr, stream, p.scratchAllocator())
	}
	runner := &BenchmarkRunner{
		Backend:     p.backend,
		Allocator:   p.scratchAllocator(),
		Repetitions: p.repetitions,
		Warmup:      p.warmup,
		CrossCheck:  p.crossCheck,
		Disabled:    p.disabled,
	}
	results, err := runner.Benchmark(ctx, instr, stream)
	if err != nil {
		return Result{}, err
	}
	if p.resultLogger != nil {
		p.resultLogger(instr, fp, results)
	}
	return SelectBest(results)
}

// RunOnInstruction picks the best algorithm for the convolution instruction and rewrites it.
// It returns whether the instruction changed.
func (p *Picker) RunOnInstruction(ctx context.Context, instr *hlo.Instruction, stream *device.Stream) (bool, error) {
	if !instr.Kind.IsConvolution() {
		return false, &RewriteError{Instruction: instr.Name, Reason: "not a convolution"}
	}
	result, err := p.PickBestAlgorithm(ctx, instr, stream)
	if err != nil {
		return false, err
	}
	return Rewrite(instr, result)
}

// pendingConv is a convolution to be tuned.
type pendingConv struct {
	instr *hlo.Instruction
	fp    Fingerprint
}

// Run the pass on the module: every convolution whose algorithm is still to be chosen is rewritten
// with the best algorithm for its fingerprint. It returns whether the module changed.
//
// If any convolution fails, Run returns a *CompilationError and the module is left unmodified.
func (p *Picker) Run(ctx context.Context, module *hlo.Module) (bool, error) {
	var saved []savedConv
	changed := false
	for _, c := range module.Computations {
		computationChanged, computationSaved, err := p.runOnComputation(ctx, c)
		if err != nil {
			restoreConvs(saved)
			return false, err
		}
		saved = append(saved, computationSaved...)
		changed = changed || computationChanged
	}
	return changed, nil
}

// RunOnComputation runs the pass on the convolutions of one computation. It returns whether the
// computation changed.
//
// If any convolution fails, it returns a *CompilationError and the computation is left unmodified.
func (p *Picker) RunOnComputation(ctx context.Context, c *hlo.Computation) (bool, error) {
	changed, _, err := p.runOnComputation(ctx, c)
	return changed, err
}

// runOnComputation implements RunOnComputation, and returns the state of the rewritten convolutions
// before the rewrite, so the caller can undo it.
func (p *Picker) runOnComputation(ctx context.Context, c *hlo.Computation) (bool, []savedConv, error) {
	// Fingerprint all convolutions still to be tuned, in definition order.
	var pending []pendingConv
	var distinct []pendingConv
	seen := types.MakeSet[Fingerprint]()
	for _, instr := range c.Instructions {
		if !NeedsTuning(instr) {
			continue
		}
		fp, err := p.Fingerprint(instr)
		if err != nil {
			return false, nil, &CompilationError{Pass: p.Name(), Instruction: instr.Name, Cause: err}
		}
		pending = append(pending, pendingConv{instr: instr, fp: fp})
		if !seen.Has(fp) {
			seen.Insert(fp)
			distinct = append(distinct, pendingConv{instr: instr, fp: fp})
		}
	}
	if len(pending) == 0 {
		return false, nil, nil
	}
	klog.V(1).Infof("%s: computation %q has %d convolutions to tune, %d distinct, on %s",
		p.Name(), c.Name, len(pending), len(distinct), p.backend.Executor())

	// Pick the best algorithm for each distinct fingerprint, concurrently.
	picks, err := p.pickAll(ctx, distinct)
	if err != nil {
		return false, nil, err
	}

	// Rewrite only once all picks are known, so a failure leaves the computation untouched.
	for _, pc := range pending {
		if err := checkRewrite(pc.instr, picks[pc.fp]); err != nil {
			return false, nil, &CompilationError{Pass: p.Name(), Instruction: pc.instr.Name, Fingerprint: pc.fp, Cause: err}
		}
	}
	saved := make([]savedConv, len(pending))
	changed := false
	for ii, pc := range pending {
		saved[ii] = saveConv(pc.instr)
		instrChanged, err := Rewrite(pc.instr, picks[pc.fp])
		if err != nil {
			restoreConvs(saved[:ii+1])
			return false, nil, &CompilationError{Pass: p.Name(), Instruction: pc.instr.Name, Fingerprint: pc.fp, Cause: err}
		}
		changed = changed || instrChanged
	}
	if err := verifier.VerifyComputation(c); err != nil {
		restoreConvs(saved)
		return false, nil, &CompilationError{Pass: p.Name(), Cause: &RewriteError{Instruction: c.Name, Reason: err.Error()}}
	}
	return changed, saved, nil
}

// pickAll picks the best algorithm for each of the distinct convolutions, using up to p.parallelism
// workers, each with its own stream.
func (p *Picker) pickAll(ctx context.Context, distinct []pendingConv) (map[Fingerprint]Result, error) {
	streams := device.NewStreamPool(p.backend.Executor(), min(p.parallelism, len(distinct)))
	var mu sync.Mutex
	picks := make(map[Fingerprint]Result, len(distinct))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(streams.Size())
	for _, pc := range distinct {
		g.Go(func() error {
			fail := func(err error) error {
				return &CompilationError{Pass: p.Name(), Instruction: pc.instr.Name, Fingerprint: pc.fp, Cause: err}
			}
			if err := gCtx.Err(); err != nil {
				return fail(errors.Wrap(context.Cause(gCtx), "autotuning interrupted"))
			}
			stream, err := streams.Acquire(gCtx)
			if err != nil {
				return fail(err)
			}
			defer streams.Release(stream)
			result, err := p.pick(gCtx, pc.instr, pc.fp, stream)
			if err != nil {
				return fail(err)
			}
			mu.Lock()
			defer mu.Unlock()
			picks[pc.fp] = result
			if p.progress != nil {
				p.progress(len(picks), len(distinct))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return picks, nil
}

// savedConv holds the state of a convolution before it was rewritten.
type savedConv struct {
	instr   *hlo.Instruction
	backend hlo.BackendConfig
	outputs []shapes.Shape
}

func saveConv(instr *hlo.Instruction) savedConv {
	outputs := make([]shapes.Shape, len(instr.OutputShapes))
	copy(outputs, instr.OutputShapes)
	return savedConv{instr: instr, backend: instr.Backend, outputs: outputs}
}

func restoreConvs(saved []savedConv) {
	for _, s := range saved {
		s.instr.Backend = s.backend
		s.instr.OutputShapes = s.outputs
	}
}
