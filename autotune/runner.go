// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autotune

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/convpicker/backends"
	"github.com/gomlx/convpicker/device"
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BenchmarkRunner executes and times every candidate algorithm of a convolution on a stream.
type BenchmarkRunner struct {
	Backend   backends.Backend
	Allocator device.Allocator

	// Repetitions is the number of timed runs per candidate.
	Repetitions int

	// Warmup enables an extra untimed run before the timed runs.
	Warmup bool

	// CrossCheck, if set, is the relative tolerance used to compare the output of each candidate
	// with the output of the first successful candidate. Requires the backend's ConvRunner to
	// implement backends.OutputReader.
	CrossCheck types.Optional[float64]

	// Disabled algorithms are reported as FailureDisqualified without being executed.
	Disabled types.Set[hlo.AlgorithmDesc]
}

// Benchmark runs every candidate of the instruction sequentially on the stream, and returns one
// Result per candidate, in the order the backend lists them.
//
// Failures of individual candidates are reported in their Result. An error is returned only if the
// convolution can't be benchmarked at all (unsupported by the backend, failure to prepare its
// operands or a cancelled context).
func (r *BenchmarkRunner) Benchmark(ctx context.Context, instr *hlo.Instruction, stream *device.Stream) ([]Result, error) {
	candidates, err := r.Backend.Candidates(instr)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q can't list algorithms for %q", r.Backend.Name(), instr.Name)
	}
	if len(candidates) == 0 {
		return nil, errors.Errorf("backend %q has no algorithms for %q", r.Backend.Name(), instr.Name)
	}
	runner, err := r.Backend.PrepareConv(instr)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q failed to prepare %q", r.Backend.Name(), instr.Name)
	}
	defer func() {
		if err := runner.Close(); err != nil {
			klog.Warningf("failed to release buffers of %q: %+v", instr.Name, err)
		}
	}()

	scratchAllocator := device.NewScratchAllocator(stream.Executor().Ordinal, r.Allocator)
	var reference []float64
	results := make([]Result, 0, len(candidates))
	for _, algo := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(context.Cause(ctx), "benchmarking %q interrupted", instr.Name)
		}
		result := r.runCandidate(runner, scratchAllocator, stream, algo, &reference)
		if result.Ok() {
			klog.V(2).Infof("%s: algorithm %s took %s (scratch %s, runs %v)", instr.Name, algo, result.Duration,
				humanize.IBytes(uint64(result.ScratchBytes)), result.Runs)
		} else {
			klog.V(2).Infof("%s: algorithm %s failed: %s: %s", instr.Name, algo, result.Failure.Kind, result.Failure.Message)
		}
		results = append(results, result)
	}
	return results, nil
}

// runCandidate benchmarks one algorithm. The scratch space is always released before it returns.
func (r *BenchmarkRunner) runCandidate(runner backends.ConvRunner, scratchAllocator *device.ScratchAllocator,
	stream *device.Stream, algo hlo.AlgorithmDesc, reference *[]float64) Result {
	if r.Disabled.Has(algo) {
		return failed(algo, FailureDisqualified, "algorithm disabled by configuration")
	}
	scratchBytes, err := runner.ScratchBytes(algo)
	if err != nil {
		return failed(algo, FailureUnknown, fmt.Sprintf("failed to query scratch size: %v", err))
	}
	runs, candidateErr := r.timeCandidate(runner, scratchAllocator, stream, algo, scratchBytes)
	if candidateErr != nil {
		return candidateErr.Result()
	}
	result := Result{
		Algorithm:    algo,
		ScratchBytes: scratchBytes,
		Duration:     Median(runs),
		Runs:         runs,
	}

	if tolerance, ok := r.CrossCheck.Get(); ok {
		reader, ok := runner.(backends.OutputReader)
		if !ok {
			return result
		}
		var output []float64
		err = runProtected(func() (err error) {
			output, err = reader.ReadOutput()
			return err
		})
		if err != nil {
			return failed(algo, FailureUnknown, fmt.Sprintf("failed to read output: %v", err))
		}
		if *reference == nil {
			*reference = output
		} else if err := compareOutputs(*reference, output, tolerance); err != nil {
			candidateErr := &CandidateExecutionError{Algorithm: algo, Kind: FailureWrongResult, Cause: err}
			return candidateErr.Result()
		}
	}
	return result
}

// timeCandidate allocates the scratch space of algo and times its runs, holding the executor
// exclusively from the allocation to the release of the scratch space.
func (r *BenchmarkRunner) timeCandidate(runner backends.ConvRunner, scratchAllocator *device.ScratchAllocator,
	stream *device.Stream, algo hlo.AlgorithmDesc, scratchBytes int64) ([]time.Duration, *CandidateExecutionError) {
	executor := stream.Executor()
	executor.Lock()
	defer executor.Unlock()
	scratch, err := scratchAllocator.Allocate(scratchBytes)
	if err != nil {
		return nil, &CandidateExecutionError{Algorithm: algo, Kind: FailureScratchAllocation, Cause: err}
	}
	defer scratch.Release()

	var runs []time.Duration
	err = runProtected(func() error {
		if r.Warmup {
			if err := stream.Run(func() error { return runner.Run(stream, algo, scratch) }); err != nil {
				return err
			}
		}
		for range max(r.Repetitions, 1) {
			elapsed, err := stream.Time(func() error { return runner.Run(stream, algo, scratch) })
			if err != nil {
				return err
			}
			runs = append(runs, elapsed)
		}
		return nil
	})
	if err != nil {
		return nil, &CandidateExecutionError{Algorithm: algo, Kind: FailureLaunch, Cause: err}
	}
	return runs, nil
}

// runProtected runs fn converting any panic into an error.
func runProtected(fn func() error) error {
	var err error
	exception := exceptions.Try(func() { err = fn() })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessage(e, "backend panicked")
		}
		return errors.Errorf("backend panicked: %v", exception)
	}
	return err
}

// compareOutputs returns an error if any value of output differs from reference by more than
// tolerance * (1 + |reference|).
func compareOutputs(reference, output []float64, tolerance float64) error {
	if len(reference) != len(output) {
		return errors.Errorf("output has %d values, reference has %d", len(output), len(reference))
	}
	for ii, want := range reference {
		got := output[ii]
		if math.IsNaN(got) != math.IsNaN(want) || math.Abs(got-want) > tolerance*(1+math.Abs(want)) {
			return errors.Errorf("output[%d]=%g differs from reference %g by more than the relative tolerance %g",
				ii, got, want, tolerance)
		}
	}
	return nil
}

// Median returns the median of the durations, the lower of the two middle values for an even
// number of durations. It returns 0 for no durations.
func Median(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[(len(sorted)-1)/2]
}
