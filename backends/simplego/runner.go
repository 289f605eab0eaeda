// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math/rand/v2"
	"unsafe"

	"github.com/gomlx/convpicker/backends"
	"github.com/gomlx/convpicker/device"
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// operandsSeed is the seed used to fill the operands with pseudo-random values, so all algorithms
// (and all runs) see the same data.
const operandsSeed = 42

// PrepareConv implements backends.Backend.
func (b *Backend) PrepareConv(instr *hlo.Instruction) (backends.ConvRunner, error) {
	g, err := newConvGeometry(instr)
	if err != nil {
		return nil, err
	}
	switch g.dtype {
	case dtypes.Float32:
		return newConvRunner[float32](b, g), nil
	case dtypes.Float64:
		return newConvRunner[float64](b, g), nil
	default:
		return nil, errors.Errorf("%s backend doesn't support dtype %s", BackendName, g.dtype)
	}
}

// convRunner implements backends.ConvRunner and backends.OutputReader for a dtype T.
type convRunner[T constraints.Float] struct {
	backend *Backend
	g       *convGeometry
	ops     convOperands[T]
	closed  bool
}

var (
	_ backends.ConvRunner   = (*convRunner[float32])(nil)
	_ backends.OutputReader = (*convRunner[float64])(nil)
)

func newConvRunner[T constraints.Float](b *Backend, g *convGeometry) *convRunner[T] {
	rng := rand.New(rand.NewPCG(operandsSeed, uint64(g.kind)))
	random := func(size int) []T {
		values := make([]T, size)
		for ii := range values {
			values[ii] = T(rng.Float64()*2 - 1)
		}
		return values
	}
	r := &convRunner[T]{backend: b, g: g}
	r.ops.input = random(g.inputShape.Size())
	r.ops.kernel = random(g.kernelShape.Size())
	r.ops.output = random(g.outputShape.Size())
	if g.kind == hlo.KindConvBiasActivationForward {
		r.ops.bias = random(g.outputChannels)
		if g.hasSideInput {
			r.ops.sideInput = random(g.outputShape.Size())
		}
	}
	return r
}

func sizeOf[T constraints.Float]() int64 {
	var v T
	return int64(unsafe.Sizeof(v))
}

// numWorkers returns the number of workers the parallel algorithms use for the convolution.
func (r *convRunner[T]) numWorkers() int {
	return r.backend.pool.NumWorkers(r.g.batch)
}

// ScratchBytes implements backends.ConvRunner.
func (r *convRunner[T]) ScratchBytes(algo hlo.AlgorithmDesc) (int64, error) {
	g := r.g
	if !g.supports(algo) {
		return 0, errors.Errorf("algorithm %s not supported for %s of %s", algo, g.kind, g.dtype)
	}
	switch algo.ID {
	case AlgoIm2colGemm:
		return 4 * int64(g.im2colKernelSize()+g.im2colWorkerSize()), nil
	case AlgoIm2colGemmParallel:
		return 4 * int64(g.im2colKernelSize()+r.numWorkers()*g.im2colWorkerSize()), nil
	case AlgoDirectParallel:
		if g.kind == hlo.KindConvBackwardFilter {
			return sizeOf[T]() * int64(r.numWorkers()*g.kernelShape.Size()), nil
		}
	}
	return 0, nil
}

// scratchAs returns the scratch space reinterpreted as a slice of n values of type E.
func scratchAs[E constraints.Float](scratch *device.Scratch, n int) ([]E, error) {
	var v E
	numBytes := int64(n) * int64(unsafe.Sizeof(v))
	if n == 0 {
		return nil, nil
	}
	data := scratch.Bytes()
	if int64(len(data)) < numBytes {
		return nil, errors.Errorf("scratch space has %d bytes, %d required", len(data), numBytes)
	}
	return unsafe.Slice((*E)(unsafe.Pointer(&data[0])), n), nil
}

// Run implements backends.ConvRunner.
func (r *convRunner[T]) Run(_ *device.Stream, algo hlo.AlgorithmDesc, scratch *device.Scratch) error {
	if r.closed {
		return errors.New("convolution runner already closed")
	}
	g := r.g
	if !g.supports(algo) {
		return errors.Errorf("algorithm %s not supported for %s of %s", algo, g.kind, g.dtype)
	}
	needed, _ := r.ScratchBytes(algo)
	if scratch.Size() < needed {
		return errors.Errorf("algorithm %s requires %d bytes of scratch space, got %d", algo, needed, scratch.Size())
	}
	if g.kind == hlo.KindConvBackwardInput || g.kind == hlo.KindConvBackwardFilter {
		clear(r.ops.result(g.kind))
	}

	switch algo.ID {
	case AlgoDirect:
		convDirect(g, &r.ops, r.ops.kernel, 0, g.batch)
		applyEpilogue(g, &r.ops, 0, g.batch)

	case AlgoDirectParallel:
		if g.kind == hlo.KindConvBackwardFilter {
			return r.runDirectParallelBackwardFilter(scratch)
		}
		r.backend.pool.Split(g.batch, func(_, start, end int) {
			convDirect(g, &r.ops, r.ops.kernel, start, end)
			applyEpilogue(g, &r.ops, start, end)
		})

	case AlgoIm2colGemm, AlgoIm2colGemmParallel:
		ops32, ok := any(&r.ops).(*convOperands[float32])
		if !ok {
			return errors.Errorf("algorithm %s requires float32, got %s", algo, g.dtype)
		}
		kernelSize, workerSize := g.im2colKernelSize(), g.im2colWorkerSize()
		numBuffers := 1
		if algo.ID == AlgoIm2colGemmParallel {
			numBuffers = r.numWorkers()
		}
		floats, err := scratchAs[float32](scratch, kernelSize+numBuffers*workerSize)
		if err != nil {
			return err
		}
		packed := floats[:kernelSize]
		packKernel(g, ops32.kernel, packed, algo.TensorOps)
		if algo.ID == AlgoIm2colGemm {
			convIm2col(g, ops32, packed, g.splitIm2colBuffers(floats[kernelSize:]), 0, g.batch, algo.TensorOps)
			applyEpilogue(g, ops32, 0, g.batch)
			break
		}
		r.backend.pool.Split(g.batch, func(worker, start, end int) {
			buffers := g.splitIm2colBuffers(floats[kernelSize+worker*workerSize:])
			convIm2col(g, ops32, packed, buffers, start, end, false)
			applyEpilogue(g, ops32, start, end)
		})
	}
	return nil
}

// runDirectParallelBackwardFilter accumulates the kernel gradient of each worker's images in its own
// partial buffer in the scratch space, and then adds up the partial gradients.
func (r *convRunner[T]) runDirectParallelBackwardFilter(scratch *device.Scratch) error {
	g := r.g
	kernelSize := g.kernelShape.Size()
	numWorkers := r.numWorkers()
	partials, err := scratchAs[T](scratch, numWorkers*kernelSize)
	if err != nil {
		return err
	}
	clear(partials)
	r.backend.pool.Split(g.batch, func(worker, start, end int) {
		convDirect(g, &r.ops, partials[worker*kernelSize:(worker+1)*kernelSize], start, end)
	})
	kernelGrad := r.ops.kernel
	for worker := range numWorkers {
		for ii, v := range partials[worker*kernelSize : (worker+1)*kernelSize] {
			kernelGrad[ii] += v
		}
	}
	return nil
}

// ReadOutput implements backends.OutputReader.
func (r *convRunner[T]) ReadOutput() ([]float64, error) {
	if r.closed {
		return nil, errors.New("convolution runner already closed")
	}
	result := r.ops.result(r.g.kind)
	values := make([]float64, len(result))
	for ii, v := range result {
		values[ii] = float64(v)
	}
	return values, nil
}

// Close implements backends.ConvRunner.
func (r *convRunner[T]) Close() error {
	r.closed = true
	r.ops = convOperands[T]{}
	return nil
}
