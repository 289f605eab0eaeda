// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xla

import (
	"math/rand/v2"
	"runtime"
	"unsafe"

	"github.com/gomlx/convpicker/backends"
	"github.com/gomlx/convpicker/device"
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/pjrt"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// operandsSeed is the seed used to fill the operands with pseudo-random values.
const operandsSeed = 42

// hostArray is a flat array on the host, with a byte view used for the transfers.
type hostArray struct {
	flat  any
	bytes []byte
}

func byteView[T any](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var v T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(v)))
}

func newHostArray(shape shapes.Shape) (hostArray, error) {
	size := shape.Size()
	switch shape.DType {
	case dtypes.Float16:
		flat := make([]float16.Float16, size)
		return hostArray{flat: flat, bytes: byteView(flat)}, nil
	case dtypes.Float32:
		flat := make([]float32, size)
		return hostArray{flat: flat, bytes: byteView(flat)}, nil
	case dtypes.Float64:
		flat := make([]float64, size)
		return hostArray{flat: flat, bytes: byteView(flat)}, nil
	default:
		return hostArray{}, errors.Errorf("backend %q doesn't support host arrays of dtype %s", BackendName, shape.DType)
	}
}

func (h hostArray) set(values []float64) {
	switch flat := h.flat.(type) {
	case []float16.Float16:
		for ii, v := range values {
			flat[ii] = float16.Fromfloat32(float32(v))
		}
	case []float32:
		for ii, v := range values {
			flat[ii] = float32(v)
		}
	case []float64:
		copy(flat, values)
	}
}

func (h hostArray) float64s() []float64 {
	var values []float64
	switch flat := h.flat.(type) {
	case []float16.Float16:
		values = make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v.Float32())
		}
	case []float32:
		values = make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v)
		}
	case []float64:
		values = append(values, flat...)
	}
	return values
}

// convRunner implements backends.ConvRunner and backends.OutputReader.
type convRunner struct {
	backend     *Backend
	instr       *hlo.Instruction
	operands    []*pjrt.Buffer
	executables map[hlo.AlgorithmDesc]*pjrt.LoadedExecutable
	output      hostArray
	closed      bool
}

var (
	_ backends.ConvRunner   = (*convRunner)(nil)
	_ backends.OutputReader = (*convRunner)(nil)
)

// PrepareConv implements backends.Backend.
//
// The operands are transferred to the device once, filled with pseudo-random values.
func (b *Backend) PrepareConv(instr *hlo.Instruction) (backends.ConvRunner, error) {
	if err := b.CheckValid(); err != nil {
		return nil, err
	}
	if err := checkSupported(instr); err != nil {
		return nil, err
	}
	output, err := newHostArray(instr.ResultShape())
	if err != nil {
		return nil, err
	}
	r := &convRunner{
		backend:     b,
		instr:       instr,
		executables: make(map[hlo.AlgorithmDesc]*pjrt.LoadedExecutable),
		output:      output,
	}
	rng := rand.New(rand.NewPCG(operandsSeed, uint64(instr.Kind)))
	for _, operand := range instr.Operands {
		shape := operand.Shape()
		host, err := newHostArray(shape)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		values := make([]float64, shape.Size())
		for ii := range values {
			values[ii] = rng.Float64()*2 - 1
		}
		host.set(values)
		buffer, err := b.client.BufferFromHost().
			FromFlatDataWithDimensions(host.flat, shape.Dimensions).
			ToDeviceNum(0).
			Done()
		if err != nil {
			_ = r.Close()
			return nil, errors.WithMessagef(err, "backend %q: transferring operand %q of %q", BackendName, operand.Name, instr.Name)
		}
		r.operands = append(r.operands, buffer)
	}
	return r, nil
}

// executable returns the compiled program of the algorithm, compiling it in the first call.
func (r *convRunner) executable(algo hlo.AlgorithmDesc) (*pjrt.LoadedExecutable, error) {
	if r.closed {
		return nil, errors.New("convolution runner already closed")
	}
	if exec, found := r.executables[algo]; found {
		return exec, nil
	}
	program, err := convProgram(r.instr, algo)
	if err != nil {
		return nil, err
	}
	if klog.V(2).Enabled() {
		klog.Infof("StableHLO program for %q, algorithm %s:\n%s\n", r.instr.Name, algo, program)
	}
	exec, err := r.backend.client.Compile().WithStableHLO(program).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q: failed to compile %q with algorithm %s", BackendName, r.instr.Name, algo)
	}
	r.executables[algo] = exec
	return exec, nil
}

// ScratchBytes implements backends.ConvRunner. PJRT manages its own temporary memory, so no scratch
// space is ever requested, but the program is compiled here so the compilation is never timed.
func (r *convRunner) ScratchBytes(algo hlo.AlgorithmDesc) (int64, error) {
	if _, err := r.executable(algo); err != nil {
		return 0, err
	}
	return 0, nil
}

// Run implements backends.ConvRunner. It includes the transfer of the result back to the host, which
// is also how it waits for the execution to finish.
func (r *convRunner) Run(_ *device.Stream, algo hlo.AlgorithmDesc, _ *device.Scratch) error {
	exec, err := r.executable(algo)
	if err != nil {
		return err
	}
	outputs, err := exec.Execute(r.operands...).DonateNone().Done()
	if err != nil {
		return errors.WithMessagef(err, "backend %q: failed to execute %q with algorithm %s", BackendName, r.instr.Name, algo)
	}
	defer func() {
		for _, buffer := range outputs {
			if err := buffer.Destroy(); err != nil {
				klog.Warningf("Failed to destroy output buffer of %q: %+v", r.instr.Name, err)
			}
		}
	}()
	if len(outputs) != 1 {
		return errors.Errorf("backend %q: execution of %q returned %d outputs, expected 1", BackendName, r.instr.Name, len(outputs))
	}
	if len(r.output.bytes) == 0 {
		return nil
	}
	var pinner runtime.Pinner
	pinner.Pin(&r.output.bytes[0])
	defer pinner.Unpin()
	if err := outputs[0].ToHost(r.output.bytes); err != nil {
		return errors.WithMessagef(err, "backend %q: transferring result of %q", BackendName, r.instr.Name)
	}
	return nil
}

// ReadOutput implements backends.OutputReader.
func (r *convRunner) ReadOutput() ([]float64, error) {
	if r.closed {
		return nil, errors.New("convolution runner already closed")
	}
	return r.output.float64s(), nil
}

// Close implements backends.ConvRunner.
func (r *convRunner) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for _, exec := range r.executables {
		if err := exec.Destroy(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "backend %q: destroying executable of %q", BackendName, r.instr.Name)
		}
	}
	for _, buffer := range r.operands {
		if err := buffer.Destroy(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "backend %q: destroying operand of %q", BackendName, r.instr.Name)
		}
	}
	r.executables, r.operands = nil, nil
	return firstErr
}
