// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xla

import (
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/go-xla/pkg/stablehlo"
	stablehlotypes "github.com/gomlx/go-xla/pkg/types"
	xladtypes "github.com/gomlx/go-xla/pkg/types/dtypes"
	stablehloshapes "github.com/gomlx/go-xla/pkg/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DTypeToXLA converts the dtype to the one used by the StableHLO builder.
func DTypeToXLA(dtype dtypes.DType) (xladtypes.DType, error) {
	switch dtype {
	case dtypes.Float16:
		return xladtypes.Float16, nil
	case dtypes.Float32:
		return xladtypes.Float32, nil
	case dtypes.Float64:
		return xladtypes.Float64, nil
	default:
		return xladtypes.InvalidDType, errors.Errorf("backend %q doesn't support dtype %s", BackendName, dtype)
	}
}

// ShapeToXLA converts the shape to the one used by the StableHLO builder.
func ShapeToXLA(shape shapes.Shape) (stablehloshapes.Shape, error) {
	dtype, err := DTypeToXLA(shape.DType)
	if err != nil {
		return stablehloshapes.Shape{}, err
	}
	return stablehloshapes.Make(dtype, shape.Dimensions...), nil
}

// convProgram returns the StableHLO program that computes the convolution instruction with the algorithm.
//
// Its parameters are the operands of the instruction, in order, and it returns the result of the instruction.
func convProgram(instr *hlo.Instruction, algo hlo.AlgorithmDesc) ([]byte, error) {
	if algo.ID != AlgoNative && algo.ID != AlgoChannelsLast {
		return nil, errors.Errorf("backend %q has no algorithm %s", BackendName, algo)
	}
	cs, err := instr.ConvShapes()
	if err != nil {
		return nil, err
	}
	conv := instr.Conv.Normalized()
	builder := stablehlo.New(stablehlo.NormalizeIdentifier(instr.Name))
	fn := builder.Main()
	input, err := namedInput(fn, "input", cs.Input)
	if err != nil {
		return nil, err
	}
	kernel, err := namedInput(fn, "kernel", cs.Kernel)
	if err != nil {
		return nil, err
	}

	var output *stablehlo.Value
	if algo.ID == AlgoNative {
		output, err = convolution(input, kernel, conv, conv.Axes, algo.TensorOps)
	} else {
		output, err = convolutionChannelsLast(input, kernel, conv, algo.TensorOps)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q: building convolution %q with algorithm %s", BackendName, instr.Name, algo)
	}

	if instr.Kind == hlo.KindConvBiasActivationForward {
		output, err = epilogue(fn, conv, cs, output)
		if err != nil {
			return nil, errors.WithMessagef(err, "backend %q: building epilogue of %q", BackendName, instr.Name)
		}
	}
	if err := fn.Return(output); err != nil {
		return nil, errors.WithMessagef(err, "backend %q: returning result of %q", BackendName, instr.Name)
	}
	program, err := builder.Build()
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q: failed to build StableHLO for %q", BackendName, instr.Name)
	}
	return program, nil
}

func namedInput(fn *stablehlo.Function, name string, shape shapes.Shape) (*stablehlo.Value, error) {
	xlaShape, err := ShapeToXLA(shape)
	if err != nil {
		return nil, err
	}
	value, err := fn.NamedInput(name, xlaShape)
	if err != nil {
		return nil, errors.WithMessagef(err, "while building parameter %q", name)
	}
	return value, nil
}

// convolution with the given axes. With tensorOps the backend is free to use reduced precision,
// otherwise the highest precision is requested.
func convolution(input, kernel *stablehlo.Value, conv *hlo.ConvConfig, axes hlo.ConvolveAxesConfig, tensorOps bool) (*stablehlo.Value, error) {
	if tensorOps {
		return stablehlo.Convolution(input, kernel,
			conv.Strides, conv.Paddings, conv.InputDilations, conv.KernelDilations,
			axes.InputBatch, axes.InputChannels, axes.InputSpatial,
			axes.KernelInputChannels, axes.KernelOutputChannels, axes.KernelSpatial,
			axes.OutputBatch, axes.OutputChannels, axes.OutputSpatial,
			conv.FeatureGroupCount, conv.BatchGroupCount,
			stablehlotypes.DotGeneralPrecisionDefault, stablehlotypes.DotGeneralPrecisionDefault)
	}
	return stablehlo.Convolution(input, kernel,
		conv.Strides, conv.Paddings, conv.InputDilations, conv.KernelDilations,
		axes.InputBatch, axes.InputChannels, axes.InputSpatial,
		axes.KernelInputChannels, axes.KernelOutputChannels, axes.KernelSpatial,
		axes.OutputBatch, axes.OutputChannels, axes.OutputSpatial,
		conv.FeatureGroupCount, conv.BatchGroupCount,
		stablehlotypes.DotGeneralPrecisionHighest, stablehlotypes.DotGeneralPrecisionHighest)
}

// channelsLast returns the permutations that take the input and the kernel to the channels-last layout,
// the channels-last axes configuration, and the permutation that takes the channels-last output back
// to the original layout.
func channelsLast(axes hlo.ConvolveAxesConfig) (inputPerm, kernelPerm []int, clAxes hlo.ConvolveAxesConfig, outputPerm []int) {
	spatialRank := axes.SpatialRank()
	clAxes = hlo.ChannelsLastAxes(spatialRank)
	inputPerm = append(append([]int{axes.InputBatch}, axes.InputSpatial...), axes.InputChannels)
	kernelPerm = append(append([]int{}, axes.KernelSpatial...), axes.KernelInputChannels, axes.KernelOutputChannels)
	outputPerm = make([]int, spatialRank+2)
	outputPerm[axes.OutputBatch] = 0
	outputPerm[axes.OutputChannels] = spatialRank + 1
	for ii, axis := range axes.OutputSpatial {
		outputPerm[axis] = ii + 1
	}
	return
}

// convolutionChannelsLast transposes the operands to the channels-last layout, convolves them there,
// and transposes the result back to the layout of the instruction.
func convolutionChannelsLast(input, kernel *stablehlo.Value, conv *hlo.ConvConfig, tensorOps bool) (*stablehlo.Value, error) {
	inputPerm, kernelPerm, clAxes, outputPerm := channelsLast(conv.Axes)
	input, err := stablehlo.Transpose(input, inputPerm...)
	if err != nil {
		return nil, err
	}
	kernel, err = stablehlo.Transpose(kernel, kernelPerm...)
	if err != nil {
		return nil, err
	}
	output, err := convolution(input, kernel, conv, clAxes, tensorOps)
	if err != nil {
		return nil, err
	}
	return stablehlo.Transpose(output, outputPerm...)
}

// broadcastScalar returns the constant x broadcast to shape.
func broadcastScalar(fn *stablehlo.Function, x float64, shape shapes.Shape) (*stablehlo.Value, error) {
	var scalar any
	switch shape.DType {
	case dtypes.Float16:
		scalar = float16.Fromfloat32(float32(x))
	case dtypes.Float32:
		scalar = float32(x)
	case dtypes.Float64:
		scalar = x
	default:
		return nil, errors.Errorf("backend %q doesn't support dtype %s", BackendName, shape.DType)
	}
	c, err := fn.ConstantFromScalar(scalar)
	if err != nil {
		return nil, err
	}
	xlaShape, err := ShapeToXLA(shape)
	if err != nil {
		return nil, err
	}
	return stablehlo.BroadcastInDim(c, xlaShape, nil)
}

// scale multiplies v by x, unless x is 1.
func scale(fn *stablehlo.Function, v *stablehlo.Value, x float64, shape shapes.Shape) (*stablehlo.Value, error) {
	if x == 1 {
		return v, nil
	}
	factor, err := broadcastScalar(fn, x, shape)
	if err != nil {
		return nil, err
	}
	return stablehlo.Multiply(v, factor)
}

// epilogue adds the bias and the side input to the convolution output and applies the activation.
// The bias and side input become the third and fourth parameters of the program.
func epilogue(fn *stablehlo.Function, conv *hlo.ConvConfig, cs hlo.ConvShapes, output *stablehlo.Value) (*stablehlo.Value, error) {
	shape := cs.Output
	output, err := scale(fn, output, conv.ConvResultScale, shape)
	if err != nil {
		return nil, err
	}
	bias, err := namedInput(fn, "bias", cs.Bias)
	if err != nil {
		return nil, err
	}
	if cs.SideInput.Ok() {
		sideInput, err := namedInput(fn, "side_input", cs.SideInput)
		if err != nil {
			return nil, err
		}
		sideInput, err = scale(fn, sideInput, conv.SideInputScale, shape)
		if err != nil {
			return nil, err
		}
		output, err = stablehlo.Add(output, sideInput)
		if err != nil {
			return nil, err
		}
	}
	xlaShape, err := ShapeToXLA(shape)
	if err != nil {
		return nil, err
	}
	broadcastBias, err := stablehlo.BroadcastInDim(bias, xlaShape, []int{conv.Axes.OutputChannels})
	if err != nil {
		return nil, err
	}
	output, err = stablehlo.Add(output, broadcastBias)
	if err != nil {
		return nil, err
	}
	if conv.Activation == hlo.ActivationRelu {
		zero, err := broadcastScalar(fn, 0, shape)
		if err != nil {
			return nil, err
		}
		output, err = stablehlo.Maximum(output, zero)
		if err != nil {
			return nil, err
		}
	}
	return output, nil
}
