// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates and validates the shapes of convolution instructions.
package shapeinference

import (
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/pkg/errors"
)

// ConvGeneralOp returns the output shape of a convolution of input by kernel with the given
// parameters, or an error if they are not consistent.
//
// Nil strides, paddings and dilations mean 1, no padding and 1 respectively.
func ConvGeneralOp(input, kernel shapes.Shape, axes hlo.ConvolveAxesConfig,
	strides []int, paddings [][2]int,
	inputDilations, kernelDilations []int,
	featureGroupCount, batchGroupCount int) (shapes.Shape, error) {
	// Convenient error returns.
	errorf := func(format string, args ...any) (shapes.Shape, error) {
		return shapes.Invalid(), errors.Errorf("ConvGeneralOp: "+format, args...)
	}

	if !input.Ok() || input.IsTuple() {
		return errorf("invalid input (operand) shape %s", input)
	}
	if !kernel.Ok() || kernel.IsTuple() {
		return errorf("invalid kernel shape %s", kernel)
	}
	if input.DType != kernel.DType {
		return errorf("input dtype (%s) and kernel dtype (%s) must match", input.DType, kernel.DType)
	}

	// Check ranks.
	rank := input.Rank()
	spatialRank := rank - 2
	if rank < 3 {
		return errorf("input (operand) needs to be at least rank-3 with axes (in any order) batch, channels and spatial -- input shape is %s", input)
	}
	if kernel.Rank() != rank {
		return errorf("input (operand) and kernel have different rank!? -- input shape is %s and kernel shape is %s", input, kernel)
	}

	// Check axes configuration.
	if err := checkAxes("input", rank, axes.InputSpatial, axes.InputBatch, axes.InputChannels); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkAxes("kernel", rank, axes.KernelSpatial, axes.KernelInputChannels, axes.KernelOutputChannels); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkAxes("output", rank, axes.OutputSpatial, axes.OutputBatch, axes.OutputChannels); err != nil {
		return shapes.Invalid(), err
	}

	// Check strides, paddings, inputDilations and kernelDilations.
	if len(strides) != 0 && len(strides) != spatialRank {
		return errorf("strides (%v) must either be nil or provide one value for each spatial axis (%d), input shape is %s",
			strides, spatialRank, input)
	}
	if len(paddings) != 0 && len(paddings) != spatialRank {
		return errorf("paddings (%v) must either be nil or provide one value for each spatial axis (%d), input shape is %s",
			paddings, spatialRank, input)
	}
	for i, padding := range paddings {
		if padding[0] < 0 || padding[1] < 0 {
			return errorf("paddings[%d]=%v must be >= 0", i, padding)
		}
	}
	if len(inputDilations) != 0 && len(inputDilations) != spatialRank {
		return errorf("inputDilations (%v) must either be nil or provide one value for each spatial axis (%d), input shape is %s",
			inputDilations, spatialRank, input)
	}
	for i, dilation := range inputDilations {
		if dilation < 1 {
			return errorf("inputDilations[%d]=%d must be >= 1 for input shape %s", i, dilation, input)
		}
	}
	if len(kernelDilations) != 0 && len(kernelDilations) != spatialRank {
		return errorf("kernelDilations (%v) must either be nil or provide one value for each spatial axis (%d), input shape is %s",
			kernelDilations, spatialRank, input)
	}
	for i, dilation := range kernelDilations {
		if dilation < 1 {
			return errorf("kernelDilations[%d]=%d must be >= 1 for input shape %s", i, dilation, input)
		}
	}

	featureGroupCount = max(featureGroupCount, 1)
	batchGroupCount = max(batchGroupCount, 1)
	if featureGroupCount > 1 && batchGroupCount > 1 {
		return errorf("at most one of featureGroupCount (%d) or batchGroupCount (%d) can be set to > 1", featureGroupCount, batchGroupCount)
	}

	// Check that channels (feature dimensions) are valid.
	inputChannels := input.Dim(axes.InputChannels)
	outputChannels := kernel.Dim(axes.KernelOutputChannels)
	if inputChannels%featureGroupCount != 0 {
		return errorf("input channels dimension %d must be divisible by featureGroupCount %d", inputChannels, featureGroupCount)
	}
	if outputChannels%featureGroupCount != 0 {
		return errorf("kernel output channels dimension %d must be divisible by featureGroupCount %d", outputChannels, featureGroupCount)
	}
	kernelInputChannels := kernel.Dim(axes.KernelInputChannels)
	if inputChannels != kernelInputChannels*featureGroupCount {
		return errorf("we must have inputChannels (=%d) = kernelInputChannels (=%d) * featureGroupCount (=%d) -- input shape is %s, kernel shape is %s",
			inputChannels, kernelInputChannels, featureGroupCount, input, kernel)
	}

	// Check batchGroupCount.
	inputBatch := input.Dim(axes.InputBatch)
	if inputBatch%batchGroupCount != 0 {
		return errorf("input batch dimension %d must be divisible by batchGroupCount %d", inputBatch, batchGroupCount)
	}
	if outputChannels%batchGroupCount != 0 {
		return errorf("output channels dimension %d must be divisible by batchGroupCount %d", outputChannels, batchGroupCount)
	}

	// Find the output shape.
	output := input.Clone()
	output.Dimensions[axes.OutputBatch] = inputBatch / batchGroupCount
	output.Dimensions[axes.OutputChannels] = outputChannels

	for spatialAxisIdx, inputAxis := range axes.InputSpatial {
		inputDim := input.Dim(inputAxis)
		kernelDim := kernel.Dim(axes.KernelSpatial[spatialAxisIdx])
		stride := 1
		var padding [2]int
		if strides != nil {
			stride = strides[spatialAxisIdx]
		}
		if paddings != nil {
			padding = paddings[spatialAxisIdx]
		}
		inputDilation, kernelDilation := 1, 1
		if inputDilations != nil {
			inputDilation = inputDilations[spatialAxisIdx]
		}
		if kernelDilations != nil {
			kernelDilation = kernelDilations[spatialAxisIdx]
		}
		if stride < 1 {
			return errorf("stride[%d]=%d must be >= 1 for input shape %s", spatialAxisIdx, stride, input)
		}

		// Effective dimensions after dilations.
		effectiveInputDim := (inputDim-1)*inputDilation + 1
		effectiveKernelDim := (kernelDim-1)*kernelDilation + 1
		paddedEffectiveInputDim := effectiveInputDim + padding[0] + padding[1]
		if effectiveKernelDim > paddedEffectiveInputDim {
			return errorf("effective kernel dimension %d for axis %d is larger than padded effective input dimension %d. "+
				"(input_dim: %d, input_dilation: %d, kernel_dim: %d, kernel_dilation: %d, padding: [%d,%d]) for input shape %s",
				effectiveKernelDim, inputAxis, paddedEffectiveInputDim, inputDim, inputDilation, kernelDim, kernelDilation,
				padding[0], padding[1], input)
		}
		output.Dimensions[axes.OutputSpatial[spatialAxisIdx]] = (paddedEffectiveInputDim-effectiveKernelDim)/stride + 1
	}
	return output, nil
}

// checkAxes verifies that the spatial axes plus the two special axes cover exactly every axis of the given rank.
func checkAxes(name string, rank int, spatial []int, special1, special2 int) error {
	if len(spatial) != rank-2 {
		return errors.Errorf("ConvGeneralOp: %s spatial axes (%v) must provide one value for each spatial axis (%d)",
			name, spatial, rank-2)
	}
	seen := types.MakeSet[int](rank)
	for _, axis := range append([]int{special1, special2}, spatial...) {
		if axis < 0 || axis >= rank {
			return errors.Errorf("ConvGeneralOp: invalid %s axes configuration (axis %d is out-of-bounds for rank %d): %d, %d, spatial=%v",
				name, axis, rank, special1, special2, spatial)
		}
		seen.Insert(axis)
	}
	if len(seen) != rank {
		return errors.Errorf("ConvGeneralOp: duplicate %s axes configuration: %d, %d, spatial=%v", name, special1, special2, spatial)
	}
	return nil
}

// Conv returns the output shape of a convolution of input by kernel configured by conv.
func Conv(input, kernel shapes.Shape, conv *hlo.ConvConfig) (shapes.Shape, error) {
	return ConvGeneralOp(input, kernel, conv.Axes, conv.Strides, conv.Paddings,
		conv.InputDilations, conv.KernelDilations, conv.FeatureGroupCount, conv.BatchGroupCount)
}

// CheckConvolution validates the shapes of a convolution instruction of any kind: the input,
// kernel and output shapes derived from its operands and result must be consistent, and
// for the fused kind, the bias and side-input must match the output.
func CheckConvolution(instr *hlo.Instruction) error {
	cs, err := instr.ConvShapes()
	if err != nil {
		return err
	}
	output, err := Conv(cs.Input, cs.Kernel, instr.Conv)
	if err != nil {
		return errors.WithMessagef(err, "instruction %q", instr.Name)
	}
	if !output.Equal(cs.Output) {
		return errors.Errorf("instruction %q (%s): convolution of input %s by kernel %s yields %s, but instruction has %s",
			instr.Name, instr.Kind, cs.Input, cs.Kernel, output, cs.Output)
	}
	if instr.Kind == hlo.KindConvBiasActivationForward {
		outputChannels := cs.Output.Dim(instr.Conv.Axes.OutputChannels)
		if err := cs.Bias.Check(cs.Output.DType, outputChannels); err != nil {
			return errors.WithMessagef(err, "instruction %q: invalid bias", instr.Name)
		}
		if cs.SideInput.Ok() && !cs.SideInput.Equal(cs.Output) {
			return errors.Errorf("instruction %q: side-input shape %s must match output shape %s", instr.Name, cs.SideInput, cs.Output)
		}
		switch instr.Conv.Activation {
		case "", hlo.ActivationNone, hlo.ActivationRelu:
		default:
			return errors.Errorf("instruction %q: unknown activation %q", instr.Name, instr.Conv.Activation)
		}
	}
	return nil
}
