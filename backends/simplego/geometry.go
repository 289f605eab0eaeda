// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/hlo/shapeinference"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// convGeometry holds the static derived data of a convolution, shared by all algorithms.
//
// The arrays are always named by their role in the forward convolution: input, kernel and output.
// For the backward convolutions the result is the input (backward-input) or the kernel
// (backward-filter) gradient.
type convGeometry struct {
	kind                                 hlo.Kind
	dtype                                dtypes.DType
	inputShape, kernelShape, outputShape shapes.Shape

	batch, inputChannels, outputChannels int
	groups                               int
	kernelInputChannels                  int // = inputChannels / groups
	outputChannelsPerGroup               int

	spatialRank                             int
	inputSpatial, kernelSpatial, outSpatial []int
	strides, inputDilations, kernelDilations []int
	paddingsLow                             []int

	// Flat strides of each logical axis.
	inputBatchStride, inputChannelStride         int
	inputSpatialStrides                          []int
	kernelInputStride, kernelOutputStride        int
	kernelSpatialStrides                         []int
	outputBatchStride, outputChannelStride       int
	outputSpatialStrides                         []int

	// Output spatial positions and their flat offsets, in row-major order.
	outPositions     [][]int
	outSpatialOffset []int

	// Kernel spatial positions and their flat offsets, in row-major order.
	kernelPositions     [][]int
	kernelSpatialOffset []int

	// Fused convolution parameters.
	hasSideInput              bool
	activation                hlo.Activation
	convScale, sideInputScale float64
}

func newConvGeometry(instr *hlo.Instruction) (*convGeometry, error) {
	if err := shapeinference.CheckConvolution(instr); err != nil {
		return nil, err
	}
	cs, err := instr.ConvShapes()
	if err != nil {
		return nil, err
	}
	conv := instr.Conv.Normalized()
	dtype := cs.Input.DType
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return nil, errors.Errorf("%s backend doesn't support convolutions of dtype %s (instruction %q)", BackendName, dtype, instr.Name)
	}
	if conv.BatchGroupCount > 1 {
		return nil, errors.Errorf("%s backend doesn't support batch grouping (instruction %q)", BackendName, instr.Name)
	}
	axes := conv.Axes
	g := &convGeometry{
		kind:            instr.Kind,
		dtype:           dtype,
		inputShape:      cs.Input,
		kernelShape:     cs.Kernel,
		outputShape:     cs.Output,
		batch:           cs.Input.Dim(axes.InputBatch),
		inputChannels:   cs.Input.Dim(axes.InputChannels),
		outputChannels:  cs.Output.Dim(axes.OutputChannels),
		groups:          conv.FeatureGroupCount,
		spatialRank:     axes.SpatialRank(),
		strides:         conv.Strides,
		inputDilations:  conv.InputDilations,
		kernelDilations: conv.KernelDilations,
		hasSideInput:    cs.SideInput.Ok(),
		activation:      conv.Activation,
		convScale:       conv.ConvResultScale,
		sideInputScale:  conv.SideInputScale,
	}
	g.kernelInputChannels = g.inputChannels / g.groups
	g.outputChannelsPerGroup = g.outputChannels / g.groups

	inputStrides, kernelStrides, outputStrides := cs.Input.Strides(), cs.Kernel.Strides(), cs.Output.Strides()
	g.inputBatchStride, g.inputChannelStride = inputStrides[axes.InputBatch], inputStrides[axes.InputChannels]
	g.kernelInputStride, g.kernelOutputStride = kernelStrides[axes.KernelInputChannels], kernelStrides[axes.KernelOutputChannels]
	g.outputBatchStride, g.outputChannelStride = outputStrides[axes.OutputBatch], outputStrides[axes.OutputChannels]
	for d := range g.spatialRank {
		g.inputSpatial = append(g.inputSpatial, cs.Input.Dim(axes.InputSpatial[d]))
		g.kernelSpatial = append(g.kernelSpatial, cs.Kernel.Dim(axes.KernelSpatial[d]))
		g.outSpatial = append(g.outSpatial, cs.Output.Dim(axes.OutputSpatial[d]))
		g.inputSpatialStrides = append(g.inputSpatialStrides, inputStrides[axes.InputSpatial[d]])
		g.kernelSpatialStrides = append(g.kernelSpatialStrides, kernelStrides[axes.KernelSpatial[d]])
		g.outputSpatialStrides = append(g.outputSpatialStrides, outputStrides[axes.OutputSpatial[d]])
		g.paddingsLow = append(g.paddingsLow, conv.Paddings[d][0])
	}
	g.outPositions, g.outSpatialOffset = positions(g.outSpatial, g.outputSpatialStrides)
	g.kernelPositions, g.kernelSpatialOffset = positions(g.kernelSpatial, g.kernelSpatialStrides)
	return g, nil
}

// positions enumerates all positions of the given spatial dimensions, and their flat offsets given
// the strides of each spatial axis.
func positions(dims, strides []int) ([][]int, []int) {
	var all [][]int
	var offsets []int
	for pos := range shapes.IterDims(dims) {
		offset := 0
		for d, p := range pos {
			offset += p * strides[d]
		}
		all = append(all, append([]int(nil), pos...))
		offsets = append(offsets, offset)
	}
	return all, offsets
}

// inputSpatialOffset returns the flat offset of the input spatial position read by the output
// position outPos and kernel position kernelPos, or false if it falls on padding or between
// dilated input values.
func (g *convGeometry) inputSpatialOffset(outPos, kernelPos []int) (int, bool) {
	offset := 0
	for d := range g.spatialRank {
		pos := outPos[d]*g.strides[d] - g.paddingsLow[d] + kernelPos[d]*g.kernelDilations[d]
		if pos < 0 || pos%g.inputDilations[d] != 0 {
			return 0, false
		}
		pos /= g.inputDilations[d]
		if pos >= g.inputSpatial[d] {
			return 0, false
		}
		offset += pos * g.inputSpatialStrides[d]
	}
	return offset, true
}

// im2colRows is the number of rows of the im2col matrix: one per input channel and kernel position.
func (g *convGeometry) im2colRows() int {
	return g.inputChannels * len(g.kernelPositions)
}

// resultShape returns the shape of the array computed by the convolution.
func (g *convGeometry) resultShape() shapes.Shape {
	switch g.kind {
	case hlo.KindConvBackwardInput:
		return g.inputShape
	case hlo.KindConvBackwardFilter:
		return g.kernelShape
	default:
		return g.outputShape
	}
}
