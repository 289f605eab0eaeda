// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"slices"

	"github.com/gomlx/convpicker/types/shapes"
	"github.com/pkg/errors"
)

// ConvolveAxesConfig defines the interpretation of the input/kernel/output axes.
// There must be the same number of spatial dimensions (axes) for each of the 3 tensors.
// Input and output have batch and channels axes. Kernel has inputChannels and outputChannels axes.
type ConvolveAxesConfig struct {
	InputBatch, InputChannels int
	InputSpatial              []int

	KernelInputChannels, KernelOutputChannels int
	KernelSpatial                             []int

	OutputBatch, OutputChannels int
	OutputSpatial               []int
}

// Clone returns a deep copy of the structure.
func (c ConvolveAxesConfig) Clone() ConvolveAxesConfig {
	c2 := c
	c2.InputSpatial = slices.Clone(c.InputSpatial)
	c2.KernelSpatial = slices.Clone(c.KernelSpatial)
	c2.OutputSpatial = slices.Clone(c.OutputSpatial)
	return c2
}

// SpatialRank returns the number of spatial axes.
func (c ConvolveAxesConfig) SpatialRank() int {
	return len(c.InputSpatial)
}

// ChannelsFirstAxes returns the axes configuration for the "NCHW" layout: input and output
// are [batch, channels, spatial...] and the kernel is [outputChannels, inputChannels, spatial...].
func ChannelsFirstAxes(spatialRank int) ConvolveAxesConfig {
	spatial := make([]int, spatialRank)
	for ii := range spatial {
		spatial[ii] = ii + 2
	}
	return ConvolveAxesConfig{
		InputBatch: 0, InputChannels: 1, InputSpatial: slices.Clone(spatial),
		KernelOutputChannels: 0, KernelInputChannels: 1, KernelSpatial: slices.Clone(spatial),
		OutputBatch: 0, OutputChannels: 1, OutputSpatial: slices.Clone(spatial),
	}
}

// ChannelsLastAxes returns the axes configuration for the "NHWC" layout: input and output
// are [batch, spatial..., channels] and the kernel is [spatial..., inputChannels, outputChannels].
func ChannelsLastAxes(spatialRank int) ConvolveAxesConfig {
	spatial := make([]int, spatialRank)
	kernelSpatial := make([]int, spatialRank)
	for ii := range spatial {
		spatial[ii] = ii + 1
		kernelSpatial[ii] = ii
	}
	return ConvolveAxesConfig{
		InputBatch: 0, InputChannels: spatialRank + 1, InputSpatial: slices.Clone(spatial),
		KernelInputChannels: spatialRank, KernelOutputChannels: spatialRank + 1, KernelSpatial: kernelSpatial,
		OutputBatch: 0, OutputChannels: spatialRank + 1, OutputSpatial: slices.Clone(spatial),
	}
}

// Activation applied by the fused KindConvBiasActivationForward convolution.
type Activation string

const (
	ActivationNone Activation = "none"
	ActivationRelu Activation = "relu"
)

// ConvConfig holds the parameters of a convolution instruction.
//
// Nil Strides, Paddings, InputDilations or KernelDilations and zero group counts mean
// their default values (1, no padding, 1 and 1 respectively). See Normalized.
type ConvConfig struct {
	Axes            ConvolveAxesConfig
	Strides         []int
	Paddings        [][2]int
	InputDilations  []int
	KernelDilations []int

	FeatureGroupCount int
	BatchGroupCount   int

	// Fields below are only used by KindConvBiasActivationForward.
	Activation      Activation
	ConvResultScale float64
	SideInputScale  float64
}

// Clone returns a deep copy of the configuration.
func (c *ConvConfig) Clone() *ConvConfig {
	if c == nil {
		return nil
	}
	c2 := *c
	c2.Axes = c.Axes.Clone()
	c2.Strides = slices.Clone(c.Strides)
	c2.Paddings = slices.Clone(c.Paddings)
	c2.InputDilations = slices.Clone(c.InputDilations)
	c2.KernelDilations = slices.Clone(c.KernelDilations)
	return &c2
}

// Normalized returns a copy of the configuration with all defaults made explicit, so two
// configurations that differ only on how defaults are expressed become equal.
func (c *ConvConfig) Normalized() *ConvConfig {
	n := c.Clone()
	spatialRank := n.Axes.SpatialRank()
	fill := func(values []int) []int {
		if len(values) == 0 {
			values = make([]int, spatialRank)
		}
		for ii, v := range values {
			if v <= 0 {
				values[ii] = 1
			}
		}
		return values
	}
	n.Strides = fill(n.Strides)
	n.InputDilations = fill(n.InputDilations)
	n.KernelDilations = fill(n.KernelDilations)
	if len(n.Paddings) == 0 {
		n.Paddings = make([][2]int, spatialRank)
	}
	n.FeatureGroupCount = max(n.FeatureGroupCount, 1)
	n.BatchGroupCount = max(n.BatchGroupCount, 1)
	if n.Activation == "" {
		n.Activation = ActivationNone
	}
	if n.ConvResultScale == 0 {
		n.ConvResultScale = 1
	}
	return n
}

// String implements fmt.Stringer.
func (c *ConvConfig) String() string {
	if c == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("axes=%+v strides=%v paddings=%v input_dilations=%v kernel_dilations=%v feature_groups=%d batch_groups=%d",
		c.Axes, c.Strides, c.Paddings, c.InputDilations, c.KernelDilations, c.FeatureGroupCount, c.BatchGroupCount)
	if c.Activation != "" && c.Activation != ActivationNone || c.ConvResultScale != 0 || c.SideInputScale != 0 {
		s += fmt.Sprintf(" activation=%s conv_result_scale=%g side_input_scale=%g",
			c.Activation, c.ConvResultScale, c.SideInputScale)
	}
	return s
}

// ConvShapes are the shapes of the three arrays taking part in a convolution, independent of
// which of them is the result of the instruction.
type ConvShapes struct {
	Input, Kernel, Output shapes.Shape

	// Bias and SideInput are only set for KindConvBiasActivationForward. SideInput is invalid
	// if there is no side input.
	Bias, SideInput shapes.Shape
}

// ConvShapes returns the input, kernel and output shapes of a convolution instruction, given
// the operand roles of its Kind:
//
//   - KindConvForward: (input, kernel) -> output
//   - KindConvBackwardInput: (output-grad, kernel) -> input-grad
//   - KindConvBackwardFilter: (input, output-grad) -> kernel-grad
//   - KindConvBiasActivationForward: (input, kernel, bias[, side-input]) -> output
func (instr *Instruction) ConvShapes() (ConvShapes, error) {
	var cs ConvShapes
	if !instr.Kind.IsConvolution() {
		return cs, errors.Errorf("instruction %q of kind %s is not a convolution", instr.Name, instr.Kind)
	}
	if instr.Conv == nil {
		return cs, errors.Errorf("convolution instruction %q has no ConvConfig", instr.Name)
	}
	if len(instr.OutputShapes) == 0 {
		return cs, errors.Errorf("convolution instruction %q has no output shape", instr.Name)
	}
	numOperands := len(instr.Operands)
	wantOperands := func(counts ...int) error {
		if slices.Contains(counts, numOperands) {
			return nil
		}
		return errors.Errorf("%s instruction %q requires %v operands, got %d", instr.Kind, instr.Name, counts, numOperands)
	}
	result := instr.ResultShape()
	switch instr.Kind {
	case KindConvForward:
		if err := wantOperands(2); err != nil {
			return cs, err
		}
		cs.Input, cs.Kernel, cs.Output = instr.Operands[0].ResultShape(), instr.Operands[1].ResultShape(), result
	case KindConvBackwardInput:
		if err := wantOperands(2); err != nil {
			return cs, err
		}
		cs.Output, cs.Kernel, cs.Input = instr.Operands[0].ResultShape(), instr.Operands[1].ResultShape(), result
	case KindConvBackwardFilter:
		if err := wantOperands(2); err != nil {
			return cs, err
		}
		cs.Input, cs.Output, cs.Kernel = instr.Operands[0].ResultShape(), instr.Operands[1].ResultShape(), result
	case KindConvBiasActivationForward:
		if err := wantOperands(3, 4); err != nil {
			return cs, err
		}
		cs.Input, cs.Kernel, cs.Output = instr.Operands[0].ResultShape(), instr.Operands[1].ResultShape(), result
		cs.Bias = instr.Operands[2].ResultShape()
		cs.SideInput = shapes.Invalid()
		if numOperands == 4 {
			cs.SideInput = instr.Operands[3].ResultShape()
		}
	}
	return cs, nil
}
