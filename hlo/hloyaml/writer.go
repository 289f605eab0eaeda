// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hloyaml

import (
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var shortDTypeNames = map[dtypes.DType]string{
	dtypes.Float16:  "f16",
	dtypes.BFloat16: "bf16",
	dtypes.Float32:  "f32",
	dtypes.Float64:  "f64",
	dtypes.Int8:     "s8",
	dtypes.Int32:    "s32",
	dtypes.Int64:    "s64",
	dtypes.Uint8:    "u8",
}

// FormatShape formats the shape in the format accepted by ParseShape. E.g.: "f32[8,3,32,32]".
func FormatShape(shape shapes.Shape) string {
	name, found := shortDTypeNames[shape.DType]
	if !found {
		name = strings.ToLower(shape.DType.String())
	}
	dims := make([]string, len(shape.Dimensions))
	for ii, dim := range shape.Dimensions {
		dims[ii] = strconv.Itoa(dim)
	}
	return name + "[" + strings.Join(dims, ",") + "]"
}

func equalAxes(a, b hlo.ConvolveAxesConfig) bool {
	return a.InputBatch == b.InputBatch && a.InputChannels == b.InputChannels && slices.Equal(a.InputSpatial, b.InputSpatial) &&
		a.KernelInputChannels == b.KernelInputChannels && a.KernelOutputChannels == b.KernelOutputChannels &&
		slices.Equal(a.KernelSpatial, b.KernelSpatial) &&
		a.OutputBatch == b.OutputBatch && a.OutputChannels == b.OutputChannels && slices.Equal(a.OutputSpatial, b.OutputSpatial)
}

// FromModule returns the YAML description of the module, including the algorithms and scratch
// sizes already pinned. Building the returned Program yields an equivalent module.
func FromModule(m *hlo.Module) *Program {
	p := &Program{Name: m.Name}
	for _, c := range m.Computations {
		pc := Computation{Name: c.Name}
		for _, instr := range c.Instructions {
			pc.Instructions = append(pc.Instructions, fromInstruction(instr))
		}
		p.Computations = append(p.Computations, pc)
	}
	return p
}

func fromInstruction(instr *hlo.Instruction) Instruction {
	pi := Instruction{
		Name:  instr.Name,
		Kind:  instr.Kind.String(),
		Shape: FormatShape(instr.ResultShape()),
	}
	for _, operand := range instr.Operands {
		pi.Operands = append(pi.Operands, operand.Name)
	}
	if instr.Conv == nil {
		return pi
	}
	conv := instr.Conv
	spatialRank := conv.Axes.SpatialRank()
	switch {
	case equalAxes(conv.Axes, hlo.ChannelsFirstAxes(spatialRank)):
		pi.Layout = "channels-first"
	case equalAxes(conv.Axes, hlo.ChannelsLastAxes(spatialRank)):
		pi.Layout = "channels-last"
	default:
		a := conv.Axes
		pi.Axes = &Axes{
			InputBatch: a.InputBatch, InputChannels: a.InputChannels, InputSpatial: a.InputSpatial,
			KernelInputChannels: a.KernelInputChannels, KernelOutputChannels: a.KernelOutputChannels, KernelSpatial: a.KernelSpatial,
			OutputBatch: a.OutputBatch, OutputChannels: a.OutputChannels, OutputSpatial: a.OutputSpatial,
		}
	}
	pi.Strides = conv.Strides
	pi.Paddings = conv.Paddings
	pi.InputDilations = conv.InputDilations
	pi.KernelDilations = conv.KernelDilations
	pi.FeatureGroupCount = conv.FeatureGroupCount
	pi.BatchGroupCount = conv.BatchGroupCount
	if instr.Kind == hlo.KindConvBiasActivationForward {
		pi.Activation = string(conv.Activation)
		pi.ConvResultScale = conv.ConvResultScale
		pi.SideInputScale = conv.SideInputScale
	}
	if !instr.Backend.Algorithm.IsSearch() {
		pi.Algorithm = instr.Backend.Algorithm.String()
	}
	pi.ScratchBytes = instr.Backend.ScratchBytes
	return pi
}

// Marshal returns the YAML description of the module.
func Marshal(m *hlo.Module) ([]byte, error) {
	contents, err := yaml.Marshal(FromModule(m))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal module %q to YAML", m.Name)
	}
	return contents, nil
}

// WriteFile writes the YAML description of the module to path.
func WriteFile(path string, m *hlo.Module) error {
	contents, err := Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write program %q", path)
	}
	return nil
}
