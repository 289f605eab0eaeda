// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hloyaml loads hlo.Module programs from a YAML description.
//
// Example:
//
//	name: block
//	computations:
//	  - name: main
//	    instructions:
//	      - {name: x, kind: parameter, shape: "f32[8,3,32,32]"}
//	      - {name: k, kind: parameter, shape: "f32[16,3,3,3]"}
//	      - name: conv
//	        kind: conv-forward
//	        operands: [x, k]
//	        layout: channels-first
//	        paddings: [[1, 1], [1, 1]]
//
// The result shape of forward and fused convolutions is inferred when omitted. Backward
// convolutions require an explicit shape.
package hloyaml

import (
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/hlo/shapeinference"
	"github.com/gomlx/convpicker/hlo/verifier"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Program is the YAML document describing a module.
type Program struct {
	Name         string        `yaml:"name"`
	Computations []Computation `yaml:"computations"`
}

// Computation is the YAML description of an hlo.Computation.
type Computation struct {
	Name         string        `yaml:"name"`
	Instructions []Instruction `yaml:"instructions"`
}

// Instruction is the YAML description of an hlo.Instruction.
type Instruction struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Shape    string   `yaml:"shape,omitempty"`
	Operands []string `yaml:"operands,omitempty"`

	// Convolution parameters.
	Layout            string   `yaml:"layout,omitempty"`
	Axes              *Axes    `yaml:"axes,omitempty"`
	Strides           []int    `yaml:"strides,omitempty"`
	Paddings          [][2]int `yaml:"paddings,omitempty"`
	InputDilations    []int    `yaml:"input_dilations,omitempty"`
	KernelDilations   []int    `yaml:"kernel_dilations,omitempty"`
	FeatureGroupCount int      `yaml:"feature_group_count,omitempty"`
	BatchGroupCount   int      `yaml:"batch_group_count,omitempty"`
	Activation        string   `yaml:"activation,omitempty"`
	ConvResultScale   float64  `yaml:"conv_result_scale,omitempty"`
	SideInputScale    float64  `yaml:"side_input_scale,omitempty"`

	// Algorithm already pinned, for programs that were partially tuned.
	Algorithm    string `yaml:"algorithm,omitempty"`
	ScratchBytes int64  `yaml:"scratch_bytes,omitempty"`
}

// Axes is the YAML description of hlo.ConvolveAxesConfig, for layouts other than
// "channels-first" and "channels-last".
type Axes struct {
	InputBatch           int   `yaml:"input_batch"`
	InputChannels        int   `yaml:"input_channels"`
	InputSpatial         []int `yaml:"input_spatial"`
	KernelInputChannels  int   `yaml:"kernel_input_channels"`
	KernelOutputChannels int   `yaml:"kernel_output_channels"`
	KernelSpatial        []int `yaml:"kernel_spatial"`
	OutputBatch          int   `yaml:"output_batch"`
	OutputChannels       int   `yaml:"output_channels"`
	OutputSpatial        []int `yaml:"output_spatial"`
}

// LoadFile reads and parses a YAML program file.
func LoadFile(path string) (*hlo.Module, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read program %q", path)
	}
	module, err := ParseModuleYAML(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "program %q", path)
	}
	return module, nil
}

// ParseModuleYAML parses a YAML program and returns the verified module.
func ParseModuleYAML(contents []byte) (*hlo.Module, error) {
	var program Program
	if err := yaml.Unmarshal(contents, &program); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML program")
	}
	return program.Build()
}

// Build converts the program to an hlo.Module and verifies it.
func (p *Program) Build() (*hlo.Module, error) {
	if p.Name == "" {
		p.Name = "module"
	}
	module := hlo.NewModule(p.Name)
	for _, pc := range p.Computations {
		c := module.NewComputation(pc.Name)
		for _, pi := range pc.Instructions {
			if err := addInstruction(c, &pi); err != nil {
				return nil, errors.WithMessagef(err, "computation %q, instruction %q", pc.Name, pi.Name)
			}
		}
	}
	if err := verifier.Verify(module); err != nil {
		return nil, err
	}
	return module, nil
}

func addInstruction(c *hlo.Computation, pi *Instruction) error {
	if pi.Name == "" {
		return errors.New("instruction has no name")
	}
	if c.Lookup(pi.Name) != nil {
		return errors.New("duplicate instruction name")
	}
	kind, err := hlo.ParseKind(pi.Kind)
	if err != nil {
		return err
	}
	operands := make([]*hlo.Instruction, len(pi.Operands))
	for ii, name := range pi.Operands {
		operands[ii] = c.Lookup(name)
		if operands[ii] == nil {
			return errors.Errorf("operand %q not defined before use", name)
		}
	}
	shape := shapes.Invalid()
	if pi.Shape != "" {
		shape, err = ParseShape(pi.Shape)
		if err != nil {
			return err
		}
	}

	if !kind.IsConvolution() {
		if !shape.Ok() {
			return errors.Errorf("%s instruction requires a shape", kind)
		}
		if kind == hlo.KindParameter {
			c.AddParameter(pi.Name, shape)
		} else {
			c.AddElementwise(pi.Name, shape, operands...)
		}
		return nil
	}

	conv, err := pi.convConfig(operands)
	if err != nil {
		return err
	}
	if !shape.Ok() {
		if kind != hlo.KindConvForward && kind != hlo.KindConvBiasActivationForward {
			return errors.Errorf("%s instruction requires an explicit shape", kind)
		}
		if len(operands) < 2 {
			return errors.Errorf("%s instruction requires at least 2 operands, got %d", kind, len(operands))
		}
		shape, err = shapeinference.Conv(operands[0].ResultShape(), operands[1].ResultShape(), conv)
		if err != nil {
			return err
		}
	}
	instr := c.AddConvolution(pi.Name, kind, conv, shape, operands...)
	instr.Backend.Algorithm, err = hlo.ParseAlgorithmDesc(pi.Algorithm)
	if err != nil {
		return err
	}
	if pi.ScratchBytes < 0 {
		return errors.Errorf("negative scratch_bytes %d", pi.ScratchBytes)
	}
	instr.SetScratch(pi.ScratchBytes)
	return nil
}

func (pi *Instruction) convConfig(operands []*hlo.Instruction) (*hlo.ConvConfig, error) {
	if len(operands) == 0 {
		return nil, errors.New("convolution without operands")
	}
	spatialRank := operands[0].ResultShape().Rank() - 2
	if spatialRank < 0 {
		return nil, errors.Errorf("first operand has rank %d, a convolution requires at least rank 2", operands[0].ResultShape().Rank())
	}
	conv := &hlo.ConvConfig{
		Strides:           pi.Strides,
		Paddings:          pi.Paddings,
		InputDilations:    pi.InputDilations,
		KernelDilations:   pi.KernelDilations,
		FeatureGroupCount: pi.FeatureGroupCount,
		BatchGroupCount:   pi.BatchGroupCount,
		Activation:        hlo.Activation(pi.Activation),
		ConvResultScale:   pi.ConvResultScale,
		SideInputScale:    pi.SideInputScale,
	}
	switch {
	case pi.Axes != nil:
		if pi.Layout != "" {
			return nil, errors.New("only one of layout and axes can be given")
		}
		a := pi.Axes
		conv.Axes = hlo.ConvolveAxesConfig{
			InputBatch: a.InputBatch, InputChannels: a.InputChannels, InputSpatial: a.InputSpatial,
			KernelInputChannels: a.KernelInputChannels, KernelOutputChannels: a.KernelOutputChannels, KernelSpatial: a.KernelSpatial,
			OutputBatch: a.OutputBatch, OutputChannels: a.OutputChannels, OutputSpatial: a.OutputSpatial,
		}
	case pi.Layout == "" || pi.Layout == "channels-first" || strings.EqualFold(pi.Layout, "NCHW"):
		conv.Axes = hlo.ChannelsFirstAxes(spatialRank)
	case pi.Layout == "channels-last" || strings.EqualFold(pi.Layout, "NHWC"):
		conv.Axes = hlo.ChannelsLastAxes(spatialRank)
	default:
		return nil, errors.Errorf("unknown layout %q, valid values are \"channels-first\" and \"channels-last\"", pi.Layout)
	}
	return conv, nil
}

// ParseDType accepts any name of gopjrt dtypes, e.g. "f32", "F32", "float32" or "Float32".
func ParseDType(name string) (dtypes.DType, error) {
	if dtype, found := dtypes.MapOfNames[name]; found && dtype != dtypes.InvalidDType {
		return dtype, nil
	}
	for key, dtype := range dtypes.MapOfNames {
		if dtype != dtypes.InvalidDType && strings.EqualFold(key, name) {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// ParseShape parses shapes in the format "f32[8,3,32,32]". Scalars are written "f32[]" or "f32".
func ParseShape(s string) (shapes.Shape, error) {
	s = strings.TrimSpace(s)
	dtypeName, dimsStr, hasDims := strings.Cut(s, "[")
	dtype, err := ParseDType(strings.TrimSpace(dtypeName))
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "invalid shape %q", s)
	}
	if !hasDims {
		return shapes.Make(dtype), nil
	}
	dimsStr, found := strings.CutSuffix(strings.TrimSpace(dimsStr), "]")
	if !found {
		return shapes.Invalid(), errors.Errorf("invalid shape %q: missing closing \"]\"", s)
	}
	var dims []int
	if strings.TrimSpace(dimsStr) != "" {
		for _, part := range strings.Split(dimsStr, ",") {
			dim, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || dim <= 0 {
				return shapes.Invalid(), errors.Errorf("invalid shape %q: dimension %q must be a positive integer", s, part)
			}
			dims = append(dims, dim)
		}
	}
	return shapes.Make(dtype, dims...), nil
}
