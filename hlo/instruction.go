// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"strings"

	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Instruction is a node of a Computation.
//
// Instructions are owned by their Computation. The algorithm picker mutates convolution
// instructions in place: it pins Backend.Algorithm and sets the scratch output.
type Instruction struct {
	Name     string
	Kind     Kind
	Operands []*Instruction

	// OutputShapes holds the result shape at index 0. Convolutions with a scratch space
	// have a second output of shape u8[Backend.ScratchBytes].
	OutputShapes []shapes.Shape

	// Conv holds the convolution parameters, only set for Kind.IsConvolution() instructions.
	Conv *ConvConfig

	// Backend holds the algorithm chosen for convolution instructions.
	Backend BackendConfig

	computation *Computation
}

// Computation that owns the instruction.
func (instr *Instruction) Computation() *Computation {
	return instr.computation
}

// ResultShape returns the shape of the main result of the instruction.
func (instr *Instruction) ResultShape() shapes.Shape {
	if len(instr.OutputShapes) == 0 {
		return shapes.Invalid()
	}
	return instr.OutputShapes[0]
}

// Shape returns the full shape of the instruction: the result shape, or a tuple
// (result, scratch) if the instruction has a scratch output.
func (instr *Instruction) Shape() shapes.Shape {
	if len(instr.OutputShapes) == 1 {
		return instr.OutputShapes[0]
	}
	return shapes.MakeTuple(instr.OutputShapes)
}

// ScratchShape returns the shape of the scratch output, if one is attached.
func (instr *Instruction) ScratchShape() (shapes.Shape, bool) {
	if len(instr.OutputShapes) < 2 {
		return shapes.Invalid(), false
	}
	return instr.OutputShapes[1], true
}

// SetScratch replaces any existing scratch output by one of exactly numBytes bytes,
// or removes it if numBytes is 0.
func (instr *Instruction) SetScratch(numBytes int64) {
	instr.OutputShapes = instr.OutputShapes[:1]
	instr.Backend.ScratchBytes = numBytes
	if numBytes > 0 {
		instr.OutputShapes = append(instr.OutputShapes, ScratchShape(numBytes))
	}
}

// ScratchShape returns the shape used for a scratch output of numBytes bytes.
func ScratchShape(numBytes int64) shapes.Shape {
	return shapes.Make(dtypes.Uint8, int(numBytes))
}

// String returns a one-line description of the instruction, in the format used by Module.String.
func (instr *Instruction) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%%%s = %s %s(", instr.Name, instr.Shape(), instr.Kind)
	for ii, operand := range instr.Operands {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("%" + operand.Name)
	}
	sb.WriteString(")")
	if instr.Kind.IsConvolution() {
		fmt.Fprintf(&sb, " {%s} algorithm=%s scratch=%d", instr.Conv, instr.Backend.Algorithm, instr.Backend.ScratchBytes)
	}
	return sb.String()
}

// clone returns a copy of the instruction, with the operands remapped by the given map.
func (instr *Instruction) clone(remap map[*Instruction]*Instruction) *Instruction {
	c := &Instruction{
		Name:         instr.Name,
		Kind:         instr.Kind,
		Operands:     make([]*Instruction, len(instr.Operands)),
		OutputShapes: make([]shapes.Shape, len(instr.OutputShapes)),
		Conv:         instr.Conv.Clone(),
		Backend:      instr.Backend,
	}
	for ii, operand := range instr.Operands {
		if mapped, found := remap[operand]; found {
			c.Operands[ii] = mapped
		} else {
			c.Operands[ii] = operand
		}
	}
	for ii, shape := range instr.OutputShapes {
		c.OutputShapes[ii] = shape.Clone()
	}
	return c
}
