// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"strings"

	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/exceptions"
)

// Module is a compiled program: an ordered list of computations.
type Module struct {
	Name         string
	Computations []*Computation
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{Name: name}
}

// NewComputation creates a computation and appends it to the module.
func (m *Module) NewComputation(name string) *Computation {
	c := &Computation{Name: name, module: m, names: make(map[string]*Instruction)}
	m.Computations = append(m.Computations, c)
	return c
}

// Instructions returns all instructions of all computations, in module order.
func (m *Module) Instructions() []*Instruction {
	var all []*Instruction
	for _, c := range m.Computations {
		all = append(all, c.Instructions...)
	}
	return all
}

// String dumps the module in a text format, one instruction per line.
func (m *Module) String() string {
	var sb strings.Builder
	sb.WriteString("module " + m.Name + "\n")
	for _, c := range m.Computations {
		sb.WriteString("computation " + c.Name + " {\n")
		for _, instr := range c.Instructions {
			sb.WriteString("  " + instr.String() + "\n")
		}
		sb.WriteString("}\n")
	}
	return sb.String()
}

// Clone returns a deep copy of the module.
func (m *Module) Clone() *Module {
	m2 := NewModule(m.Name)
	remap := make(map[*Instruction]*Instruction)
	for _, c := range m.Computations {
		c2 := m2.NewComputation(c.Name)
		for _, instr := range c.Instructions {
			instr2 := instr.clone(remap)
			remap[instr] = instr2
			c2.AddInstruction(instr2)
		}
	}
	return m2
}

// Computation is an ordered list of instructions, in definition order: operands are always
// defined before they are used.
type Computation struct {
	Name         string
	Instructions []*Instruction

	module *Module
	names  map[string]*Instruction
}

// Module that owns the computation.
func (c *Computation) Module() *Module {
	return c.module
}

// Lookup returns the instruction with the given name, or nil.
func (c *Computation) Lookup(name string) *Instruction {
	return c.names[name]
}

// AddInstruction appends the instruction to the computation and returns it.
//
// It panics if the name is already used in the computation.
func (c *Computation) AddInstruction(instr *Instruction) *Instruction {
	if _, found := c.names[instr.Name]; found {
		exceptions.Panicf("computation %q already has an instruction named %q", c.Name, instr.Name)
	}
	instr.computation = c
	c.names[instr.Name] = instr
	c.Instructions = append(c.Instructions, instr)
	return instr
}

// AddParameter appends a parameter with the given shape.
func (c *Computation) AddParameter(name string, shape shapes.Shape) *Instruction {
	return c.AddInstruction(&Instruction{
		Name:         name,
		Kind:         KindParameter,
		OutputShapes: []shapes.Shape{shape},
	})
}

// AddElementwise appends an opaque non-convolution instruction.
func (c *Computation) AddElementwise(name string, shape shapes.Shape, operands ...*Instruction) *Instruction {
	return c.AddInstruction(&Instruction{
		Name:         name,
		Kind:         KindElementwise,
		Operands:     operands,
		OutputShapes: []shapes.Shape{shape},
	})
}

// AddConvolution appends a convolution instruction of the given kind, with the algorithm still
// to be searched.
//
// See Instruction.ConvShapes for the role of the operands of each kind.
func (c *Computation) AddConvolution(name string, kind Kind, conv *ConvConfig, resultShape shapes.Shape, operands ...*Instruction) *Instruction {
	if !kind.IsConvolution() {
		exceptions.Panicf("AddConvolution(%q): kind %s is not a convolution", name, kind)
	}
	return c.AddInstruction(&Instruction{
		Name:         name,
		Kind:         kind,
		Operands:     operands,
		OutputShapes: []shapes.Shape{resultShape},
		Conv:         conv,
		Backend:      BackendConfig{Algorithm: SearchAlgorithm()},
	})
}
