// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package verifier checks the structural consistency of an hlo.Module.
//
// The algorithm picker runs it after rewriting, to guarantee the rewritten convolutions
// are acceptable to the rest of the compiler.
package verifier

import (
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/hlo/shapeinference"
	"github.com/gomlx/convpicker/types"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Verify returns an error describing the first inconsistency found in the module.
func Verify(module *hlo.Module) error {
	for _, c := range module.Computations {
		if err := VerifyComputation(c); err != nil {
			return errors.WithMessagef(err, "module %q", module.Name)
		}
	}
	return nil
}

// VerifyComputation checks one computation: operands defined before use, valid shapes,
// and consistent convolution configurations.
func VerifyComputation(c *hlo.Computation) error {
	defined := types.MakeSet[*hlo.Instruction](len(c.Instructions))
	for _, instr := range c.Instructions {
		if instr.Computation() != c {
			return errors.Errorf("computation %q: instruction %q is owned by another computation", c.Name, instr.Name)
		}
		for ii, operand := range instr.Operands {
			if operand == nil || !defined.Has(operand) {
				return errors.Errorf("computation %q: instruction %q operand #%d is not defined before its use", c.Name, instr.Name, ii)
			}
		}
		if err := VerifyInstruction(instr); err != nil {
			return errors.WithMessagef(err, "computation %q", c.Name)
		}
		defined.Insert(instr)
	}
	return nil
}

// VerifyInstruction checks the shapes and backend configuration of a single instruction.
func VerifyInstruction(instr *hlo.Instruction) error {
	if len(instr.OutputShapes) == 0 {
		return errors.Errorf("instruction %q has no output shape", instr.Name)
	}
	for ii, shape := range instr.OutputShapes {
		if !shape.Ok() || shape.IsTuple() {
			return errors.Errorf("instruction %q output #%d has invalid shape %s", instr.Name, ii, shape)
		}
	}
	switch {
	case instr.Kind == hlo.KindParameter:
		if len(instr.Operands) > 0 {
			return errors.Errorf("parameter %q cannot have operands", instr.Name)
		}
	case instr.Kind == hlo.KindElementwise:
	case instr.Kind.IsConvolution():
		return verifyConvolution(instr)
	default:
		return errors.Errorf("instruction %q has invalid kind %s", instr.Name, instr.Kind)
	}
	if len(instr.OutputShapes) != 1 {
		return errors.Errorf("non-convolution instruction %q (%s) must have exactly one output, got %d",
			instr.Name, instr.Kind, len(instr.OutputShapes))
	}
	if instr.Conv != nil {
		return errors.Errorf("non-convolution instruction %q (%s) cannot have a ConvConfig", instr.Name, instr.Kind)
	}
	return nil
}

func verifyConvolution(instr *hlo.Instruction) error {
	if err := shapeinference.CheckConvolution(instr); err != nil {
		return err
	}
	cfg := instr.Backend
	if cfg.ScratchBytes < 0 {
		return errors.Errorf("convolution %q has negative scratch size %d", instr.Name, cfg.ScratchBytes)
	}
	if cfg.Algorithm.IsSearch() && cfg.ScratchBytes > 0 {
		return errors.Errorf("convolution %q has %d scratch bytes but no algorithm chosen", instr.Name, cfg.ScratchBytes)
	}
	if cfg.Algorithm.ID < hlo.AlgorithmSearch {
		return errors.Errorf("convolution %q has invalid algorithm id %d", instr.Name, cfg.Algorithm.ID)
	}
	switch len(instr.OutputShapes) {
	case 1:
		if cfg.ScratchBytes != 0 {
			return errors.Errorf("convolution %q requires %d scratch bytes but has no scratch output", instr.Name, cfg.ScratchBytes)
		}
	case 2:
		scratch, _ := instr.ScratchShape()
		if err := scratch.Check(dtypes.Uint8, int(cfg.ScratchBytes)); err != nil {
			return errors.WithMessagef(err, "convolution %q scratch output inconsistent with %d scratch bytes", instr.Name, cfg.ScratchBytes)
		}
	default:
		return errors.Errorf("convolution %q must have 1 or 2 outputs, got %d", instr.Name, len(instr.OutputShapes))
	}
	return nil
}
