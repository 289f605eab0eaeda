// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autotune

import (
	"fmt"

	"github.com/gomlx/convpicker/hlo"
)

// Rewrite pins the algorithm of the result to the convolution instruction, and replaces its scratch
// output by one of result.ScratchBytes bytes (or removes it, if 0).
//
// It returns whether the instruction changed. On error the instruction is not modified.
func Rewrite(instr *hlo.Instruction, result Result) (changed bool, err error) {
	if err := checkRewrite(instr, result); err != nil {
		return false, err
	}
	scratch, hasScratch := instr.ScratchShape()
	changed = instr.Backend.Algorithm != result.Algorithm ||
		instr.Backend.ScratchBytes != result.ScratchBytes ||
		hasScratch != (result.ScratchBytes > 0) ||
		(hasScratch && !scratch.Equal(hlo.ScratchShape(result.ScratchBytes)))
	instr.Backend.Algorithm = result.Algorithm
	instr.SetScratch(result.ScratchBytes)
	return changed, nil
}

// checkRewrite validates that Rewrite can apply the result to the instruction.
func checkRewrite(instr *hlo.Instruction, result Result) error {
	fail := func(format string, args ...any) error {
		return &RewriteError{Instruction: instr.Name, Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case !instr.Kind.IsConvolution():
		return fail("instruction of kind %s is not a convolution", instr.Kind)
	case len(instr.OutputShapes) == 0:
		return fail("instruction has no outputs")
	case !result.Ok():
		return fail("algorithm %s failed: %s", result.Algorithm, result.Failure.Kind)
	case result.Algorithm.IsSearch():
		return fail("no algorithm chosen")
	case result.ScratchBytes < 0:
		return fail("negative scratch size %d", result.ScratchBytes)
	}
	return nil
}
