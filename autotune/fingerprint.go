// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autotune

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/pkg/errors"
)

// Fingerprint is the canonical encoding of everything that affects the choice of a convolution
// algorithm: the backend and device model, the kind of convolution, the shapes and layout of
// its arrays and its parameters. Two convolutions with equal fingerprints are interchangeable
// for autotuning purposes.
//
// Instruction names, operand identities and any previously pinned algorithm or scratch output
// are not part of the fingerprint. Parameters are normalized, so an explicit default value and
// a missing one yield the same fingerprint.
type Fingerprint string

// NewFingerprint returns the fingerprint of the convolution instruction, for the given backend name
// and device capability.
func NewFingerprint(backendName, capability string, instr *hlo.Instruction) (Fingerprint, error) {
	cs, err := instr.ConvShapes()
	if err != nil {
		return "", errors.WithMessage(err, "can't fingerprint instruction")
	}
	conv := instr.Conv.Normalized()
	var sb strings.Builder
	field := func(name string, value any) {
		if sb.Len() > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		fmt.Fprint(&sb, value)
	}
	field("backend", backendName)
	field("device", capability)
	field("kind", instr.Kind)
	field("input", encodeShape(cs.Input))
	field("kernel", encodeShape(cs.Kernel))
	field("output", encodeShape(cs.Output))
	a := conv.Axes
	field("input_axes", fmt.Sprintf("b%d,c%d,s%v", a.InputBatch, a.InputChannels, a.InputSpatial))
	field("kernel_axes", fmt.Sprintf("i%d,o%d,s%v", a.KernelInputChannels, a.KernelOutputChannels, a.KernelSpatial))
	field("output_axes", fmt.Sprintf("b%d,c%d,s%v", a.OutputBatch, a.OutputChannels, a.OutputSpatial))
	field("strides", conv.Strides)
	field("paddings", conv.Paddings)
	field("input_dilations", conv.InputDilations)
	field("kernel_dilations", conv.KernelDilations)
	field("feature_groups", conv.FeatureGroupCount)
	field("batch_groups", conv.BatchGroupCount)
	if instr.Kind == hlo.KindConvBiasActivationForward {
		field("bias", encodeShape(cs.Bias))
		field("side_input", encodeShape(cs.SideInput))
		field("activation", conv.Activation)
		field("conv_result_scale", strconv.FormatFloat(conv.ConvResultScale, 'g', -1, 64))
		field("side_input_scale", strconv.FormatFloat(conv.SideInputScale, 'g', -1, 64))
	}
	return Fingerprint(sb.String()), nil
}

func encodeShape(s shapes.Shape) string {
	if !s.Ok() {
		return "none"
	}
	return s.String()
}

// Hash returns a short digest of the fingerprint, to be used in logs.
func (f Fingerprint) Hash() string {
	sum := sha256.Sum256([]byte(f))
	return hex.EncodeToString(sum[:6])
}
