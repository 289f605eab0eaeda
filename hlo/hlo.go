// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hlo holds the intermediate representation consumed and rewritten by the
// convolution algorithm picker: a Module with an ordered list of Computations, each an
// ordered list of Instructions.
//
// Only what the picker needs is represented: the convolution family of instructions with
// their shapes, layouts and parameters, and the backend configuration where the chosen
// algorithm and scratch space are recorded. Every other instruction is an opaque
// KindElementwise node that only contributes shapes and data dependencies.
package hlo

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind of instruction.
type Kind int

const (
	KindInvalid Kind = iota
	KindParameter
	KindElementwise
	KindConvForward
	KindConvBackwardInput
	KindConvBackwardFilter
	KindConvBiasActivationForward
)

var kindNames = map[Kind]string{
	KindInvalid:                   "invalid",
	KindParameter:                 "parameter",
	KindElementwise:               "elementwise",
	KindConvForward:               "conv-forward",
	KindConvBackwardInput:         "conv-backward-input",
	KindConvBackwardFilter:        "conv-backward-filter",
	KindConvBiasActivationForward: "conv-bias-activation-forward",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// IsConvolution returns whether the kind belongs to the convolution family, that is,
// the instructions whose algorithm is selected by autotuning.
func (k Kind) IsConvolution() bool {
	switch k {
	case KindConvForward, KindConvBackwardInput, KindConvBackwardFilter, KindConvBiasActivationForward:
		return true
	default:
		return false
	}
}

// ParseKind converts the name returned by Kind.String back to a Kind.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for kind, kindName := range kindNames {
		if kind != KindInvalid && kindName == name {
			return kind, nil
		}
	}
	return KindInvalid, errors.Errorf("unknown instruction kind %q", name)
}

// AlgorithmSearch is the AlgorithmDesc.ID of a convolution whose algorithm hasn't been chosen yet.
const AlgorithmSearch int64 = -1

// AlgorithmDesc identifies one of the functionally equivalent strategies a backend has
// to execute a convolution: an opaque backend-defined id, and whether it uses the
// specialized tensor fast path (e.g. reduced precision matrix units).
type AlgorithmDesc struct {
	ID        int64
	TensorOps bool
}

// SearchAlgorithm returns the AlgorithmDesc of a convolution still to be autotuned.
func SearchAlgorithm() AlgorithmDesc {
	return AlgorithmDesc{ID: AlgorithmSearch}
}

// IsSearch returns whether no algorithm has been chosen.
func (a AlgorithmDesc) IsSearch() bool {
	return a.ID == AlgorithmSearch
}

// String renders the algorithm id, suffixed with "+TC" if the tensor fast path is enabled.
func (a AlgorithmDesc) String() string {
	if a.IsSearch() {
		return "search"
	}
	s := strconv.FormatInt(a.ID, 10)
	if a.TensorOps {
		s += "+TC"
	}
	return s
}

// Less orders algorithms by ID, and then without tensor fast path first.
func (a AlgorithmDesc) Less(b AlgorithmDesc) bool {
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return !a.TensorOps && b.TensorOps
}

// ParseAlgorithmDesc parses the format generated by AlgorithmDesc.String.
func ParseAlgorithmDesc(s string) (AlgorithmDesc, error) {
	s = strings.TrimSpace(s)
	if s == "search" || s == "" {
		return SearchAlgorithm(), nil
	}
	var algo AlgorithmDesc
	if strings.HasSuffix(s, "+TC") {
		algo.TensorOps = true
		s = strings.TrimSuffix(s, "+TC")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return SearchAlgorithm(), errors.Errorf("invalid algorithm %q", s)
	}
	algo.ID = id
	return algo, nil
}

// BackendConfig is the per-instruction configuration written back by the algorithm picker.
type BackendConfig struct {
	// Algorithm pinned to the instruction, or SearchAlgorithm() if not chosen yet.
	Algorithm AlgorithmDesc

	// ScratchBytes is the scratch space size the Algorithm requires. When > 0, the
	// instruction has a second output of shape u8[ScratchBytes].
	ScratchBytes int64
}
