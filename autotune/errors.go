// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autotune

import (
	"fmt"
	"strings"

	"github.com/gomlx/convpicker/hlo"
)

// CandidateExecutionError is the failure of one candidate algorithm. It is recorded in the candidate's
// Result and doesn't stop the benchmarking of the other candidates.
type CandidateExecutionError struct {
	Algorithm hlo.AlgorithmDesc
	Kind      FailureKind
	Cause     error
}

// Error implements error.
func (e *CandidateExecutionError) Error() string {
	return fmt.Sprintf("algorithm %s failed (%s): %v", e.Algorithm, e.Kind, e.Cause)
}

// Unwrap returns the cause of the failure.
func (e *CandidateExecutionError) Unwrap() error { return e.Cause }

// Result returns the failed Result corresponding to the error.
func (e *CandidateExecutionError) Result() Result {
	return failed(e.Algorithm, e.Kind, fmt.Sprintf("%v", e.Cause))
}

// NoViableAlgorithmError is returned when every candidate algorithm of a convolution failed.
type NoViableAlgorithmError struct {
	Instruction string
	Fingerprint Fingerprint

	// Failures holds the result of every candidate.
	Failures []Result
}

// Error implements error.
func (e *NoViableAlgorithmError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "no viable algorithm for convolution %q (fingerprint %s) among %d candidates",
		e.Instruction, e.Fingerprint.Hash(), len(e.Failures))
	for _, r := range e.Failures {
		if r.Failure != nil {
			fmt.Fprintf(&sb, "\n\t- algorithm %s: %s: %s", r.Algorithm, r.Failure.Kind, r.Failure.Message)
		}
	}
	return sb.String()
}

// RewriteError is returned when an instruction can't be rewritten with a chosen algorithm.
type RewriteError struct {
	Instruction string
	Reason      string
}

// Error implements error.
func (e *RewriteError) Error() string {
	return fmt.Sprintf("failed to rewrite instruction %q: %s", e.Instruction, e.Reason)
}

// CompilationError is the error returned by the Picker pass. It names the pass, the instruction and
// its fingerprint, and wraps the cause.
type CompilationError struct {
	Pass        string
	Instruction string
	Fingerprint Fingerprint
	Cause       error
}

// Error implements error.
func (e *CompilationError) Error() string {
	if e.Instruction == "" {
		return fmt.Sprintf("pass %s failed: %v", e.Pass, e.Cause)
	}
	if e.Fingerprint == "" {
		return fmt.Sprintf("pass %s failed on instruction %q: %v", e.Pass, e.Instruction, e.Cause)
	}
	return fmt.Sprintf("pass %s failed on instruction %q (fingerprint %s): %v", e.Pass, e.Instruction, e.Fingerprint.Hash(), e.Cause)
}

// Unwrap returns the cause of the failure.
func (e *CompilationError) Unwrap() error { return e.Cause }
