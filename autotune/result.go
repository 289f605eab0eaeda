// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autotune

import (
	"strconv"
	"time"

	"github.com/gomlx/convpicker/hlo"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// FailureKind classifies why a candidate algorithm couldn't be benchmarked.
type FailureKind int

const (
	FailureNone FailureKind = iota

	// FailureScratchAllocation means the scratch space the algorithm requires couldn't be allocated.
	FailureScratchAllocation

	// FailureLaunch means the backend failed (or panicked) executing the algorithm.
	FailureLaunch

	// FailureWrongResult means the algorithm output didn't match the reference algorithm output.
	FailureWrongResult

	// FailureDisqualified means the algorithm was disabled by configuration and not executed.
	FailureDisqualified

	// FailureUnknown is any other failure.
	FailureUnknown
)

var failureKindNames = []string{"none", "scratch-allocation", "launch", "wrong-result", "disqualified", "unknown"}

// String implements fmt.Stringer.
func (k FailureKind) String() string {
	if k < 0 || int(k) >= len(failureKindNames) {
		return "FailureKind(" + strconv.Itoa(int(k)) + ")"
	}
	return failureKindNames[k]
}

// Failure of a candidate.
type Failure struct {
	Kind    FailureKind
	Message string
}

// Result of benchmarking one candidate algorithm for one convolution.
//
// Results are values: once stored in a Cache they are never modified.
type Result struct {
	Algorithm    hlo.AlgorithmDesc
	ScratchBytes int64

	// Duration is the representative duration of the algorithm: the median of Runs.
	Duration time.Duration

	// Runs holds the duration of each timed execution, excluding warmup.
	Runs []time.Duration

	// Failure is nil for successful candidates.
	Failure *Failure
}

// Ok returns whether the candidate succeeded.
func (r Result) Ok() bool { return r.Failure == nil }

// failed returns a Result for a candidate that failed.
func failed(algo hlo.AlgorithmDesc, kind FailureKind, message string) Result {
	return Result{Algorithm: algo, Failure: &Failure{Kind: kind, Message: message}}
}

// Record returns the result as a structured record, to be logged or exported.
func (r Result) Record() *structpb.Struct {
	kind, message := FailureNone, ""
	if r.Failure != nil {
		kind, message = r.Failure.Kind, r.Failure.Message
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"algorithm":       structpb.NewNumberValue(float64(r.Algorithm.ID)),
		"tensor_ops":      structpb.NewBoolValue(r.Algorithm.TensorOps),
		"scratch_bytes":   structpb.NewNumberValue(float64(r.ScratchBytes)),
		"duration_ns":     structpb.NewNumberValue(float64(r.Duration.Nanoseconds())),
		"success":         structpb.NewBoolValue(r.Ok()),
		"failure_kind":    structpb.NewStringValue(kind.String()),
		"failure_message": structpb.NewStringValue(message),
	}}
}

// String renders the Record of the result in JSON.
func (r Result) String() string {
	return protojson.MarshalOptions{}.Format(r.Record())
}
