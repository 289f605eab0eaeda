// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a device backend implements to have its convolution
// algorithms autotuned, and a registry of the available backends.
//
// A backend enumerates the candidate algorithms for a convolution instruction, and prepares
// a ConvRunner that executes the convolution with any of the candidates on a device.Stream.
//
// Backends that panic are handled: the autotuner converts panics into launch failures of
// the candidate being benchmarked. See package github.com/gomlx/exceptions.
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/convpicker/device"
	"github.com/gomlx/convpicker/hlo"
	"github.com/pkg/errors"
)

// Backend is the API that needs to be implemented by a backend whose convolutions can be autotuned.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "xla" for the Xla/PJRT plugin.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Executor returns the device used to run and time the convolutions.
	Executor() *device.Executor

	// Candidates returns the algorithms the backend can use to execute the convolution instruction,
	// in a deterministic order. It returns an error if the instruction is not supported at all.
	Candidates(instr *hlo.Instruction) ([]hlo.AlgorithmDesc, error)

	// PrepareConv allocates and initializes the operands and outputs of the convolution instruction,
	// and returns a ConvRunner that executes it. The ConvRunner must be closed after use.
	PrepareConv(instr *hlo.Instruction) (ConvRunner, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// ConvRunner executes one prepared convolution with any of its candidate algorithms.
//
// It is used by one goroutine at a time.
type ConvRunner interface {
	// ScratchBytes returns the scratch space size the algorithm requires, possibly 0.
	ScratchBytes(algo hlo.AlgorithmDesc) (int64, error)

	// Run executes the convolution on the stream with the given algorithm. scratch holds at least
	// ScratchBytes(algo) bytes. Run returns only after the device finished executing.
	Run(stream *device.Stream, algo hlo.AlgorithmDesc, scratch *device.Scratch) error

	// Close releases the operands and outputs.
	Close() error
}

// OutputReader is optionally implemented by a ConvRunner to read back the result of the last Run,
// converted to float64. It is used to cross-check the results of different algorithms.
type OutputReader interface {
	ReadOutput() ([]float64, error)
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "xla") and
// "<backend_configuration>" is backend specific (e.g.: for xla backend, it is the pjrt plugin name).
const ConfigEnvVar = "CONVPICKER_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment CONVPICKER_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configurations string formated as
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "xla") and
// "<backend_configuration>" is backend specific (e.g.: for xla backend, it is the pjrt plugin name).
//
// If config has no ":", it is taken as the backend name if one is registered with that name, otherwise
// as the configuration of the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(`no registered backends -- maybe import the default ones with import _ "github.com/gomlx/convpicker/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName, backendConfig = config, ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v", backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q with configuration %q", backendName, backendConfig)
	}
	return backend, nil
}
