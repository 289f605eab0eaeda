// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xla

import (
	"fmt"

	"github.com/gomlx/convpicker/backends"
	"github.com/gomlx/convpicker/device"
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/hlo/shapeinference"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/pjrt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Algorithm ids of the xla backend.
const (
	// AlgoNative computes the convolution in the layout of the instruction. With TensorOps the
	// default (possibly reduced) precision is used, otherwise the highest.
	AlgoNative int64 = iota

	// AlgoChannelsLast transposes the operands to the channels-last layout, computes the convolution
	// there and transposes the result back.
	AlgoChannelsLast
)

// Backend implements the XLA/PJRT backends.Backend.
type Backend struct {
	plugin     *pjrt.Plugin
	client     *pjrt.Client
	pluginName string
	executor   *device.Executor
}

// Compile-time check that xla.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

func newBackend(plugin *pjrt.Plugin, client *pjrt.Client, pluginName string) (*Backend, error) {
	devices := client.AddressableDevices()
	if len(devices) == 0 {
		if err := client.Destroy(); err != nil {
			klog.Warningf("Failure while destroying PJRT client: %+v", err)
		}
		return nil, errors.Errorf("backend %q: plugin %q has no addressable devices", BackendName, pluginName)
	}
	capability := fmt.Sprintf("%s/%s", BackendName, plugin)
	return &Backend{
		plugin:     plugin,
		client:     client,
		pluginName: pluginName,
		executor:   device.NewExecutor(0, pluginName, capability, 0),
	}, nil
}

// CheckValid returns an error if the backend is not valid: if it's nil or has already been finalized.
func (b *Backend) CheckValid() error {
	if b == nil {
		return errors.Errorf("%q backend is nil", BackendName)
	}
	if b.plugin == nil {
		return errors.Errorf("%q backend's plugin is nil, has it already been finalized?", BackendName)
	}
	return nil
}

// Name returns the short name of the backend. E.g.: "xla" for the Xla/PJRT plugin.
func (b *Backend) Name() string {
	return BackendName
}

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	if err := b.CheckValid(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("%s:%s - %s", BackendName, b.pluginName, b.plugin)
}

// Executor implements backends.Backend.
func (b *Backend) Executor() *device.Executor {
	return b.executor
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	if b.plugin == nil {
		return
	}
	if b.client != nil {
		err := b.client.Destroy()
		if err != nil {
			klog.Warningf("Failure while destroying PJRT client: %+v", err)
		}
		b.client = nil
	}
	b.plugin = nil
}

// checkSupported returns an error if the backend can't execute the instruction.
func checkSupported(instr *hlo.Instruction) error {
	if instr.Kind != hlo.KindConvForward && instr.Kind != hlo.KindConvBiasActivationForward {
		return errors.Errorf("backend %q doesn't support %s convolutions (instruction %q)", BackendName, instr.Kind, instr.Name)
	}
	if err := shapeinference.CheckConvolution(instr); err != nil {
		return err
	}
	switch dtype := instr.ResultShape().DType; dtype {
	case dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return nil
	default:
		return errors.Errorf("backend %q doesn't support convolutions of dtype %s (instruction %q)", BackendName, dtype, instr.Name)
	}
}

// Candidates implements backends.Backend.
func (b *Backend) Candidates(instr *hlo.Instruction) ([]hlo.AlgorithmDesc, error) {
	if err := b.CheckValid(); err != nil {
		return nil, err
	}
	if err := checkSupported(instr); err != nil {
		return nil, err
	}
	reducedPrecision := instr.ResultShape().DType != dtypes.Float64
	var candidates []hlo.AlgorithmDesc
	for _, id := range []int64{AlgoNative, AlgoChannelsLast} {
		candidates = append(candidates, hlo.AlgorithmDesc{ID: id})
		if reducedPrecision {
			candidates = append(candidates, hlo.AlgorithmDesc{ID: id, TensorOps: true})
		}
	}
	return candidates, nil
}
