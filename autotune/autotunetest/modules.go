// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autotunetest

import (
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/hlo/shapeinference"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
)

// AddConv adds to c the parameters and a forward 2D convolution (channels-first, no padding, stride 1)
// of a [batch, inChannels, size, size] input by a [outChannels, inChannels, kernelSize, kernelSize] kernel.
func AddConv(c *hlo.Computation, name string, batch, inChannels, size, outChannels, kernelSize int) *hlo.Instruction {
	input := c.AddParameter(name+"_input", shapes.Make(dtypes.Float32, batch, inChannels, size, size))
	kernel := c.AddParameter(name+"_kernel", shapes.Make(dtypes.Float32, outChannels, inChannels, kernelSize, kernelSize))
	conv := &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(2)}
	output := must.M1(shapeinference.Conv(input.ResultShape(), kernel.ResultShape(), conv))
	return c.AddConvolution(name, hlo.KindConvForward, conv, output, input, kernel)
}
