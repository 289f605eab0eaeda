// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/convpicker/hlo"
	"golang.org/x/exp/constraints"
)

// convOperands holds the flat arrays of a convolution, by their role in the forward convolution.
type convOperands[T constraints.Float] struct {
	input, kernel, output []T

	// bias and sideInput are only used by fused convolutions. sideInput may be nil.
	bias, sideInput []T
}

// result returns the array computed by the convolution kind.
func (ops *convOperands[T]) result(kind hlo.Kind) []T {
	switch kind {
	case hlo.KindConvBackwardInput:
		return ops.input
	case hlo.KindConvBackwardFilter:
		return ops.kernel
	default:
		return ops.output
	}
}

// convDirect computes the convolution for the images in [batchStart, batchEnd), by visiting every
// output position and every kernel tap.
//
// For the backward kinds the result is accumulated: it must be zeroed before. For
// KindConvBackwardFilter, kernelGrad is where the kernel gradient is accumulated, it can be a per-worker
// partial buffer.
func convDirect[T constraints.Float](g *convGeometry, ops *convOperands[T], kernelGrad []T, batchStart, batchEnd int) {
	input, kernel, output := ops.input, ops.kernel, ops.output
	for b := batchStart; b < batchEnd; b++ {
		for o := range g.outputChannels {
			group := o / g.outputChannelsPerGroup
			for outIdx, outPos := range g.outPositions {
				outFlat := b*g.outputBatchStride + o*g.outputChannelStride + g.outSpatialOffset[outIdx]
				var acc T
				for kernelIdx, kernelPos := range g.kernelPositions {
					inSpatialFlat, ok := g.inputSpatialOffset(outPos, kernelPos)
					if !ok {
						continue
					}
					inFlat := b*g.inputBatchStride + group*g.kernelInputChannels*g.inputChannelStride + inSpatialFlat
					kernelFlat := o*g.kernelOutputStride + g.kernelSpatialOffset[kernelIdx]
					switch g.kind {
					case hlo.KindConvBackwardInput:
						grad := output[outFlat]
						for ci := range g.kernelInputChannels {
							input[inFlat+ci*g.inputChannelStride] += grad * kernel[kernelFlat+ci*g.kernelInputStride]
						}
					case hlo.KindConvBackwardFilter:
						grad := output[outFlat]
						for ci := range g.kernelInputChannels {
							kernelGrad[kernelFlat+ci*g.kernelInputStride] += grad * input[inFlat+ci*g.inputChannelStride]
						}
					default:
						for ci := range g.kernelInputChannels {
							acc += input[inFlat+ci*g.inputChannelStride] * kernel[kernelFlat+ci*g.kernelInputStride]
						}
					}
				}
				if g.kind == hlo.KindConvForward || g.kind == hlo.KindConvBiasActivationForward {
					output[outFlat] = acc
				}
			}
		}
	}
}

// applyEpilogue applies the fused scaling, side-input, bias and activation to the output of the
// images in [batchStart, batchEnd). It is a no-op for non-fused convolutions.
func applyEpilogue[T constraints.Float](g *convGeometry, ops *convOperands[T], batchStart, batchEnd int) {
	if g.kind != hlo.KindConvBiasActivationForward {
		return
	}
	convScale, sideScale := T(g.convScale), T(g.sideInputScale)
	relu := g.activation == hlo.ActivationRelu
	for b := batchStart; b < batchEnd; b++ {
		for o := range g.outputChannels {
			bias := ops.bias[o]
			for _, spatialOffset := range g.outSpatialOffset {
				flat := b*g.outputBatchStride + o*g.outputChannelStride + spatialOffset
				v := convScale*ops.output[flat] + bias
				if ops.sideInput != nil {
					v += sideScale * ops.sideInput[flat]
				}
				if relu {
					v = T(math.Max(float64(v), 0))
				}
				ops.output[flat] = v
			}
		}
	}
}
