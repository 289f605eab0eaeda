// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// im2colBuffers are the scratch matrices used by one worker of the im2col algorithms.
type im2colBuffers struct {
	// columns is the [rows, numOutPositions] im2col matrix of one image.
	columns []float32

	// product is the [outputChannels, numOutPositions] result of the GEMM for one image.
	product []float32
}

// im2colWorkerSize returns the number of float32 values in the per-worker im2colBuffers.
func (g *convGeometry) im2colWorkerSize() int {
	numOut := len(g.outPositions)
	return g.im2colRows()*numOut + g.outputChannels*numOut
}

// im2colKernelSize returns the number of float32 values of the packed kernel matrix.
func (g *convGeometry) im2colKernelSize() int {
	return g.outputChannels * g.im2colRows()
}

func (g *convGeometry) splitIm2colBuffers(scratch []float32) im2colBuffers {
	columnsSize := g.im2colRows() * len(g.outPositions)
	return im2colBuffers{
		columns: scratch[:columnsSize],
		product: scratch[columnsSize:g.im2colWorkerSize()],
	}
}

// packKernel writes the kernel as a [outputChannels, rows] matrix, where the rows follow the order
// (input channel, kernel position) of the im2col matrix.
func packKernel(g *convGeometry, kernel, packed []float32, roundToHalf bool) {
	numTaps := len(g.kernelPositions)
	rows := g.im2colRows()
	for o := range g.outputChannels {
		for c := range g.inputChannels {
			for kernelIdx, kernelOffset := range g.kernelSpatialOffset {
				v := kernel[o*g.kernelOutputStride+c*g.kernelInputStride+kernelOffset]
				if roundToHalf {
					v = float16.Fromfloat32(v).Float32()
				}
				packed[o*rows+c*numTaps+kernelIdx] = v
			}
		}
	}
}

// im2colImage fills the columns matrix with the input patches of image b: row (c, kernel position),
// column output position. Positions falling on padding are 0.
func im2colImage(g *convGeometry, input []float32, b int, columns []float32, roundToHalf bool) {
	numTaps := len(g.kernelPositions)
	numOut := len(g.outPositions)
	for kernelIdx, kernelPos := range g.kernelPositions {
		for outIdx, outPos := range g.outPositions {
			inSpatialFlat, ok := g.inputSpatialOffset(outPos, kernelPos)
			for c := range g.inputChannels {
				row := c*numTaps + kernelIdx
				var v float32
				if ok {
					v = input[b*g.inputBatchStride+c*g.inputChannelStride+inSpatialFlat]
					if roundToHalf {
						v = float16.Fromfloat32(v).Float32()
					}
				}
				columns[row*numOut+outIdx] = v
			}
		}
	}
}

// convIm2col computes the forward convolution of the images in [batchStart, batchEnd) using the
// packed kernel matrix and the worker's buffers.
func convIm2col(g *convGeometry, ops *convOperands[float32], packedKernel []float32, buffers im2colBuffers,
	batchStart, batchEnd int, roundToHalf bool) {
	rows := g.im2colRows()
	numOut := len(g.outPositions)
	a := blas32.General{Rows: g.outputChannels, Cols: rows, Stride: rows, Data: packedKernel}
	cols := blas32.General{Rows: rows, Cols: numOut, Stride: numOut, Data: buffers.columns}
	product := blas32.General{Rows: g.outputChannels, Cols: numOut, Stride: numOut, Data: buffers.product}
	for b := batchStart; b < batchEnd; b++ {
		im2colImage(g, ops.input, b, buffers.columns, roundToHalf)
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, cols, 0, product)
		for o := range g.outputChannels {
			base := b*g.outputBatchStride + o*g.outputChannelStride
			row := buffers.product[o*numOut : (o+1)*numOut]
			for outIdx, offset := range g.outSpatialOffset {
				ops.output[base+offset] = row[outIdx]
			}
		}
	}
}
