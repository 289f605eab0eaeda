// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// IterDims iterates over all indices of an array with the given dimensions, in row-major
// order (the last axis changes fastest).
//
// The yielded slice is owned by the iterator and reused: don't change or keep it.
// Any non-positive dimension yields nothing; zero dimensions yield one empty index.
func IterDims(dimensions []int) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		rank := len(dimensions)
		for _, dim := range dimensions {
			if dim <= 0 {
				return
			}
		}
		indices := make([]int, rank)
		for {
			if !yield(indices) {
				return
			}
			axis := rank - 1
			for ; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}

// Iter iterates over all indices of the shape. See IterDims.
func (s Shape) Iter() iter.Seq[[]int] {
	if !s.Ok() || s.IsTuple() {
		return func(func([]int) bool) {}
	}
	return IterDims(s.Dimensions)
}
