// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned (wrapped) by allocators when a request can't be satisfied.
// Test for it with errors.Is.
var ErrOutOfMemory = errors.New("device out of memory")

// Memory is a block of device memory. For host devices Data holds the memory itself.
type Memory struct {
	Ordinal int
	Size    int64
	Data    []byte
}

// Allocator of device memory.
type Allocator interface {
	// Allocate numBytes on the device with the given ordinal. Failures to allocate due to
	// lack of memory return an error wrapping ErrOutOfMemory.
	Allocate(ordinal int, numBytes int64) (*Memory, error)

	// Deallocate memory returned by Allocate.
	Deallocate(mem *Memory) error
}

// BudgetAllocator allocates host memory, limited to a total budget of live bytes.
type BudgetAllocator struct {
	budget int64

	mu                sync.Mutex
	live, peak        int64
	numAllocs, numOOM int
}

var _ Allocator = (*BudgetAllocator)(nil)

// NewBudgetAllocator creates an allocator that fails when the live allocated bytes would exceed budget.
// If budget <= 0, it is unlimited.
func NewBudgetAllocator(budget int64) *BudgetAllocator {
	return &BudgetAllocator{budget: budget}
}

// Allocate implements Allocator.
func (a *BudgetAllocator) Allocate(ordinal int, numBytes int64) (*Memory, error) {
	if numBytes < 0 {
		return nil, errors.Errorf("cannot allocate a negative number of bytes (%d)", numBytes)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget > 0 && a.live+numBytes > a.budget {
		a.numOOM++
		return nil, errors.Wrapf(ErrOutOfMemory, "allocating %s on device #%d with %s live of a %s budget",
			humanize.IBytes(uint64(numBytes)), ordinal, humanize.IBytes(uint64(a.live)), humanize.IBytes(uint64(a.budget)))
	}
	a.live += numBytes
	a.peak = max(a.peak, a.live)
	a.numAllocs++
	return &Memory{Ordinal: ordinal, Size: numBytes, Data: make([]byte, numBytes)}, nil
}

// Deallocate implements Allocator.
func (a *BudgetAllocator) Deallocate(mem *Memory) error {
	if mem == nil {
		return errors.New("deallocating nil memory")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if mem.Size > a.live {
		return errors.Errorf("deallocating %d bytes, but only %d bytes are live", mem.Size, a.live)
	}
	a.live -= mem.Size
	mem.Data = nil
	return nil
}

// Budget returns the configured budget, or 0 if unlimited.
func (a *BudgetAllocator) Budget() int64 { return max(a.budget, 0) }

// Live returns the number of bytes currently allocated.
func (a *BudgetAllocator) Live() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Peak returns the highest number of bytes simultaneously allocated.
func (a *BudgetAllocator) Peak() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// NumAllocations returns the number of successful allocations and the number of
// allocations denied for lack of memory.
func (a *BudgetAllocator) NumAllocations() (succeeded, outOfMemory int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numAllocs, a.numOOM
}
