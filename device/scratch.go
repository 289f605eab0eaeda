// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ScratchAllocator hands out scratch buffers to the candidate algorithms benchmarked on a stream.
//
// At most one scratch buffer is live at a time: requesting a new one before releasing the
// previous one is a programming error and panics.
type ScratchAllocator struct {
	ordinal   int
	allocator Allocator

	mu   sync.Mutex
	live *Scratch
}

// NewScratchAllocator creates a ScratchAllocator for the device with the given ordinal, using
// allocator for the actual memory.
func NewScratchAllocator(ordinal int, allocator Allocator) *ScratchAllocator {
	return &ScratchAllocator{ordinal: ordinal, allocator: allocator}
}

// Scratch is a scoped scratch buffer. It must be released with Release, usually in a defer.
type Scratch struct {
	owner    *ScratchAllocator
	memory   *Memory
	size     int64
	released bool
}

// Allocate returns a scratch buffer of numBytes. A numBytes of 0 doesn't allocate any memory,
// but still returns a Scratch that must be released.
//
// If the memory can't be allocated, it returns an error wrapping ErrOutOfMemory.
func (a *ScratchAllocator) Allocate(numBytes int64) (*Scratch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live != nil {
		exceptions.Panicf("ScratchAllocator.Allocate(%d): previous scratch of %d bytes not released yet", numBytes, a.live.size)
	}
	if numBytes < 0 {
		return nil, errors.Errorf("invalid scratch size %d", numBytes)
	}
	s := &Scratch{owner: a, size: numBytes}
	if numBytes > 0 {
		var err error
		s.memory, err = a.allocator.Allocate(a.ordinal, numBytes)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to allocate scratch space")
		}
	}
	a.live = s
	return s, nil
}

// HasLive returns whether there is a scratch buffer not yet released.
func (a *ScratchAllocator) HasLive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live != nil
}

// Size of the scratch buffer in bytes.
func (s *Scratch) Size() int64 { return s.size }

// Bytes returns the host view of the scratch memory, or nil for device memory or an empty scratch.
func (s *Scratch) Bytes() []byte {
	if s.memory == nil {
		return nil
	}
	return s.memory.Data
}

// Memory returns the underlying memory, or nil for an empty scratch.
func (s *Scratch) Memory() *Memory { return s.memory }

// Release returns the scratch memory to the allocator. It is idempotent.
func (s *Scratch) Release() {
	a := s.owner
	a.mu.Lock()
	defer a.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if a.live == s {
		a.live = nil
	}
	if s.memory != nil {
		if err := a.allocator.Deallocate(s.memory); err != nil {
			klog.Warningf("failed to deallocate scratch space of %d bytes: %+v", s.size, err)
		}
		s.memory = nil
	}
}
