// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device models the execution device used to benchmark convolution algorithms:
// an Executor (the device handle), Streams (ordered execution with device timing),
// Allocators and the ScratchAllocator handing out scoped scratch buffers.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Executor is a handle to one device.
type Executor struct {
	// Ordinal of the device within its platform.
	Ordinal int

	// Name of the device, for logging.
	Name string

	// Capability identifies the device model (e.g. "cpu/amd64x8", "cuda/sm_80"). Autotuning
	// decisions are only reusable across devices with the same capability.
	Capability string

	// DefaultAllocator is used when no allocator is given to the autotuner.
	DefaultAllocator Allocator

	// NewClock creates the clock used by each new stream to time execution.
	// If nil, the wall clock is used.
	NewClock func() Clock

	numStreams atomic.Int32
	exclusive  sync.Mutex
}

// NewExecutor creates an Executor with a DefaultAllocator limited to budgetBytes.
// If budgetBytes <= 0 the default allocator is unlimited.
func NewExecutor(ordinal int, name, capability string, budgetBytes int64) *Executor {
	return &Executor{
		Ordinal:          ordinal,
		Name:             name,
		Capability:       capability,
		DefaultAllocator: NewBudgetAllocator(budgetBytes),
	}
}

// String implements fmt.Stringer.
func (e *Executor) String() string {
	return fmt.Sprintf("%s#%d (%s)", e.Name, e.Ordinal, e.Capability)
}

// NewStream creates a new execution stream on the device.
func (e *Executor) NewStream() *Stream {
	clock := Clock(wallClock{})
	if e.NewClock != nil {
		clock = e.NewClock()
	}
	return &Stream{
		executor: e,
		id:       int(e.numStreams.Add(1)) - 1,
		clock:    clock,
	}
}

// Lock reserves the device for the caller until Unlock: work timed while holding it doesn't
// share the device (or its scratch budget) with the other streams of the executor.
func (e *Executor) Lock() { e.exclusive.Lock() }

// Unlock releases the device reserved by Lock.
func (e *Executor) Unlock() { e.exclusive.Unlock() }

// Stream executes work on a device in order: work submitted to the same stream never overlaps.
//
// It is safe for concurrent use, but the work of concurrent callers is serialized.
type Stream struct {
	executor *Executor
	id       int
	clock    Clock
	mu       sync.Mutex
}

// Executor owning the stream.
func (s *Stream) Executor() *Executor { return s.executor }

// ID of the stream within its executor.
func (s *Stream) ID() int { return s.id }

// Clock used to time work on the stream.
func (s *Stream) Clock() Clock { return s.clock }

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("%s/stream#%d", s.executor, s.id)
}

// Run executes fn on the stream. fn must only return once the work it submitted to the device
// has completed.
func (s *Stream) Run(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// Time executes fn on the stream, like Run, and returns the time it took according to the
// stream's clock.
//
// Only fn is timed: allocations and any preparation must happen before calling Time.
func (s *Stream) Time(fn func() error) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.clock.Now()
	if err := fn(); err != nil {
		return 0, err
	}
	elapsed := s.clock.Now().Sub(start)
	if elapsed < 0 {
		return 0, errors.Errorf("stream %s clock went backwards by %s", s, -elapsed)
	}
	return elapsed, nil
}

// Clock measures time on a device.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when Advance is called. It is used by simulated
// devices, where the execution of an algorithm advances the clock by its simulated duration.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock set to an arbitrary fixed time.
func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Unix(0, 0)}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
