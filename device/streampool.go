// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"

	"github.com/pkg/errors"
)

// StreamPool holds a fixed number of streams of one executor, to be borrowed by concurrent workers.
type StreamPool struct {
	executor  *Executor
	available chan *Stream
}

// NewStreamPool creates a pool with numStreams streams (at least 1).
func NewStreamPool(executor *Executor, numStreams int) *StreamPool {
	numStreams = max(numStreams, 1)
	p := &StreamPool{executor: executor, available: make(chan *Stream, numStreams)}
	for range numStreams {
		p.available <- executor.NewStream()
	}
	return p
}

// Size returns the number of streams in the pool.
func (p *StreamPool) Size() int { return cap(p.available) }

// Acquire waits for a stream to become available, or for the context to be done.
func (p *StreamPool) Acquire(ctx context.Context) (*Stream, error) {
	select {
	case s := <-p.available:
		return s, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(context.Cause(ctx), "waiting for a stream of %s", p.executor)
	}
}

// Release returns the stream to the pool.
func (p *StreamPool) Release(s *Stream) {
	p.available <- s
}
