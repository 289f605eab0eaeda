// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of goroutines, used to parallelize the
// convolution kernels of the simplego backend.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers with a limit on the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool with the given maxParallelism. See SetMaxParallelism.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is the limit of tasks running in parallel.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// You should only change the parallelism before any workers start running. If changed during the execution
// the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// NumWorkers returns the number of workers used to process numItems with Split:
// at least 1, at most numItems.
func (w *Pool) NumWorkers(numItems int) int {
	workers := w.maxParallelism
	if workers < 0 {
		workers = runtime.NumCPU()
	}
	return max(1, min(workers, numItems))
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with workerPool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return

	} else if w.maxParallelism == 0 {
		// No parallelism, run inline.
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with workerPool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Split partitions the range [0, numItems) into NumWorkers(numItems) contiguous chunks and
// calls fn(worker, start, end) for each chunk in parallel. It returns when all chunks are done.
//
// The worker index is in [0, NumWorkers(numItems)), and can be used to index per-worker buffers.
func (w *Pool) Split(numItems int, fn func(worker, start, end int)) {
	if numItems <= 0 {
		return
	}
	numWorkers := w.NumWorkers(numItems)
	if numWorkers == 1 {
		fn(0, 0, numItems)
		return
	}
	chunkSize := (numItems + numWorkers - 1) / numWorkers
	var wg sync.WaitGroup
	for worker := range numWorkers {
		start := worker * chunkSize
		end := min(start+chunkSize, numItems)
		if start >= end {
			break
		}
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			fn(worker, start, end)
		})
	}
	wg.Wait()
}
