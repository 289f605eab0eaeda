// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autotune

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Cache maps convolution fingerprints to the winning algorithm.
//
// A Cache lives for an autotuning session: it is created explicitly and passed to the Picker (or
// shared by several of them). It is never persisted implicitly, see package cachefile for that.
//
// Entries are write-once: the first result stored for a fingerprint is kept. It is safe for
// concurrent use, and concurrent GetOrCompute calls for the same fingerprint are coalesced.
type Cache struct {
	sessionID uuid.UUID

	mu      sync.RWMutex
	entries map[Fingerprint]Result

	group        singleflight.Group
	hits, misses atomic.Int64
	waiting      atomic.Int32
}

// Entry of the cache.
type Entry struct {
	Fingerprint Fingerprint
	Result      Result
}

// NewCache creates an empty Cache with a new session id.
func NewCache() *Cache {
	return &Cache{
		sessionID: uuid.New(),
		entries:   make(map[Fingerprint]Result),
	}
}

// SessionID identifies the autotuning session the cache belongs to.
func (c *Cache) SessionID() uuid.UUID { return c.sessionID }

// Get returns the result stored for the fingerprint, if any.
func (c *Cache) Get(fp Fingerprint) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, found := c.entries[fp]
	return r, found
}

// Put stores the result for the fingerprint, if there is none yet, and returns the result stored.
//
// If a different result was already stored, it is kept, and the conflict is logged.
func (c *Cache) Put(fp Fingerprint, result Result) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if previous, found := c.entries[fp]; found {
		if previous.Algorithm != result.Algorithm || previous.ScratchBytes != result.ScratchBytes {
			klog.Warningf("autotune cache %s: ignoring algorithm %s for fingerprint %s, already set to %s",
				c.sessionID, result.Algorithm, fp.Hash(), previous.Algorithm)
		}
		return previous
	}
	c.entries[fp] = result
	return result
}

// GetOrCompute returns the result stored for the fingerprint, or calls compute and stores its result.
//
// Concurrent calls for the same fingerprint call compute only once, and all return its result.
// Errors are not cached: a later call will call compute again.
func (c *Cache) GetOrCompute(fp Fingerprint, compute func() (Result, error)) (Result, error) {
	if r, found := c.Get(fp); found {
		c.hits.Add(1)
		return r, nil
	}
	c.waiting.Add(1)
	defer c.waiting.Add(-1)
	computed := false
	v, err, _ := c.group.Do(string(fp), func() (any, error) {
		if r, found := c.Get(fp); found {
			return r, nil
		}
		computed = true
		r, err := compute()
		if err != nil {
			return nil, err
		}
		return c.Put(fp, r), nil
	})
	if computed {
		c.misses.Add(1)
	} else {
		c.hits.Add(1)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns all entries sorted by fingerprint.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]Entry, 0, len(c.entries))
	for _, fp := range slices.Sorted(maps.Keys(c.entries)) {
		entries = append(entries, Entry{Fingerprint: fp, Result: c.entries[fp]})
	}
	return entries
}

// Hits returns the number of GetOrCompute calls that didn't call compute.
func (c *Cache) Hits() int64 { return c.hits.Load() }

// Misses returns the number of GetOrCompute calls that called compute.
func (c *Cache) Misses() int64 { return c.misses.Load() }

// Waiting returns the number of GetOrCompute calls currently waiting for a result to be computed,
// including the ones computing it.
func (c *Cache) Waiting() int { return int(c.waiting.Load()) }
