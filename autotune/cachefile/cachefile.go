// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cachefile saves and loads the contents of an autotune.Cache to and from a JSON file, so
// tuning decisions can be reused across sessions.
//
// Only the winning algorithm of each fingerprint is stored: loading a file never requires running
// any benchmark.
package cachefile

import (
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomlx/convpicker/autotune"
	"github.com/gomlx/convpicker/hlo"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Version of the file format.
const Version = 1

// File is the JSON contents of a cache file.
type File struct {
	Version int     `json:"version"`
	Session string  `json:"session"`
	Entries []Entry `json:"entries"`
}

// Entry is one cached decision.
type Entry struct {
	Fingerprint  string `json:"fingerprint"`
	Algorithm    int64  `json:"algorithm"`
	TensorOps    bool   `json:"tensor_ops"`
	ScratchBytes int64  `json:"scratch_bytes"`
	DurationNs   int64  `json:"duration_ns"`
}

// Save writes all entries of the cache to path, replacing any existing file.
func Save(path string, cache *autotune.Cache) error {
	f := File{Version: Version, Session: cache.SessionID().String()}
	for _, e := range cache.Entries() {
		f.Entries = append(f.Entries, Entry{
			Fingerprint:  string(e.Fingerprint),
			Algorithm:    e.Result.Algorithm.ID,
			TensorOps:    e.Result.Algorithm.TensorOps,
			ScratchBytes: e.Result.ScratchBytes,
			DurationNs:   e.Result.Duration.Nanoseconds(),
		})
	}
	contents, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode autotune cache")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory for autotune cache %q", path)
		}
	}
	// Write to a temporary file first, so an interrupted save doesn't corrupt an existing cache.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write autotune cache to %q", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, path)
	}
	klog.V(1).Infof("saved %d autotune decisions to %q", len(f.Entries), path)
	return nil
}

// Load reads the entries in path into the cache, and returns the number of entries read.
//
// Entries already present in the cache are kept (see autotune.Cache.Put).
func Load(path string, cache *autotune.Cache) (int, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read autotune cache %q", path)
	}
	var f File
	if err := json.Unmarshal(contents, &f); err != nil {
		return 0, errors.Wrapf(err, "failed to parse autotune cache %q", path)
	}
	if f.Version != Version {
		return 0, errors.Errorf("autotune cache %q has version %d, only version %d is supported", path, f.Version, Version)
	}
	for ii, e := range f.Entries {
		if e.Fingerprint == "" || e.Algorithm < 0 || e.ScratchBytes < 0 {
			return 0, errors.Errorf("autotune cache %q: invalid entry #%d: %+v", path, ii, e)
		}
	}
	for _, e := range f.Entries {
		cache.Put(autotune.Fingerprint(e.Fingerprint), autotune.Result{
			Algorithm:    hlo.AlgorithmDesc{ID: e.Algorithm, TensorOps: e.TensorOps},
			ScratchBytes: e.ScratchBytes,
			Duration:     time.Duration(e.DurationNs),
		})
	}
	klog.V(1).Infof("loaded %d autotune decisions from %q (session %s)", len(f.Entries), path, f.Session)
	return len(f.Entries), nil
}
