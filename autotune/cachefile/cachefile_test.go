package cachefile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/convpicker/autotune"
	"github.com/gomlx/convpicker/autotune/autotunetest"
	"github.com/gomlx/convpicker/hlo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	cache := autotune.NewCache()
	cache.Put("fp-b", autotune.Result{Algorithm: hlo.AlgorithmDesc{ID: 3, TensorOps: true}, ScratchBytes: 1024, Duration: time.Millisecond})
	cache.Put("fp-a", autotune.Result{Algorithm: hlo.AlgorithmDesc{ID: 0}, Duration: time.Microsecond})

	path := filepath.Join(t.TempDir(), "sub", "cache.json")
	require.NoError(t, Save(path, cache))

	loaded := autotune.NewCache()
	n, err := Load(path, loaded)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, cache.Entries(), loaded.Entries())

	// Existing entries win.
	again := autotune.NewCache()
	again.Put("fp-a", autotune.Result{Algorithm: hlo.AlgorithmDesc{ID: 7}})
	_, err = Load(path, again)
	require.NoError(t, err)
	r, _ := again.Get("fp-a")
	assert.Equal(t, int64(7), r.Algorithm.ID)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.json"), autotune.NewCache())
	require.Error(t, err)

	badVersion := filepath.Join(dir, "v2.json")
	require.NoError(t, os.WriteFile(badVersion, []byte(`{"version": 2}`), 0644))
	_, err = Load(badVersion, autotune.NewCache())
	require.ErrorContains(t, err, "version 2")

	badEntry := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badEntry, []byte(`{"version": 1, "entries": [{"fingerprint": "x", "algorithm": -1}]}`), 0644))
	cache := autotune.NewCache()
	_, err = Load(badEntry, cache)
	require.ErrorContains(t, err, "invalid entry")
	assert.Zero(t, cache.Len())
}

func TestLoadedCacheSkipsBenchmarks(t *testing.T) {
	backend := autotunetest.New(0,
		autotunetest.Algorithm{Desc: hlo.AlgorithmDesc{ID: 0}, Duration: 2 * time.Millisecond},
		autotunetest.Algorithm{Desc: hlo.AlgorithmDesc{ID: 1}, Duration: time.Millisecond, ScratchBytes: 64},
	)
	build := func() *hlo.Module {
		m := hlo.NewModule("m")
		autotunetest.AddConv(m.NewComputation("main"), "conv", 1, 2, 7, 4, 3)
		return m
	}
	cache := autotune.NewCache()
	_, err := autotune.NewPicker(backend, cache).Run(context.Background(), build())
	require.NoError(t, err)
	require.Equal(t, 1, backend.NumBenchmarks())
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, Save(path, cache))

	loaded := autotune.NewCache()
	_, err = Load(path, loaded)
	require.NoError(t, err)
	m := build()
	changed, err := autotune.NewPicker(backend, loaded).Run(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, backend.NumBenchmarks())
	assert.Equal(t, int64(64), m.Computations[0].Lookup("conv").Backend.ScratchBytes)
}
