package commandline

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/convpicker/autotune"
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "12.00ns", FormatDuration(12*time.Nanosecond))
	assert.Equal(t, "0.00s", FormatDuration(0))
	assert.Equal(t, "1m30.5s", FormatDuration(90500*time.Millisecond))
}

func testInstruction() *hlo.Instruction {
	c := hlo.NewModule("test").NewComputation("main")
	input := c.AddParameter("x", shapes.Make(dtypes.Float32, 1, 2, 5))
	kernel := c.AddParameter("k", shapes.Make(dtypes.Float32, 3, 2, 2))
	return c.AddConvolution("conv_1", hlo.KindConvForward, &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(1)},
		shapes.Make(dtypes.Float32, 1, 3, 4), input, kernel)
}

func TestPicksTable(t *testing.T) {
	instr := testInstruction()
	picks := []Pick{{
		Instruction: instr,
		Fingerprint: "conv-fingerprint",
		Result: autotune.Result{
			Algorithm:    hlo.AlgorithmDesc{ID: 2, TensorOps: true},
			ScratchBytes: 2048,
			Duration:     1500 * time.Microsecond,
			Runs:         []time.Duration{1500 * time.Microsecond},
		},
	}}
	text := PicksTable(picks, func(algo hlo.AlgorithmDesc) string { return "fancy" })
	assert.Contains(t, text, "conv_1")
	assert.Contains(t, text, "fancy")
	assert.Contains(t, text, "2.0 KiB")
	assert.Contains(t, text, "1.50ms")
	assert.Contains(t, text, autotune.Fingerprint("conv-fingerprint").Hash())
}

func TestResultsTable(t *testing.T) {
	instr := testInstruction()
	results := []autotune.Result{
		{Algorithm: hlo.AlgorithmDesc{ID: 0}, Duration: time.Millisecond, Runs: []time.Duration{time.Millisecond}},
		{Algorithm: hlo.AlgorithmDesc{ID: 1}, Failure: &autotune.Failure{Kind: autotune.FailureScratchAllocation, Message: "out of memory"}},
	}
	text := ResultsTable(instr, results, nil)
	require.True(t, strings.HasPrefix(text, "conv_1 (conv-forward):"), text)
	assert.Contains(t, text, "scratch-allocation: out of memory")
	assert.Contains(t, text, "1.00ms")
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pBar := NewProgressBar(&buf)
	pBar.Finish() // No-op before any update.
	assert.Empty(t, buf.String())

	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			done++
			current := done
			mu.Unlock()
			pBar.Update(current, 4)
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, pBar.Done())
	pBar.Finish()
	assert.NotEmpty(t, buf.String())
}

func TestCacheTable(t *testing.T) {
	cache := autotune.NewCache()
	cache.Put("fp-a", autotune.Result{Algorithm: hlo.AlgorithmDesc{ID: 1, TensorOps: true}, ScratchBytes: 1 << 20, Duration: time.Second})
	text := CacheTable(cache.Entries())
	assert.Contains(t, text, "1+TC")
	assert.Contains(t, text, "1.0 MiB")
	assert.Contains(t, text, "fp-a")
	assert.Contains(t, text, "1.00s")
}
