package autotune

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(id int64, tensorOps bool, duration time.Duration) Result {
	return Result{Algorithm: hlo.AlgorithmDesc{ID: id, TensorOps: tensorOps}, Duration: duration}
}

func TestSelectBest(t *testing.T) {
	results := []Result{
		ok(0, false, 5*time.Millisecond),
		failed(hlo.AlgorithmDesc{ID: 1}, FailureLaunch, "boom"),
		ok(2, false, 2*time.Millisecond),
		ok(3, true, 3*time.Millisecond),
	}
	best, err := SelectBest(results)
	require.NoError(t, err)
	assert.Equal(t, int64(2), best.Algorithm.ID)

	// A failed candidate is never picked, however fast.
	results[1].Duration = time.Nanosecond
	best, err = SelectBest(results)
	require.NoError(t, err)
	assert.Equal(t, int64(2), best.Algorithm.ID)

	// Making the best faster keeps it; making another strictly faster picks it.
	results[2].Duration = time.Millisecond
	best, _ = SelectBest(results)
	assert.Equal(t, int64(2), best.Algorithm.ID)
	results[3].Duration = time.Microsecond
	best, _ = SelectBest(results)
	assert.Equal(t, hlo.AlgorithmDesc{ID: 3, TensorOps: true}, best.Algorithm)

	// Ties are broken by algorithm order, independent of the order of the results.
	tied := []Result{ok(4, true, time.Second), ok(4, false, time.Second), ok(7, false, time.Second)}
	best, _ = SelectBest(tied)
	assert.Equal(t, hlo.AlgorithmDesc{ID: 4}, best.Algorithm)
	tied[0], tied[2] = tied[2], tied[0]
	best, _ = SelectBest(tied)
	assert.Equal(t, hlo.AlgorithmDesc{ID: 4}, best.Algorithm)
}

func TestSelectBestNoViable(t *testing.T) {
	results := []Result{
		failed(hlo.AlgorithmDesc{ID: 0}, FailureScratchAllocation, "out of memory"),
		failed(hlo.AlgorithmDesc{ID: 1, TensorOps: true}, FailureLaunch, "bad kernel"),
	}
	_, err := SelectBest(results)
	var noViable *NoViableAlgorithmError
	require.True(t, errors.As(err, &noViable))
	assert.Len(t, noViable.Failures, 2)
	assert.Contains(t, err.Error(), "algorithm 1+TC: launch: bad kernel")
	assert.Contains(t, err.Error(), "scratch-allocation")

	_, err = SelectBest(nil)
	require.True(t, errors.As(err, &noViable))
}

func newConv(t *testing.T) *hlo.Instruction {
	m := hlo.NewModule("m")
	c := m.NewComputation("main")
	x := c.AddParameter("x", shapes.Make(dtypes.Float32, 1, 2, 4, 4))
	k := c.AddParameter("k", shapes.Make(dtypes.Float32, 3, 2, 3, 3))
	return c.AddConvolution("conv", hlo.KindConvForward, &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(2)},
		shapes.Make(dtypes.Float32, 1, 3, 2, 2), x, k)
}

func TestRewrite(t *testing.T) {
	conv := newConv(t)
	result := ok(3, true, time.Millisecond)
	result.ScratchBytes = 4096
	changed, err := Rewrite(conv, result)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "3+TC", conv.Backend.Algorithm.String())
	assert.Equal(t, int64(4096), conv.Backend.ScratchBytes)
	require.Len(t, conv.OutputShapes, 2)
	require.NoError(t, conv.OutputShapes[1].Check(dtypes.Uint8, 4096))
	require.NoError(t, conv.OutputShapes[0].Check(dtypes.Float32, 1, 3, 2, 2))

	// Same result again: no change.
	changed, err = Rewrite(conv, result)
	require.NoError(t, err)
	assert.False(t, changed)

	// No scratch: the previous scratch output is removed.
	changed, err = Rewrite(conv, ok(1, false, time.Millisecond))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, conv.OutputShapes, 1)
	assert.Zero(t, conv.Backend.ScratchBytes)

	// Errors leave the instruction untouched.
	before := conv.String()
	var rewriteErr *RewriteError
	_, err = Rewrite(conv, failed(hlo.AlgorithmDesc{ID: 2}, FailureLaunch, "x"))
	require.True(t, errors.As(err, &rewriteErr))
	_, err = Rewrite(conv, Result{Algorithm: hlo.SearchAlgorithm()})
	require.True(t, errors.As(err, &rewriteErr))
	_, err = Rewrite(conv, Result{Algorithm: hlo.AlgorithmDesc{ID: 2}, ScratchBytes: -1})
	require.True(t, errors.As(err, &rewriteErr))
	_, err = Rewrite(conv.Operands[0], ok(2, false, 0))
	require.True(t, errors.As(err, &rewriteErr))
	assert.Equal(t, before, conv.String())
}

func TestCache(t *testing.T) {
	cache := NewCache()
	fp := Fingerprint("fp1")
	_, found := cache.Get(fp)
	require.False(t, found)

	first := ok(1, false, time.Millisecond)
	assert.Equal(t, first, cache.Put(fp, first))
	// Write-once: a different winner is ignored.
	assert.Equal(t, first, cache.Put(fp, ok(2, false, time.Microsecond)))
	got, found := cache.Get(fp)
	require.True(t, found)
	assert.Equal(t, first, got)
	assert.Equal(t, 1, cache.Len())

	cache.Put("fp0", ok(0, false, time.Second))
	entries := cache.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, Fingerprint("fp0"), entries[0].Fingerprint)
	assert.NotEqual(t, NewCache().SessionID(), cache.SessionID())
}

func TestCacheGetOrComputeSingleFlight(t *testing.T) {
	cache := NewCache()
	var calls atomic.Int32
	release := make(chan struct{})
	const numCallers = 16
	var wg sync.WaitGroup
	results := make([]Result, numCallers)
	for ii := range numCallers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := cache.GetOrCompute("fp", func() (Result, error) {
				calls.Add(1)
				<-release
				return ok(5, true, time.Millisecond), nil
			})
			assert.NoError(t, err)
			results[ii] = r
		}()
	}
	require.Eventually(t, func() bool {
		return cache.Waiting() == numCallers && calls.Load() == 1
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, hlo.AlgorithmDesc{ID: 5, TensorOps: true}, r.Algorithm)
	}
	assert.Equal(t, int64(1), cache.Misses())
	assert.Equal(t, int64(numCallers-1), cache.Hits())

	// Errors are not cached.
	_, err := cache.GetOrCompute("bad", func() (Result, error) { return Result{}, errors.New("no device") })
	require.ErrorContains(t, err, "no device")
	r, err := cache.GetOrCompute("bad", func() (Result, error) { return ok(1, false, 0), nil })
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Algorithm.ID)
}

func TestFingerprint(t *testing.T) {
	conv := newConv(t)
	fp, err := NewFingerprint("simplego", "cpu", conv)
	require.NoError(t, err)
	assert.Contains(t, string(fp), "kind=conv-forward")
	assert.Len(t, fp.Hash(), 12)

	// Explicit defaults, a different name and a pinned algorithm don't change the fingerprint.
	conv2 := newConv(t)
	conv2.Name = "other"
	conv2.Conv.Strides = []int{1, 1}
	conv2.Conv.Paddings = [][2]int{{0, 0}, {0, 0}}
	conv2.Conv.FeatureGroupCount = 1
	conv2.Backend.Algorithm = hlo.AlgorithmDesc{ID: 2}
	conv2.SetScratch(64)
	fp2, err := NewFingerprint("simplego", "cpu", conv2)
	require.NoError(t, err)
	assert.Equal(t, fp, fp2)

	// Different device or parameters do.
	fp3, _ := NewFingerprint("simplego", "gpu", conv)
	assert.NotEqual(t, fp, fp3)
	conv2.Conv.KernelDilations = []int{1, 2}
	fp4, _ := NewFingerprint("simplego", "cpu", conv2)
	assert.NotEqual(t, fp, fp4)

	_, err = NewFingerprint("simplego", "cpu", conv.Operands[0])
	require.Error(t, err)
}

func TestMedian(t *testing.T) {
	ms := time.Millisecond
	assert.Equal(t, time.Duration(0), Median(nil))
	assert.Equal(t, 3*ms, Median([]time.Duration{5 * ms, 1 * ms, 3 * ms}))
	assert.Equal(t, 2*ms, Median([]time.Duration{4 * ms, 2 * ms, 1 * ms, 9 * ms}))
}

func TestResultRecord(t *testing.T) {
	r := ok(3, true, 1500*time.Nanosecond)
	r.ScratchBytes = 256
	record := r.Record().AsMap()
	assert.Equal(t, float64(3), record["algorithm"])
	assert.Equal(t, true, record["tensor_ops"])
	assert.Equal(t, float64(256), record["scratch_bytes"])
	assert.Equal(t, float64(1500), record["duration_ns"])
	assert.Equal(t, true, record["success"])
	assert.Equal(t, "none", record["failure_kind"])

	f := failed(hlo.AlgorithmDesc{ID: 1}, FailureWrongResult, "mismatch").Record().AsMap()
	assert.Equal(t, false, f["success"])
	assert.Equal(t, "wrong-result", f["failure_kind"])
	assert.Equal(t, "mismatch", f["failure_message"])
	assert.Contains(t, r.String(), "tensor_ops")
}

func TestCompilationError(t *testing.T) {
	cause := &NoViableAlgorithmError{Instruction: "conv"}
	err := errors.WithMessage(&CompilationError{Pass: "p", Instruction: "conv", Fingerprint: "fp", Cause: cause}, "compiling")
	var noViable *NoViableAlgorithmError
	require.True(t, errors.As(err, &noViable))
	var compErr *CompilationError
	require.True(t, errors.As(err, &compErr))
	assert.Contains(t, err.Error(), `instruction "conv"`)
}
