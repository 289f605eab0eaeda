package simplego

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/convpicker/backends"
	"github.com/gomlx/convpicker/device"
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/hlo/shapeinference"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	b, err := New("workers=3,budget=1KiB")
	require.NoError(t, err)
	sb := b.(*Backend)
	assert.Equal(t, 3, sb.pool.MaxParallelism())
	assert.Contains(t, sb.Executor().Capability, "workers=3")
	assert.Equal(t, int64(1024), sb.Executor().DefaultAllocator.(*device.BudgetAllocator).Budget())

	_, err = New("workers=0")
	require.Error(t, err)
	_, err = New("budget=lots")
	require.Error(t, err)
	_, err = New("turbo")
	require.ErrorContains(t, err, "unknown configuration option")

	b, err = backends.NewWithConfig("simplego:workers=2")
	require.NoError(t, err)
	assert.Equal(t, BackendName, b.Name())
}

// addConv adds a convolution of the given kind to a new module. The input and kernel shapes are
// always given, the output shape is inferred.
func addConv(t *testing.T, kind hlo.Kind, input, kernel shapes.Shape, conv *hlo.ConvConfig) *hlo.Instruction {
	m := hlo.NewModule("test")
	c := m.NewComputation("main")
	output := must.M1(shapeinference.Conv(input, kernel, conv))
	x := c.AddParameter("x", input)
	k := c.AddParameter("k", kernel)
	y := c.AddParameter("y", output)
	var instr *hlo.Instruction
	switch kind {
	case hlo.KindConvForward:
		instr = c.AddConvolution("conv", kind, conv, output, x, k)
	case hlo.KindConvBackwardInput:
		instr = c.AddConvolution("conv", kind, conv, input, y, k)
	case hlo.KindConvBackwardFilter:
		instr = c.AddConvolution("conv", kind, conv, kernel, x, y)
	case hlo.KindConvBiasActivationForward:
		bias := c.AddParameter("bias", shapes.Make(input.DType, output.Dim(conv.Axes.OutputChannels)))
		instr = c.AddConvolution("conv", kind, conv, output, x, k, bias, y)
	}
	require.NoError(t, shapeinference.CheckConvolution(instr))
	return instr
}

// run executes the algorithm on a new runner and returns its result.
func run(t *testing.T, b *Backend, instr *hlo.Instruction, algo hlo.AlgorithmDesc, setup func(r backends.ConvRunner)) []float64 {
	runner, err := b.PrepareConv(instr)
	require.NoError(t, err)
	defer func() { require.NoError(t, runner.Close()) }()
	if setup != nil {
		setup(runner)
	}
	numBytes, err := runner.ScratchBytes(algo)
	require.NoError(t, err)
	scratchAllocator := device.NewScratchAllocator(0, b.Executor().DefaultAllocator)
	scratch, err := scratchAllocator.Allocate(numBytes)
	require.NoError(t, err)
	defer scratch.Release()
	require.NoError(t, runner.Run(b.Executor().NewStream(), algo, scratch))
	// Runs are repeatable.
	first, err := runner.(backends.OutputReader).ReadOutput()
	require.NoError(t, err)
	require.NoError(t, runner.Run(b.Executor().NewStream(), algo, scratch))
	second, err := runner.(backends.OutputReader).ReadOutput()
	require.NoError(t, err)
	require.Equal(t, first, second, "algorithm %s", algo)
	return first
}

func requireClose(t *testing.T, want, got []float64, tolerance float64, msgAndArgs ...any) {
	require.Len(t, got, len(want), msgAndArgs...)
	for ii := range want {
		if math.Abs(want[ii]-got[ii]) > tolerance*(1+math.Abs(want[ii])) {
			require.Failf(t, "values differ", "index %d: want %g, got %g -- %s", ii, want[ii], got[ii], fmt.Sprint(msgAndArgs...))
		}
	}
}

func TestCandidates(t *testing.T) {
	b := newBackend(2, 0)
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }
	f64 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float64, dims...) }
	conv := &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(2)}

	candidates, err := b.Candidates(addConv(t, hlo.KindConvForward, f32(2, 3, 5, 5), f32(4, 3, 3, 3), conv))
	require.NoError(t, err)
	assert.Equal(t, []hlo.AlgorithmDesc{{ID: 0}, {ID: 1}, {ID: 1, TensorOps: true}, {ID: 2}, {ID: 3}}, candidates)

	candidates, err = b.Candidates(addConv(t, hlo.KindConvForward, f64(2, 3, 5, 5), f64(4, 3, 3, 3), conv))
	require.NoError(t, err)
	assert.Equal(t, []hlo.AlgorithmDesc{{ID: 0}, {ID: 3}}, candidates)

	candidates, err = b.Candidates(addConv(t, hlo.KindConvBackwardFilter, f32(2, 3, 5, 5), f32(4, 3, 3, 3), conv))
	require.NoError(t, err)
	assert.Equal(t, []hlo.AlgorithmDesc{{ID: 0}, {ID: 3}}, candidates)

	grouped := &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(2), FeatureGroupCount: 3}
	candidates, err = b.Candidates(addConv(t, hlo.KindConvForward, f32(2, 3, 5, 5), f32(6, 1, 3, 3), grouped))
	require.NoError(t, err)
	assert.Equal(t, []hlo.AlgorithmDesc{{ID: 0}, {ID: 3}}, candidates)

	batchGrouped := &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(1), BatchGroupCount: 2}
	_, err = b.Candidates(addConv(t, hlo.KindConvForward, f32(4, 2, 5), f32(4, 2, 2), batchGrouped))
	require.ErrorContains(t, err, "batch grouping")

	f16 := shapes.Make(dtypes.Float16, 1, 1, 4)
	_, err = b.Candidates(addConv(t, hlo.KindConvForward, f16, shapes.Make(dtypes.Float16, 1, 1, 2), &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(1)}))
	require.ErrorContains(t, err, "doesn't support")
}

func TestDirectKnownValues(t *testing.T) {
	b := newBackend(1, 0)
	conv := &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(1), Paddings: [][2]int{{0, 1}}}
	instr := addConv(t, hlo.KindConvForward, shapes.Make(dtypes.Float32, 1, 1, 4), shapes.Make(dtypes.Float32, 2, 1, 2), conv)
	for _, algo := range must.M1(b.Candidates(instr)) {
		got := run(t, b, instr, algo, func(r backends.ConvRunner) {
			ops := &r.(*convRunner[float32]).ops
			copy(ops.input, []float32{1, 2, 3, 4})
			copy(ops.kernel, []float32{1, 1, 1, -1})
		})
		// Output is [1, 2, 4]: channel 0 adds neighbors, channel 1 subtracts them.
		assert.Equal(t, []float64{3, 5, 7, 4, -1, -1, -1, 4}, got, "algorithm %s", algo)
	}
}

func TestAlgorithmsAgree(t *testing.T) {
	b := newBackend(3, 0)
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }
	testCases := []struct {
		name          string
		kind          hlo.Kind
		input, kernel shapes.Shape
		conv          *hlo.ConvConfig
	}{
		{"padded-strided", hlo.KindConvForward, f32(5, 3, 9, 8), f32(4, 3, 3, 2), &hlo.ConvConfig{
			Axes: hlo.ChannelsFirstAxes(2), Strides: []int{2, 1}, Paddings: [][2]int{{1, 1}, {0, 2}}}},
		{"channels-last", hlo.KindConvForward, f32(3, 7, 7, 2), f32(3, 3, 2, 5), &hlo.ConvConfig{
			Axes: hlo.ChannelsLastAxes(2), Paddings: [][2]int{{1, 1}, {1, 1}}}},
		{"dilated", hlo.KindConvForward, f32(2, 2, 11), f32(3, 2, 3), &hlo.ConvConfig{
			Axes: hlo.ChannelsFirstAxes(1), InputDilations: []int{2}, KernelDilations: []int{3}}},
		{"fused-relu", hlo.KindConvBiasActivationForward, f32(4, 3, 6, 6), f32(2, 3, 3, 3), &hlo.ConvConfig{
			Axes: hlo.ChannelsFirstAxes(2), Activation: hlo.ActivationRelu, ConvResultScale: 0.5, SideInputScale: 2}},
		{"grouped", hlo.KindConvForward, f32(3, 4, 6, 6), f32(6, 2, 3, 3), &hlo.ConvConfig{
			Axes: hlo.ChannelsFirstAxes(2), FeatureGroupCount: 2}},
		{"backward-input", hlo.KindConvBackwardInput, f32(3, 2, 7, 7), f32(4, 2, 3, 3), &hlo.ConvConfig{
			Axes: hlo.ChannelsFirstAxes(2), Strides: []int{2, 2}, Paddings: [][2]int{{1, 1}, {1, 1}}}},
		{"backward-filter", hlo.KindConvBackwardFilter, f32(5, 2, 6, 6), f32(3, 2, 3, 3), &hlo.ConvConfig{
			Axes: hlo.ChannelsFirstAxes(2), Paddings: [][2]int{{1, 0}, {0, 1}}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			instr := addConv(t, tc.kind, tc.input, tc.kernel, tc.conv)
			candidates := must.M1(b.Candidates(instr))
			require.Equal(t, hlo.AlgorithmDesc{ID: AlgoDirect}, candidates[0])
			want := run(t, b, instr, candidates[0], nil)
			for _, algo := range candidates[1:] {
				tolerance := 1e-5
				if algo.TensorOps {
					tolerance = 2e-2
				}
				got := run(t, b, instr, algo, nil)
				requireClose(t, want, got, tolerance, "algorithm ", AlgorithmName(algo))
			}
			if tc.kind == hlo.KindConvBiasActivationForward {
				for _, v := range want {
					require.GreaterOrEqual(t, v, 0.0)
				}
			}
		})
	}
}

// TestBackwardAdjoint checks <conv(x, k), dy> == <x, backwardInput(dy, k)> == <k, backwardFilter(x, dy)>.
func TestBackwardAdjoint(t *testing.T) {
	b := newBackend(2, 0)
	input, kernel := shapes.Make(dtypes.Float64, 3, 2, 7, 6), shapes.Make(dtypes.Float64, 4, 2, 3, 2)
	conv := &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(2), Strides: []int{2, 1}, Paddings: [][2]int{{1, 1}, {0, 1}}, KernelDilations: []int{1, 2}}
	fwd := addConv(t, hlo.KindConvForward, input, kernel, conv)
	bwdInput := addConv(t, hlo.KindConvBackwardInput, input, kernel, conv)
	bwdFilter := addConv(t, hlo.KindConvBackwardFilter, input, kernel, conv)

	// Same x, k and dy for all three.
	reference := must.M1(b.PrepareConv(fwd)).(*convRunner[float64])
	x, k, dy := reference.ops.input, reference.ops.kernel, reference.ops.output
	dot := func(a, b []float64) float64 {
		var sum float64
		for ii := range a {
			sum += a[ii] * b[ii]
		}
		return sum
	}
	setOperands := func(r backends.ConvRunner) {
		ops := &r.(*convRunner[float64]).ops
		copy(ops.input, x)
		copy(ops.kernel, k)
		copy(ops.output, dy)
	}
	for _, algo := range []hlo.AlgorithmDesc{{ID: AlgoDirect}, {ID: AlgoDirectParallel}} {
		y := run(t, b, fwd, algo, setOperands)
		dx := run(t, b, bwdInput, algo, setOperands)
		dk := run(t, b, bwdFilter, algo, setOperands)
		want := dot(y, dy)
		assert.InDelta(t, want, dot(x, dx), 1e-9*(1+math.Abs(want)), "algorithm %s", algo)
		assert.InDelta(t, want, dot(k, dk), 1e-9*(1+math.Abs(want)), "algorithm %s", algo)
	}
}

func TestScratchBytes(t *testing.T) {
	b := newBackend(4, 0)
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }
	conv := &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(2)}
	runner := must.M1(b.PrepareConv(addConv(t, hlo.KindConvForward, f32(8, 3, 6, 6), f32(4, 3, 3, 3), conv)))
	// rows = 3*9 = 27, output positions = 16.
	kernelMatrix, columns, product := 4*27, 27*16, 4*16
	assert.Equal(t, int64(0), must.M1(runner.ScratchBytes(hlo.AlgorithmDesc{ID: AlgoDirect})))
	assert.Equal(t, int64(4*(kernelMatrix+columns+product)), must.M1(runner.ScratchBytes(hlo.AlgorithmDesc{ID: AlgoIm2colGemm})))
	assert.Equal(t, int64(4*(kernelMatrix+4*(columns+product))), must.M1(runner.ScratchBytes(hlo.AlgorithmDesc{ID: AlgoIm2colGemmParallel})))
	assert.Equal(t, int64(0), must.M1(runner.ScratchBytes(hlo.AlgorithmDesc{ID: AlgoDirectParallel})))
	_, err := runner.ScratchBytes(hlo.AlgorithmDesc{ID: AlgoDirect, TensorOps: true})
	require.Error(t, err)

	filterRunner := must.M1(b.PrepareConv(addConv(t, hlo.KindConvBackwardFilter, f32(8, 3, 6, 6), f32(4, 3, 3, 3), conv)))
	assert.Equal(t, int64(4*4*(4*3*3*3)), must.M1(filterRunner.ScratchBytes(hlo.AlgorithmDesc{ID: AlgoDirectParallel})))

	// Too little scratch is an error, not a crash.
	scratchAllocator := device.NewScratchAllocator(0, device.NewBudgetAllocator(0))
	scratch := must.M1(scratchAllocator.Allocate(16))
	defer scratch.Release()
	require.Error(t, runner.Run(b.Executor().NewStream(), hlo.AlgorithmDesc{ID: AlgoIm2colGemm}, scratch))
}
