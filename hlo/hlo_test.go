package hlo

import (
	"testing"

	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlgorithmDesc(t *testing.T) {
	assert.Equal(t, "3", AlgorithmDesc{ID: 3}.String())
	assert.Equal(t, "3+TC", AlgorithmDesc{ID: 3, TensorOps: true}.String())
	assert.Equal(t, "search", SearchAlgorithm().String())

	for _, s := range []string{"0", "3", "3+TC", "search"} {
		algo, err := ParseAlgorithmDesc(s)
		require.NoError(t, err)
		assert.Equal(t, s, algo.String())
	}
	_, err := ParseAlgorithmDesc("-3")
	require.Error(t, err)
	_, err = ParseAlgorithmDesc("x+TC")
	require.Error(t, err)

	assert.True(t, AlgorithmDesc{ID: 1, TensorOps: true}.Less(AlgorithmDesc{ID: 2}))
	assert.True(t, AlgorithmDesc{ID: 2}.Less(AlgorithmDesc{ID: 2, TensorOps: true}))
	assert.False(t, AlgorithmDesc{ID: 2}.Less(AlgorithmDesc{ID: 2}))
}

func TestKind(t *testing.T) {
	for kind := KindParameter; kind <= KindConvBiasActivationForward; kind++ {
		parsed, err := ParseKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}
	assert.False(t, KindElementwise.IsConvolution())
	assert.True(t, KindConvBackwardFilter.IsConvolution())
	_, err := ParseKind("invalid")
	require.Error(t, err)
}

func buildModule() (*Module, *Instruction) {
	m := NewModule("test")
	c := m.NewComputation("main")
	x := c.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3, 8, 8))
	k := c.AddParameter("k", shapes.Make(dtypes.Float32, 4, 3, 3, 3))
	conv := c.AddConvolution("conv", KindConvForward, &ConvConfig{Axes: ChannelsFirstAxes(2)},
		shapes.Make(dtypes.Float32, 2, 4, 6, 6), x, k)
	return m, conv
}

func TestSetScratch(t *testing.T) {
	_, conv := buildModule()
	_, ok := conv.ScratchShape()
	require.False(t, ok)

	conv.SetScratch(1024)
	scratch, ok := conv.ScratchShape()
	require.True(t, ok)
	require.NoError(t, scratch.Check(dtypes.Uint8, 1024))
	assert.Equal(t, int64(1024), conv.Backend.ScratchBytes)
	assert.True(t, conv.Shape().IsTuple())

	// Replacing the scratch never accumulates outputs.
	conv.SetScratch(16)
	require.Len(t, conv.OutputShapes, 2)
	assert.Equal(t, 16, conv.OutputShapes[1].Dim(0))

	conv.SetScratch(0)
	require.Len(t, conv.OutputShapes, 1)
	assert.Zero(t, conv.Backend.ScratchBytes)
	assert.False(t, conv.Shape().IsTuple())
}

func TestModuleClone(t *testing.T) {
	m, conv := buildModule()
	conv.Conv.Strides = []int{1, 1}
	m2 := m.Clone()
	assert.Equal(t, m.String(), m2.String())

	conv2 := m2.Computations[0].Lookup("conv")
	require.NotSame(t, conv, conv2)
	assert.Same(t, m2.Computations[0].Lookup("x"), conv2.Operands[0])
	assert.Same(t, m2.Computations[0], conv2.Computation())

	// Changes to the clone don't affect the original.
	conv2.Backend.Algorithm = AlgorithmDesc{ID: 1}
	conv2.SetScratch(8)
	conv2.Conv.Strides[0] = 2
	assert.True(t, conv.Backend.Algorithm.IsSearch())
	assert.Len(t, conv.OutputShapes, 1)
	assert.Equal(t, 1, conv.Conv.Strides[0])
	assert.NotEqual(t, m.String(), m2.String())
}

func TestConvConfigNormalized(t *testing.T) {
	c := &ConvConfig{Axes: ChannelsFirstAxes(2), Strides: []int{2, 0}}
	n := c.Normalized()
	assert.Equal(t, []int{2, 1}, n.Strides)
	assert.Equal(t, []int{1, 1}, n.InputDilations)
	assert.Equal(t, []int{1, 1}, n.KernelDilations)
	assert.Equal(t, [][2]int{{0, 0}, {0, 0}}, n.Paddings)
	assert.Equal(t, 1, n.FeatureGroupCount)
	assert.Equal(t, 1, n.BatchGroupCount)
	assert.Equal(t, ActivationNone, n.Activation)
	// Original is untouched.
	assert.Equal(t, []int{2, 0}, c.Strides)
	assert.Nil(t, c.Paddings)
}

func TestConvShapes(t *testing.T) {
	m, conv := buildModule()
	cs, err := conv.ConvShapes()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 8, 8}, cs.Input.Dimensions)
	assert.Equal(t, []int{4, 3, 3, 3}, cs.Kernel.Dimensions)
	assert.Equal(t, []int{2, 4, 6, 6}, cs.Output.Dimensions)

	c := m.Computations[0]
	dx := c.AddConvolution("dx", KindConvBackwardInput, conv.Conv, c.Lookup("x").ResultShape(), conv, c.Lookup("k"))
	cs, err = dx.ConvShapes()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 8, 8}, cs.Input.Dimensions)
	assert.Equal(t, []int{2, 4, 6, 6}, cs.Output.Dimensions)

	_, err = c.Lookup("x").ConvShapes()
	require.Error(t, err)
	require.Panics(t, func() { c.AddParameter("x", shapes.Make(dtypes.Float32)) })
}
