package shapeinference

import (
	"testing"

	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Aliases
var (
	F32 = dtypes.Float32
	F64 = dtypes.Float64
	S   = shapes.Make
)

func TestConvGeneralOp(t *testing.T) {
	type testCase struct {
		name                               string
		input, kernel                      shapes.Shape
		axes                               hlo.ConvolveAxesConfig
		strides                            []int
		paddings                           [][2]int
		inputDilations, kernelDilations    []int
		featureGroupCount, batchGroupCount int

		expectedError string
		output        shapes.Shape
	}
	testCases := []testCase{
		{
			name:              "1D with padding",
			input:             S(F32, 2, 3, 5),
			kernel:            S(F32, 4, 3, 2),
			axes:              hlo.ChannelsFirstAxes(1),
			strides:           []int{2},
			paddings:          [][2]int{{0, 1}},
			featureGroupCount: 1,
			batchGroupCount:   1,
			output:            S(F32, 2, 4, 3),
		},
		{
			name:   "2D defaults",
			input:  S(F32, 1, 3, 8, 8),
			kernel: S(F32, 4, 3, 3, 3),
			axes:   hlo.ChannelsFirstAxes(2),
			output: S(F32, 1, 4, 6, 6),
		},
		{
			name:   "2D channels-last",
			input:  S(F32, 2, 8, 8, 3),
			kernel: S(F32, 3, 3, 3, 16),
			axes:   hlo.ChannelsLastAxes(2),
			output: S(F32, 2, 6, 6, 16),
		},
		{
			name:            "2D kernel and input dilations",
			input:           S(F32, 1, 2, 5, 5),
			kernel:          S(F32, 2, 2, 2, 2),
			axes:            hlo.ChannelsFirstAxes(2),
			inputDilations:  []int{2, 1},
			kernelDilations: []int{1, 2},
			output:          S(F32, 1, 2, 8, 3),
		},
		{
			name:              "feature groups",
			input:             S(F32, 1, 6, 4, 4),
			kernel:            S(F32, 6, 2, 3, 3),
			axes:              hlo.ChannelsFirstAxes(2),
			featureGroupCount: 3,
			output:            S(F32, 1, 6, 2, 2),
		},
		{
			name:            "batch groups",
			input:           S(F32, 4, 2, 5),
			kernel:          S(F32, 4, 2, 2),
			axes:            hlo.ChannelsFirstAxes(1),
			batchGroupCount: 2,
			output:          S(F32, 2, 4, 4),
		},
		{
			name:          "kernel larger than input",
			input:         S(F32, 1, 1, 2, 2),
			kernel:        S(F32, 1, 1, 3, 3),
			axes:          hlo.ChannelsFirstAxes(2),
			expectedError: "larger than padded effective input dimension",
		},
		{
			name:          "channels mismatch",
			input:         S(F32, 1, 3, 4, 4),
			kernel:        S(F32, 2, 2, 2, 2),
			axes:          hlo.ChannelsFirstAxes(2),
			expectedError: "kernelInputChannels",
		},
		{
			name:          "dtype mismatch",
			input:         S(F32, 1, 2, 4, 4),
			kernel:        S(F64, 2, 2, 2, 2),
			axes:          hlo.ChannelsFirstAxes(2),
			expectedError: "must match",
		},
		{
			name:   "duplicate axes",
			input:  S(F32, 1, 2, 4, 4),
			kernel: S(F32, 2, 2, 2, 2),
			axes: hlo.ConvolveAxesConfig{
				InputBatch: 0, InputChannels: 0, InputSpatial: []int{2, 3},
				KernelOutputChannels: 0, KernelInputChannels: 1, KernelSpatial: []int{2, 3},
				OutputBatch: 0, OutputChannels: 1, OutputSpatial: []int{2, 3},
			},
			expectedError: "duplicate input axes",
		},
		{
			name:          "wrong number of strides",
			input:         S(F32, 1, 2, 4, 4),
			kernel:        S(F32, 2, 2, 2, 2),
			axes:          hlo.ChannelsFirstAxes(2),
			strides:       []int{1},
			expectedError: "strides",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			output, err := ConvGeneralOp(tc.input, tc.kernel, tc.axes,
				tc.strides, tc.paddings, tc.inputDilations, tc.kernelDilations,
				tc.featureGroupCount, tc.batchGroupCount)
			if tc.expectedError != "" {
				require.ErrorContains(t, err, tc.expectedError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.output, output)
		})
	}
}

func TestCheckConvolution(t *testing.T) {
	m := hlo.NewModule("test")
	c := m.NewComputation("main")
	conv := &hlo.ConvConfig{Axes: hlo.ChannelsFirstAxes(2), Strides: []int{2, 2}, Paddings: [][2]int{{1, 1}, {1, 1}}}
	x := c.AddParameter("x", S(F32, 2, 3, 8, 8))
	k := c.AddParameter("k", S(F32, 4, 3, 3, 3))
	y := S(F32, 2, 4, 4, 4)
	dy := c.AddParameter("dy", y)

	fwd := c.AddConvolution("fwd", hlo.KindConvForward, conv, y, x, k)
	require.NoError(t, CheckConvolution(fwd))

	bwdInput := c.AddConvolution("bwd_input", hlo.KindConvBackwardInput, conv, x.ResultShape(), dy, k)
	require.NoError(t, CheckConvolution(bwdInput))

	bwdFilter := c.AddConvolution("bwd_filter", hlo.KindConvBackwardFilter, conv, k.ResultShape(), x, dy)
	require.NoError(t, CheckConvolution(bwdFilter))

	bias := c.AddParameter("bias", S(F32, 4))
	fusedConv := conv.Clone()
	fusedConv.Activation = hlo.ActivationRelu
	fused := c.AddConvolution("fused", hlo.KindConvBiasActivationForward, fusedConv, y, x, k, bias, dy)
	require.NoError(t, CheckConvolution(fused))

	wrong := c.AddConvolution("wrong", hlo.KindConvForward, conv, S(F32, 2, 4, 3, 3), x, k)
	require.ErrorContains(t, CheckConvolution(wrong), "yields")

	badBias := c.AddParameter("bad_bias", S(F32, 5))
	wrongBias := c.AddConvolution("wrong_bias", hlo.KindConvBiasActivationForward, conv, y, x, k, badBias)
	require.ErrorContains(t, CheckConvolution(wrongBias), "invalid bias")

	missingOperand := c.AddConvolution("missing", hlo.KindConvForward, conv, y, x)
	require.ErrorContains(t, CheckConvolution(missingOperand), "requires")
}
