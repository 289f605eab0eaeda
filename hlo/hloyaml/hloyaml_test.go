package hloyaml

import (
	"testing"

	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const program = `
name: block
computations:
  - name: main
    instructions:
      - {name: x, kind: parameter, shape: "f32[8,3,32,32]"}
      - {name: k, kind: parameter, shape: "Float32[16,3,3,3]"}
      - {name: b, kind: parameter, shape: "f32[16]"}
      - name: conv
        kind: conv-forward
        operands: [x, k]
        paddings: [[1, 1], [1, 1]]
      - name: fused
        kind: conv-bias-activation-forward
        operands: [x, k, b]
        strides: [2, 2]
        activation: relu
        algorithm: "1+TC"
        scratch_bytes: 512
      - {name: dy, kind: elementwise, operands: [conv], shape: "f32[8,16,32,32]"}
      - name: dx
        kind: conv-backward-input
        operands: [dy, k]
        paddings: [[1, 1], [1, 1]]
        shape: "f32[8,3,32,32]"
`

func TestParseModuleYAML(t *testing.T) {
	m, err := ParseModuleYAML([]byte(program))
	require.NoError(t, err)
	require.Equal(t, "block", m.Name)
	require.Len(t, m.Computations, 1)
	c := m.Computations[0]
	require.Len(t, c.Instructions, 7)

	conv := c.Lookup("conv")
	assert.Equal(t, hlo.KindConvForward, conv.Kind)
	assert.NoError(t, conv.ResultShape().Check(dtypes.Float32, 8, 16, 32, 32))
	assert.True(t, conv.Backend.Algorithm.IsSearch())
	assert.Len(t, conv.OutputShapes, 1)

	fused := c.Lookup("fused")
	assert.NoError(t, fused.ResultShape().Check(dtypes.Float32, 8, 16, 15, 15))
	assert.Equal(t, hlo.AlgorithmDesc{ID: 1, TensorOps: true}, fused.Backend.Algorithm)
	assert.Equal(t, int64(512), fused.Backend.ScratchBytes)
	scratch, ok := fused.ScratchShape()
	require.True(t, ok)
	assert.NoError(t, scratch.Check(dtypes.Uint8, 512))
	assert.Equal(t, hlo.ActivationRelu, fused.Conv.Activation)

	dx := c.Lookup("dx")
	assert.Equal(t, hlo.KindConvBackwardInput, dx.Kind)
	assert.Equal(t, []*hlo.Instruction{c.Lookup("dy"), c.Lookup("k")}, dx.Operands)
}

func TestParseModuleYAMLErrors(t *testing.T) {
	testCases := []struct {
		name, program, wantErr string
	}{
		{"undefined operand", `
computations:
  - name: main
    instructions:
      - {name: c, kind: conv-forward, operands: [x, k]}`, "not defined before use"},
		{"unknown kind", `
computations:
  - name: main
    instructions:
      - {name: x, kind: matmul, shape: "f32[3]"}`, "unknown instruction kind"},
		{"backward without shape", `
computations:
  - name: main
    instructions:
      - {name: dy, kind: parameter, shape: "f32[1,2,3,3]"}
      - {name: k, kind: parameter, shape: "f32[2,1,3,3]"}
      - {name: dx, kind: conv-backward-input, operands: [dy, k]}`, "requires an explicit shape"},
		{"bad shape", `
computations:
  - name: main
    instructions:
      - {name: x, kind: parameter, shape: "f32[3,x]"}`, "must be a positive integer"},
		{"inconsistent conv", `
computations:
  - name: main
    instructions:
      - {name: x, kind: parameter, shape: "f32[1,2,5,5]"}
      - {name: k, kind: parameter, shape: "f32[3,2,3,3]"}
      - {name: c, kind: conv-forward, operands: [x, k], shape: "f32[1,3,5,5]"}`, "yields"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseModuleYAML([]byte(tc.program))
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestParseShape(t *testing.T) {
	s, err := ParseShape("f64[2, 3]")
	require.NoError(t, err)
	assert.True(t, s.Equal(shapes.Make(dtypes.Float64, 2, 3)))

	s, err = ParseShape("F16")
	require.NoError(t, err)
	assert.True(t, s.IsScalar())
	assert.Equal(t, dtypes.Float16, s.DType)

	_, err = ParseShape("f32[3")
	require.ErrorContains(t, err, "missing closing")
	_, err = ParseShape("q99[3]")
	require.ErrorContains(t, err, "unknown dtype")
}

func TestMarshalRoundTrip(t *testing.T) {
	m, err := ParseModuleYAML([]byte(program))
	require.NoError(t, err)
	conv := m.Computations[0].Lookup("conv")
	conv.Backend.Algorithm = hlo.AlgorithmDesc{ID: 3}
	conv.SetScratch(1024)
	conv.Conv.Axes = hlo.ChannelsLastAxes(2) // Unusual axes for the shapes, but only the layout is written.

	contents, err := Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "layout: channels-last")
	assert.Contains(t, string(contents), "algorithm: \"3\"")
	assert.Contains(t, string(contents), "f32[8,16,32,32]")

	var p Program
	require.NoError(t, yaml.Unmarshal(contents, &p))
	require.Len(t, p.Computations[0].Instructions, 7)
	assert.Equal(t, "1+TC", p.Computations[0].Instructions[4].Algorithm)
	assert.Empty(t, p.Computations[0].Instructions[6].Algorithm)
	assert.Equal(t, int64(1024), p.Computations[0].Instructions[3].ScratchBytes)
}

func TestMarshalRebuild(t *testing.T) {
	m, err := ParseModuleYAML([]byte(program))
	require.NoError(t, err)
	m.Computations[0].Lookup("conv").Backend.Algorithm = hlo.AlgorithmDesc{ID: 2, TensorOps: true}
	contents, err := Marshal(m)
	require.NoError(t, err)
	m2, err := ParseModuleYAML(contents)
	require.NoError(t, err)
	assert.Equal(t, m.String(), m2.String())
}

func TestFormatShape(t *testing.T) {
	for _, s := range []string{"f32[8,3,32,32]", "f16[1]", "u8[512]", "s32[2,2]", "f64[]"} {
		shape, err := ParseShape(s)
		require.NoError(t, err)
		assert.Equal(t, s, FormatShape(shape))
	}
}
