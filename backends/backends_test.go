package backends

import (
	"testing"

	"github.com/gomlx/convpicker/device"
	"github.com/gomlx/convpicker/hlo"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopBackend struct{ config string }

func (b *nopBackend) Name() string { return "nop" }
func (b *nopBackend) Description() string { return "nop:" + b.config }
func (b *nopBackend) Executor() *device.Executor { return device.NewExecutor(0, "nop", "nop", 0) }
func (b *nopBackend) Finalize() {}
func (b *nopBackend) Candidates(*hlo.Instruction) ([]hlo.AlgorithmDesc, error) {
	return nil, nil
}
func (b *nopBackend) PrepareConv(*hlo.Instruction) (ConvRunner, error) {
	return nil, errors.New("not implemented")
}

func TestRegistry(t *testing.T) {
	Register("nop", func(config string) (Backend, error) { return &nopBackend{config: config}, nil })
	Register("broken", func(config string) (Backend, error) { return nil, errors.New("no device") })
	assert.Equal(t, []string{"broken", "nop"}, List())

	b, err := NewWithConfig("nop:fast")
	require.NoError(t, err)
	assert.Equal(t, "nop:fast", b.Description())

	b, err = NewWithConfig("nop")
	require.NoError(t, err)
	assert.Equal(t, "nop:", b.Description())

	// No backend name: uses the first registered.
	b, err = NewWithConfig("workers=2")
	require.NoError(t, err)
	assert.Equal(t, "nop:workers=2", b.Description())

	_, err = NewWithConfig("broken:")
	require.ErrorContains(t, err, "no device")
	_, err = NewWithConfig("missing:x")
	require.ErrorContains(t, err, "can't find backend")

	t.Setenv(ConfigEnvVar, "nop:env")
	b, err = New()
	require.NoError(t, err)
	assert.Equal(t, "nop:env", b.Description())
}
