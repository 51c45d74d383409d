package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-netbridge/tensor"
)

func TestRegistry(t *testing.T) {
	var gotDef string
	Register("test-registry", func(definition string, ctx Context) (Net, error) {
		gotDef = definition
		return nil, nil
	})

	_, err := Open("test-registry", "net.json", Context{})
	require.NoError(t, err)
	assert.Equal(t, "net.json", gotDef)
	assert.Contains(t, Engines(), "test-registry")

	_, err = Open("missing", "net.json", Context{})
	assert.ErrorIs(t, err, ErrUnknownEngine)

	assert.Panics(t, func() {
		Register("test-registry", nil)
	})
}

func TestBatchesRelease(t *testing.T) {
	released := 0
	b := NewBatches()
	for i := 0; i < 3; i++ {
		b.Add(tensor.NewBlob(tensor.Shape{Width: 1, Height: 1, Channels: 1, Num: 1}, nil), func() { released++ })
	}
	b.Add(tensor.NewBlob(tensor.Shape{Width: 1, Height: 1, Channels: 1, Num: 1}, nil), nil)
	assert.Equal(t, 4, b.Len())

	b.Release()
	b.Release()
	assert.Equal(t, 3, released)
	assert.True(t, b.Released())
	assert.Equal(t, 0, b.Len())

	var nilBatches *Batches
	nilBatches.Release()
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "train", Train.String())
	assert.Equal(t, "test", Test.String())
	assert.Equal(t, "unknown", Phase(5).String())
}
