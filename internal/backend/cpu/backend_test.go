package cpu

import (
	"testing"

	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUBackend_Identity(t *testing.T) {
	b := New()
	assert.Equal(t, tensor.Host, b.Kind())
	assert.Equal(t, "CPU", b.Name())
	require.NoError(t, b.Synchronize())
}

func TestCPUBackend_AllocZeroed(t *testing.T) {
	b := New()
	s, err := b.Alloc(tensor.F32, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Count())
	assert.Equal(t, 20, s.ByteSize())
	assert.True(t, s.HostAddressable())
	for _, v := range tensor.Slice[float32](s.Bytes()) {
		assert.Zero(t, v)
	}
}

func TestCPUBackend_FromHostCopies(t *testing.T) {
	b := New()
	data := tensor.Bytes([]int32{1, 2, 3})
	s, err := b.FromHost(tensor.I32, data)
	require.NoError(t, err)
	data[0] = 99

	out, err := b.ToHost(s)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, tensor.Slice[int32](out))

	_, err = b.FromHost(tensor.I32, []byte{1, 2, 3})
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestCPUBackend_ForeignStorage(t *testing.T) {
	a, b := New(), New()
	s, err := a.Alloc(tensor.F32, 2)
	require.NoError(t, err)

	_, err = b.Unary(tensor.UnaryNeg, s, tensor.Contiguous(tensor.Shape{2}))
	assert.ErrorIs(t, err, tensor.ErrDevice)
}

func TestCPUBackend_Closed(t *testing.T) {
	b := NewWithConfig(parallel.Sequential())
	s, err := b.Alloc(tensor.F32, 2)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Alloc(tensor.F32, 1)
	assert.ErrorIs(t, err, tensor.ErrDevice)
	_, err = b.Affine(s, tensor.Contiguous(tensor.Shape{2}), 1, 1)
	assert.ErrorIs(t, err, tensor.ErrDevice)
	assert.ErrorIs(t, b.Synchronize(), tensor.ErrDevice)
}

func TestCPUBackend_CopyIntoBounds(t *testing.T) {
	b := New()
	src, err := b.FromHost(tensor.F32, tensor.Bytes([]float32{1, 2}))
	require.NoError(t, err)
	dst, err := b.Alloc(tensor.F32, 3)
	require.NoError(t, err)

	err = b.CopyInto(src, tensor.Contiguous(tensor.Shape{2}), dst, tensor.ContiguousWithOffset(tensor.Shape{2}, 2))
	assert.ErrorIs(t, err, tensor.ErrIndex)

	require.NoError(t, b.CopyInto(src, tensor.Contiguous(tensor.Shape{2}), dst, tensor.ContiguousWithOffset(tensor.Shape{2}, 1)))
	assert.Equal(t, []float32{0, 1, 2}, tensor.Slice[float32](dst.Bytes()))
}
