//go:build windows

package webgpu

import (
	"testing"

	"github.com/born-ml/tensorcore/internal/backend/cpu"
	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDevice(t *testing.T) *Backend {
	t.Helper()
	b, err := New(DefaultOptions())
	if err != nil {
		t.Skipf("webgpu unavailable: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// pair uploads the same values to the device and the host.
func pair(t *testing.T, g *Backend, data []float32, shape tensor.Shape) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	dev, err := tensor.FromSlice(data, shape, g)
	require.NoError(t, err)
	host, err := tensor.FromSlice(data, shape, cpu.New())
	require.NoError(t, err)
	return dev, host
}

func values(t *testing.T, x *tensor.Tensor, err error) []float32 {
	t.Helper()
	require.NoError(t, err)
	v, err := x.ToFloat32s()
	require.NoError(t, err)
	return v
}

func TestRoundTrip(t *testing.T) {
	g := openDevice(t)
	x, err := tensor.FromSlice([]uint8{1, 2, 3}, tensor.Shape{3}, g)
	require.NoError(t, err)
	got, err := tensor.ToSlice[uint8](x)
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2, 3}, got)

	_, err = tensor.Zeros(tensor.Shape{2}, tensor.F64, g)
	assert.ErrorIs(t, err, tensor.ErrDtype)
}

func TestUnaryMatchesHost(t *testing.T) {
	g := openDevice(t)
	data := []float32{-2, -0.5, 0, 0.5, 1, 3}
	dev, host := pair(t, g, data, tensor.Shape{2, 3})
	for _, op := range []func(*tensor.Tensor) (*tensor.Tensor, error){
		(*tensor.Tensor).Neg, (*tensor.Tensor).Exp, (*tensor.Tensor).Tanh,
		(*tensor.Tensor).Sigmoid, (*tensor.Tensor).Relu, (*tensor.Tensor).Gelu,
	} {
		d, err := op(dev)
		want, herr := op(host)
		assert.InDeltaSlice(t, values(t, want, herr), values(t, d, err), 1e-4)
	}
}

func TestStridedBinaryAndCompare(t *testing.T) {
	g := openDevice(t)
	a, ah := pair(t, g, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	b, bh := pair(t, g, []float32{10, 20, 30}, tensor.Shape{3, 1})
	at, err := a.T()
	require.NoError(t, err)
	aht, err := ah.T()
	require.NoError(t, err)

	sum, err := at.Add(b)
	want, herr := aht.Add(bh)
	assert.Equal(t, values(t, want, herr), values(t, sum, err))

	gt, err := at.Gt(b)
	require.NoError(t, err)
	assert.Equal(t, tensor.U8, gt.DType())
	flags, err := tensor.ToSlice[uint8](gt)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 0, 0, 0, 0, 0}, flags)
}

func TestMatMulMatchesHost(t *testing.T) {
	g := openDevice(t)
	lhs := make([]float32, 2*3*5)
	rhs := make([]float32, 2*5*4)
	for i := range lhs {
		lhs[i] = float32(i%7) - 3
	}
	for i := range rhs {
		rhs[i] = float32(i%5) * 0.5
	}
	a, ah := pair(t, g, lhs, tensor.Shape{2, 3, 5})
	b, bh := pair(t, g, rhs, tensor.Shape{2, 5, 4})
	got, err := a.MatMul(b)
	want, herr := ah.MatMul(bh)
	assert.InDeltaSlice(t, values(t, want, herr), values(t, got, err), 1e-4)
}

func TestHostFallbacks(t *testing.T) {
	g := openDevice(t)
	dev, host := pair(t, g, []float32{-2, 1, 3, 0}, tensor.Shape{2, 2})

	s, err := dev.Sum(1)
	hs, herr := host.Sum(1)
	assert.Equal(t, values(t, hs, herr), values(t, s, err))

	p, err := dev.Powf(2)
	hp, herr := host.Powf(2)
	assert.Equal(t, values(t, hp, herr), values(t, p, err))

	idx, err := dev.ArgMax(1)
	require.NoError(t, err)
	assert.Equal(t, tensor.U32, idx.DType())
}

func TestCopyIntoKeepsDestination(t *testing.T) {
	g := openDevice(t)
	zeros, err := tensor.Zeros(tensor.Shape{2, 4}, tensor.F32, g)
	require.NoError(t, err)
	dst, err := tensor.NewVar(zeros)
	require.NoError(t, err)
	src, _ := pair(t, g, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	require.NoError(t, src.CopyInto(dst, 1, 2))
	assert.Equal(t, []float32{0, 0, 1, 2, 0, 0, 3, 4}, values(t, dst, nil))
}

func TestClosedDevice(t *testing.T) {
	b, err := New(DefaultOptions())
	if err != nil {
		t.Skipf("webgpu unavailable: %v", err)
	}
	x, err := tensor.Ones(tensor.Shape{2}, tensor.F32, b)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	_, err = x.Exp()
	assert.ErrorIs(t, err, tensor.ErrDevice)
	assert.ErrorIs(t, b.Close(), tensor.ErrDevice)
}
