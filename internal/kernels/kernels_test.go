package kernels

import (
	"math"
	"testing"

	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHost() *Host {
	return New(parallel.Config{Enabled: true, NumWorkers: 4, MinChunkSize: 2})
}

func f32(v ...float32) []byte { return tensor.Bytes(v) }

func TestUnary_Strided(t *testing.T) {
	h := testHost()
	// [[1,2,3],[4,5,6]] transposed to [[1,4],[2,5],[3,6]]
	l, err := tensor.Contiguous(tensor.Shape{2, 3}).Transpose(0, 1)
	require.NoError(t, err)
	out, err := h.Unary(tensor.UnaryNeg, tensor.F32, f32(1, 2, 3, 4, 5, 6), l)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, -4, -2, -5, -3, -6}, tensor.Slice[float32](out))
}

func TestUnary_Functions(t *testing.T) {
	h := testHost()
	l := tensor.Contiguous(tensor.Shape{3})
	src := f32(-1, 0, 2)

	tests := []struct {
		op   tensor.UnaryOp
		want []float64
	}{
		{tensor.UnaryExp, []float64{math.Exp(-1), 1, math.Exp(2)}},
		{tensor.UnaryAbs, []float64{1, 0, 2}},
		{tensor.UnarySign, []float64{-1, 0, 1}},
		{tensor.UnaryRelu, []float64{0, 0, 2}},
		{tensor.UnarySqr, []float64{1, 0, 4}},
		{tensor.UnarySigmoid, []float64{1 / (1 + math.E), 0.5, 1 / (1 + math.Exp(-2))}},
		{tensor.UnaryTanh, []float64{math.Tanh(-1), 0, math.Tanh(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			out, err := h.Unary(tt.op, tensor.F32, src, l)
			require.NoError(t, err)
			assert.InDeltaSlice(t, tt.want, tensor.DecodeFloat64s(tensor.F32, out), 1e-6)
		})
	}
}

func TestUnary_IntegerExact(t *testing.T) {
	h := testHost()
	src := tensor.Bytes([]int64{-3, 0, 1 << 40})
	out, err := h.Unary(tensor.UnarySqr, tensor.I64, src, tensor.Contiguous(tensor.Shape{3}))
	require.NoError(t, err)
	// 2^80 wraps to 0 in int64
	assert.Equal(t, []int64{9, 0, 0}, tensor.Slice[int64](out))

	abs, err := h.Unary(tensor.UnaryAbs, tensor.I64, src, tensor.Contiguous(tensor.Shape{3}))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 0, 1 << 40}, tensor.Slice[int64](abs))
}

func TestUnary_Half(t *testing.T) {
	h := testHost()
	src := tensor.EncodeFloat64s(tensor.F16, []float64{1, -2, 0.5})
	out, err := h.Unary(tensor.UnaryNeg, tensor.F16, src, tensor.Contiguous(tensor.Shape{3}))
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 2, -0.5}, tensor.DecodeFloat64s(tensor.F16, out))
}

func TestBinary_Broadcast(t *testing.T) {
	h := testHost()
	a := tensor.Contiguous(tensor.Shape{2, 3})
	b, err := tensor.Contiguous(tensor.Shape{3}).BroadcastAs(tensor.Shape{2, 3})
	require.NoError(t, err)

	out, err := h.Binary(tensor.BinaryAdd, tensor.F32, f32(1, 2, 3, 4, 5, 6), a, f32(10, 20, 30), b)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, tensor.Slice[float32](out))

	out, err = h.Binary(tensor.BinaryMaximum, tensor.F32, f32(1, 25, 3, 40, 5, 6), a, f32(10, 20, 30), b)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 25, 30, 40, 20, 30}, tensor.Slice[float32](out))
}

func TestBinary_IntegerDivByZero(t *testing.T) {
	h := testHost()
	l := tensor.Contiguous(tensor.Shape{2})
	_, err := h.Binary(tensor.BinaryDiv, tensor.I32, tensor.Bytes([]int32{4, 2}), l, tensor.Bytes([]int32{2, 0}), l)
	assert.ErrorIs(t, err, tensor.ErrDtype)

	out, err := h.Binary(tensor.BinaryDiv, tensor.F32, f32(1, 1), l, f32(2, 0), l)
	require.NoError(t, err)
	got := tensor.Slice[float32](out)
	assert.Equal(t, float32(0.5), got[0])
	assert.True(t, math.IsInf(float64(got[1]), 1))
}

func TestCompare(t *testing.T) {
	h := testHost()
	l := tensor.Contiguous(tensor.Shape{3})
	out, err := h.Compare(tensor.CmpLt, tensor.F32, f32(1, 2, 3), l, f32(2, 2, 2), l)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0}, out)

	out, err = h.Compare(tensor.CmpGe, tensor.F32, f32(1, 2, 3), l, f32(2, 2, 2), l)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 1}, out)
}

func TestWhere(t *testing.T) {
	h := testHost()
	l := tensor.Contiguous(tensor.Shape{4})
	out := h.Where(tensor.U8, []byte{1, 0, 0, 1}, l, tensor.F32, f32(1, 2, 3, 4), l, f32(-1, -2, -3, -4), l)
	assert.Equal(t, []float32{1, -2, -3, 4}, tensor.Slice[float32](out))
}

func TestCast(t *testing.T) {
	h := testHost()
	l := tensor.Contiguous(tensor.Shape{3})

	out := h.Cast(tensor.F32, f32(1.9, -1.9, 3), l, tensor.I32)
	assert.Equal(t, []int32{1, -1, 3}, tensor.Slice[int32](out))

	out = h.Cast(tensor.I64, tensor.Bytes([]int64{1<<40 + 5, -2, 7}), l, tensor.I64)
	assert.Equal(t, []int64{1<<40 + 5, -2, 7}, tensor.Slice[int64](out))

	out = h.Cast(tensor.U32, tensor.Bytes([]uint32{1, 2, 3}), l, tensor.I64)
	assert.Equal(t, []int64{1, 2, 3}, tensor.Slice[int64](out))

	out = h.Cast(tensor.F32, f32(1, 0.5, -2), l, tensor.BF16)
	assert.Equal(t, []float64{1, 0.5, -2}, tensor.DecodeFloat64s(tensor.BF16, out))
}

func TestCopyInto_Strided(t *testing.T) {
	h := testHost()
	dst := make([]byte, 6*4)
	dl, err := tensor.Contiguous(tensor.Shape{2, 3}).Narrow(1, 1, 2)
	require.NoError(t, err)
	sl, err := tensor.Contiguous(tensor.Shape{2, 2}).Transpose(0, 1)
	require.NoError(t, err)

	require.NoError(t, h.CopyInto(tensor.F32, f32(1, 2, 3, 4), sl, dst, dl))
	assert.Equal(t, []float32{0, 1, 3, 0, 2, 4}, tensor.Slice[float32](dst))

	err = h.CopyInto(tensor.F32, f32(1, 2), tensor.Contiguous(tensor.Shape{2}), dst, dl)
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestReduce(t *testing.T) {
	h := testHost()
	l := tensor.Contiguous(tensor.Shape{2, 3})
	src := f32(1, 5, 3, 4, 2, 6)

	out, err := h.Reduce(tensor.ReduceSum, tensor.F32, src, l, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 12}, tensor.Slice[float32](out))

	out, err = h.Reduce(tensor.ReduceMax, tensor.F32, src, l, []int{0})
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, tensor.Slice[float32](out))

	out, err = h.Reduce(tensor.ReduceMin, tensor.F32, src, l, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, tensor.Slice[float32](out))

	out, err = h.Reduce(tensor.ReduceArgMax, tensor.F32, src, l, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, tensor.Slice[uint32](out))

	_, err = h.Reduce(tensor.ReduceArgMin, tensor.F32, src, l, []int{0, 1})
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestReduce_FirstExtremeIndex(t *testing.T) {
	h := testHost()
	out, err := h.Reduce(tensor.ReduceArgMax, tensor.I32, tensor.Bytes([]int32{3, 7, 7, 1}), tensor.Contiguous(tensor.Shape{4}), []int{0})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, tensor.Slice[uint32](out))
}

func TestReduce_TransposedMatchesContiguous(t *testing.T) {
	h := testHost()
	vals := make([]float32, 12)
	for i := range vals {
		vals[i] = float32(i*i%7) - 3
	}
	src := f32(vals...)
	l := tensor.Contiguous(tensor.Shape{3, 4})
	tl, err := l.Transpose(0, 1)
	require.NoError(t, err)

	// Materialize the transpose, then reduce contiguously.
	ct := h.Cast(tensor.F32, src, tl, tensor.F32)

	a, err := h.Reduce(tensor.ReduceSum, tensor.F32, src, tl, []int{1})
	require.NoError(t, err)
	b, err := h.Reduce(tensor.ReduceSum, tensor.F32, ct, tensor.Contiguous(tensor.Shape{4, 3}), []int{1})
	require.NoError(t, err)
	assert.Equal(t, tensor.Slice[float32](b), tensor.Slice[float32](a))
}

func TestReduce_EmptyMax(t *testing.T) {
	h := testHost()
	_, err := h.Reduce(tensor.ReduceMax, tensor.F32, nil, tensor.Contiguous(tensor.Shape{2, 0}), []int{1})
	assert.ErrorIs(t, err, tensor.ErrShape)

	out, err := h.Reduce(tensor.ReduceSum, tensor.F32, nil, tensor.Contiguous(tensor.Shape{2, 0}), []int{1})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, tensor.Slice[float32](out))
}

func TestMatMul(t *testing.T) {
	h := testHost()
	a := f32(1, 2, 3, 4, 5, 6) // [2,3]
	b := f32(7, 8, 9, 10, 11, 12) // [3,2]
	out, err := h.MatMul(tensor.F32, a, tensor.Contiguous(tensor.Shape{2, 3}), b, tensor.Contiguous(tensor.Shape{3, 2}))
	require.NoError(t, err)
	assert.Equal(t, []float32{58, 64, 139, 154}, tensor.Slice[float32](out))
}

func TestMatMul_BatchedBroadcastRHS(t *testing.T) {
	h := testHost()
	a := f32(1, 0, 0, 1, 2, 0, 0, 2) // [2,2,2]
	b := f32(1, 2, 3, 4)             // [2,2] broadcast over batch
	bl, err := tensor.Contiguous(tensor.Shape{2, 2}).BroadcastAs(tensor.Shape{2, 2, 2})
	require.NoError(t, err)
	out, err := h.MatMul(tensor.F32, a, tensor.Contiguous(tensor.Shape{2, 2, 2}), b, bl)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 2, 4, 6, 8}, tensor.Slice[float32](out))
}

func TestConv2D(t *testing.T) {
	h := testHost()
	// 1x1x3x3 input, 1x1x2x2 kernel of ones.
	in := f32(1, 2, 3, 4, 5, 6, 7, 8, 9)
	k := f32(1, 1, 1, 1)
	out, err := h.Conv2D(tensor.F32, in, tensor.Contiguous(tensor.Shape{1, 1, 3, 3}), k, tensor.Contiguous(tensor.Shape{1, 1, 2, 2}), tensor.DefaultConvParams())
	require.NoError(t, err)
	assert.Equal(t, []float32{12, 16, 24, 28}, tensor.Slice[float32](out))

	p := tensor.DefaultConvParams()
	p.PadH, p.PadW = 1, 1
	p.StrideH, p.StrideW = 2, 2
	out, err = h.Conv2D(tensor.F32, in, tensor.Contiguous(tensor.Shape{1, 1, 3, 3}), k, tensor.Contiguous(tensor.Shape{1, 1, 2, 2}), p)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 5, 11, 28}, tensor.Slice[float32](out))
}

func TestIndexSelect(t *testing.T) {
	h := testHost()
	src := f32(1, 2, 3, 4, 5, 6) // [3,2]
	ids := tensor.Bytes([]uint32{2, 0, 2})
	out, err := h.IndexSelect(tensor.F32, src, tensor.Contiguous(tensor.Shape{3, 2}), tensor.U32, ids, tensor.Contiguous(tensor.Shape{3}), 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6, 1, 2, 5, 6}, tensor.Slice[float32](out))

	_, err = h.IndexSelect(tensor.F32, src, tensor.Contiguous(tensor.Shape{3, 2}), tensor.U32, tensor.Bytes([]uint32{3}), tensor.Contiguous(tensor.Shape{1}), 0)
	assert.ErrorIs(t, err, tensor.ErrIndex)
}

func TestDevice_ExecAndClose(t *testing.T) {
	var ran []string
	exec := func(kernel string, fn func() error) error {
		ran = append(ran, kernel)
		return fn()
	}
	d := NewDevice(nil, tensor.Host, "test", testHost(), nil, exec)
	_, err := d.Alloc(tensor.F32, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"alloc"}, ran)
	assert.True(t, d.MarkClosed())
	assert.False(t, d.MarkClosed())
	_, err = d.Alloc(tensor.F32, 4)
	assert.ErrorIs(t, err, tensor.ErrDevice)
}
