package kvcache

import (
	"testing"

	"github.com/born-ml/tensorcore/internal/backend/cpu"
	"github.com/born-ml/tensorcore/internal/backend/unified"
	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steps returns a [2, n] tensor whose column j holds (v+j, -(v+j)).
func steps(t *testing.T, b tensor.Backend, v float32, n int) *tensor.Tensor {
	t.Helper()
	data := make([]float32, 2*n)
	for j := range n {
		data[j] = v + float32(j)
		data[n+j] = -(v + float32(j))
	}
	x, err := tensor.FromSlice(data, tensor.Shape{2, n}, b)
	require.NoError(t, err)
	return x
}

// firstRow reads row 0 of a [2, n] tensor.
func firstRow(t *testing.T, x *tensor.Tensor) []float32 {
	t.Helper()
	require.NotNil(t, x)
	require.Equal(t, 2, x.Shape()[0])
	v, err := x.ToFloat32s()
	require.NoError(t, err)
	return v[:x.Shape()[1]]
}

func TestRotatingKeepsChronologicalOrder(t *testing.T) {
	b := cpu.New()
	c := NewRotatingCache(1, 4)
	// a..f as 1..6
	for i := 1; i <= 6; i++ {
		require.NoError(t, c.Append(steps(t, b, float32(i), 1)))
	}
	cur, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 4}, cur.Shape())
	assert.Equal(t, []float32{3, 4, 5, 6}, firstRow(t, cur))
	v, err := cur.ToFloat32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{-3, -4, -5, -6}, v[4:])
	assert.Equal(t, 4, c.Len())
	assert.Equal(t, 6, c.Offset())
}

func TestRotatingPartialAndMultiStep(t *testing.T) {
	b := cpu.New()
	c := NewRotatingCache(-1, 5)

	require.NoError(t, c.Append(steps(t, b, 1, 3)))
	cur, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, firstRow(t, cur))

	// Wraps across the end of the ring.
	require.NoError(t, c.Append(steps(t, b, 4, 4)))
	cur, err = c.Current()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4, 5, 6, 7}, firstRow(t, cur))

	// Longer than the capacity: only the last five steps survive.
	require.NoError(t, c.Append(steps(t, b, 10, 7)))
	cur, err = c.Current()
	require.NoError(t, err)
	assert.Equal(t, []float32{12, 13, 14, 15, 16}, firstRow(t, cur))
	assert.Equal(t, 14, c.Offset())

	require.NoError(t, c.Append(steps(t, b, 17, 2)))
	cur, err = c.Current()
	require.NoError(t, err)
	assert.Equal(t, []float32{14, 15, 16, 17, 18}, firstRow(t, cur))
}

func TestCurrentIsASnapshot(t *testing.T) {
	b := cpu.New()
	c := NewRotatingCache(1, 2)
	require.NoError(t, c.Append(steps(t, b, 1, 2)))
	before, err := c.Current()
	require.NoError(t, err)
	require.NoError(t, c.Append(steps(t, b, 3, 1)))
	assert.Equal(t, []float32{1, 2}, firstRow(t, before))
}

func TestAppendMode(t *testing.T) {
	b := cpu.New()
	c := NewCache(1, 0)
	cur, err := c.Current()
	require.NoError(t, err)
	assert.Nil(t, cur)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Append(steps(t, b, float32(2*i), 2)))
	}
	cur, err = c.Current()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, firstRow(t, cur))
	assert.Equal(t, 6, c.Len())

	again, err := c.Current()
	require.NoError(t, err)
	assert.Same(t, cur, again, "joined parts are kept")
}

func TestAppendModeMaxLen(t *testing.T) {
	b := cpu.New()
	c := NewCache(1, 3)
	require.NoError(t, c.Append(steps(t, b, 0, 2)))
	err := c.Append(steps(t, b, 2, 2))
	require.ErrorIs(t, err, tensor.ErrIndex)
	assert.Equal(t, 2, c.Len())
	require.NoError(t, c.Append(steps(t, b, 2, 1)))
	assert.Equal(t, 3, c.Len())
}

func TestFirstFailedAppendLeavesCacheEmpty(t *testing.T) {
	b := cpu.New()
	c := NewCache(1, 1)
	require.ErrorIs(t, c.Append(steps(t, b, 0, 2)), tensor.ErrIndex)
	assert.Zero(t, c.Len())

	other, err := tensor.Zeros(tensor.Shape{3, 1}, tensor.F64, b)
	require.NoError(t, err)
	require.NoError(t, c.Append(other), "no template survives the failed append")
}

func TestMismatchedSlices(t *testing.T) {
	b := cpu.New()
	for _, c := range []*Cache{NewCache(1, 0), NewRotatingCache(1, 4)} {
		t.Run(c.Mode().String(), func(t *testing.T) {
			require.NoError(t, c.Append(steps(t, b, 0, 1)))

			wide, err := tensor.Zeros(tensor.Shape{3, 1}, tensor.F32, b)
			require.NoError(t, err)
			assert.ErrorIs(t, c.Append(wide), tensor.ErrShape)

			f64, err := tensor.Zeros(tensor.Shape{2, 1}, tensor.F64, b)
			require.NoError(t, err)
			assert.ErrorIs(t, c.Append(f64), tensor.ErrDtype)

			elsewhere := steps(t, cpu.New(), 0, 1)
			assert.ErrorIs(t, c.Append(elsewhere), tensor.ErrDevice)

			assert.Equal(t, 1, c.Len())
		})
	}
}

func TestReset(t *testing.T) {
	b := cpu.New()
	c := NewRotatingCache(1, 3)
	require.NoError(t, c.Append(steps(t, b, 0, 5)))
	c.Reset()
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Offset())
	cur, err := c.Current()
	require.NoError(t, err)
	assert.Nil(t, cur)

	// A different slice shape is accepted after Reset.
	x, err := tensor.Zeros(tensor.Shape{4, 2}, tensor.F32, b)
	require.NoError(t, err)
	require.NoError(t, c.Append(x))
	cur, err = c.Current()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 2}, cur.Shape())
}

func TestRotatingOnUnified(t *testing.T) {
	ctx, err := unified.NewContext(unified.DefaultOptions())
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	c := NewRotatingCache(1, 3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, c.Append(steps(t, ctx, float32(i), 1)))
	}
	cur, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, tensor.Unified, cur.Device())
	assert.Equal(t, []float32{3, 4, 5}, firstRow(t, cur))
}

func TestKVCachePair(t *testing.T) {
	b := cpu.New()
	kv := NewRotatingKVCache(1, 2)
	k, v, err := kv.Append(steps(t, b, 1, 1), steps(t, b, 10, 1))
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, firstRow(t, k))
	assert.Equal(t, []float32{10}, firstRow(t, v))

	_, _, err = kv.Append(steps(t, b, 2, 1), steps(t, b, 11, 1))
	require.NoError(t, err)
	k, v, err = kv.Append(steps(t, b, 3, 1), steps(t, b, 12, 1))
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3}, firstRow(t, k))
	assert.Equal(t, []float32{11, 12}, firstRow(t, v))
	assert.Equal(t, 2, kv.Len())
	assert.Equal(t, 3, kv.Offset())

	_, _, err = kv.Append(steps(t, b, 4, 2), steps(t, b, 13, 1))
	require.ErrorIs(t, err, tensor.ErrShape)
	assert.Equal(t, 3, kv.K().Offset())
	assert.Equal(t, 3, kv.V().Offset(), "keys and values stay in step")

	kv.Reset()
	k, v, err = kv.Current()
	require.NoError(t, err)
	assert.Nil(t, k)
	assert.Nil(t, v)
}

func TestKVCacheOverflowLeavesBothUntouched(t *testing.T) {
	b := cpu.New()
	kv := NewKVCache(1, 2)
	_, _, err := kv.Append(steps(t, b, 1, 2), steps(t, b, 1, 2))
	require.NoError(t, err)
	_, _, err = kv.Append(steps(t, b, 3, 1), steps(t, b, 3, 1))
	require.ErrorIs(t, err, tensor.ErrIndex)
	assert.Equal(t, 2, kv.K().Len())
	assert.Equal(t, 2, kv.V().Len())
}

func TestNewRotatingCachePanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRotatingCache(0, 0) })
}

func TestKVCacheRejectedFirstAppendKeepsNoTemplate(t *testing.T) {
	b := cpu.New()
	kv := NewKVCache(1, 2)
	_, _, err := kv.Append(steps(t, b, 0, 3), steps(t, b, 0, 3))
	require.ErrorIs(t, err, tensor.ErrIndex)
	assert.Zero(t, kv.Len())

	k, err := tensor.Zeros(tensor.Shape{4, 1}, tensor.F64, b)
	require.NoError(t, err)
	keys, values, err := kv.Append(k, steps(t, b, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 1}, keys.Shape())
	assert.Equal(t, tensor.F64, keys.DType())
	assert.Equal(t, tensor.Shape{2, 1}, values.Shape())
}

func TestRotatingCurrentIsUntracked(t *testing.T) {
	b := cpu.New()
	x, err := tensor.NewVar(steps(t, b, 1, 2))
	require.NoError(t, err)
	c := NewRotatingCache(1, 4)
	require.NoError(t, c.Append(x))
	cur, err := c.Current()
	require.NoError(t, err)
	assert.False(t, cur.IsVar())
	assert.False(t, cur.Tracked())
}
