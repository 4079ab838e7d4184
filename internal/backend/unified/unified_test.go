package unified

import (
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/born-ml/tensorcore/internal/backend/cpu"
	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	opts := DefaultOptions()
	opts.SlabBytes = 1 << 12
	c, err := NewContext(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSizeClass(t *testing.T) {
	assert.Equal(t, 64, sizeClass(1))
	assert.Equal(t, 64, sizeClass(64))
	assert.Equal(t, 128, sizeClass(65))
	assert.Equal(t, 4096, sizeClass(4000))
}

func TestAllocator_ReuseIsZeroed(t *testing.T) {
	a := NewAllocator(1 << 12)
	buf := a.Alloc(100)
	require.Len(t, buf, 100)
	assert.Equal(t, 128, cap(buf))
	assert.Zero(t, uintptr(unsafe.Pointer(&buf[0]))%minClassBytes)
	for i := range buf {
		buf[i] = 0xFF
	}
	a.Free(buf)

	again := a.Alloc(90)
	assert.Equal(t, uint64(1), a.Stats().Reuses)
	for _, v := range again {
		assert.Zero(t, v)
	}
}

func TestAllocator_Dedicated(t *testing.T) {
	a := NewAllocator(1 << 10)
	big := a.Alloc(5000)
	assert.Len(t, big, 5000)
	st := a.Stats()
	assert.Equal(t, uint64(1), st.Dedicated)
	assert.Zero(t, st.Slabs)
	a.Free(big)
	assert.Zero(t, a.Stats().FreeBlocks)
	assert.Zero(t, a.Stats().LiveBytes)
}

func TestAllocator_ConcurrentBlocksDisjoint(t *testing.T) {
	a := NewAllocator(1 << 12)
	const workers, per = 8, 50
	bufs := make([][][]byte, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				b := a.Alloc(64)
				b[0] = byte(w)
				bufs[w] = append(bufs[w], b)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uintptr]bool)
	for w := range bufs {
		for _, b := range bufs[w] {
			p := uintptr(unsafe.Pointer(&b[0]))
			require.False(t, seen[p], "block handed out twice")
			seen[p] = true
			assert.Equal(t, byte(w), b[0])
		}
	}
	assert.Equal(t, uint64(workers*per), a.Stats().Allocs)
}

func TestContext_BasicOps(t *testing.T) {
	c := newTestContext(t)
	assert.Equal(t, tensor.Unified, c.Kind())

	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, c)
	require.NoError(t, err)
	xt, err := x.T()
	require.NoError(t, err)
	y, err := xt.MatMul(x)
	require.NoError(t, err)
	got, err := tensor.ToSlice[float32](y)
	require.NoError(t, err)
	assert.Equal(t, []float32{17, 22, 27, 22, 29, 36, 27, 36, 45}, got)
	require.NoError(t, c.Synchronize())
	assert.Positive(t, c.Stats().Allocs)
}

func TestContext_ReductionsAgreeWithCPU(t *testing.T) {
	c := newTestContext(t)
	h := cpu.NewWithConfig(parallel.Sequential())

	data := make([]float32, 4*5*6)
	for i := range data {
		data[i] = float32((i*37)%23) - 11.5
	}
	shape := tensor.Shape{4, 5, 6}
	xc, err := tensor.FromSlice(data, shape, c)
	require.NoError(t, err)
	xh, err := tensor.FromSlice(data, shape, h)
	require.NoError(t, err)

	for _, axes := range [][]int{{0}, {1}, {2}, {0, 2}, nil} {
		sc, err := xc.Sum(axes...)
		require.NoError(t, err)
		sh, err := xh.Sum(axes...)
		require.NoError(t, err)
		vc, err := sc.ToFloat64s()
		require.NoError(t, err)
		vh, err := sh.ToFloat64s()
		require.NoError(t, err)
		assert.InDeltaSlice(t, vh, vc, 1e-4, "axes %v", axes)

		mc, err := xc.Max(axes...)
		require.NoError(t, err)
		mh, err := xh.Max(axes...)
		require.NoError(t, err)
		wc, _ := mc.ToFloat64s()
		wh, _ := mh.ToFloat64s()
		assert.Equal(t, wh, wc, "axes %v", axes)
	}

	vc, err := xc.Var(1)
	require.NoError(t, err)
	vh, err := xh.Var(1)
	require.NoError(t, err)
	a, _ := vc.ToFloat64s()
	b, _ := vh.ToFloat64s()
	assert.InDeltaSlice(t, b, a, 1e-4)
}

func TestContext_TemporariesSurviveCollection(t *testing.T) {
	c := newTestContext(t)
	for i := 0; i < 32; i++ {
		x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, c)
		require.NoError(t, err)
		xt, err := x.T()
		require.NoError(t, err)
		raw, err := xt.ContiguousBytes()
		require.NoError(t, err)
		e, err := xt.Exp()
		require.NoError(t, err)
		l, err := e.Log()
		require.NoError(t, err)
		runtime.GC()
		_, err = tensor.Full(tensor.Shape{2, 3}, 9, tensor.F32, c)
		require.NoError(t, err)

		back, err := tensor.FromBytes(raw, tensor.Shape{3, 2}, tensor.F32, c)
		require.NoError(t, err)
		got, err := tensor.ToSlice[float32](back)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got)
		vals, err := l.ToFloat64s()
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{1, 4, 2, 5, 3, 6}, vals, 1e-5)
	}
}

func TestContext_ConcurrentSubmit(t *testing.T) {
	c := newTestContext(t)
	var order []int
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.stream.submit("noop", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()
	assert.Len(t, order, 20)
}

func TestContext_ClosedFails(t *testing.T) {
	opts := DefaultOptions()
	c, err := NewContext(opts)
	require.NoError(t, err)
	x, err := tensor.Ones(tensor.Shape{3}, tensor.F32, c)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = x.Exp()
	assert.ErrorIs(t, err, tensor.ErrDevice)
	assert.ErrorIs(t, c.Synchronize(), tensor.ErrDevice)

	// storage written before Close stays readable
	vals, err := x.ToFloat64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1}, vals)
}

func TestContext_Independent(t *testing.T) {
	a := newTestContext(t)
	b := newTestContext(t)
	assert.NotEqual(t, a.Name(), b.Name())

	x, err := tensor.Ones(tensor.Shape{2}, tensor.F32, a)
	require.NoError(t, err)
	y, err := tensor.Ones(tensor.Shape{2}, tensor.F32, b)
	require.NoError(t, err)
	_, err = x.Add(y)
	assert.ErrorIs(t, err, tensor.ErrDevice)
}

func TestNewContext_InvalidSlab(t *testing.T) {
	_, err := NewContext(Options{SlabBytes: 1000})
	assert.ErrorIs(t, err, tensor.ErrDevice)
}
