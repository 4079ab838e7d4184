package autograd

import (
	"math/rand/v2"
	"testing"

	"github.com/born-ml/tensorcore/internal/backend/cpu"
	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(t *testing.T, b tensor.Backend, shape tensor.Shape, v ...float64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(v, shape, b)
	require.NoError(t, err)
	return x
}

func variable(t *testing.T, b tensor.Backend, shape tensor.Shape, v ...float64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.NewVar(f64(t, b, shape, v...))
	require.NoError(t, err)
	return x
}

func gradOf(t *testing.T, s *GradStore, x *tensor.Tensor) []float64 {
	t.Helper()
	g, ok := s.Get(x)
	require.True(t, ok, "missing gradient for %v", x.Shape())
	require.True(t, g.Shape().Equal(x.Shape()))
	v, err := g.ToFloat64s()
	require.NoError(t, err)
	return v
}

func randVals(r *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = r.Float64()*2 - 1
	}
	return v
}

// numericGrad estimates d loss / d x by central differences.
func numericGrad(t *testing.T, loss func(x []float64) float64, x0 []float64) []float64 {
	t.Helper()
	const eps = 1e-6
	out := make([]float64, len(x0))
	x := append([]float64(nil), x0...)
	for i := range x {
		x[i] = x0[i] + eps
		hi := loss(x)
		x[i] = x0[i] - eps
		lo := loss(x)
		x[i] = x0[i]
		out[i] = (hi - lo) / (2 * eps)
	}
	return out
}

func scalar(t *testing.T, x *tensor.Tensor) float64 {
	t.Helper()
	v, err := x.Float64()
	require.NoError(t, err)
	return v
}

func TestRegistryCoversEveryOp(t *testing.T) {
	for _, name := range tensor.OpNames() {
		assert.True(t, HasRule(name) || nonDifferentiable[name], name)
	}
}

func TestBackward_Square(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{}, 3)
	y, err := x.Mul(x)
	require.NoError(t, err)

	grads, err := Backward(y)
	require.NoError(t, err)
	assert.Equal(t, []float64{6}, gradOf(t, grads, x))
}

func TestBackward_SharedInputAccumulates(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{2}, 1, 5)
	y, err := x.Add(x)
	require.NoError(t, err)
	z, err := y.SumAll()
	require.NoError(t, err)

	grads, err := Backward(z)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, gradOf(t, grads, x))
}

func TestBackward_UntrackedIsEmpty(t *testing.T) {
	b := cpu.New()
	x := f64(t, b, tensor.Shape{2}, 1, 2)
	y, err := x.Exp()
	require.NoError(t, err)

	grads, err := Backward(y)
	require.NoError(t, err)
	assert.Zero(t, grads.Len())
}

func TestBackward_SeedMismatch(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{2}, 1, 2)
	y, err := x.Exp()
	require.NoError(t, err)

	seed := f64(t, b, tensor.Shape{3}, 1, 1, 1)
	grads, err := BackwardWithSeed(y, seed)
	assert.ErrorIs(t, err, tensor.ErrShape)
	assert.Nil(t, grads)

	seed32, err := tensor.Ones(tensor.Shape{2}, tensor.F32, b)
	require.NoError(t, err)
	grads, err = BackwardWithSeed(y, seed32)
	assert.ErrorIs(t, err, tensor.ErrDtype)
	assert.Nil(t, grads)
}

func TestBackward_BroadcastReducesToInputShape(t *testing.T) {
	b := cpu.New()
	a := variable(t, b, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	bias := variable(t, b, tensor.Shape{3}, 10, 20, 30)
	y, err := a.Mul(bias)
	require.NoError(t, err)
	loss, err := y.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30, 10, 20, 30}, gradOf(t, grads, a))
	assert.Equal(t, []float64{5, 7, 9}, gradOf(t, grads, bias))
}

func TestBackward_MatMul(t *testing.T) {
	b := cpu.New()
	a := variable(t, b, tensor.Shape{2, 2}, 1, 2, 3, 4)
	w := variable(t, b, tensor.Shape{2, 1}, 5, 6)
	y, err := a.MatMul(w)
	require.NoError(t, err)
	loss, err := y.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6, 5, 6}, gradOf(t, grads, a))
	assert.Equal(t, []float64{4, 6}, gradOf(t, grads, w))
}

func TestBackward_BatchedMatMulBroadcastRHS(t *testing.T) {
	b := cpu.New()
	a := variable(t, b, tensor.Shape{2, 1, 2}, 1, 2, 3, 4)
	w := variable(t, b, tensor.Shape{2, 1}, 1, 1)
	y, err := a.MatMul(w)
	require.NoError(t, err)
	loss, err := y.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6}, gradOf(t, grads, w))
}

func TestBackward_MaxRoutesToArgmax(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{2, 3}, 1, 7, 3, 9, 2, 9)
	y, err := x.Max(1)
	require.NoError(t, err)
	loss, err := y.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	// ties share the gradient
	assert.Equal(t, []float64{0, 1, 0, 1, 0, 1}, gradOf(t, grads, x))
}

func TestBackward_Layout(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	w := f64(t, b, tensor.Shape{3, 2}, 1, 2, 3, 4, 5, 6)

	tr, err := x.T()
	require.NoError(t, err)
	y, err := tr.Mul(w)
	require.NoError(t, err)
	loss, err := y.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	// d/dx[i,j] = w[j,i]
	assert.Equal(t, []float64{1, 3, 5, 2, 4, 6}, gradOf(t, grads, x))
}

func TestBackward_NarrowCatPad(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{4}, 1, 2, 3, 4)
	y := variable(t, b, tensor.Shape{2}, 5, 6)

	n, err := x.Narrow(0, 1, 2)
	require.NoError(t, err)
	c, err := tensor.Cat([]*tensor.Tensor{n, y}, 0)
	require.NoError(t, err)
	p, err := c.PadZeros(0, 1, 1)
	require.NoError(t, err)
	weights := f64(t, b, tensor.Shape{6}, 100, 1, 2, 3, 4, 100)
	z, err := p.Mul(weights)
	require.NoError(t, err)
	loss, err := z.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2, 0}, gradOf(t, grads, x))
	assert.Equal(t, []float64{3, 4}, gradOf(t, grads, y))
}

func TestBackward_FlipPermuteReshape(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{2, 3}, 0, 1, 2, 3, 4, 5)
	f, err := x.Flip(1)
	require.NoError(t, err)
	p, err := f.Permute(1, 0)
	require.NoError(t, err)
	c, err := p.Contiguous()
	require.NoError(t, err)
	r, err := c.Reshape(tensor.Shape{6})
	require.NoError(t, err)
	w := f64(t, b, tensor.Shape{6}, 1, 2, 3, 4, 5, 6)
	z, err := r.Mul(w)
	require.NoError(t, err)
	loss, err := z.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	// r = [x02 x12 x01 x11 x00 x10]
	assert.Equal(t, []float64{5, 3, 1, 6, 4, 2}, gradOf(t, grads, x))
}

func TestBackward_IndexSelect(t *testing.T) {
	b := cpu.New()
	emb := variable(t, b, tensor.Shape{3, 2}, 1, 2, 3, 4, 5, 6)
	ids, err := tensor.FromSlice([]int64{2, 0, 2}, tensor.Shape{3}, b)
	require.NoError(t, err)
	rows, err := emb.IndexSelect(ids, 0)
	require.NoError(t, err)
	loss, err := rows.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 0, 0, 2, 2}, gradOf(t, grads, emb))
	_, ok := grads.Get(ids)
	assert.False(t, ok)
}

func TestBackward_IndexSelectLastDim(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	ids, err := tensor.FromSlice([]uint32{1, 1}, tensor.Shape{2}, b)
	require.NoError(t, err)
	cols, err := x.IndexSelect(ids, 1)
	require.NoError(t, err)
	loss, err := cols.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2, 0, 0, 2, 0}, gradOf(t, grads, x))
}

func TestBackward_Where(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{3}, -1, 2, -3)
	zero, err := tensor.ZerosLike(x)
	require.NoError(t, err)
	cond, err := x.Gt(zero)
	require.NoError(t, err)
	neg, err := x.Affine(-2, 0)
	require.NoError(t, err)
	y, err := tensor.Where(cond, x, neg)
	require.NoError(t, err)
	loss, err := y.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	assert.Equal(t, []float64{-2, 1, -2}, gradOf(t, grads, x))
}

func TestBackward_UnaryMatchesNumeric(t *testing.T) {
	b := cpu.New()
	x0 := []float64{-1.3, -0.4, 0.2, 0.9, 1.7}
	w := f64(t, b, tensor.Shape{5}, 1, -2, 3, 0.5, 2)
	cases := map[string]func(*tensor.Tensor) (*tensor.Tensor, error){
		"tanh":    (*tensor.Tensor).Tanh,
		"sigmoid": (*tensor.Tensor).Sigmoid,
		"silu":    (*tensor.Tensor).Silu,
		"gelu":    (*tensor.Tensor).Gelu,
		"sin":     (*tensor.Tensor).Sin,
		"cos":     (*tensor.Tensor).Cos,
		"exp":     (*tensor.Tensor).Exp,
		"abs":     (*tensor.Tensor).Abs,
		"softmax": func(x *tensor.Tensor) (*tensor.Tensor, error) {
			s, err := x.Softmax(0)
			if err != nil {
				return nil, err
			}
			return s.Mul(w)
		},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			loss := func(v []float64) float64 {
				y, err := f(f64(t, b, tensor.Shape{5}, v...))
				require.NoError(t, err)
				s, err := y.SumAll()
				require.NoError(t, err)
				return scalar(t, s)
			}
			x := variable(t, b, tensor.Shape{5}, x0...)
			y, err := f(x)
			require.NoError(t, err)
			s, err := y.SumAll()
			require.NoError(t, err)
			grads, err := Backward(s)
			require.NoError(t, err)
			assert.InDeltaSlice(t, numericGrad(t, loss, x0), gradOf(t, grads, x), 1e-5)
		})
	}
}

func TestBackward_Conv2DMatchesNumeric(t *testing.T) {
	b := cpu.New()
	r := rand.New(rand.NewPCG(1, 2))
	params := []tensor.ConvParams{
		{StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1},
		{PadH: 1, PadW: 1, StrideH: 2, StrideW: 2, DilationH: 1, DilationW: 1},
		{PadH: 2, PadW: 0, StrideH: 1, StrideW: 2, DilationH: 2, DilationW: 1},
	}
	xs := tensor.Shape{2, 2, 5, 6}
	ks := tensor.Shape{3, 2, 3, 2}
	x0 := randVals(r, xs.NumElements())
	k0 := randVals(r, ks.NumElements())

	for _, p := range params {
		t.Run(p.String(), func(t *testing.T) {
			outShape, err := p.OutputShape(xs, ks)
			require.NoError(t, err)
			w := f64(t, b, outShape, randVals(r, outShape.NumElements())...)

			forward := func(x, k *tensor.Tensor) *tensor.Tensor {
				y, err := x.Conv2D(k, p)
				require.NoError(t, err)
				z, err := y.Mul(w)
				require.NoError(t, err)
				s, err := z.SumAll()
				require.NoError(t, err)
				return s
			}
			x := variable(t, b, xs, x0...)
			k := variable(t, b, ks, k0...)
			grads, err := Backward(forward(x, k))
			require.NoError(t, err)

			wantX := numericGrad(t, func(v []float64) float64 {
				return scalar(t, forward(f64(t, b, xs, v...), f64(t, b, ks, k0...)))
			}, x0)
			wantK := numericGrad(t, func(v []float64) float64 {
				return scalar(t, forward(f64(t, b, xs, x0...), f64(t, b, ks, v...)))
			}, k0)
			assert.InDeltaSlice(t, wantX, gradOf(t, grads, x), 1e-5)
			assert.InDeltaSlice(t, wantK, gradOf(t, grads, k), 1e-5)
		})
	}
}

func TestBackward_DivAndPowf(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{2}, 2, 4)
	y := variable(t, b, tensor.Shape{2}, 4, 8)
	q, err := x.Div(y)
	require.NoError(t, err)
	p, err := x.Powf(3)
	require.NoError(t, err)
	s, err := q.Add(p)
	require.NoError(t, err)
	loss, err := s.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.0/4 + 12, 1.0/8 + 48}, gradOf(t, grads, x), 1e-12)
	assert.InDeltaSlice(t, []float64{-2.0 / 16, -4.0 / 64}, gradOf(t, grads, y), 1e-12)
}

func TestBackward_CastRoundTrip(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{2}, 1.5, -2)
	h, err := x.ToDType(tensor.F32)
	require.NoError(t, err)
	sq, err := h.Sqr()
	require.NoError(t, err)
	loss, err := sq.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	g, ok := grads.Get(x)
	require.True(t, ok)
	assert.Equal(t, tensor.F64, g.DType())
	assert.InDeltaSlice(t, []float64{3, -4}, gradOf(t, grads, x), 1e-6)
}

type scaleOp struct{ by float64 }

func (s scaleOp) Name() string { return "scale" }

func (s scaleOp) Forward(in ...*tensor.Tensor) (*tensor.Tensor, error) {
	return in[0].Affine(s.by, 0)
}

func (s scaleOp) Backward(_ []*tensor.Tensor, _, grad *tensor.Tensor) ([]*tensor.Tensor, error) {
	dx, err := grad.Affine(s.by, 0)
	return []*tensor.Tensor{dx}, err
}

func TestBackward_CustomOp(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{3}, 1, 2, 3)
	y, err := tensor.ApplyCustom(scaleOp{by: 4}, x)
	require.NoError(t, err)
	sq, err := y.Sqr()
	require.NoError(t, err)
	loss, err := sq.SumAll()
	require.NoError(t, err)

	grads, err := Backward(loss)
	require.NoError(t, err)
	// d/dx (4x)^2 = 32x
	assert.Equal(t, []float64{32, 64, 96}, gradOf(t, grads, x))
}

type badGradOp struct{ scaleOp }

func (badGradOp) Backward(_ []*tensor.Tensor, _, _ *tensor.Tensor) ([]*tensor.Tensor, error) {
	return nil, nil
}

func TestBackward_CustomOpWrongGradCount(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{1}, 1)
	y, err := tensor.ApplyCustom(badGradOp{scaleOp{by: 2}}, x)
	require.NoError(t, err)

	grads, err := Backward(y)
	require.Error(t, err)
	assert.Nil(t, grads)
}

func TestBackward_DeepChain(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, tensor.Shape{}, 1)
	y := x
	var err error
	for range 5000 {
		y, err = y.Affine(1, 0.001)
		require.NoError(t, err)
	}
	grads, err := Backward(y)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, gradOf(t, grads, x))
}

func TestGradStore(t *testing.T) {
	b := cpu.New()
	x := f64(t, b, tensor.Shape{1}, 1)
	y := f64(t, b, tensor.Shape{1}, 2)
	s := NewGradStore()
	s.Insert(y, x)
	s.Insert(x, y)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []tensor.TensorID{x.ID(), y.ID()}, s.IDs())

	g, ok := s.Remove(x)
	require.True(t, ok)
	assert.Same(t, y, g)
	_, ok = s.Get(x)
	assert.False(t, ok)

	require.NoError(t, s.accumulate(y.ID(), x))
	assert.Equal(t, []float64{2}, gradOf(t, s, y))
	_, ok = s.GetID(x.ID())
	assert.False(t, ok)
}
