package autograd

import (
	"github.com/born-ml/tensorcore/internal/tensor"
)

func one(t *tensor.Tensor, err error) ([]*tensor.Tensor, error) {
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{t}, nil
}

func identityGrad(_ *tensor.OpRecord, _ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{g}, nil
}

func reshapeGrad(rec *tensor.OpRecord, _ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	c, err := g.Contiguous()
	if err != nil {
		return nil, err
	}
	return one(c.Reshape(rec.SrcShape))
}

func broadcastGrad(rec *tensor.OpRecord, _ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	return one(sumToShape(g, rec.SrcShape))
}

func transposeGrad(rec *tensor.OpRecord, _ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	return one(g.Transpose(rec.Dims[0], rec.Dims[1]))
}

func permuteGrad(rec *tensor.OpRecord, _ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	inv := make([]int, len(rec.Dims))
	for i, d := range rec.Dims {
		inv[d] = i
	}
	return one(g.Permute(inv...))
}

func narrowGrad(rec *tensor.OpRecord, _ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	dim := rec.Dims[0]
	right := rec.SrcShape[dim] - rec.Start - rec.Length
	return one(g.PadZeros(dim, rec.Start, right))
}

func flipGrad(rec *tensor.OpRecord, _ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	return one(g.Flip(rec.Dims[0]))
}

func padGrad(rec *tensor.OpRecord, in []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	dim := rec.Dims[0]
	return one(g.Narrow(dim, rec.Pad[0], in[0].Shape()[dim]))
}

func catGrad(rec *tensor.OpRecord, in []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	dim := rec.Dims[0]
	grads := make([]*tensor.Tensor, len(in))
	start := 0
	for i, x := range in {
		n := x.Shape()[dim]
		part, err := g.Narrow(dim, start, n)
		if err != nil {
			return nil, err
		}
		grads[i] = part
		start += n
	}
	return grads, nil
}

func castGrad(rec *tensor.OpRecord, _ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	return one(g.ToDType(rec.SrcDType))
}

func toDeviceGrad(rec *tensor.OpRecord, _ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	return one(g.ToDevice(rec.Src))
}

func whereGrad(_ *tensor.OpRecord, in []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	cond, onTrue, onFalse := in[0], in[1], in[2]
	zero, err := tensor.ZerosLike(g)
	if err != nil {
		return nil, err
	}
	dt, err := tensor.Where(cond, g, zero)
	if err != nil {
		return nil, err
	}
	df, err := tensor.Where(cond, zero, g)
	if err != nil {
		return nil, err
	}
	if dt, err = sumToShape(dt, onTrue.Shape()); err != nil {
		return nil, err
	}
	if df, err = sumToShape(df, onFalse.Shape()); err != nil {
		return nil, err
	}
	return []*tensor.Tensor{nil, dt, df}, nil
}

// indexSelectGrad scatters g back with a one-hot matmul:
// onehot[i, j] = ids[i] == j, and dx = g @ onehot along dim.
func indexSelectGrad(rec *tensor.OpRecord, in []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	x, ids := in[0], in[1]
	dim := rec.Dims[0]
	n := x.Shape()[dim]

	var c calc
	col := c.un(func() (*tensor.Tensor, error) { return ids.Unsqueeze(1) })
	rng := c.un(func() (*tensor.Tensor, error) {
		return tensor.Arange(0, float64(n), 1, ids.DType(), ids.Backend())
	})
	hot := c.bin(col.Eq, rng)
	hot = c.un(func() (*tensor.Tensor, error) { return hot.ToDType(g.DType()) })

	gm := c.un(func() (*tensor.Tensor, error) { return g.Transpose(dim, -1) })
	vector := g.Rank() == 1
	if vector {
		gm = c.un(func() (*tensor.Tensor, error) { return gm.Unsqueeze(0) })
	}
	dx := c.bin(gm.MatMul, hot)
	if vector {
		dx = c.un(func() (*tensor.Tensor, error) { return dx.Squeeze(0) })
	}
	dx = c.un(func() (*tensor.Tensor, error) { return dx.Transpose(dim, -1) })
	if c.err != nil {
		return nil, c.err
	}
	return []*tensor.Tensor{dx, nil}, nil
}

// matmulGrad: da = g @ bᵀ, db = aᵀ @ g, summed over broadcast batch dims.
func matmulGrad(_ *tensor.OpRecord, in []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	a, b := in[0], in[1]
	var c calc
	bt := c.un(func() (*tensor.Tensor, error) { return b.Transpose(-2, -1) })
	at := c.un(func() (*tensor.Tensor, error) { return a.Transpose(-2, -1) })
	da := c.bin(g.MatMul, bt)
	db := c.bin(at.MatMul, g)
	if c.err != nil {
		return nil, c.err
	}
	da, err := sumToShape(da, a.Shape())
	if err != nil {
		return nil, err
	}
	db, err = sumToShape(db, b.Shape())
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{da, db}, nil
}

func conv2dGrad(rec *tensor.OpRecord, in []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	x, k := in[0], in[1]
	dx, err := conv2dInputGrad(x.Shape(), k, g, rec.Conv)
	if err != nil {
		return nil, err
	}
	dk, err := conv2dKernelGrad(x, k.Shape(), g, rec.Conv)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{dx, dk}, nil
}

// dilate inserts stride-1 zeros between the entries of dimension dim.
func dilate(g *tensor.Tensor, dim, stride int) (*tensor.Tensor, error) {
	n := g.Shape()[dim]
	if stride == 1 || n <= 1 {
		return g, nil
	}
	u, err := g.Unsqueeze(dim + 1)
	if err != nil {
		return nil, err
	}
	p, err := u.PadZeros(dim+1, 0, stride-1)
	if err != nil {
		return nil, err
	}
	shape := g.Shape().Clone()
	shape[dim] = n * stride
	r, err := p.Reshape(shape)
	if err != nil {
		return nil, err
	}
	return r.Narrow(dim, 0, (n-1)*stride+1)
}

// fitDim trims or zero-pads dimension dim of t to size: a negative lead
// narrows that many entries off both ends, and any remaining shortfall is
// padded at the end.
func fitDim(t *tensor.Tensor, dim, lead, size int) (*tensor.Tensor, error) {
	var err error
	if lead < 0 {
		n := t.Shape()[dim] + 2*lead
		if t, err = t.Narrow(dim, -lead, n); err != nil {
			return nil, err
		}
	}
	switch cur := t.Shape()[dim]; {
	case cur < size:
		return t.PadZeros(dim, 0, size-cur)
	case cur > size:
		return t.Narrow(dim, 0, size)
	}
	return t, nil
}

// conv2dInputGrad is the transposed convolution of g: g is dilated by the
// stride, then convolved with the flipped kernel whose channel axes are
// swapped.
func conv2dInputGrad(xs tensor.Shape, k, g *tensor.Tensor, p tensor.ConvParams) (*tensor.Tensor, error) {
	kh, kw := k.Shape()[2], k.Shape()[3]
	var c calc
	gd := c.un(func() (*tensor.Tensor, error) { return dilate(g, 2, p.StrideH) })
	gd = c.un(func() (*tensor.Tensor, error) { return dilate(gd, 3, p.StrideW) })
	kt := c.un(func() (*tensor.Tensor, error) { return k.Transpose(0, 1) })
	kt = c.un(func() (*tensor.Tensor, error) { return kt.Flip(2) })
	kt = c.un(func() (*tensor.Tensor, error) { return kt.Flip(3) })

	qh := p.DilationH*(kh-1) - p.PadH
	qw := p.DilationW*(kw-1) - p.PadW
	cp := tensor.ConvParams{
		PadH: max(qh, 0), PadW: max(qw, 0),
		StrideH: 1, StrideW: 1,
		DilationH: p.DilationH, DilationW: p.DilationW,
	}
	dx := c.un(func() (*tensor.Tensor, error) { return gd.Conv2D(kt, cp) })
	dx = c.un(func() (*tensor.Tensor, error) { return fitDim(dx, 2, min(qh, 0), xs[2]) })
	dx = c.un(func() (*tensor.Tensor, error) { return fitDim(dx, 3, min(qw, 0), xs[3]) })
	return c.result(dx)
}

// conv2dKernelGrad correlates the channel-swapped input with the
// channel-swapped output gradient; stride and dilation trade places.
func conv2dKernelGrad(x *tensor.Tensor, ks tensor.Shape, g *tensor.Tensor, p tensor.ConvParams) (*tensor.Tensor, error) {
	var c calc
	xt := c.un(func() (*tensor.Tensor, error) { return x.Transpose(0, 1) })
	gt := c.un(func() (*tensor.Tensor, error) { return g.Transpose(0, 1) })
	cp := tensor.ConvParams{
		PadH: p.PadH, PadW: p.PadW,
		StrideH: p.DilationH, StrideW: p.DilationW,
		DilationH: p.StrideH, DilationW: p.StrideW,
	}
	dk := c.un(func() (*tensor.Tensor, error) { return xt.Conv2D(gt, cp) })
	dk = c.un(func() (*tensor.Tensor, error) { return dk.Transpose(0, 1) })
	dk = c.un(func() (*tensor.Tensor, error) { return dk.Narrow(2, 0, ks[2]) })
	dk = c.un(func() (*tensor.Tensor, error) { return dk.Narrow(3, 0, ks[3]) })
	return c.result(dk)
}

func customGrad(rec *tensor.OpRecord, in []*tensor.Tensor, out, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	op := rec.Custom.(tensor.CustomGradOp)
	return op.Backward(in, out, g)
}
