package kernels

import (
	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// matmulGeom holds the per-operand strides of a batched matmul.
type matmulGeom struct {
	batch   int
	m, k, n int
	lhsBase []int // storage offset of each lhs batch matrix
	rhsBase []int
	lsm     int
	lsk     int
	rsk     int
	rsn     int
}

func batchBases(l tensor.Layout) ([]int, error) {
	r := l.Rank()
	bl, err := tensor.NewLayout(l.Shape()[:r-2], l.Strides()[:r-2], l.Offset())
	if err != nil {
		return nil, err
	}
	return bl.Offsets(), nil
}

func newMatmulGeom(ll, rl tensor.Layout) (*matmulGeom, error) {
	r := ll.Rank()
	if r < 2 || rl.Rank() != r {
		return nil, tensor.ShapeErrorf("matmul", "layouts %v and %v are not broadcast batched matrices", ll, rl)
	}
	ls, rs := ll.Shape(), rl.Shape()
	g := &matmulGeom{
		m: ls[r-2], k: ls[r-1], n: rs[r-1],
		lsm: ll.Strides()[r-2], lsk: ll.Strides()[r-1],
		rsk: rl.Strides()[r-2], rsn: rl.Strides()[r-1],
	}
	if rs[r-2] != g.k || !ls[:r-2].Equal(rs[:r-2]) {
		return nil, tensor.ShapeErrorf("matmul", "incompatible operands %v x %v", ls, rs)
	}
	var err error
	if g.lhsBase, err = batchBases(ll); err != nil {
		return nil, err
	}
	if g.rhsBase, err = batchBases(rl); err != nil {
		return nil, err
	}
	g.batch = len(g.lhsBase)
	return g, nil
}

func matmulT[T native](h *Host, g *matmulGeom, a, b, out []byte) {
	x, y, dst := tensor.Slice[T](a), tensor.Slice[T](b), tensor.Slice[T](out)
	parallel.ForChunks(g.batch*g.m, func(s, e int) {
		for row := s; row < e; row++ {
			bi, i := row/g.m, row%g.m
			lb := g.lhsBase[bi] + i*g.lsm
			rb := g.rhsBase[bi]
			o := dst[row*g.n : (row+1)*g.n]
			for p := 0; p < g.k; p++ {
				av := x[lb+p*g.lsk]
				if av == 0 {
					continue
				}
				rp := rb + p*g.rsk
				if g.rsn == 1 {
					bs := y[rp : rp+g.n]
					for j := range o {
						o[j] += av * bs[j]
					}
					continue
				}
				for j := range o {
					o[j] += av * y[rp+j*g.rsn]
				}
			}
		}
	}, h.Par)
}

// MatMul multiplies [batch..., m, k] by [batch..., k, n] with equal batch dims.
func (h *Host) MatMul(dt tensor.DType, a []byte, al tensor.Layout, b []byte, bl tensor.Layout) ([]byte, error) {
	if isHalf(dt) {
		ua, ual := h.upcast(dt, a, al)
		ub, ubl := h.upcast(dt, b, bl)
		res, err := h.MatMul(tensor.F32, ua, ual, ub, ubl)
		if err != nil {
			return nil, err
		}
		return h.downcast(res, len(res)/4, dt), nil
	}
	g, err := newMatmulGeom(al, bl)
	if err != nil {
		return nil, err
	}
	out := h.alloc(dt, g.batch*g.m*g.n)
	switch dt {
	case tensor.U8:
		matmulT[uint8](h, g, a, b, out)
	case tensor.U32:
		matmulT[uint32](h, g, a, b, out)
	case tensor.I16:
		matmulT[int16](h, g, a, b, out)
	case tensor.I32:
		matmulT[int32](h, g, a, b, out)
	case tensor.I64:
		matmulT[int64](h, g, a, b, out)
	case tensor.F32:
		matmulT[float32](h, g, a, b, out)
	case tensor.F64:
		matmulT[float64](h, g, a, b, out)
	default:
		return nil, tensor.DtypeErrorf("matmul", "unsupported dtype %s", dt)
	}
	return out, nil
}

func conv2dT[T float32 | float64](h *Host, in, w []T, is, ks, os tensor.Shape, p tensor.ConvParams, out []T) {
	cin, ih, iw := is[1], is[2], is[3]
	kh, kw := ks[2], ks[3]
	cout, oh, ow := os[1], os[2], os[3]
	parallel.ForBatch(os[0], cout, func(n, o int) {
		dst := out[(n*cout+o)*oh*ow : (n*cout+o+1)*oh*ow]
		for c := 0; c < cin; c++ {
			plane := in[(n*cin+c)*ih*iw : (n*cin+c+1)*ih*iw]
			kern := w[(o*cin+c)*kh*kw : (o*cin+c+1)*kh*kw]
			for ky := 0; ky < kh; ky++ {
				for kx := 0; kx < kw; kx++ {
					kv := kern[ky*kw+kx]
					for y := 0; y < oh; y++ {
						sy := y*p.StrideH - p.PadH + ky*p.DilationH
						if sy < 0 || sy >= ih {
							continue
						}
						row := plane[sy*iw : (sy+1)*iw]
						drow := dst[y*ow : (y+1)*ow]
						for x := 0; x < ow; x++ {
							sx := x*p.StrideW - p.PadW + kx*p.DilationW
							if sx < 0 || sx >= iw {
								continue
							}
							drow[x] += row[sx] * kv
						}
					}
				}
			}
		}
	}, h.Par)
}

// Conv2D convolves NCHW input with an OIHW kernel. Operands are first
// gathered into contiguous buffers.
func (h *Host) Conv2D(dt tensor.DType, in []byte, il tensor.Layout, kernel []byte, kl tensor.Layout, p tensor.ConvParams) ([]byte, error) {
	os, err := p.OutputShape(il.Shape(), kl.Shape())
	if err != nil {
		return nil, err
	}
	if isHalf(dt) {
		ui, uil := h.upcast(dt, in, il)
		uk, ukl := h.upcast(dt, kernel, kl)
		res, err := h.Conv2D(tensor.F32, ui, uil, uk, ukl, p)
		if err != nil {
			return nil, err
		}
		return h.downcast(res, os.NumElements(), dt), nil
	}
	ci := h.Cast(dt, in, il, dt)
	ck := h.Cast(dt, kernel, kl, dt)
	out := h.alloc(dt, os.NumElements())
	switch dt {
	case tensor.F32:
		conv2dT(h, tensor.Slice[float32](ci), tensor.Slice[float32](ck), il.Shape(), kl.Shape(), os, p, tensor.Slice[float32](out))
	case tensor.F64:
		conv2dT(h, tensor.Slice[float64](ci), tensor.Slice[float64](ck), il.Shape(), kl.Shape(), os, p, tensor.Slice[float64](out))
	default:
		return nil, tensor.DtypeErrorf("conv2d", "unsupported dtype %s", dt)
	}
	return out, nil
}
