package kernels

import (
	"math"
	"sync/atomic"

	"github.com/born-ml/tensorcore/internal/tensor"
)

const sqrt2OverPi = 0.7978845608028654

func unaryFloat(op tensor.UnaryOp) func(float64) float64 {
	switch op {
	case tensor.UnaryExp:
		return math.Exp
	case tensor.UnaryLog:
		return math.Log
	case tensor.UnarySqrt:
		return math.Sqrt
	case tensor.UnaryTanh:
		return math.Tanh
	case tensor.UnarySigmoid:
		return func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
	case tensor.UnarySilu:
		return func(x float64) float64 { return x / (1 + math.Exp(-x)) }
	case tensor.UnaryGelu:
		return func(x float64) float64 {
			return 0.5 * x * (1 + math.Tanh(sqrt2OverPi*(x+0.044715*x*x*x)))
		}
	case tensor.UnarySin:
		return math.Sin
	case tensor.UnaryCos:
		return math.Cos
	case tensor.UnaryRecip:
		return func(x float64) float64 { return 1 / x }
	}
	return nil
}

func unaryExact[T native](op tensor.UnaryOp) func(T) T {
	var zero, one T
	one = 1
	switch op {
	case tensor.UnaryNeg:
		return func(v T) T { return -v }
	case tensor.UnarySqr:
		return func(v T) T { return v * v }
	case tensor.UnaryAbs:
		return func(v T) T {
			if v < zero {
				return -v
			}
			return v
		}
	case tensor.UnarySign:
		return func(v T) T {
			switch {
			case v > zero:
				return one
			case v < zero:
				return -one
			}
			return zero
		}
	case tensor.UnaryRelu:
		return func(v T) T {
			if v > zero {
				return v
			}
			return zero
		}
	}
	return nil
}

func unaryT[T native](h *Host, op tensor.UnaryOp, src []byte, l tensor.Layout, out []byte) {
	in := tensor.Slice[T](src)
	dst := tensor.Slice[T](out)
	if f := unaryExact[T](op); f != nil {
		h.each(l, func(i, off int) { dst[i] = f(in[off]) })
		return
	}
	f := unaryFloat(op)
	h.each(l, func(i, off int) { dst[i] = T(f(float64(in[off]))) })
}

// Unary applies op element-wise.
func (h *Host) Unary(op tensor.UnaryOp, dt tensor.DType, src []byte, l tensor.Layout) ([]byte, error) {
	if isHalf(dt) {
		up, ul := h.upcast(dt, src, l)
		res, err := h.Unary(op, tensor.F32, up, ul)
		if err != nil {
			return nil, err
		}
		return h.downcast(res, l.NumElements(), dt), nil
	}
	n := l.NumElements()
	out := h.alloc(dt, n)
	switch dt {
	case tensor.U8:
		unaryT[uint8](h, op, src, l, out)
	case tensor.U32:
		unaryT[uint32](h, op, src, l, out)
	case tensor.I16:
		unaryT[int16](h, op, src, l, out)
	case tensor.I32:
		unaryT[int32](h, op, src, l, out)
	case tensor.I64:
		unaryT[int64](h, op, src, l, out)
	case tensor.F32:
		unaryT[float32](h, op, src, l, out)
	case tensor.F64:
		unaryT[float64](h, op, src, l, out)
	default:
		return nil, tensor.DtypeErrorf(op.String(), "unsupported dtype %s", dt)
	}
	return out, nil
}

// Affine computes v*mul + add in float64 and stores the result as dt.
func (h *Host) Affine(dt tensor.DType, src []byte, l tensor.Layout, mul, add float64) []byte {
	load, store := loader(dt), storer(dt)
	out := h.alloc(dt, l.NumElements())
	h.each(l, func(i, off int) { store(out, i, load(src, off)*mul+add) })
	return out
}

// Powf raises every element to exp.
func (h *Host) Powf(dt tensor.DType, src []byte, l tensor.Layout, exp float64) []byte {
	load, store := loader(dt), storer(dt)
	out := h.alloc(dt, l.NumElements())
	h.each(l, func(i, off int) { store(out, i, math.Pow(load(src, off), exp)) })
	return out
}

func binaryT[T native](h *Host, op tensor.BinaryOp, a []byte, al tensor.Layout, b []byte, bl tensor.Layout, out []byte, isFloat bool) error {
	x, y := tensor.Slice[T](a), tensor.Slice[T](b)
	dst := tensor.Slice[T](out)
	switch op {
	case tensor.BinaryAdd:
		h.each2(al, bl, func(i, oa, ob int) { dst[i] = x[oa] + y[ob] })
	case tensor.BinarySub:
		h.each2(al, bl, func(i, oa, ob int) { dst[i] = x[oa] - y[ob] })
	case tensor.BinaryMul:
		h.each2(al, bl, func(i, oa, ob int) { dst[i] = x[oa] * y[ob] })
	case tensor.BinaryDiv:
		if isFloat {
			h.each2(al, bl, func(i, oa, ob int) { dst[i] = x[oa] / y[ob] })
			return nil
		}
		var zeroDiv atomic.Bool
		h.each2(al, bl, func(i, oa, ob int) {
			if y[ob] == 0 {
				zeroDiv.Store(true)
				return
			}
			dst[i] = x[oa] / y[ob]
		})
		if zeroDiv.Load() {
			return tensor.DtypeErrorf("div", "integer division by zero")
		}
	case tensor.BinaryMaximum:
		h.each2(al, bl, func(i, oa, ob int) { dst[i] = max(x[oa], y[ob]) })
	case tensor.BinaryMinimum:
		h.each2(al, bl, func(i, oa, ob int) { dst[i] = min(x[oa], y[ob]) })
	}
	return nil
}

// Binary applies op to two layouts already broadcast to the same shape.
func (h *Host) Binary(op tensor.BinaryOp, dt tensor.DType, a []byte, al tensor.Layout, b []byte, bl tensor.Layout) ([]byte, error) {
	if isHalf(dt) {
		ua, ual := h.upcast(dt, a, al)
		ub, ubl := h.upcast(dt, b, bl)
		res, err := h.Binary(op, tensor.F32, ua, ual, ub, ubl)
		if err != nil {
			return nil, err
		}
		return h.downcast(res, al.NumElements(), dt), nil
	}
	out := h.alloc(dt, al.NumElements())
	var err error
	switch dt {
	case tensor.U8:
		err = binaryT[uint8](h, op, a, al, b, bl, out, false)
	case tensor.U32:
		err = binaryT[uint32](h, op, a, al, b, bl, out, false)
	case tensor.I16:
		err = binaryT[int16](h, op, a, al, b, bl, out, false)
	case tensor.I32:
		err = binaryT[int32](h, op, a, al, b, bl, out, false)
	case tensor.I64:
		err = binaryT[int64](h, op, a, al, b, bl, out, false)
	case tensor.F32:
		err = binaryT[float32](h, op, a, al, b, bl, out, true)
	case tensor.F64:
		err = binaryT[float64](h, op, a, al, b, bl, out, true)
	default:
		return nil, tensor.DtypeErrorf(op.String(), "unsupported dtype %s", dt)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func compareT[T native](h *Host, op tensor.CmpOp, a []byte, al tensor.Layout, b []byte, bl tensor.Layout, out []byte) {
	x, y := tensor.Slice[T](a), tensor.Slice[T](b)
	var pred func(p, q T) bool
	switch op {
	case tensor.CmpEq:
		pred = func(p, q T) bool { return p == q }
	case tensor.CmpNe:
		pred = func(p, q T) bool { return p != q }
	case tensor.CmpLt:
		pred = func(p, q T) bool { return p < q }
	case tensor.CmpLe:
		pred = func(p, q T) bool { return p <= q }
	case tensor.CmpGt:
		pred = func(p, q T) bool { return p > q }
	case tensor.CmpGe:
		pred = func(p, q T) bool { return p >= q }
	}
	h.each2(al, bl, func(i, oa, ob int) {
		if pred(x[oa], y[ob]) {
			out[i] = 1
		}
	})
}

// Compare applies op element-wise and returns U8 0/1 values.
func (h *Host) Compare(op tensor.CmpOp, dt tensor.DType, a []byte, al tensor.Layout, b []byte, bl tensor.Layout) ([]byte, error) {
	if isHalf(dt) {
		ua, ual := h.upcast(dt, a, al)
		ub, ubl := h.upcast(dt, b, bl)
		return h.Compare(op, tensor.F32, ua, ual, ub, ubl)
	}
	out := h.alloc(tensor.U8, al.NumElements())
	switch dt {
	case tensor.U8:
		compareT[uint8](h, op, a, al, b, bl, out)
	case tensor.U32:
		compareT[uint32](h, op, a, al, b, bl, out)
	case tensor.I16:
		compareT[int16](h, op, a, al, b, bl, out)
	case tensor.I32:
		compareT[int32](h, op, a, al, b, bl, out)
	case tensor.I64:
		compareT[int64](h, op, a, al, b, bl, out)
	case tensor.F32:
		compareT[float32](h, op, a, al, b, bl, out)
	case tensor.F64:
		compareT[float64](h, op, a, al, b, bl, out)
	default:
		return nil, tensor.DtypeErrorf(op.String(), "unsupported dtype %s", dt)
	}
	return out, nil
}

// Where selects t where cond is non-zero and f elsewhere. All layouts share
// one shape; t and f have dtype dt.
func (h *Host) Where(condDT tensor.DType, cond []byte, cl tensor.Layout, dt tensor.DType, t []byte, tl tensor.Layout, f []byte, fl tensor.Layout) []byte {
	size := dt.Size()
	out := h.alloc(dt, cl.NumElements())
	h.each3(cl, tl, fl, func(i, oc, ot, of int) {
		src, off := f, of
		if loadIndex(condDT, cond, oc) != 0 {
			src, off = t, ot
		}
		copy(out[i*size:(i+1)*size], src[off*size:(off+1)*size])
	})
	return out
}

// Cast converts src from dt to target. Float to integer truncates toward zero.
func (h *Host) Cast(dt tensor.DType, src []byte, l tensor.Layout, target tensor.DType) []byte {
	if dt == target {
		out := h.alloc(dt, l.NumElements())
		h.copyStrided(dt.Size(), src, l, out, tensor.Contiguous(l.Shape()))
		return out
	}
	out := h.alloc(target, l.NumElements())
	if dt.IsInt() && target.IsInt() {
		store := intStorer(target)
		h.each(l, func(i, off int) { store(out, i, loadIndex(dt, src, off)) })
		return out
	}
	load, store := loader(dt), storer(target)
	h.each(l, func(i, off int) { store(out, i, load(src, off)) })
	return out
}

func intStorer(dt tensor.DType) func(b []byte, i int, v int64) {
	size := dt.Size()
	switch size {
	case 1:
		return func(b []byte, i int, v int64) { b[i] = uint8(v) }
	case 2:
		return func(b []byte, i int, v int64) { tensor.Slice[int16](b)[i] = int16(v) }
	case 4:
		return func(b []byte, i int, v int64) { tensor.Slice[uint32](b)[i] = uint32(v) }
	}
	return func(b []byte, i int, v int64) { tensor.Slice[int64](b)[i] = v }
}

// CopyInto writes src viewed through sl into dst at the positions of dl.
// Both layouts must have the same shape.
func (h *Host) CopyInto(dt tensor.DType, src []byte, sl tensor.Layout, dst []byte, dl tensor.Layout) error {
	if !sl.Shape().Equal(dl.Shape()) {
		return tensor.ShapeErrorf("copy_into", "source shape %v does not match destination %v", sl.Shape(), dl.Shape())
	}
	h.copyStrided(dt.Size(), src, sl, dst, dl)
	return nil
}

func (h *Host) copyStrided(size int, src []byte, sl tensor.Layout, dst []byte, dl tensor.Layout) {
	if s0, s1, ok := sl.ContiguousOffsets(); ok {
		if d0, _, ok := dl.ContiguousOffsets(); ok {
			copy(dst[d0*size:], src[s0*size:s1*size])
			return
		}
	}
	switch size {
	case 1:
		copyT[uint8](h, src, sl, dst, dl)
	case 2:
		copyT[int16](h, src, sl, dst, dl)
	case 4:
		copyT[uint32](h, src, sl, dst, dl)
	default:
		copyT[int64](h, src, sl, dst, dl)
	}
}

func copyT[T native](h *Host, src []byte, sl tensor.Layout, dst []byte, dl tensor.Layout) {
	in, out := tensor.Slice[T](src), tensor.Slice[T](dst)
	h.each2(sl, dl, func(_, os, od int) { out[od] = in[os] })
}
