package kernels

import (
	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// reduceLayout permutes l so the reduced axes come last and returns the
// number of output elements and the reduced run length.
func reduceLayout(l tensor.Layout, axes []int) (tensor.Layout, int, int, error) {
	reduced := make(map[int]bool, len(axes))
	for _, a := range axes {
		reduced[a] = true
	}
	perm := make([]int, 0, l.Rank())
	outer, inner := 1, 1
	for i, d := range l.Shape() {
		if !reduced[i] {
			perm = append(perm, i)
			outer *= d
		}
	}
	for i, d := range l.Shape() {
		if reduced[i] {
			perm = append(perm, i)
			inner *= d
		}
	}
	pl, err := l.Permute(perm...)
	return pl, outer, inner, err
}

func reduceT[T native](h *Host, op tensor.ReduceOp, src []byte, pl tensor.Layout, outer, inner int, out []byte, isFloat bool) {
	in := tensor.Slice[T](src)
	parallel.ForChunks(outer, func(s, e int) {
		it := tensor.NewStridedIndexFrom(pl, s*inner)
		switch op {
		case tensor.ReduceSum:
			dst := tensor.Slice[T](out)
			for o := s; o < e; o++ {
				if isFloat {
					var acc float64
					for j := 0; j < inner; j++ {
						off, _ := it.Next()
						acc += float64(in[off])
					}
					dst[o] = T(acc)
					continue
				}
				var acc T
				for j := 0; j < inner; j++ {
					off, _ := it.Next()
					acc += in[off]
				}
				dst[o] = acc
			}
		case tensor.ReduceMax, tensor.ReduceMin:
			dst := tensor.Slice[T](out)
			for o := s; o < e; o++ {
				off, _ := it.Next()
				best := in[off]
				for j := 1; j < inner; j++ {
					off, _ = it.Next()
					v := in[off]
					if (op == tensor.ReduceMax && v > best) || (op == tensor.ReduceMin && v < best) {
						best = v
					}
				}
				dst[o] = best
			}
		case tensor.ReduceArgMax, tensor.ReduceArgMin:
			dst := tensor.Slice[uint32](out)
			for o := s; o < e; o++ {
				off, _ := it.Next()
				best, bestIdx := in[off], 0
				for j := 1; j < inner; j++ {
					off, _ = it.Next()
					v := in[off]
					if (op == tensor.ReduceArgMax && v > best) || (op == tensor.ReduceArgMin && v < best) {
						best, bestIdx = v, j
					}
				}
				dst[o] = uint32(bestIdx)
			}
		}
	}, h.Par)
}

// Reduce reduces axes of l. The output is contiguous with the reduced axes
// kept as size 1. Sum of floats accumulates in float64. ArgMax and ArgMin
// take one axis, return U32 and report the first extreme index.
func (h *Host) Reduce(op tensor.ReduceOp, dt tensor.DType, src []byte, l tensor.Layout, axes []int) ([]byte, error) {
	if (op == tensor.ReduceArgMax || op == tensor.ReduceArgMin) && len(axes) != 1 {
		return nil, tensor.ShapeErrorf(op.String(), "expected exactly one axis, got %v", axes)
	}
	if isHalf(dt) {
		up, ul := h.upcast(dt, src, l)
		res, err := h.Reduce(op, tensor.F32, up, ul, axes)
		if err != nil || op == tensor.ReduceArgMax || op == tensor.ReduceArgMin {
			return res, err
		}
		return h.downcast(res, len(res)/4, dt), nil
	}
	pl, outer, inner, err := reduceLayout(l, axes)
	if err != nil {
		return nil, err
	}
	if op != tensor.ReduceSum && inner == 0 && outer > 0 {
		return nil, tensor.ShapeErrorf(op.String(), "cannot reduce an empty dimension of %v", l.Shape())
	}
	outDT := dt
	if op == tensor.ReduceArgMax || op == tensor.ReduceArgMin {
		outDT = tensor.U32
	}
	out := h.alloc(outDT, outer)
	switch dt {
	case tensor.U8:
		reduceT[uint8](h, op, src, pl, outer, inner, out, false)
	case tensor.U32:
		reduceT[uint32](h, op, src, pl, outer, inner, out, false)
	case tensor.I16:
		reduceT[int16](h, op, src, pl, outer, inner, out, false)
	case tensor.I32:
		reduceT[int32](h, op, src, pl, outer, inner, out, false)
	case tensor.I64:
		reduceT[int64](h, op, src, pl, outer, inner, out, false)
	case tensor.F32:
		reduceT[float32](h, op, src, pl, outer, inner, out, true)
	case tensor.F64:
		reduceT[float64](h, op, src, pl, outer, inner, out, true)
	default:
		return nil, tensor.DtypeErrorf(op.String(), "unsupported dtype %s", dt)
	}
	return out, nil
}
