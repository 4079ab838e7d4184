// Package kernels implements strided compute kernels over host-addressable
// element buffers. The cpu and unified backends share them; they differ only
// in how output buffers are allocated and how kernels are scheduled.
//
// Every kernel takes the element bytes of a whole Storage plus a Layout and
// honors arbitrary strides, offsets, zero strides and negative strides.
// Outputs are freshly allocated and contiguous.
package kernels

import (
	"encoding/binary"
	"math"

	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Host runs kernels on the calling goroutine, fanning out over Par.
type Host struct {
	Par parallel.Config
	// Alloc returns a zero-filled buffer of the given byte size.
	Alloc func(size int) []byte
}

// New returns a Host allocating with make.
func New(par parallel.Config) *Host {
	return &Host{Par: par, Alloc: func(size int) []byte { return make([]byte, size) }}
}

func (h *Host) alloc(dt tensor.DType, n int) []byte {
	return h.Alloc(n * dt.Size())
}

// native is the set of dtypes with Go arithmetic. F16 and BF16 are computed
// by upcasting to F32.
type native interface {
	uint8 | uint32 | int16 | int32 | int64 | float32 | float64
}

func isHalf(dt tensor.DType) bool {
	return dt == tensor.F16 || dt == tensor.BF16
}

// each calls body(i, off) for every logical index i of l with its storage offset.
func (h *Host) each(l tensor.Layout, body func(i, off int)) {
	n := l.NumElements()
	if start, _, ok := l.ContiguousOffsets(); ok {
		parallel.ForChunks(n, func(s, e int) {
			for i := s; i < e; i++ {
				body(i, start+i)
			}
		}, h.Par)
		return
	}
	parallel.ForChunks(n, func(s, e int) {
		it := tensor.NewStridedIndexFrom(l, s)
		for i := s; i < e; i++ {
			off, _ := it.Next()
			body(i, off)
		}
	}, h.Par)
}

// each2 walks two layouts of equal shape in lockstep.
func (h *Host) each2(a, b tensor.Layout, body func(i, oa, ob int)) {
	n := a.NumElements()
	as, _, aok := a.ContiguousOffsets()
	bs, _, bok := b.ContiguousOffsets()
	if aok && bok {
		parallel.ForChunks(n, func(s, e int) {
			for i := s; i < e; i++ {
				body(i, as+i, bs+i)
			}
		}, h.Par)
		return
	}
	parallel.ForChunks(n, func(s, e int) {
		ia := tensor.NewStridedIndexFrom(a, s)
		ib := tensor.NewStridedIndexFrom(b, s)
		for i := s; i < e; i++ {
			oa, _ := ia.Next()
			ob, _ := ib.Next()
			body(i, oa, ob)
		}
	}, h.Par)
}

// each3 walks three layouts of equal shape in lockstep.
func (h *Host) each3(a, b, c tensor.Layout, body func(i, oa, ob, oc int)) {
	parallel.ForChunks(a.NumElements(), func(s, e int) {
		ia := tensor.NewStridedIndexFrom(a, s)
		ib := tensor.NewStridedIndexFrom(b, s)
		ic := tensor.NewStridedIndexFrom(c, s)
		for i := s; i < e; i++ {
			oa, _ := ia.Next()
			ob, _ := ib.Next()
			oc, _ := ic.Next()
			body(i, oa, ob, oc)
		}
	}, h.Par)
}

// loader returns a reader of element i of a dtype buffer as float64.
func loader(dt tensor.DType) func(b []byte, i int) float64 {
	switch dt {
	case tensor.U8:
		return func(b []byte, i int) float64 { return float64(b[i]) }
	case tensor.U32:
		return func(b []byte, i int) float64 { return float64(binary.LittleEndian.Uint32(b[4*i:])) }
	case tensor.I16:
		return func(b []byte, i int) float64 { return float64(int16(binary.LittleEndian.Uint16(b[2*i:]))) }
	case tensor.I32:
		return func(b []byte, i int) float64 { return float64(int32(binary.LittleEndian.Uint32(b[4*i:]))) }
	case tensor.I64:
		return func(b []byte, i int) float64 { return float64(int64(binary.LittleEndian.Uint64(b[8*i:]))) }
	case tensor.BF16:
		return func(b []byte, i int) float64 { return float64(tensor.BF16ToF32(binary.LittleEndian.Uint16(b[2*i:]))) }
	case tensor.F16:
		return func(b []byte, i int) float64 { return float64(tensor.F16ToF32(binary.LittleEndian.Uint16(b[2*i:]))) }
	case tensor.F32:
		return func(b []byte, i int) float64 { return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))) }
	case tensor.F64:
		return func(b []byte, i int) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:])) }
	}
	panic("kernels: unknown dtype " + dt.String())
}

// storer returns a writer of element i of a dtype buffer from float64.
func storer(dt tensor.DType) func(b []byte, i int, v float64) {
	size := dt.Size()
	return func(b []byte, i int, v float64) {
		tensor.PutFloat64(dt, b[i*size:], v)
	}
}

// loadIndex reads element i of an integer dtype buffer exactly.
func loadIndex(dt tensor.DType, b []byte, i int) int64 {
	switch dt {
	case tensor.U8:
		return int64(b[i])
	case tensor.U32:
		return int64(binary.LittleEndian.Uint32(b[4*i:]))
	case tensor.I16:
		return int64(int16(binary.LittleEndian.Uint16(b[2*i:])))
	case tensor.I32:
		return int64(int32(binary.LittleEndian.Uint32(b[4*i:])))
	case tensor.I64:
		return int64(binary.LittleEndian.Uint64(b[8*i:]))
	}
	panic("kernels: not an integer dtype " + dt.String())
}

// upcast converts a half-precision view into a contiguous F32 buffer.
func (h *Host) upcast(dt tensor.DType, src []byte, l tensor.Layout) ([]byte, tensor.Layout) {
	out := h.Cast(dt, src, l, tensor.F32)
	return out, tensor.Contiguous(l.Shape())
}

// downcast converts a contiguous F32 buffer of n elements to dt.
func (h *Host) downcast(src []byte, n int, dt tensor.DType) []byte {
	return h.Cast(tensor.F32, src, tensor.Contiguous(tensor.Shape{n}), dt)
}
