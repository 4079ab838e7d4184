package tensor

import (
	"fmt"
	"sync/atomic"
)

// TensorID is the identity token of a tensor. IDs are allocated
// monotonically and never reused.
type TensorID uint64

var nextID atomic.Uint64

func newID() TensorID {
	return TensorID(nextID.Add(1))
}

// Tensor is a shared handle to a Storage viewed through a Layout.
//
// Views (reshape, transpose, narrow, broadcast, ...) alias the Storage of
// their source. A Variable owns its Storage exclusively and is the only kind
// of tensor that may be written in place.
type Tensor struct {
	id      TensorID
	storage *Storage
	layout  Layout
	tracked bool
	isVar   bool
}

func newTensor(s *Storage, l Layout) *Tensor {
	return &Tensor{id: newID(), storage: s, layout: l}
}

// FromStorage wraps storage in a tensor viewed through l.
func FromStorage(s *Storage, l Layout) (*Tensor, error) {
	if lo, hi, ok := l.OffsetRange(); ok && (lo < 0 || hi >= s.Count()) {
		return nil, IndexErrorf("from_storage", "%v addresses [%d, %d] outside storage of %d elements", l, lo, hi, s.Count())
	}
	return newTensor(s, l), nil
}

// ID returns the identity token.
func (t *Tensor) ID() TensorID { return t.id }

// Storage returns the underlying storage.
func (t *Tensor) Storage() *Storage { return t.storage }

// Layout returns the view layout.
func (t *Tensor) Layout() Layout { return t.layout }

// Shape returns the logical shape.
func (t *Tensor) Shape() Shape { return t.layout.shape }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.layout.shape) }

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) (int, error) { return t.layout.shape.Dim(i) }

// NumElements returns the number of logical elements.
func (t *Tensor) NumElements() int { return t.layout.NumElements() }

// DType returns the element type.
func (t *Tensor) DType() DType { return t.storage.dtype }

// Backend returns the device context holding the data.
func (t *Tensor) Backend() Backend { return t.storage.backend }

// Device returns the device kind holding the data.
func (t *Tensor) Device() DeviceKind { return t.storage.backend.Kind() }

// IsContiguous reports whether the view is row-major contiguous.
func (t *Tensor) IsContiguous() bool { return t.layout.IsContiguous() }

// IsVar reports whether t is a Variable.
func (t *Tensor) IsVar() bool { return t.isVar }

// Tracked reports whether gradients flow through t.
func (t *Tensor) Tracked() bool { return t.tracked }

// Detach returns a view over the same storage with a new identity and no
// producer record; gradients do not flow through it.
func (t *Tensor) Detach() *Tensor {
	return newTensor(t.storage, t.layout)
}

// String returns a short description.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[id=%d, shape=%v, dtype=%s, device=%s]", t.id, t.Shape(), t.DType(), t.Device())
}

// NewVar copies t into freshly allocated storage and marks the result as a
// Variable: a gradient-tracked leaf that exclusively owns its storage.
func NewVar(t *Tensor) (*Tensor, error) {
	c, err := t.Detach().copyContiguous()
	if err != nil {
		return nil, fmt.Errorf("new_var: %w", err)
	}
	c.isVar = true
	c.tracked = true
	return c, nil
}

// Assign overwrites the contents of a Variable with src, broadcasting src if
// needed. Callers must serialize Assign against other readers of the Variable.
func (t *Tensor) Assign(src *Tensor) error {
	if !t.isVar {
		return DeviceErrorf("assign", "tensor %d is not a variable", t.id)
	}
	if err := sameDevice("assign", t, src); err != nil {
		return err
	}
	if t.DType() != src.DType() {
		return DtypeErrorf("assign", "dtype %s vs %s", t.DType(), src.DType())
	}
	src, err := src.unaliased(t)
	if err != nil {
		return err
	}
	sl, err := src.layout.BroadcastAs(t.Shape())
	if err != nil {
		return err
	}
	return t.Backend().CopyInto(src.storage, sl, t.storage, t.layout)
}

// unaliased returns t, or a contiguous copy of t when t reads the storage
// dst is about to write.
func (t *Tensor) unaliased(dst *Tensor) (*Tensor, error) {
	if t.storage != dst.storage {
		return t, nil
	}
	return t.copyContiguous()
}

// CopyInto writes t into the Variable dst at [offset, offset+len) along dim,
// in place. Every other dimension must match. The write is not recorded by
// autograd and is visible through every view of dst's storage.
func (t *Tensor) CopyInto(dst *Tensor, dim, offset int) error {
	if !dst.isVar {
		return DeviceErrorf("copy_into", "tensor %d is not a variable", dst.id)
	}
	if err := sameDevice("copy_into", t, dst); err != nil {
		return err
	}
	if err := sameDType("copy_into", t, dst); err != nil {
		return err
	}
	axis, err := dst.Shape().ResolveAxis(dim)
	if err != nil {
		return err
	}
	if t.Rank() != dst.Rank() {
		return ShapeErrorf("copy_into", "rank %d vs %d", t.Rank(), dst.Rank())
	}
	for i, d := range t.Shape() {
		if i != axis && d != dst.Shape()[i] {
			return ShapeErrorf("copy_into", "source %v does not fit destination %v along dim %d", t.Shape(), dst.Shape(), axis)
		}
	}
	dl, err := dst.layout.Narrow(axis, offset, t.Shape()[axis])
	if err != nil {
		return err
	}
	src, err := t.unaliased(dst)
	if err != nil {
		return err
	}
	return t.Backend().CopyInto(src.storage, src.layout, dst.storage, dl)
}

func sameDevice(op string, a, b *Tensor) error {
	if a.Backend() != b.Backend() {
		return DeviceErrorf(op, "operands on different devices: %s (%s) vs %s (%s)",
			a.Device(), a.Backend().Name(), b.Device(), b.Backend().Name())
	}
	return nil
}

func sameDType(op string, a, b *Tensor) error {
	if a.DType() != b.DType() {
		return DtypeErrorf(op, "dtype mismatch: %s vs %s", a.DType(), b.DType())
	}
	return nil
}

// view returns a tensor sharing t's storage through l and records op.
func (t *Tensor) view(l Layout, rec *OpRecord) (*Tensor, error) {
	rec.Inputs = []*Tensor{t}
	return attach(newTensor(t.storage, l), rec)
}

// result wraps kernel output storage with a contiguous layout and records op.
func result(s *Storage, shape Shape, rec *OpRecord) (*Tensor, error) {
	return attach(newTensor(s, Contiguous(shape)), rec)
}

// Copy returns an untracked contiguous copy of t in fresh storage, even when
// t is already contiguous.
func (t *Tensor) Copy() (*Tensor, error) { return t.copyContiguous() }

func (t *Tensor) copyContiguous() (*Tensor, error) {
	b := t.Backend()
	dst, err := b.Alloc(t.DType(), t.NumElements())
	if err != nil {
		return nil, err
	}
	if err := b.CopyInto(t.storage, t.layout, dst, Contiguous(t.Shape())); err != nil {
		return nil, err
	}
	return newTensor(dst, Contiguous(t.Shape())), nil
}
