package tensor

import "fmt"

// Layout maps logical indices to element positions in a flat Storage.
// Strides and offset are counted in elements, not bytes. Strides may be zero
// (broadcast) or negative (flip).
type Layout struct {
	shape   Shape
	strides []int
	offset  int
}

// Contiguous returns the row-major layout for shape starting at offset 0.
func Contiguous(shape Shape) Layout {
	return ContiguousWithOffset(shape, 0)
}

// ContiguousWithOffset returns the row-major layout for shape starting at offset.
func ContiguousWithOffset(shape Shape, offset int) Layout {
	return Layout{shape: shape.Clone(), strides: shape.Strides(), offset: offset}
}

// NewLayout builds a layout from explicit strides.
func NewLayout(shape Shape, strides []int, offset int) (Layout, error) {
	if len(shape) != len(strides) {
		return Layout{}, ShapeErrorf("layout", "shape %v has rank %d but %d strides given", shape, len(shape), len(strides))
	}
	if err := shape.Validate(); err != nil {
		return Layout{}, err
	}
	if offset < 0 {
		return Layout{}, IndexErrorf("layout", "negative offset %d", offset)
	}
	return Layout{shape: shape.Clone(), strides: append([]int(nil), strides...), offset: offset}, nil
}

// Shape returns the logical shape. Callers must not modify it.
func (l Layout) Shape() Shape { return l.shape }

// Strides returns the per-dimension strides. Callers must not modify them.
func (l Layout) Strides() []int { return l.strides }

// Offset returns the element offset of the first logical element.
func (l Layout) Offset() int { return l.offset }

// Rank returns the number of dimensions.
func (l Layout) Rank() int { return len(l.shape) }

// NumElements returns the number of logical elements.
func (l Layout) NumElements() int { return l.shape.NumElements() }

// IsContiguous reports whether the strides equal the row-major strides of the shape.
// Strides of size-1 dimensions are ignored since they never affect an offset.
func (l Layout) IsContiguous() bool {
	if l.NumElements() == 0 {
		return true
	}
	acc := 1
	for i := len(l.shape) - 1; i >= 0; i-- {
		if l.shape[i] == 1 {
			continue
		}
		if l.strides[i] != acc {
			return false
		}
		acc *= l.shape[i]
	}
	return true
}

// ContiguousOffsets returns the storage range [start, end) when the layout is contiguous.
func (l Layout) ContiguousOffsets() (start, end int, ok bool) {
	if !l.IsContiguous() {
		return 0, 0, false
	}
	return l.offset, l.offset + l.NumElements(), true
}

// Equal reports whether two layouts address the same elements in the same order.
func (l Layout) Equal(other Layout) bool {
	if !l.shape.Equal(other.shape) || l.offset != other.offset {
		return false
	}
	for i := range l.strides {
		if l.shape[i] != 1 && l.strides[i] != other.strides[i] {
			return false
		}
	}
	return true
}

// OffsetRange returns the smallest and largest storage offsets the layout touches.
// ok is false for an empty layout.
func (l Layout) OffsetRange() (lo, hi int, ok bool) {
	if l.NumElements() == 0 {
		return 0, 0, false
	}
	lo, hi = l.offset, l.offset
	for i, d := range l.shape {
		span := (d - 1) * l.strides[i]
		if span < 0 {
			lo += span
		} else {
			hi += span
		}
	}
	return lo, hi, true
}

// Transpose swaps dimensions i and j.
func (l Layout) Transpose(i, j int) (Layout, error) {
	a, err := l.shape.ResolveAxis(i)
	if err != nil {
		return Layout{}, err
	}
	b, err := l.shape.ResolveAxis(j)
	if err != nil {
		return Layout{}, err
	}
	out := l.clone()
	out.shape[a], out.shape[b] = out.shape[b], out.shape[a]
	out.strides[a], out.strides[b] = out.strides[b], out.strides[a]
	return out, nil
}

// Permute reorders dimensions so that output dimension k is input dimension dims[k].
func (l Layout) Permute(dims ...int) (Layout, error) {
	if len(dims) != len(l.shape) {
		return Layout{}, ShapeErrorf("permute", "got %d dims for rank %d", len(dims), len(l.shape))
	}
	seen := make([]bool, len(dims))
	out := Layout{shape: make(Shape, len(dims)), strides: make([]int, len(dims)), offset: l.offset}
	for k, d := range dims {
		axis, err := l.shape.ResolveAxis(d)
		if err != nil {
			return Layout{}, err
		}
		if seen[axis] {
			return Layout{}, ShapeErrorf("permute", "dimension %d repeated in %v", axis, dims)
		}
		seen[axis] = true
		out.shape[k] = l.shape[axis]
		out.strides[k] = l.strides[axis]
	}
	return out, nil
}

// BroadcastAs expands the layout to shape. New leading dimensions and
// expanded size-1 dimensions get stride 0.
func (l Layout) BroadcastAs(shape Shape) (Layout, error) {
	if len(shape) < len(l.shape) {
		return Layout{}, ShapeErrorf("broadcast_as", "cannot broadcast %v to lower rank %v", l.shape, shape)
	}
	extra := len(shape) - len(l.shape)
	out := Layout{shape: shape.Clone(), strides: make([]int, len(shape)), offset: l.offset}
	for i := range shape {
		if i < extra {
			continue
		}
		src := l.shape[i-extra]
		switch {
		case src == shape[i]:
			out.strides[i] = l.strides[i-extra]
		case src == 1:
			out.strides[i] = 0
		default:
			return Layout{}, ShapeErrorf("broadcast_as", "cannot broadcast %v to %v (dimension %d: %d vs %d)",
				l.shape, shape, i, src, shape[i])
		}
	}
	return out, nil
}

// Narrow restricts dimension dim to [start, start+length).
func (l Layout) Narrow(dim, start, length int) (Layout, error) {
	axis, err := l.shape.ResolveAxis(dim)
	if err != nil {
		return Layout{}, err
	}
	if start < 0 || length < 0 || start+length > l.shape[axis] {
		return Layout{}, IndexErrorf("narrow", "range [%d, %d) out of bounds for dimension %d of size %d",
			start, start+length, axis, l.shape[axis])
	}
	out := l.clone()
	out.shape[axis] = length
	if length > 0 {
		out.offset += start * l.strides[axis]
	}
	return out, nil
}

// Flip reverses dimension dim by negating its stride.
func (l Layout) Flip(dim int) (Layout, error) {
	axis, err := l.shape.ResolveAxis(dim)
	if err != nil {
		return Layout{}, err
	}
	out := l.clone()
	if n := l.shape[axis]; n > 0 {
		out.offset += (n - 1) * l.strides[axis]
	}
	out.strides[axis] = -l.strides[axis]
	return out, nil
}

// Unsqueeze inserts a size-1 dimension at dim. dim may equal the rank
// (append) or be negative, where -1 appends.
func (l Layout) Unsqueeze(dim int) (Layout, error) {
	rank := len(l.shape)
	if dim < 0 {
		dim += rank + 1
	}
	if dim < 0 || dim > rank {
		return Layout{}, IndexErrorf("unsqueeze", "dimension %d out of range for rank %d", dim, rank)
	}
	stride := 1
	if dim < rank {
		stride = l.strides[dim] * l.shape[dim]
	}
	out := Layout{offset: l.offset}
	out.shape = append(append(append(Shape{}, l.shape[:dim]...), 1), l.shape[dim:]...)
	out.strides = append(append(append([]int{}, l.strides[:dim]...), stride), l.strides[dim:]...)
	return out, nil
}

// Squeeze removes dimension dim, which must have size 1.
func (l Layout) Squeeze(dim int) (Layout, error) {
	axis, err := l.shape.ResolveAxis(dim)
	if err != nil {
		return Layout{}, err
	}
	if l.shape[axis] != 1 {
		return Layout{}, ShapeErrorf("squeeze", "dimension %d has size %d, not 1", axis, l.shape[axis])
	}
	out := Layout{offset: l.offset}
	out.shape = append(append(Shape{}, l.shape[:axis]...), l.shape[axis+1:]...)
	out.strides = append(append([]int{}, l.strides[:axis]...), l.strides[axis+1:]...)
	return out, nil
}

// Reshape reinterprets the layout with a new shape without copying.
//
// It fails with a ShapeError when the element count changes or when the
// strides cannot express the new shape over the same buffer; the caller must
// then materialize a contiguous copy first.
func (l Layout) Reshape(shape Shape) (Layout, error) {
	if err := shape.Validate(); err != nil {
		return Layout{}, err
	}
	if shape.NumElements() != l.NumElements() {
		return Layout{}, ShapeErrorf("reshape", "cannot reshape %v (%d elements) to %v (%d elements)",
			l.shape, l.NumElements(), shape, shape.NumElements())
	}
	if shape.Equal(l.shape) {
		return l.clone(), nil
	}
	if l.IsContiguous() {
		return ContiguousWithOffset(shape, l.offset), nil
	}
	strides, ok := nocopyStrides(l.shape, l.strides, shape)
	if !ok {
		return Layout{}, ShapeErrorf("reshape", "non-contiguous layout %v (strides %v) cannot be viewed as %v",
			l.shape, l.strides, shape)
	}
	return Layout{shape: shape.Clone(), strides: strides, offset: l.offset}, nil
}

// nocopyStrides computes strides for newShape over an existing strided buffer,
// matching groups of old dimensions to groups of new dimensions with equal
// products. Each old group must be internally contiguous.
func nocopyStrides(oldShape Shape, oldStrides []int, newShape Shape) ([]int, bool) {
	var dims, strides []int
	for i, d := range oldShape {
		if d != 1 {
			dims = append(dims, d)
			strides = append(strides, oldStrides[i])
		}
	}
	out := make([]int, len(newShape))
	oi, oj := 0, 1
	ni, nj := 0, 1
	for ni < len(newShape) && oi < len(dims) {
		np, op := newShape[ni], dims[oi]
		for np != op {
			if np < op {
				if nj >= len(newShape) {
					return nil, false
				}
				np *= newShape[nj]
				nj++
			} else {
				if oj >= len(dims) {
					return nil, false
				}
				op *= dims[oj]
				oj++
			}
		}
		for k := oi; k < oj-1; k++ {
			if strides[k] != dims[k+1]*strides[k+1] {
				return nil, false
			}
		}
		out[nj-1] = strides[oj-1]
		for k := nj - 1; k > ni; k-- {
			out[k-1] = out[k] * newShape[k]
		}
		ni, nj = nj, nj+1
		oi, oj = oj, oj+1
	}
	last := 1
	if ni > 0 {
		last = out[ni-1]
	}
	for k := ni; k < len(newShape); k++ {
		out[k] = last
	}
	return out, true
}

// InnerBlock splits the layout into an outer layout and a contiguous inner
// block length. Every offset produced by iterating the outer layout starts a
// run of blockLen consecutive storage elements.
func (l Layout) InnerBlock() (outer Layout, blockLen int) {
	blockLen = 1
	split := len(l.shape)
	for i := len(l.shape) - 1; i >= 0; i-- {
		if l.shape[i] == 1 {
			split = i
			continue
		}
		if l.strides[i] != blockLen {
			break
		}
		blockLen *= l.shape[i]
		split = i
	}
	outer = Layout{
		shape:   append(Shape{}, l.shape[:split]...),
		strides: append([]int{}, l.strides[:split]...),
		offset:  l.offset,
	}
	return outer, blockLen
}

// String describes the layout for error messages.
func (l Layout) String() string {
	return fmt.Sprintf("Layout{shape: %v, strides: %v, offset: %d}", l.shape, l.strides, l.offset)
}

func (l Layout) clone() Layout {
	return Layout{shape: l.shape.Clone(), strides: append([]int(nil), l.strides...), offset: l.offset}
}
