package tensor

import "fmt"

// inferShape resolves a single -1 dimension against count.
func inferShape(shape Shape, count int) (Shape, error) {
	out := shape.Clone()
	infer := -1
	known := 1
	for i, d := range out {
		switch {
		case d == -1 && infer >= 0:
			return nil, ShapeErrorf("reshape", "more than one inferred dimension in %v", shape)
		case d == -1:
			infer = i
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || count%known != 0 {
			return nil, ShapeErrorf("reshape", "cannot infer dimension of %v for %d elements", shape, count)
		}
		out[infer] = count / known
	}
	return out, nil
}

// Reshape returns a view of t with a new shape. One dimension may be -1 and
// is inferred. Non-contiguous tensors that cannot be viewed with the new
// shape fail with a ShapeError; call Contiguous first.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	shape, err := inferShape(shape, t.NumElements())
	if err != nil {
		return nil, err
	}
	l, err := t.layout.Reshape(shape)
	if err != nil {
		return nil, err
	}
	return t.view(l, &OpRecord{Op: OpReshape, SrcShape: t.Shape().Clone()})
}

// Flatten collapses every dimension into one.
func (t *Tensor) Flatten() (*Tensor, error) {
	return t.Reshape(Shape{t.NumElements()})
}

// Squeeze removes dimension dim, which must have size 1.
func (t *Tensor) Squeeze(dim int) (*Tensor, error) {
	l, err := t.layout.Squeeze(dim)
	if err != nil {
		return nil, err
	}
	return t.view(l, &OpRecord{Op: OpReshape, SrcShape: t.Shape().Clone()})
}

// Unsqueeze inserts a size-1 dimension at dim.
func (t *Tensor) Unsqueeze(dim int) (*Tensor, error) {
	l, err := t.layout.Unsqueeze(dim)
	if err != nil {
		return nil, err
	}
	return t.view(l, &OpRecord{Op: OpReshape, SrcShape: t.Shape().Clone()})
}

// Transpose swaps dimensions i and j.
func (t *Tensor) Transpose(i, j int) (*Tensor, error) {
	a, err := t.Shape().ResolveAxis(i)
	if err != nil {
		return nil, err
	}
	b, err := t.Shape().ResolveAxis(j)
	if err != nil {
		return nil, err
	}
	if a == b {
		return t, nil
	}
	l, err := t.layout.Transpose(a, b)
	if err != nil {
		return nil, err
	}
	return t.view(l, &OpRecord{Op: OpTranspose, Dims: []int{a, b}})
}

// T swaps the last two dimensions.
func (t *Tensor) T() (*Tensor, error) {
	if t.Rank() < 2 {
		return nil, ShapeErrorf("t", "rank %d tensor has no matrix dimensions", t.Rank())
	}
	return t.Transpose(-2, -1)
}

// Permute reorders dimensions so that output dimension k is input dimension dims[k].
func (t *Tensor) Permute(dims ...int) (*Tensor, error) {
	l, err := t.layout.Permute(dims...)
	if err != nil {
		return nil, err
	}
	resolved := make([]int, len(dims))
	for i, d := range dims {
		resolved[i], _ = t.Shape().ResolveAxis(d)
	}
	return t.view(l, &OpRecord{Op: OpPermute, Dims: resolved})
}

// BroadcastAs expands t to shape without copying.
func (t *Tensor) BroadcastAs(shape Shape) (*Tensor, error) {
	if shape.Equal(t.Shape()) {
		return t, nil
	}
	l, err := t.layout.BroadcastAs(shape)
	if err != nil {
		return nil, err
	}
	return t.view(l, &OpRecord{Op: OpBroadcast, SrcShape: t.Shape().Clone()})
}

// BroadcastLeft prepends dims to the shape of t.
func (t *Tensor) BroadcastLeft(dims ...int) (*Tensor, error) {
	return t.BroadcastAs(append(Shape(append([]int{}, dims...)), t.Shape()...))
}

// Narrow restricts dimension dim to [start, start+length).
func (t *Tensor) Narrow(dim, start, length int) (*Tensor, error) {
	axis, err := t.Shape().ResolveAxis(dim)
	if err != nil {
		return nil, err
	}
	if start == 0 && length == t.Shape()[axis] {
		return t, nil
	}
	l, err := t.layout.Narrow(axis, start, length)
	if err != nil {
		return nil, err
	}
	return t.view(l, &OpRecord{Op: OpNarrow, Dims: []int{axis}, Start: start, Length: length, SrcShape: t.Shape().Clone()})
}

// Chunk splits dimension dim into n views whose sizes differ by at most one,
// the larger ones first. When the dimension is shorter than n it yields one
// view per element.
func (t *Tensor) Chunk(n, dim int) ([]*Tensor, error) {
	axis, err := t.Shape().ResolveAxis(dim)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, ShapeErrorf("chunk", "chunk count must be positive, got %d", n)
	}
	size := t.Shape()[axis]
	n = min(n, size)
	out := make([]*Tensor, 0, n)
	start := 0
	for i := range n {
		length := size / n
		if i < size%n {
			length++
		}
		c, err := t.Narrow(axis, start, length)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		start += length
	}
	return out, nil
}

// Flip reverses dimension dim without copying.
func (t *Tensor) Flip(dim int) (*Tensor, error) {
	axis, err := t.Shape().ResolveAxis(dim)
	if err != nil {
		return nil, err
	}
	l, err := t.layout.Flip(axis)
	if err != nil {
		return nil, err
	}
	return t.view(l, &OpRecord{Op: OpFlip, Dims: []int{axis}})
}

// Contiguous returns t when it is already row-major contiguous and a
// contiguous copy otherwise.
func (t *Tensor) Contiguous() (*Tensor, error) {
	if t.IsContiguous() {
		return t, nil
	}
	c, err := t.copyContiguous()
	if err != nil {
		return nil, fmt.Errorf("contiguous: %w", err)
	}
	return attach(c, &OpRecord{Op: OpCopy, Inputs: []*Tensor{t}})
}

// Cat concatenates tensors along dim. Every other dimension must match.
func Cat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, ShapeErrorf("cat", "no tensors to concatenate")
	}
	first := tensors[0]
	axis, err := first.Shape().ResolveAxis(dim)
	if err != nil {
		return nil, err
	}
	shape := first.Shape().Clone()
	shape[axis] = 0
	for _, x := range tensors {
		if err := sameDevice("cat", first, x); err != nil {
			return nil, err
		}
		if err := sameDType("cat", first, x); err != nil {
			return nil, err
		}
		if x.Rank() != first.Rank() {
			return nil, ShapeErrorf("cat", "rank mismatch: %v vs %v", first.Shape(), x.Shape())
		}
		for i, d := range x.Shape() {
			if i != axis && d != first.Shape()[i] {
				return nil, ShapeErrorf("cat", "shape mismatch on dimension %d: %v vs %v", i, first.Shape(), x.Shape())
			}
		}
		shape[axis] += x.Shape()[axis]
	}
	b := first.Backend()
	dst, err := b.Alloc(first.DType(), shape.NumElements())
	if err != nil {
		return nil, fmt.Errorf("cat: %w", err)
	}
	out := Contiguous(shape)
	start := 0
	for _, x := range tensors {
		n := x.Shape()[axis]
		dl, err := out.Narrow(axis, start, n)
		if err != nil {
			return nil, err
		}
		if err := b.CopyInto(x.storage, x.layout, dst, dl); err != nil {
			return nil, fmt.Errorf("cat: %w", err)
		}
		start += n
	}
	return result(dst, shape, &OpRecord{Op: OpCat, Dims: []int{axis}, Inputs: append([]*Tensor{}, tensors...)})
}

// Stack joins tensors of equal shape along a new dimension dim.
func Stack(tensors []*Tensor, dim int) (*Tensor, error) {
	expanded := make([]*Tensor, len(tensors))
	for i, x := range tensors {
		u, err := x.Unsqueeze(dim)
		if err != nil {
			return nil, fmt.Errorf("stack: %w", err)
		}
		expanded[i] = u
	}
	return Cat(expanded, dim)
}

// PadZeros pads dimension dim with left zeros before and right zeros after.
func (t *Tensor) PadZeros(dim, left, right int) (*Tensor, error) {
	axis, err := t.Shape().ResolveAxis(dim)
	if err != nil {
		return nil, err
	}
	if left < 0 || right < 0 {
		return nil, ShapeErrorf("pad", "negative padding (%d, %d)", left, right)
	}
	if left == 0 && right == 0 {
		return t, nil
	}
	shape := t.Shape().Clone()
	shape[axis] += left + right
	b := t.Backend()
	dst, err := b.Alloc(t.DType(), shape.NumElements())
	if err != nil {
		return nil, fmt.Errorf("pad: %w", err)
	}
	dl, err := Contiguous(shape).Narrow(axis, left, t.Shape()[axis])
	if err != nil {
		return nil, err
	}
	if err := b.CopyInto(t.storage, t.layout, dst, dl); err != nil {
		return nil, fmt.Errorf("pad: %w", err)
	}
	return result(dst, shape, &OpRecord{Op: OpPad, Dims: []int{axis}, Pad: [2]int{left, right}, Inputs: []*Tensor{t}})
}

// IndexSelect gathers the entries of dimension dim listed in the 1-D integer
// tensor ids.
func (t *Tensor) IndexSelect(ids *Tensor, dim int) (*Tensor, error) {
	if err := sameDevice("index_select", t, ids); err != nil {
		return nil, err
	}
	if !ids.DType().IsInt() {
		return nil, DtypeErrorf("index_select", "ids must have an integer dtype, got %s", ids.DType())
	}
	if ids.Rank() != 1 {
		return nil, ShapeErrorf("index_select", "ids must be 1-D, got %v", ids.Shape())
	}
	axis, err := t.Shape().ResolveAxis(dim)
	if err != nil {
		return nil, err
	}
	shape := t.Shape().Clone()
	shape[axis] = ids.Shape()[0]
	s, err := t.Backend().IndexSelect(t.storage, t.layout, ids.storage, ids.layout, axis)
	if err != nil {
		return nil, fmt.Errorf("index_select: %w", err)
	}
	return result(s, shape, &OpRecord{Op: OpIndexSelect, Dims: []int{axis}, Inputs: []*Tensor{t, ids}})
}
