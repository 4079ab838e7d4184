package tensor

// StridedIndex iterates the storage offsets of a layout in logical row-major order.
//
// Example:
//
//	it := tensor.NewStridedIndex(layout)
//	for off, ok := it.Next(); ok; off, ok = it.Next() {
//		sum += data[off]
//	}
type StridedIndex struct {
	dims      []int
	strides   []int
	index     []int
	next      int
	remaining int
}

// NewStridedIndex returns an iterator over every element of l.
func NewStridedIndex(l Layout) *StridedIndex {
	return NewStridedIndexFrom(l, 0)
}

// NewStridedIndexFrom returns an iterator positioned at logical element start.
// Parallel kernels use it to give each worker an independent range.
func NewStridedIndexFrom(l Layout, start int) *StridedIndex {
	n := l.NumElements()
	it := &StridedIndex{
		dims:      l.shape,
		strides:   l.strides,
		index:     make([]int, len(l.shape)),
		remaining: max(n-start, 0),
	}
	if it.remaining == 0 {
		return it
	}
	off := l.offset
	rest := start
	for i := len(l.shape) - 1; i >= 0; i-- {
		d := l.shape[i]
		it.index[i] = rest % d
		rest /= d
		off += it.index[i] * l.strides[i]
	}
	it.next = off
	return it
}

// Next returns the next storage offset, or false once every element has been visited.
func (it *StridedIndex) Next() (int, bool) {
	if it.remaining == 0 {
		return 0, false
	}
	off := it.next
	it.remaining--
	if it.remaining > 0 {
		for i := len(it.dims) - 1; i >= 0; i-- {
			it.index[i]++
			if it.index[i] < it.dims[i] {
				it.next += it.strides[i]
				break
			}
			it.next -= (it.dims[i] - 1) * it.strides[i]
			it.index[i] = 0
		}
	}
	return off, true
}

// Remaining returns how many offsets are left.
func (it *StridedIndex) Remaining() int {
	return it.remaining
}

// Offsets collects every storage offset of l. Intended for small layouts and tests.
func (l Layout) Offsets() []int {
	out := make([]int, 0, l.NumElements())
	it := NewStridedIndex(l)
	for off, ok := it.Next(); ok; off, ok = it.Next() {
		out = append(out, off)
	}
	return out
}
