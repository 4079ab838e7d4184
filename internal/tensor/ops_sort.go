package tensor

import (
	"cmp"
	"slices"

	"github.com/born-ml/tensorcore/internal/parallel"
)

// ArgSort returns, for every row of the last dimension, the U32 indices that
// order that row ascending, or descending when desc is set. Ties keep their
// original order and NaNs sort as the smallest values. The result is never
// tracked.
func (t *Tensor) ArgSort(desc bool) (*Tensor, error) {
	idx, err := t.argSort(desc)
	if err != nil {
		return nil, err
	}
	return FromSlice(idx, t.Shape().Clone(), t.Backend())
}

// Sort orders every row of the last dimension and returns the sorted values
// together with the ArgSort indices. Neither result is tracked.
func (t *Tensor) Sort(desc bool) (sorted, indices *Tensor, err error) {
	idx, err := t.argSort(desc)
	if err != nil {
		return nil, nil, err
	}
	raw, err := t.ContiguousBytes()
	if err != nil {
		return nil, nil, err
	}
	size := t.DType().Size()
	last := t.Shape()[t.Rank()-1]
	out := make([]byte, len(raw))
	for i, j := range idx {
		src := (i/last*last + int(j)) * size
		copy(out[i*size:(i+1)*size], raw[src:src+size])
	}
	if sorted, err = FromBytes(out, t.Shape().Clone(), t.DType(), t.Backend()); err != nil {
		return nil, nil, err
	}
	if indices, err = FromSlice(idx, t.Shape().Clone(), t.Backend()); err != nil {
		return nil, nil, err
	}
	return sorted, indices, nil
}

func (t *Tensor) argSort(desc bool) ([]uint32, error) {
	if t.Rank() == 0 {
		return nil, ShapeErrorf("arg_sort", "requires at least one dimension")
	}
	last := t.Shape()[t.Rank()-1]
	idx := make([]uint32, t.NumElements())
	if last == 0 {
		return idx, nil
	}
	sign := 1
	if desc {
		sign = -1
	}
	rows := len(idx) / last

	if t.DType() == I64 {
		vs, err := ToSlice[int64](t)
		if err != nil {
			return nil, err
		}
		sortRows(idx, rows, last, func(row []int64) func(a, b uint32) int {
			return func(a, b uint32) int { return sign * cmp.Compare(row[a], row[b]) }
		}, vs)
		return idx, nil
	}
	vs, err := t.ToFloat64s()
	if err != nil {
		return nil, err
	}
	sortRows(idx, rows, last, func(row []float64) func(a, b uint32) int {
		return func(a, b uint32) int { return sign * cmp.Compare(row[a], row[b]) }
	}, vs)
	return idx, nil
}

// sortRows fills idx row by row with the stable ordering given by order.
func sortRows[T any](idx []uint32, rows, last int, order func(row []T) func(a, b uint32) int, vs []T) {
	parallel.ForChunks(rows, func(start, end int) {
		for r := start; r < end; r++ {
			out := idx[r*last : (r+1)*last]
			for i := range out {
				out[i] = uint32(i)
			}
			slices.SortStableFunc(out, order(vs[r*last:(r+1)*last]))
		}
	}, parallel.DefaultConfig())
}
