package kernels

import "github.com/born-ml/tensorcore/internal/tensor"

// IndexSelect gathers the entries of dimension dim of src listed in the 1-D
// integer ids. Out-of-range ids are an IndexError.
func (h *Host) IndexSelect(dt tensor.DType, src []byte, sl tensor.Layout, idsDT tensor.DType, ids []byte, il tensor.Layout, dim int) ([]byte, error) {
	size := sl.Shape()[dim]
	idx := make([]int, 0, il.NumElements())
	it := tensor.NewStridedIndex(il)
	for off, ok := it.Next(); ok; off, ok = it.Next() {
		id := loadIndex(idsDT, ids, off)
		if id < 0 || id >= int64(size) {
			return nil, tensor.IndexErrorf("index_select", "index %d out of range for dimension %d of size %d", id, dim, size)
		}
		idx = append(idx, int(id))
	}
	shape := sl.Shape().Clone()
	shape[dim] = len(idx)
	out := h.alloc(dt, shape.NumElements())
	dst := tensor.Contiguous(shape)
	for j, id := range idx {
		from, err := sl.Narrow(dim, id, 1)
		if err != nil {
			return nil, err
		}
		to, err := dst.Narrow(dim, j, 1)
		if err != nil {
			return nil, err
		}
		h.copyStrided(dt.Size(), src, from, out, to)
	}
	return out, nil
}
