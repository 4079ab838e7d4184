package tensor

import (
	"fmt"
	"runtime"
)

// Zeros creates a tensor filled with zeros.
func Zeros(shape Shape, dtype DType, b Backend) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	s, err := b.Alloc(dtype, shape.NumElements())
	if err != nil {
		return nil, fmt.Errorf("zeros: %w", err)
	}
	return newTensor(s, Contiguous(shape)), nil
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape, dtype DType, b Backend) (*Tensor, error) {
	return Full(shape, 1, dtype, b)
}

// Full creates a tensor with every element set to value.
func Full(shape Shape, value float64, dtype DType, b Backend) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	n := shape.NumElements()
	size := dtype.Size()
	data := make([]byte, n*size)
	if n > 0 {
		PutFloat64(dtype, data, value)
		for filled := size; filled < len(data); filled *= 2 {
			copy(data[filled:], data[:filled])
		}
	}
	return FromBytes(data, shape, dtype, b)
}

// ZerosLike creates zeros with t's shape, dtype and device.
func ZerosLike(t *Tensor) (*Tensor, error) {
	return Zeros(t.Shape(), t.DType(), t.Backend())
}

// OnesLike creates ones with t's shape, dtype and device.
func OnesLike(t *Tensor) (*Tensor, error) {
	return Ones(t.Shape(), t.DType(), t.Backend())
}

// FromBytes creates a tensor from packed little-endian element bytes.
func FromBytes(data []byte, shape Shape, dtype DType, b Backend) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if want := shape.NumElements() * dtype.Size(); len(data) != want {
		return nil, ShapeErrorf("from_bytes", "got %d bytes, shape %v of %s needs %d", len(data), shape, dtype, want)
	}
	s, err := b.FromHost(dtype, data)
	if err != nil {
		return nil, fmt.Errorf("from_bytes: %w", err)
	}
	return newTensor(s, Contiguous(shape)), nil
}

// FromSlice creates a tensor from a Go slice.
//
// Example:
//
//	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2}, cpu.New())
func FromSlice[T Element](data []T, shape Shape, b Backend) (*Tensor, error) {
	if len(data) != shape.NumElements() {
		return nil, ShapeErrorf("from_slice", "got %d elements for shape %v", len(data), shape)
	}
	return FromBytes(Bytes(data), shape, DTypeOf[T](), b)
}

// Scalar creates a rank-0 tensor.
func Scalar(value float64, dtype DType, b Backend) (*Tensor, error) {
	return Full(Shape{}, value, dtype, b)
}

// Arange creates the 1-D tensor [start, start+step, ...) stopping before end.
func Arange(start, end, step float64, dtype DType, b Backend) (*Tensor, error) {
	if step == 0 || (end-start)/step < 0 {
		return nil, ShapeErrorf("arange", "empty or infinite range [%v, %v) step %v", start, end, step)
	}
	var vals []float64
	for v := start; (step > 0 && v < end) || (step < 0 && v > end); v += step {
		vals = append(vals, v)
	}
	return FromBytes(EncodeFloat64s(dtype, vals), Shape{len(vals)}, dtype, b)
}

// ContiguousBytes returns the elements of t in logical row-major order as host bytes.
func (t *Tensor) ContiguousBytes() ([]byte, error) {
	src := t
	if !t.IsContiguous() {
		c, err := t.copyContiguous()
		if err != nil {
			return nil, err
		}
		src = c
	}
	start, end, _ := src.layout.ContiguousOffsets()
	size := src.DType().Size()
	if src.storage.HostAddressable() {
		out := make([]byte, (end-start)*size)
		copy(out, src.storage.Bytes()[start*size:end*size])
		runtime.KeepAlive(src.storage)
		return out, nil
	}
	all, err := src.Backend().ToHost(src.storage)
	if err != nil {
		return nil, err
	}
	return all[start*size : end*size], nil
}

// ToSlice copies t to a Go slice. T must match the tensor dtype.
func ToSlice[T Element](t *Tensor) ([]T, error) {
	if want := DTypeOf[T](); want != t.DType() {
		return nil, DtypeErrorf("to_slice", "tensor has dtype %s, requested %s", t.DType(), want)
	}
	b, err := t.ContiguousBytes()
	if err != nil {
		return nil, err
	}
	out := make([]T, t.NumElements())
	copy(Bytes(out), b)
	return out, nil
}

// ToFloat64s copies t to float64 values, converting from any dtype.
func (t *Tensor) ToFloat64s() ([]float64, error) {
	b, err := t.ContiguousBytes()
	if err != nil {
		return nil, err
	}
	return DecodeFloat64s(t.DType(), b), nil
}

// ToFloat32s copies t to float32 values, converting from any dtype.
func (t *Tensor) ToFloat32s() ([]float32, error) {
	vals, err := t.ToFloat64s()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(v)
	}
	return out, nil
}

// Float64 returns the value of a single-element tensor.
func (t *Tensor) Float64() (float64, error) {
	if t.NumElements() != 1 {
		return 0, ShapeErrorf("float64", "tensor of shape %v is not a scalar", t.Shape())
	}
	vals, err := t.ToFloat64s()
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}
