package tensor

import (
	"fmt"
	"strings"
)

// Shape represents the dimensions of a tensor.
// A zero-length Shape is a scalar.
type Shape []int

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// NumElements returns the total number of elements.
// A scalar has one element and any zero dimension gives zero.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Dims returns a copy of the dimension sizes.
func (s Shape) Dims() []int {
	return append([]int(nil), s...)
}

// Dim returns the size of dimension i. Negative i counts from the end,
// so Dim(-1) is the last axis.
func (s Shape) Dim(i int) (int, error) {
	axis, err := s.ResolveAxis(i)
	if err != nil {
		return 0, err
	}
	return s[axis], nil
}

// ResolveAxis maps a possibly negative axis to its position in [0, rank).
func (s Shape) ResolveAxis(axis int) (int, error) {
	rank := len(s)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, IndexErrorf("axis", "axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// Validate checks that no dimension is negative.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return ShapeErrorf("shape", "invalid dimension at index %d: %d", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Strides returns the row-major strides, in elements, for the shape.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

// String formats the shape as [d0, d1, ...].
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// BroadcastShape computes the shape two operands broadcast to.
//
// Shapes are aligned on their trailing dimensions. Two dimensions are
// compatible if they are equal or one of them is 1; missing leading
// dimensions are treated as 1.
//
//	[3]    , [4, 3] -> [4, 3]
//	[3, 1] , [3, 5] -> [3, 5]
//	[3]    , [4, 5] -> ShapeError
func BroadcastShape(a, b Shape) (Shape, error) {
	rank := max(len(a), len(b))
	result := make(Shape, rank)
	for i := 0; i < rank; i++ {
		aDim, bDim := 1, 1
		if j := len(a) - 1 - i; j >= 0 {
			aDim = a[j]
		}
		if j := len(b) - 1 - i; j >= 0 {
			bDim = b[j]
		}
		switch {
		case aDim == bDim:
			result[rank-1-i] = aDim
		case aDim == 1:
			result[rank-1-i] = bDim
		case bDim == 1:
			result[rank-1-i] = aDim
		default:
			return nil, ShapeErrorf("broadcast", "shapes %v and %v are not compatible (dimension %d: %d vs %d)",
				a, b, rank-1-i, aDim, bDim)
		}
	}
	return result, nil
}

// BroadcastCompatible reports whether a and b broadcast to a common shape.
func BroadcastCompatible(a, b Shape) bool {
	_, err := BroadcastShape(a, b)
	return err == nil
}
