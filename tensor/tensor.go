// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Tensor is a strided view over backend storage.
type Tensor = tensor.Tensor

// TensorID identifies a tensor in the operation graph.
type TensorID = tensor.TensorID

// Shape lists dimension sizes. Shape{} is a scalar.
type Shape = tensor.Shape

// Layout is a shape with element strides and a start offset.
type Layout = tensor.Layout

// Storage is a flat typed element buffer owned by a backend.
type Storage = tensor.Storage

// Backend executes kernels for one device context.
type Backend = tensor.Backend

// Element constrains the Go types that map onto a DType.
type Element = tensor.Element

// DType is the runtime element type.
type DType = tensor.DType

// Element types.
const (
	U8   = tensor.U8
	U32  = tensor.U32
	I16  = tensor.I16
	I32  = tensor.I32
	I64  = tensor.I64
	BF16 = tensor.BF16
	F16  = tensor.F16
	F32  = tensor.F32
	F64  = tensor.F64
)

// DeviceKind identifies a backend family.
type DeviceKind = tensor.DeviceKind

// Device kinds.
const (
	Host    = tensor.Host
	Unified = tensor.Unified
	WebGPU  = tensor.WebGPU
)

// ConvParams configures Conv2D.
type ConvParams = tensor.ConvParams

// Conv1DParams configures Conv1D.
type Conv1DParams = tensor.Conv1DParams

// CustomOp is a user operation recorded in the graph.
type CustomOp = tensor.CustomOp

// CustomGradOp is a CustomOp with its own gradient.
type CustomGradOp = tensor.CustomGradOp

// ParseDType parses a canonical dtype name such as "f32".
func ParseDType(s string) (DType, error) { return tensor.ParseDType(s) }

// ParseDeviceKind parses "cpu", "unified" or "webgpu".
func ParseDeviceKind(s string) (DeviceKind, error) { return tensor.ParseDeviceKind(s) }

// DTypeOf returns the DType of T.
func DTypeOf[T Element]() DType { return tensor.DTypeOf[T]() }

// BroadcastShape returns the broadcast of a and b.
func BroadcastShape(a, b Shape) (Shape, error) { return tensor.BroadcastShape(a, b) }

// DefaultConvParams returns stride 1, dilation 1 and no padding.
func DefaultConvParams() ConvParams { return tensor.DefaultConvParams() }

// DefaultConv1DParams returns stride 1, dilation 1 and no padding.
func DefaultConv1DParams() Conv1DParams { return tensor.DefaultConv1DParams() }

// Zeros returns a zero-filled tensor.
func Zeros(shape Shape, dtype DType, b Backend) (*Tensor, error) {
	return tensor.Zeros(shape, dtype, b)
}

// Ones returns a tensor of ones.
func Ones(shape Shape, dtype DType, b Backend) (*Tensor, error) {
	return tensor.Ones(shape, dtype, b)
}

// Full returns a tensor with every element set to value.
func Full(shape Shape, value float64, dtype DType, b Backend) (*Tensor, error) {
	return tensor.Full(shape, value, dtype, b)
}

// ZerosLike returns zeros with t's shape, dtype and backend.
func ZerosLike(t *Tensor) (*Tensor, error) { return tensor.ZerosLike(t) }

// OnesLike returns ones with t's shape, dtype and backend.
func OnesLike(t *Tensor) (*Tensor, error) { return tensor.OnesLike(t) }

// Scalar returns a rank-0 tensor.
func Scalar(value float64, dtype DType, b Backend) (*Tensor, error) {
	return tensor.Scalar(value, dtype, b)
}

// Arange returns start, start+step, ... up to but excluding end.
func Arange(start, end, step float64, dtype DType, b Backend) (*Tensor, error) {
	return tensor.Arange(start, end, step, dtype, b)
}

// FromSlice copies data into a new tensor of the matching dtype.
//
// Example:
//
//	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2}, b)
func FromSlice[T Element](data []T, shape Shape, b Backend) (*Tensor, error) {
	return tensor.FromSlice(data, shape, b)
}

// FromBytes copies little-endian element bytes into a new tensor.
func FromBytes(data []byte, shape Shape, dtype DType, b Backend) (*Tensor, error) {
	return tensor.FromBytes(data, shape, dtype, b)
}

// ToSlice copies t's elements out in logical order. T must match t's dtype.
func ToSlice[T Element](t *Tensor) ([]T, error) { return tensor.ToSlice[T](t) }

// NewVar returns a variable holding a copy of t. Variables are the only
// tensors whose contents may change, through Assign.
func NewVar(t *Tensor) (*Tensor, error) { return tensor.NewVar(t) }

// Cat joins tensors along dim.
func Cat(tensors []*Tensor, dim int) (*Tensor, error) { return tensor.Cat(tensors, dim) }

// Stack joins tensors along a new dim.
func Stack(tensors []*Tensor, dim int) (*Tensor, error) { return tensor.Stack(tensors, dim) }

// Where picks onTrue where cond is non-zero and onFalse elsewhere.
func Where(cond, onTrue, onFalse *Tensor) (*Tensor, error) {
	return tensor.Where(cond, onTrue, onFalse)
}

// ApplyCustom runs op forward and records it for autograd.
func ApplyCustom(op CustomOp, inputs ...*Tensor) (*Tensor, error) {
	return tensor.ApplyCustom(op, inputs...)
}
