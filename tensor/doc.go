// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor is the public API of the tensorcore engine.
//
// # Overview
//
// A Tensor is an immutable view (shape, strides, offset) over a Storage
// owned by one Backend. Layout operations such as Transpose, Narrow,
// BroadcastAs and Reshape of contiguous data share storage; every other
// operation allocates a new contiguous result.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/tensorcore/backend/cpu"
//	    "github.com/born-ml/tensorcore/tensor"
//	)
//
//	func main() {
//	    b := cpu.New()
//	    x, _ := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, b)
//	    y, _ := tensor.Ones(tensor.Shape{3}, tensor.F32, b)
//	    z, _ := x.Add(y) // broadcast over rows
//	    xt, _ := x.T()
//	    g, _ := x.MatMul(xt)
//	}
//
// # Element Types
//
// Supported dtypes are U8, U32, I16, I32, I64, BF16, F16, F32 and F64.
// Comparisons produce U8 masks; ArgMax and ArgMin produce U32 indices.
// F16 and BF16 arithmetic is computed in F32.
//
// # Devices
//
// Three backends implement the Backend interface:
//   - backend/cpu: strided Go kernels over the Go heap
//   - backend/unified: the same kernels over a shared host/device slab
//   - backend/webgpu: WGSL compute kernels on a discrete GPU
//
// Tensors on different backends never mix; move data with ToDevice.
//
// # Errors
//
// Every fallible operation returns an error carrying an ErrorKind. Classify
// with errors.Is against the sentinels:
//
//	if errors.Is(err, tensor.ErrShape) { ... }
//
// # Broadcasting
//
// Binary operations broadcast trailing-aligned dimensions: a dimension of
// size 1 stretches to match the other operand.
//
//	a: [3, 1]
//	b:    [4]
//	=> [3, 4]
package tensor
