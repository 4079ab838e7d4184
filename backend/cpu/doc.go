// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the host backend: pure Go strided kernels over the
// Go heap.
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
//	    x, _ := tensor.Zeros(tensor.Shape{2, 3}, tensor.F32, b)
//	    y, _ := x.Exp()
//	}
//
// # Parallelism
//
// Kernels split large element ranges across goroutines. Tune the worker
// count with NewWithConfig.
//
// # Thread Safety
//
// A Backend is safe for concurrent use. Kernels share no mutable state and
// every result is a fresh storage.
package cpu
