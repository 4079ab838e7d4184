// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autograd computes gradients by reverse-mode differentiation.
//
// Every tensor operation records its inputs; Backward walks those records
// from the loss back to the leaves and returns a GradStore keyed by tensor
// identity. Records are released with the tensors that own them, so no
// explicit tape management is needed.
//
// Example:
//
//	import (
//	    "github.com/born-ml/tensorcore/autograd"
//	    "github.com/born-ml/tensorcore/backend/cpu"
//	    "github.com/born-ml/tensorcore/tensor"
//	)
//
//	func main() {
//	    b := cpu.New()
//	    x0, _ := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3}, b)
//	    x, _ := tensor.NewVar(x0)
//	    y, _ := x.Sqr()
//	    loss, _ := y.SumAll()
//
//	    grads, _ := autograd.Backward(loss)
//	    dx, _ := grads.Get(x) // [2, 4, 6]
//	}
//
// Operations without a gradient rule fail with tensor.ErrMissingGradient.
package autograd

import (
	"github.com/born-ml/tensorcore/internal/autograd"
	"github.com/born-ml/tensorcore/tensor"
)

// GradStore maps tensors to their accumulated gradients.
type GradStore = autograd.GradStore

// NewGradStore returns an empty store.
func NewGradStore() *GradStore { return autograd.NewGradStore() }

// Backward differentiates loss with a seed of ones.
func Backward(loss *tensor.Tensor) (*GradStore, error) { return autograd.Backward(loss) }

// BackwardWithSeed differentiates t with an explicit upstream gradient of
// t's shape.
func BackwardWithSeed(t, seed *tensor.Tensor) (*GradStore, error) {
	return autograd.BackwardWithSeed(t, seed)
}

// HasRule reports whether the named operation can be differentiated.
func HasRule(name string) bool { return autograd.HasRule(name) }
