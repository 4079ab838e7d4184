// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim updates variables from backward-pass gradients.
//
// Example:
//
//	vm := varbuilder.NewVarMap()
//	// build the model through varbuilder.New(vm, tensor.F32, b)
//	opt, err := optim.NewAdamW(vm.Vars(), optim.DefaultAdamWConfig())
//	for range epochs {
//	    loss := ...
//	    if err := optim.BackwardStep(opt, loss); err != nil {
//	        return err
//	    }
//	}
package optim

import (
	"github.com/born-ml/tensorcore/internal/optim"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Optimizer applies one update per Step.
type Optimizer = optim.Optimizer

// SGD is gradient descent with optional momentum.
type SGD = optim.SGD

// SGDConfig configures SGD.
type SGDConfig = optim.SGDConfig

// AdamW is Adam with decoupled weight decay.
type AdamW = optim.AdamW

// AdamWConfig configures AdamW.
type AdamWConfig = optim.AdamWConfig

// NewSGD returns an SGD optimizer over vars.
func NewSGD(vars []*tensor.Tensor, cfg SGDConfig) (*SGD, error) { return optim.NewSGD(vars, cfg) }

// NewAdamW returns an AdamW optimizer over vars.
func NewAdamW(vars []*tensor.Tensor, cfg AdamWConfig) (*AdamW, error) {
	return optim.NewAdamW(vars, cfg)
}

// NewAdam returns AdamW without weight decay.
func NewAdam(vars []*tensor.Tensor, lr float64) (*AdamW, error) { return optim.NewAdam(vars, lr) }

// DefaultAdamWConfig returns the usual AdamW hyperparameters.
func DefaultAdamWConfig() AdamWConfig { return optim.DefaultAdamWConfig() }

// BackwardStep differentiates loss and applies one step of opt.
func BackwardStep(opt Optimizer, loss *tensor.Tensor) error { return optim.BackwardStep(opt, loss) }
