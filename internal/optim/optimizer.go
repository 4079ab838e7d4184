// Package optim updates variables from the gradients of a backward pass.
//
// Optimizers hold a fixed list of variables (tensors created with NewVar,
// typically VarMap.Vars) and write new values into them with Assign, so
// tensors that alias a variable observe every step.
//
// Example:
//
//	vm := varbuilder.NewVarMap()
//	model := buildModel(varbuilder.New(vm, tensor.F32, b))
//	opt, err := optim.NewAdamW(vm.Vars(), optim.DefaultAdamWConfig())
//	for range epochs {
//	    loss, err := model.Loss(batch)
//	    if err := optim.BackwardStep(opt, loss); err != nil {
//	        return err
//	    }
//	}
package optim

import (
	"fmt"

	"github.com/born-ml/tensorcore/internal/autograd"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Optimizer applies one update per Step.
type Optimizer interface {
	// Step updates every variable that has a gradient in grads. Variables
	// without one are left unchanged.
	Step(grads *autograd.GradStore) error
	LearningRate() float64
	SetLearningRate(lr float64)
}

// BackwardStep differentiates loss and applies one step of opt.
func BackwardStep(opt Optimizer, loss *tensor.Tensor) error {
	grads, err := autograd.Backward(loss)
	if err != nil {
		return err
	}
	return opt.Step(grads)
}

func checkVars(op string, vars []*tensor.Tensor) error {
	for i, v := range vars {
		if v == nil || !v.IsVar() {
			return tensor.DeviceErrorf(op, "parameter %d is not a variable", i)
		}
	}
	return nil
}

// state returns the stored tensor for key or zeros shaped like v.
func state(m map[string]*tensor.Tensor, key string, v *tensor.Tensor) (*tensor.Tensor, error) {
	if s, ok := m[key]; ok {
		return s, nil
	}
	return tensor.ZerosLike(v.Detach())
}

// loadState validates a saved state tensor against its variable.
func loadState(op, key string, saved map[string]*tensor.Tensor, v *tensor.Tensor) (*tensor.Tensor, bool, error) {
	s, ok := saved[key]
	if !ok {
		return nil, false, nil
	}
	if !s.Shape().Equal(v.Shape()) {
		return nil, false, tensor.ShapeMismatchErrorf(op, "%s: state %v, variable %v", key, s.Shape(), v.Shape())
	}
	s, err := s.ToDType(v.DType())
	if err != nil {
		return nil, false, err
	}
	s, err = s.ToDevice(v.Backend())
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", key, err)
	}
	return s.Detach(), true, nil
}
