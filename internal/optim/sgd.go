package optim

import (
	"fmt"

	"github.com/born-ml/tensorcore/internal/autograd"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// SGDConfig configures SGD.
type SGDConfig struct {
	LR       float64 // default 0.01
	Momentum float64 // in [0, 1)
}

// SGD is stochastic gradient descent with optional momentum:
//
//	v = momentum*v + g
//	x = x - lr*v
type SGD struct {
	vars       []*tensor.Tensor
	lr         float64
	momentum   float64
	velocities map[string]*tensor.Tensor
}

// NewSGD returns an SGD optimizer over vars.
func NewSGD(vars []*tensor.Tensor, cfg SGDConfig) (*SGD, error) {
	if err := checkVars("sgd", vars); err != nil {
		return nil, err
	}
	if cfg.LR == 0 {
		cfg.LR = 0.01
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, fmt.Errorf("sgd: momentum %v outside [0, 1)", cfg.Momentum)
	}
	return &SGD{vars: vars, lr: cfg.LR, momentum: cfg.Momentum, velocities: make(map[string]*tensor.Tensor)}, nil
}

// Step applies one update.
func (s *SGD) Step(grads *autograd.GradStore) error {
	for i, v := range s.vars {
		g, ok := grads.Get(v)
		if !ok {
			continue
		}
		g = g.Detach()
		if s.momentum != 0 {
			key := fmt.Sprintf("velocity.%d", i)
			vel, err := state(s.velocities, key, v)
			if err != nil {
				return err
			}
			if vel, err = vel.Affine(s.momentum, 0); err != nil {
				return err
			}
			if g, err = vel.Add(g); err != nil {
				return err
			}
			s.velocities[key] = g
		}
		step, err := g.Affine(s.lr, 0)
		if err != nil {
			return err
		}
		next, err := v.Detach().Sub(step)
		if err != nil {
			return err
		}
		if err := v.Assign(next); err != nil {
			return fmt.Errorf("sgd: parameter %d: %w", i, err)
		}
	}
	return nil
}

// LearningRate returns the current learning rate.
func (s *SGD) LearningRate() float64 { return s.lr }

// SetLearningRate changes the learning rate for later steps.
func (s *SGD) SetLearningRate(lr float64) { s.lr = lr }

// StateDict returns the momentum buffers keyed "velocity.<index>".
func (s *SGD) StateDict() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(s.velocities))
	for k, v := range s.velocities {
		out[k] = v
	}
	return out
}

// LoadStateDict replaces the momentum buffers.
func (s *SGD) LoadStateDict(saved map[string]*tensor.Tensor) error {
	velocities := make(map[string]*tensor.Tensor)
	for i, v := range s.vars {
		key := fmt.Sprintf("velocity.%d", i)
		vel, ok, err := loadState("sgd", key, saved, v)
		if err != nil {
			return err
		}
		if ok {
			velocities[key] = vel
		}
	}
	s.velocities = velocities
	return nil
}
