package optim

import (
	"fmt"
	"math"
	"strconv"

	"github.com/born-ml/tensorcore/internal/autograd"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// AdamWConfig configures AdamW. A zero WeightDecay gives plain Adam.
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamWConfig returns lr 1e-3, betas (0.9, 0.999), eps 1e-8 and
// weight decay 0.01.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{LR: 1e-3, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.01}
}

// AdamW is Adam with decoupled weight decay:
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g^2
//	x = x*(1 - lr*wd) - lr * (m/(1-b1^t)) / (sqrt(v/(1-b2^t)) + eps)
type AdamW struct {
	vars []*tensor.Tensor
	cfg  AdamWConfig
	t    int
	m    map[string]*tensor.Tensor
	v    map[string]*tensor.Tensor
}

// NewAdamW returns an AdamW optimizer over vars.
func NewAdamW(vars []*tensor.Tensor, cfg AdamWConfig) (*AdamW, error) {
	if err := checkVars("adamw", vars); err != nil {
		return nil, err
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, fmt.Errorf("adamw: betas (%v, %v) outside [0, 1)", cfg.Beta1, cfg.Beta2)
	}
	if cfg.Eps <= 0 {
		return nil, fmt.Errorf("adamw: eps must be positive, got %v", cfg.Eps)
	}
	return &AdamW{
		vars: vars,
		cfg:  cfg,
		m:    make(map[string]*tensor.Tensor),
		v:    make(map[string]*tensor.Tensor),
	}, nil
}

// NewAdam returns AdamW without weight decay.
func NewAdam(vars []*tensor.Tensor, lr float64) (*AdamW, error) {
	cfg := DefaultAdamWConfig()
	cfg.LR, cfg.WeightDecay = lr, 0
	return NewAdamW(vars, cfg)
}

// Step applies one update.
func (a *AdamW) Step(grads *autograd.GradStore) error {
	a.t++
	bc1 := 1 - math.Pow(a.cfg.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.cfg.Beta2, float64(a.t))
	for i, v := range a.vars {
		g, ok := grads.Get(v)
		if !ok {
			continue
		}
		if err := a.update(i, v, g.Detach(), bc1, bc2); err != nil {
			return fmt.Errorf("adamw: parameter %d: %w", i, err)
		}
	}
	return nil
}

func (a *AdamW) update(i int, x, g *tensor.Tensor, bc1, bc2 float64) error {
	mk, vk := "m."+strconv.Itoa(i), "v."+strconv.Itoa(i)
	m, err := state(a.m, mk, x)
	if err != nil {
		return err
	}
	v, err := state(a.v, vk, x)
	if err != nil {
		return err
	}

	c := chain{}
	g2 := c.do(g.Sqr())
	m = c.sum(c.scale(m, a.cfg.Beta1), c.scale(g, 1-a.cfg.Beta1))
	v = c.sum(c.scale(v, a.cfg.Beta2), c.scale(g2, 1-a.cfg.Beta2))
	denom := c.affine(c.sqrt(c.scale(v, 1/bc2)), 1, a.cfg.Eps)
	step := c.div(c.scale(m, a.cfg.LR/bc1), denom)
	next := c.scale(x.Detach(), 1-a.cfg.LR*a.cfg.WeightDecay)
	next = c.sub(next, step)
	if c.err != nil {
		return c.err
	}
	a.m[mk], a.v[vk] = m, v
	return x.Assign(next)
}

// LearningRate returns the current learning rate.
func (a *AdamW) LearningRate() float64 { return a.cfg.LR }

// SetLearningRate changes the learning rate for later steps.
func (a *AdamW) SetLearningRate(lr float64) { a.cfg.LR = lr }

// Steps returns the number of steps taken.
func (a *AdamW) Steps() int { return a.t }

// StateDict returns the moment estimates keyed "m.<index>" and "v.<index>".
func (a *AdamW) StateDict() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(a.m)+len(a.v))
	for k, t := range a.m {
		out[k] = t
	}
	for k, t := range a.v {
		out[k] = t
	}
	return out
}

// LoadStateDict replaces the moment estimates and sets the step count used
// for bias correction.
func (a *AdamW) LoadStateDict(saved map[string]*tensor.Tensor, steps int) error {
	m := make(map[string]*tensor.Tensor)
	v := make(map[string]*tensor.Tensor)
	for i, x := range a.vars {
		for _, dst := range []struct {
			key string
			to  map[string]*tensor.Tensor
		}{{"m." + strconv.Itoa(i), m}, {"v." + strconv.Itoa(i), v}} {
			s, ok, err := loadState("adamw", dst.key, saved, x)
			if err != nil {
				return err
			}
			if ok {
				dst.to[dst.key] = s
			}
		}
	}
	a.m, a.v, a.t = m, v, steps
	return nil
}

// chain threads the first error through a sequence of tensor ops.
type chain struct{ err error }

func (c *chain) do(t *tensor.Tensor, err error) *tensor.Tensor {
	if c.err == nil {
		c.err = err
	}
	return t
}

func (c *chain) affine(t *tensor.Tensor, mul, add float64) *tensor.Tensor {
	if c.err != nil {
		return nil
	}
	return c.do(t.Affine(mul, add))
}

func (c *chain) sqrt(t *tensor.Tensor) *tensor.Tensor {
	if c.err != nil {
		return nil
	}
	return c.do(t.Sqrt())
}

func (c *chain) scale(t *tensor.Tensor, k float64) *tensor.Tensor { return c.affine(t, k, 0) }

func (c *chain) sum(a, b *tensor.Tensor) *tensor.Tensor {
	if c.err != nil {
		return nil
	}
	return c.do(a.Add(b))
}

func (c *chain) sub(a, b *tensor.Tensor) *tensor.Tensor {
	if c.err != nil {
		return nil
	}
	return c.do(a.Sub(b))
}

func (c *chain) div(a, b *tensor.Tensor) *tensor.Tensor {
	if c.err != nil {
		return nil
	}
	return c.do(a.Div(b))
}
