// Package autograd implements reverse-mode differentiation over the op
// records kept by package tensor.
//
// A backward pass walks the records reachable from the loss in reverse
// topological order and applies one gradient rule per record. Every record
// name the tensor package can produce has an entry in the rule registry;
// comparison and arg-reduction records are registered as non-differentiable.
//
// Example:
//
//	x, _ := tensor.NewVar(x0)
//	y, _ := x.Sqr()
//	grads, err := autograd.Backward(y)
//	dx, _ := grads.Get(x)
package autograd

import (
	"fmt"

	"github.com/born-ml/tensorcore/internal/logger"
	"github.com/born-ml/tensorcore/internal/tensor"
)

type node struct {
	t   *tensor.Tensor
	rec *tensor.OpRecord
}

// Backward differentiates loss with a seed of ones.
func Backward(loss *tensor.Tensor) (*GradStore, error) {
	seed, err := tensor.OnesLike(loss)
	if err != nil {
		return nil, fmt.Errorf("backward: %w", err)
	}
	return BackwardWithSeed(loss, seed)
}

// BackwardWithSeed differentiates t starting from the gradient seed, which
// must have t's shape and dtype. Any failure returns a nil store.
func BackwardWithSeed(t, seed *tensor.Tensor) (*GradStore, error) {
	if !seed.Shape().Equal(t.Shape()) {
		return nil, tensor.ShapeErrorf("backward", "seed shape %v does not match %v", seed.Shape(), t.Shape())
	}
	if seed.DType() != t.DType() {
		return nil, tensor.DtypeErrorf("backward", "seed dtype %s does not match %s", seed.DType(), t.DType())
	}
	store := NewGradStore()
	if !t.Tracked() {
		return store, nil
	}

	order := sortedNodes(t)
	for _, n := range order {
		if err := validate(n.rec); err != nil {
			return nil, err
		}
	}
	logger.Log.Debug("backward", "nodes", len(order), "root", t.ID())

	store.grads[t.ID()] = seed.Detach()
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		grad, ok := store.grads[n.t.ID()]
		if !ok {
			continue
		}
		inputs := detachAll(n.rec.Inputs)
		grads, err := apply(n.rec, inputs, n.t.Detach(), grad)
		if err != nil {
			return nil, fmt.Errorf("backward %s: %w", n.rec.Name(), err)
		}
		for j, in := range n.rec.Inputs {
			g := grads[j]
			if g == nil || !in.Tracked() {
				continue
			}
			if !g.Shape().Equal(in.Shape()) {
				return nil, tensor.ShapeErrorf("backward", "%s produced gradient %v for input %v",
					n.rec.Name(), g.Shape(), in.Shape())
			}
			if err := store.accumulate(in.ID(), g); err != nil {
				return nil, fmt.Errorf("backward %s: %w", n.rec.Name(), err)
			}
		}
	}
	return store, nil
}

// sortedNodes returns the recorded tensors reachable from root, inputs
// before outputs. The walk is iterative so long chains cannot exhaust the
// goroutine stack.
func sortedNodes(root *tensor.Tensor) []node {
	type frame struct {
		n    node
		next int
	}
	var order []node
	seen := make(map[tensor.TensorID]bool)
	rec, ok := tensor.RecordOf(root)
	if !ok {
		return nil
	}
	seen[root.ID()] = true
	stack := []frame{{n: node{t: root, rec: rec}}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.n.rec.Inputs) {
			in := top.n.rec.Inputs[top.next]
			top.next++
			if seen[in.ID()] {
				continue
			}
			seen[in.ID()] = true
			if r, ok := tensor.RecordOf(in); ok {
				stack = append(stack, frame{n: node{t: in, rec: r}})
			}
			continue
		}
		order = append(order, top.n)
		stack = stack[:len(stack)-1]
	}
	return order
}

func detachAll(ts []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(ts))
	for i, t := range ts {
		out[i] = t.Detach()
	}
	return out
}
