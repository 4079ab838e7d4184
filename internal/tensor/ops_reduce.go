package tensor

import (
	"fmt"
	"sort"
)

// resolveAxes normalizes axes to sorted unique non-negative dims. No axes
// means every dimension.
func (t *Tensor) resolveAxes(op string, axes []int) ([]int, error) {
	if len(axes) == 0 {
		all := make([]int, t.Rank())
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	seen := make(map[int]bool, len(axes))
	out := make([]int, 0, len(axes))
	for _, a := range axes {
		ax, err := t.Shape().ResolveAxis(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !seen[ax] {
			seen[ax] = true
			out = append(out, ax)
		}
	}
	sort.Ints(out)
	return out, nil
}

func keptShape(shape Shape, axes []int) Shape {
	out := shape.Clone()
	for _, a := range axes {
		out[a] = 1
	}
	return out
}

func droppedShape(shape Shape, axes []int) Shape {
	drop := make(map[int]bool, len(axes))
	for _, a := range axes {
		drop[a] = true
	}
	out := Shape{}
	for i, d := range shape {
		if !drop[i] {
			out = append(out, d)
		}
	}
	return out
}

func (t *Tensor) reduce(op ReduceOp, axes []int, keepDim bool) (*Tensor, error) {
	name := op.String()
	ax, err := t.resolveAxes(name, axes)
	if err != nil {
		return nil, err
	}
	if op != ReduceSum {
		for _, a := range ax {
			if t.Shape()[a] == 0 {
				return nil, ShapeErrorf(name, "cannot reduce empty dimension %d of %v", a, t.Shape())
			}
		}
	}
	s, err := t.Backend().Reduce(op, t.storage, t.layout, ax)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	kept := keptShape(t.Shape(), ax)
	var out *Tensor
	if op == ReduceArgMax || op == ReduceArgMin {
		out = newTensor(s, Contiguous(kept))
	} else {
		out, err = result(s, kept, &OpRecord{Op: OpReduce, Reduce: op, Axes: ax, Inputs: []*Tensor{t}})
		if err != nil {
			return nil, err
		}
	}
	if keepDim {
		return out, nil
	}
	return out.Reshape(droppedShape(t.Shape(), ax))
}

// Sum sums over axes (every axis when none are given) and removes them.
func (t *Tensor) Sum(axes ...int) (*Tensor, error) { return t.reduce(ReduceSum, axes, false) }

// SumKeepDim sums over axes, keeping them with size 1.
func (t *Tensor) SumKeepDim(axes ...int) (*Tensor, error) { return t.reduce(ReduceSum, axes, true) }

// SumAll sums every element into a rank-0 tensor.
func (t *Tensor) SumAll() (*Tensor, error) { return t.reduce(ReduceSum, nil, false) }

// Max takes the maximum over axes and removes them.
func (t *Tensor) Max(axes ...int) (*Tensor, error) { return t.reduce(ReduceMax, axes, false) }

// MaxKeepDim takes the maximum over axes, keeping them with size 1.
func (t *Tensor) MaxKeepDim(axes ...int) (*Tensor, error) { return t.reduce(ReduceMax, axes, true) }

// Min takes the minimum over axes and removes them.
func (t *Tensor) Min(axes ...int) (*Tensor, error) { return t.reduce(ReduceMin, axes, false) }

// MinKeepDim takes the minimum over axes, keeping them with size 1.
func (t *Tensor) MinKeepDim(axes ...int) (*Tensor, error) { return t.reduce(ReduceMin, axes, true) }

// ArgMax returns the U32 index of the first maximum along axis.
func (t *Tensor) ArgMax(axis int) (*Tensor, error) {
	return t.reduce(ReduceArgMax, []int{axis}, false)
}

// ArgMaxKeepDim is ArgMax keeping axis with size 1.
func (t *Tensor) ArgMaxKeepDim(axis int) (*Tensor, error) {
	return t.reduce(ReduceArgMax, []int{axis}, true)
}

// ArgMin returns the U32 index of the first minimum along axis.
func (t *Tensor) ArgMin(axis int) (*Tensor, error) {
	return t.reduce(ReduceArgMin, []int{axis}, false)
}

// ArgMinKeepDim is ArgMin keeping axis with size 1.
func (t *Tensor) ArgMinKeepDim(axis int) (*Tensor, error) {
	return t.reduce(ReduceArgMin, []int{axis}, true)
}

func (t *Tensor) reducedCount(axes []int) int {
	n := 1
	for _, a := range axes {
		n *= t.Shape()[a]
	}
	return n
}

func (t *Tensor) mean(axes []int, keepDim bool) (*Tensor, error) {
	if !t.DType().IsFloat() {
		return nil, DtypeErrorf("mean", "requires a float dtype, got %s", t.DType())
	}
	ax, err := t.resolveAxes("mean", axes)
	if err != nil {
		return nil, err
	}
	s, err := t.reduce(ReduceSum, ax, keepDim)
	if err != nil {
		return nil, err
	}
	return s.Affine(1/float64(t.reducedCount(ax)), 0)
}

// Mean averages over axes and removes them.
func (t *Tensor) Mean(axes ...int) (*Tensor, error) { return t.mean(axes, false) }

// MeanKeepDim averages over axes, keeping them with size 1.
func (t *Tensor) MeanKeepDim(axes ...int) (*Tensor, error) { return t.mean(axes, true) }

// variance is two-pass: the mean is subtracted before squaring. It divides by
// n-1, so a single-element reduction yields NaN.
func (t *Tensor) variance(axes []int, keepDim bool) (*Tensor, error) {
	if !t.DType().IsFloat() {
		return nil, DtypeErrorf("var", "requires a float dtype, got %s", t.DType())
	}
	ax, err := t.resolveAxes("var", axes)
	if err != nil {
		return nil, err
	}
	mu, err := t.mean(ax, true)
	if err != nil {
		return nil, err
	}
	d, err := t.Sub(mu)
	if err != nil {
		return nil, err
	}
	sq, err := d.Sqr()
	if err != nil {
		return nil, err
	}
	s, err := sq.reduce(ReduceSum, ax, keepDim)
	if err != nil {
		return nil, err
	}
	return s.Affine(1/float64(t.reducedCount(ax)-1), 0)
}

// Var computes the unbiased variance over axes and removes them.
func (t *Tensor) Var(axes ...int) (*Tensor, error) { return t.variance(axes, false) }

// VarKeepDim computes the unbiased variance over axes, keeping them with size 1.
func (t *Tensor) VarKeepDim(axes ...int) (*Tensor, error) { return t.variance(axes, true) }

// Softmax normalizes exp(t) along axis.
func (t *Tensor) Softmax(axis int) (*Tensor, error) {
	shifted, err := t.shiftByMax(axis)
	if err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}
	e, err := shifted.Exp()
	if err != nil {
		return nil, err
	}
	s, err := e.SumKeepDim(axis)
	if err != nil {
		return nil, err
	}
	return e.Div(s)
}

// LogSoftmax returns log(softmax(t)) along axis, computed without
// materializing the softmax.
func (t *Tensor) LogSoftmax(axis int) (*Tensor, error) {
	shifted, err := t.shiftByMax(axis)
	if err != nil {
		return nil, fmt.Errorf("log_softmax: %w", err)
	}
	e, err := shifted.Exp()
	if err != nil {
		return nil, err
	}
	s, err := e.SumKeepDim(axis)
	if err != nil {
		return nil, err
	}
	lse, err := s.Log()
	if err != nil {
		return nil, err
	}
	return shifted.Sub(lse)
}

// shiftByMax subtracts the detached per-slice maximum. Softmax is invariant
// to the shift, so the gradient is unchanged.
func (t *Tensor) shiftByMax(axis int) (*Tensor, error) {
	m, err := t.MaxKeepDim(axis)
	if err != nil {
		return nil, err
	}
	return t.Sub(m.Detach())
}
