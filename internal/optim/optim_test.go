package optim

import (
	"testing"

	"github.com/born-ml/tensorcore/internal/autograd"
	"github.com/born-ml/tensorcore/internal/backend/cpu"
	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/born-ml/tensorcore/internal/varbuilder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func variable(t *testing.T, b tensor.Backend, data ...float64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape{len(data)}, b)
	require.NoError(t, err)
	v, err := tensor.NewVar(x)
	require.NoError(t, err)
	return v
}

// sumSquares returns the gradients of sum(x^2), which are 2x.
func sumSquares(t *testing.T, x *tensor.Tensor) *autograd.GradStore {
	t.Helper()
	sq, err := x.Sqr()
	require.NoError(t, err)
	loss, err := sq.SumAll()
	require.NoError(t, err)
	grads, err := autograd.Backward(loss)
	require.NoError(t, err)
	return grads
}

func values(t *testing.T, x *tensor.Tensor) []float64 {
	t.Helper()
	v, err := x.ToFloat64s()
	require.NoError(t, err)
	return v
}

func TestSGDStep(t *testing.T) {
	x := variable(t, cpu.New(), 1, 2, 3)
	opt, err := NewSGD([]*tensor.Tensor{x}, SGDConfig{LR: 0.1})
	require.NoError(t, err)

	require.NoError(t, opt.Step(sumSquares(t, x)))
	assert.InDeltaSlice(t, []float64{0.8, 1.6, 2.4}, values(t, x), 1e-12)
	assert.Empty(t, opt.StateDict(), "no velocity without momentum")
}

func TestSGDMomentum(t *testing.T) {
	x := variable(t, cpu.New(), 1, 2, 3)
	opt, err := NewSGD([]*tensor.Tensor{x}, SGDConfig{LR: 0.1, Momentum: 0.9})
	require.NoError(t, err)

	require.NoError(t, opt.Step(sumSquares(t, x)))
	assert.InDeltaSlice(t, []float64{0.8, 1.6, 2.4}, values(t, x), 1e-12)

	// v = 0.9*[2,4,6] + [1.6,3.2,4.8]
	require.NoError(t, opt.Step(sumSquares(t, x)))
	assert.InDeltaSlice(t, []float64{0.46, 0.92, 1.38}, values(t, x), 1e-12)

	state := opt.StateDict()
	require.Contains(t, state, "velocity.0")
	assert.InDeltaSlice(t, []float64{3.4, 6.8, 10.2}, values(t, state["velocity.0"]), 1e-12)
}

func TestSGDDefaultsAndValidation(t *testing.T) {
	x := variable(t, cpu.New(), 1)
	opt, err := NewSGD([]*tensor.Tensor{x}, SGDConfig{})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, opt.LearningRate(), 0)
	opt.SetLearningRate(0.5)
	assert.InDelta(t, 0.5, opt.LearningRate(), 0)

	_, err = NewSGD([]*tensor.Tensor{x}, SGDConfig{Momentum: 1})
	assert.Error(t, err)

	plain, err := tensor.Zeros(tensor.Shape{2}, tensor.F32, cpu.New())
	require.NoError(t, err)
	_, err = NewSGD([]*tensor.Tensor{plain}, SGDConfig{})
	assert.ErrorIs(t, err, tensor.ErrDevice)
}

func TestSGDLoadStateDict(t *testing.T) {
	b := cpu.New()
	x := variable(t, b, 1, 2, 3)
	first, err := NewSGD([]*tensor.Tensor{x}, SGDConfig{LR: 0.1, Momentum: 0.9})
	require.NoError(t, err)
	require.NoError(t, first.Step(sumSquares(t, x)))

	resumed, err := NewSGD([]*tensor.Tensor{x}, SGDConfig{LR: 0.1, Momentum: 0.9})
	require.NoError(t, err)
	require.NoError(t, resumed.LoadStateDict(first.StateDict()))
	require.NoError(t, resumed.Step(sumSquares(t, x)))
	assert.InDeltaSlice(t, []float64{0.46, 0.92, 1.38}, values(t, x), 1e-12)

	wrong, err := tensor.Zeros(tensor.Shape{2}, tensor.F64, b)
	require.NoError(t, err)
	err = resumed.LoadStateDict(map[string]*tensor.Tensor{"velocity.0": wrong})
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestAdamFirstStepMovesByLR(t *testing.T) {
	x := variable(t, cpu.New(), 1, -2)
	opt, err := NewAdam([]*tensor.Tensor{x}, 0.1)
	require.NoError(t, err)

	// After bias correction the first update is lr*g/|g|.
	require.NoError(t, opt.Step(sumSquares(t, x)))
	assert.InDeltaSlice(t, []float64{0.9, -1.9}, values(t, x), 1e-6)
	assert.Equal(t, 1, opt.Steps())
	assert.Len(t, opt.StateDict(), 2)
}

func TestAdamWDecaysWeights(t *testing.T) {
	x := variable(t, cpu.New(), 1, -2)
	cfg := DefaultAdamWConfig()
	cfg.LR, cfg.WeightDecay = 0.1, 0.1
	opt, err := NewAdamW([]*tensor.Tensor{x}, cfg)
	require.NoError(t, err)

	require.NoError(t, opt.Step(sumSquares(t, x)))
	assert.InDeltaSlice(t, []float64{0.99 - 0.1, -1.98 + 0.1}, values(t, x), 1e-6)
}

func TestAdamWValidation(t *testing.T) {
	x := variable(t, cpu.New(), 1)
	cfg := DefaultAdamWConfig()
	cfg.Beta1 = 1
	_, err := NewAdamW([]*tensor.Tensor{x}, cfg)
	assert.Error(t, err)

	cfg = DefaultAdamWConfig()
	cfg.Eps = 0
	_, err = NewAdamW([]*tensor.Tensor{x}, cfg)
	assert.Error(t, err)
}

func TestVariablesWithoutGradientsAreUntouched(t *testing.T) {
	b := cpu.New()
	used := variable(t, b, 1)
	idle := variable(t, b, 5)
	opt, err := NewAdam([]*tensor.Tensor{used, idle}, 0.1)
	require.NoError(t, err)

	require.NoError(t, opt.Step(sumSquares(t, used)))
	assert.InDeltaSlice(t, []float64{5}, values(t, idle), 0)
	assert.Len(t, opt.StateDict(), 2, "moments only for the updated variable")
}

func TestAssignedValuesAreSeenThroughVarMap(t *testing.T) {
	b := cpu.New()
	vm := varbuilder.NewVarMap()
	w, err := varbuilder.New(vm, tensor.F64, b).Get(tensor.Shape{2}, "w")
	require.NoError(t, err)

	opt, err := NewSGD(vm.Vars(), SGDConfig{LR: 1})
	require.NoError(t, err)
	one, err := tensor.Ones(tensor.Shape{2}, tensor.F64, b)
	require.NoError(t, err)
	grads := autograd.NewGradStore()
	grads.Insert(w, one)
	require.NoError(t, opt.Step(grads))

	again, err := varbuilder.New(vm, tensor.F64, b).Get(tensor.Shape{2}, "w")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-1, -1}, values(t, again), 0)
}

// Fits y = 2x + 1 by gradient descent on the mean squared error.
func TestLinearRegressionConverges(t *testing.T) {
	b := cpu.New()
	vm := varbuilder.NewVarMapSeeded(7)
	vb := varbuilder.New(vm, tensor.F64, b)
	w, err := vb.Get(tensor.Shape{1}, "w")
	require.NoError(t, err)
	bias, err := vb.Get(tensor.Shape{1}, "b")
	require.NoError(t, err)

	xs, err := tensor.FromSlice([]float64{0, 1, 2, 3}, tensor.Shape{4}, b)
	require.NoError(t, err)
	ys, err := tensor.FromSlice([]float64{1, 3, 5, 7}, tensor.Shape{4}, b)
	require.NoError(t, err)

	opt, err := NewSGD(vm.Vars(), SGDConfig{LR: 0.05})
	require.NoError(t, err)
	for range 500 {
		pred, err := xs.Mul(w)
		require.NoError(t, err)
		pred, err = pred.Add(bias)
		require.NoError(t, err)
		diff, err := pred.Sub(ys)
		require.NoError(t, err)
		sq, err := diff.Sqr()
		require.NoError(t, err)
		loss, err := sq.Mean()
		require.NoError(t, err)
		require.NoError(t, BackwardStep(opt, loss))
	}
	assert.InDeltaSlice(t, []float64{2}, values(t, w), 1e-3)
	assert.InDeltaSlice(t, []float64{1}, values(t, bias), 1e-3)
}
