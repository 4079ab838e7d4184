package quant

import (
	"fmt"
	"sync"

	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// MatMul computes x @ wᵀ for x [..., k] and w [n, k], giving [..., n].
// Each row of w is decoded one block at a time into a scratch buffer and
// consumed immediately, so the full weight matrix is never expanded. Work
// is split across output columns.
//
// The result is recorded as a custom op when x tracks gradients; w is
// treated as a constant.
func MatMul(x *tensor.Tensor, w *QTensor) (*tensor.Tensor, error) {
	return tensor.ApplyCustom(qmatmulOp{w: w}, x)
}

type qmatmulOp struct{ w *QTensor }

func (qmatmulOp) Name() string { return "qmatmul" }

func (op qmatmulOp) Forward(in ...*tensor.Tensor) (*tensor.Tensor, error) {
	return fusedMatMul(in[0], op.w)
}

// Backward returns dx = g @ w.
func (op qmatmulOp) Backward(_ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	wd, err := op.w.DequantizeAs(g.DType(), g.Backend())
	if err != nil {
		return nil, err
	}
	if g.Rank() == 1 {
		g2, err := g.Unsqueeze(0)
		if err != nil {
			return nil, err
		}
		dx, err := g2.MatMul(wd)
		if err != nil {
			return nil, err
		}
		dx, err = dx.Squeeze(0)
		return []*tensor.Tensor{dx}, err
	}
	dx, err := g.MatMul(wd)
	return []*tensor.Tensor{dx}, err
}

func fusedMatMul(x *tensor.Tensor, w *QTensor) (*tensor.Tensor, error) {
	if w.shape.Rank() != 2 {
		return nil, tensor.ShapeErrorf("qmatmul", "weight must be 2-D, got %v", w.shape)
	}
	if !x.DType().IsFloat() {
		return nil, tensor.DtypeErrorf("qmatmul", "expected a float input, got %s", x.DType())
	}
	n, k := w.shape[0], w.shape[1]
	xs := x.Shape()
	if xs.Rank() == 0 || xs[xs.Rank()-1] != k {
		return nil, tensor.ShapeErrorf("qmatmul", "input %v does not end in %d", xs, k)
	}
	xv, err := x.ToFloat32s()
	if err != nil {
		return nil, fmt.Errorf("qmatmul: %w", err)
	}
	m := 1
	for _, d := range xs[:xs.Rank()-1] {
		m *= d
	}
	out := make([]float32, m*n)

	step := k
	if w.scheme.Quantized() {
		step = w.scheme.BlockSize()
	}
	rowBytes := w.scheme.RowSize(k)
	parallel.ForChunks(n, func(start, end int) {
		scratch := make([]float32, step)
		for col := start; col < end; col++ {
			row := w.data[col*rowBytes : (col+1)*rowBytes]
			for off := 0; off < k; off += step {
				DecodeRow(w.scheme, row[w.scheme.RowSize(off):], scratch)
				for r := range m {
					xr := xv[r*k+off : r*k+off+step]
					var acc float32
					for i, v := range scratch {
						acc += xr[i] * v
					}
					out[r*n+col] += acc
				}
			}
		}
	}, ParallelConfig())

	shape := xs.Clone()
	shape[shape.Rank()-1] = n
	y, err := tensor.FromSlice(out, shape, x.Backend())
	if err != nil || x.DType() == tensor.F32 {
		return y, err
	}
	return y.ToDType(x.DType())
}

// QMatMul is a linear layer over a quantized or dense weight [n, k].
// On host devices quantized weights use the fused kernel. Elsewhere the
// weight is dequantized once per device and multiplied densely.
type QMatMul struct {
	q     *QTensor
	dense *tensor.Tensor

	mu    sync.Mutex
	cache *tensor.Tensor
}

// NewQMatMul wraps a quantized weight.
func NewQMatMul(w *QTensor) *QMatMul {
	return &QMatMul{q: w}
}

// NewDenseMatMul wraps a dense weight [n, k].
func NewDenseMatMul(w *tensor.Tensor) *QMatMul {
	return &QMatMul{dense: w}
}

// Forward computes x @ wᵀ. A vector x [k] yields a vector [n] on every path.
func (l *QMatMul) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if l.q != nil && x.Device() == tensor.Host {
		return MatMul(x, l.q)
	}
	w, err := l.weight(x)
	if err != nil {
		return nil, err
	}
	wt, err := w.T()
	if err != nil {
		return nil, err
	}
	if x.Rank() != 1 {
		return x.MatMul(wt)
	}
	x2, err := x.Unsqueeze(0)
	if err != nil {
		return nil, err
	}
	y, err := x2.MatMul(wt)
	if err != nil {
		return nil, err
	}
	return y.Squeeze(0)
}

func (l *QMatMul) weight(x *tensor.Tensor) (*tensor.Tensor, error) {
	if l.dense != nil {
		return l.dense, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache != nil && l.cache.Backend() == x.Backend() && l.cache.DType() == x.DType() {
		return l.cache, nil
	}
	w, err := l.q.DequantizeAs(x.DType(), x.Backend())
	if err != nil {
		return nil, fmt.Errorf("qmatmul: %w", err)
	}
	l.cache = w
	return w, nil
}
