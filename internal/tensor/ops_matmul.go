package tensor

import "fmt"

// MatMul multiplies [..., m, k] by [..., k, n]. Batch dimensions broadcast.
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	if err := sameDevice("matmul", t, other); err != nil {
		return nil, err
	}
	if err := sameDType("matmul", t, other); err != nil {
		return nil, err
	}
	if t.Rank() < 2 || other.Rank() < 2 {
		return nil, ShapeErrorf("matmul", "operands must have rank >= 2, got %v and %v", t.Shape(), other.Shape())
	}
	ls, rs := t.Shape(), other.Shape()
	m, k := ls[len(ls)-2], ls[len(ls)-1]
	k2, n := rs[len(rs)-2], rs[len(rs)-1]
	if k != k2 {
		return nil, ShapeErrorf("matmul", "inner dimensions differ: %v x %v", ls, rs)
	}
	batch, err := BroadcastShape(ls[:len(ls)-2], rs[:len(rs)-2])
	if err != nil {
		return nil, fmt.Errorf("matmul: batch dims: %w", err)
	}
	ll, err := t.layout.BroadcastAs(append(batch.Clone(), m, k))
	if err != nil {
		return nil, fmt.Errorf("matmul: %w", err)
	}
	rl, err := other.layout.BroadcastAs(append(batch.Clone(), k, n))
	if err != nil {
		return nil, fmt.Errorf("matmul: %w", err)
	}
	s, err := t.Backend().MatMul(t.storage, ll, other.storage, rl)
	if err != nil {
		return nil, fmt.Errorf("matmul: %w", err)
	}
	return result(s, append(batch.Clone(), m, n), &OpRecord{Op: OpMatMul, Inputs: []*Tensor{t, other}})
}

// Conv2D convolves NCHW input t with an OIHW kernel.
func (t *Tensor) Conv2D(kernel *Tensor, p ConvParams) (*Tensor, error) {
	if err := sameDevice("conv2d", t, kernel); err != nil {
		return nil, err
	}
	if err := sameDType("conv2d", t, kernel); err != nil {
		return nil, err
	}
	if !t.DType().IsFloat() {
		return nil, DtypeErrorf("conv2d", "requires a float dtype, got %s", t.DType())
	}
	shape, err := p.OutputShape(t.Shape(), kernel.Shape())
	if err != nil {
		return nil, err
	}
	s, err := t.Backend().Conv2D(t.storage, t.layout, kernel.storage, kernel.layout, p)
	if err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}
	return result(s, shape, &OpRecord{Op: OpConv2D, Conv: p, Inputs: []*Tensor{t, kernel}})
}

// Conv1DParams describes a 1-D convolution over NCL input and OCK kernel.
type Conv1DParams struct {
	Pad, Stride, Dilation int
}

// DefaultConv1DParams returns stride 1, dilation 1 and no padding.
func DefaultConv1DParams() Conv1DParams {
	return Conv1DParams{Stride: 1, Dilation: 1}
}

// Conv1D convolves NCL input t with an OCK kernel. It runs as a 2-D
// convolution with a unit height, so it shares the Conv2D gradient.
func (t *Tensor) Conv1D(kernel *Tensor, p Conv1DParams) (*Tensor, error) {
	if t.Rank() != 3 || kernel.Rank() != 3 {
		return nil, ShapeErrorf("conv1d", "expected 3-D input and kernel, got %v and %v", t.Shape(), kernel.Shape())
	}
	x, err := t.Unsqueeze(2)
	if err != nil {
		return nil, err
	}
	w, err := kernel.Unsqueeze(2)
	if err != nil {
		return nil, err
	}
	out, err := x.Conv2D(w, ConvParams{
		StrideH: 1, DilationH: 1,
		PadW: p.Pad, StrideW: p.Stride, DilationW: p.Dilation,
	})
	if err != nil {
		return nil, fmt.Errorf("conv1d: %w", err)
	}
	return out.Squeeze(2)
}
