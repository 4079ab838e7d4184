package tensor

import "fmt"

func unaryNeedsFloat(op UnaryOp) bool {
	switch op {
	case UnaryNeg, UnarySqr, UnaryAbs, UnarySign, UnaryRelu:
		return false
	default:
		return true
	}
}

func (t *Tensor) unary(op UnaryOp) (*Tensor, error) {
	dt := t.DType()
	if unaryNeedsFloat(op) && !dt.IsFloat() {
		return nil, DtypeErrorf(op.String(), "requires a float dtype, got %s", dt)
	}
	if op == UnaryNeg && (dt == U8 || dt == U32) {
		return nil, DtypeErrorf(op.String(), "unsigned dtype %s cannot be negated", dt)
	}
	s, err := t.Backend().Unary(op, t.storage, t.layout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result(s, t.Shape(), &OpRecord{Op: OpUnary, Unary: op, Inputs: []*Tensor{t}})
}

// Neg returns -t.
func (t *Tensor) Neg() (*Tensor, error) { return t.unary(UnaryNeg) }

// Exp returns e^t.
func (t *Tensor) Exp() (*Tensor, error) { return t.unary(UnaryExp) }

// Log returns the natural logarithm of t.
func (t *Tensor) Log() (*Tensor, error) { return t.unary(UnaryLog) }

// Sqrt returns the square root of t.
func (t *Tensor) Sqrt() (*Tensor, error) { return t.unary(UnarySqrt) }

// Sqr returns t*t.
func (t *Tensor) Sqr() (*Tensor, error) { return t.unary(UnarySqr) }

// Abs returns |t|.
func (t *Tensor) Abs() (*Tensor, error) { return t.unary(UnaryAbs) }

// Sign returns -1, 0 or 1 per element.
func (t *Tensor) Sign() (*Tensor, error) { return t.unary(UnarySign) }

// Tanh returns tanh(t).
func (t *Tensor) Tanh() (*Tensor, error) { return t.unary(UnaryTanh) }

// Sigmoid returns 1/(1+e^-t).
func (t *Tensor) Sigmoid() (*Tensor, error) { return t.unary(UnarySigmoid) }

// Relu returns max(t, 0).
func (t *Tensor) Relu() (*Tensor, error) { return t.unary(UnaryRelu) }

// Silu returns t*sigmoid(t).
func (t *Tensor) Silu() (*Tensor, error) { return t.unary(UnarySilu) }

// Gelu returns the tanh approximation of GELU.
func (t *Tensor) Gelu() (*Tensor, error) { return t.unary(UnaryGelu) }

// Sin returns sin(t).
func (t *Tensor) Sin() (*Tensor, error) { return t.unary(UnarySin) }

// Cos returns cos(t).
func (t *Tensor) Cos() (*Tensor, error) { return t.unary(UnaryCos) }

// Recip returns 1/t.
func (t *Tensor) Recip() (*Tensor, error) { return t.unary(UnaryRecip) }

// Affine returns t*mul + add.
func (t *Tensor) Affine(mul, add float64) (*Tensor, error) {
	s, err := t.Backend().Affine(t.storage, t.layout, mul, add)
	if err != nil {
		return nil, fmt.Errorf("affine: %w", err)
	}
	return result(s, t.Shape(), &OpRecord{Op: OpAffine, Mul: mul, Add: add, Inputs: []*Tensor{t}})
}

// Powf returns t raised to exp.
func (t *Tensor) Powf(exp float64) (*Tensor, error) {
	if !t.DType().IsFloat() {
		return nil, DtypeErrorf("powf", "requires a float dtype, got %s", t.DType())
	}
	s, err := t.Backend().Powf(t.storage, t.layout, exp)
	if err != nil {
		return nil, fmt.Errorf("powf: %w", err)
	}
	return result(s, t.Shape(), &OpRecord{Op: OpPowf, Exp: exp, Inputs: []*Tensor{t}})
}

// broadcastPair validates two operands in dispatch order (device, dtype,
// broadcast) and returns their layouts expanded to the common shape.
func broadcastPair(op string, a, b *Tensor) (Shape, Layout, Layout, error) {
	if err := sameDevice(op, a, b); err != nil {
		return nil, Layout{}, Layout{}, err
	}
	if err := sameDType(op, a, b); err != nil {
		return nil, Layout{}, Layout{}, err
	}
	shape, err := BroadcastShape(a.Shape(), b.Shape())
	if err != nil {
		return nil, Layout{}, Layout{}, fmt.Errorf("%s: %w", op, err)
	}
	al, err := a.layout.BroadcastAs(shape)
	if err != nil {
		return nil, Layout{}, Layout{}, fmt.Errorf("%s: %w", op, err)
	}
	bl, err := b.layout.BroadcastAs(shape)
	if err != nil {
		return nil, Layout{}, Layout{}, fmt.Errorf("%s: %w", op, err)
	}
	return shape, al, bl, nil
}

func (t *Tensor) binary(op BinaryOp, other *Tensor) (*Tensor, error) {
	shape, ll, rl, err := broadcastPair(op.String(), t, other)
	if err != nil {
		return nil, err
	}
	s, err := t.Backend().Binary(op, t.storage, ll, other.storage, rl)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result(s, shape, &OpRecord{Op: OpBinary, Binary: op, Inputs: []*Tensor{t, other}})
}

// Add returns t + other with broadcasting.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) { return t.binary(BinaryAdd, other) }

// Sub returns t - other with broadcasting.
func (t *Tensor) Sub(other *Tensor) (*Tensor, error) { return t.binary(BinarySub, other) }

// Mul returns t * other with broadcasting.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) { return t.binary(BinaryMul, other) }

// Div returns t / other with broadcasting.
func (t *Tensor) Div(other *Tensor) (*Tensor, error) { return t.binary(BinaryDiv, other) }

// Maximum returns the element-wise maximum with broadcasting.
func (t *Tensor) Maximum(other *Tensor) (*Tensor, error) { return t.binary(BinaryMaximum, other) }

// Minimum returns the element-wise minimum with broadcasting.
func (t *Tensor) Minimum(other *Tensor) (*Tensor, error) { return t.binary(BinaryMinimum, other) }

func (t *Tensor) compare(op CmpOp, other *Tensor) (*Tensor, error) {
	shape, ll, rl, err := broadcastPair(op.String(), t, other)
	if err != nil {
		return nil, err
	}
	s, err := t.Backend().Compare(op, t.storage, ll, other.storage, rl)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return newTensor(s, Contiguous(shape)), nil
}

// Eq returns 1 where t == other, else 0, as U8.
func (t *Tensor) Eq(other *Tensor) (*Tensor, error) { return t.compare(CmpEq, other) }

// Ne returns 1 where t != other, else 0, as U8.
func (t *Tensor) Ne(other *Tensor) (*Tensor, error) { return t.compare(CmpNe, other) }

// Lt returns 1 where t < other, else 0, as U8.
func (t *Tensor) Lt(other *Tensor) (*Tensor, error) { return t.compare(CmpLt, other) }

// Le returns 1 where t <= other, else 0, as U8.
func (t *Tensor) Le(other *Tensor) (*Tensor, error) { return t.compare(CmpLe, other) }

// Gt returns 1 where t > other, else 0, as U8.
func (t *Tensor) Gt(other *Tensor) (*Tensor, error) { return t.compare(CmpGt, other) }

// Ge returns 1 where t >= other, else 0, as U8.
func (t *Tensor) Ge(other *Tensor) (*Tensor, error) { return t.compare(CmpGe, other) }

// Where selects onTrue where cond is non-zero and onFalse elsewhere.
// All three operands broadcast to a common shape.
func Where(cond, onTrue, onFalse *Tensor) (*Tensor, error) {
	if err := sameDevice("where", cond, onTrue); err != nil {
		return nil, err
	}
	if err := sameDevice("where", onTrue, onFalse); err != nil {
		return nil, err
	}
	if !cond.DType().IsInt() {
		return nil, DtypeErrorf("where", "condition must have an integer dtype, got %s", cond.DType())
	}
	if err := sameDType("where", onTrue, onFalse); err != nil {
		return nil, err
	}
	shape, err := BroadcastShape(onTrue.Shape(), onFalse.Shape())
	if err == nil {
		shape, err = BroadcastShape(cond.Shape(), shape)
	}
	if err != nil {
		return nil, fmt.Errorf("where: %w", err)
	}
	cl, _ := cond.layout.BroadcastAs(shape)
	tl, _ := onTrue.layout.BroadcastAs(shape)
	fl, _ := onFalse.layout.BroadcastAs(shape)
	s, err := cond.Backend().Where(cond.storage, cl, onTrue.storage, tl, onFalse.storage, fl)
	if err != nil {
		return nil, fmt.Errorf("where: %w", err)
	}
	return result(s, shape, &OpRecord{Op: OpWhere, Inputs: []*Tensor{cond, onTrue, onFalse}})
}

// ToDType converts t to dtype. Float to integer conversion truncates toward zero.
func (t *Tensor) ToDType(dtype DType) (*Tensor, error) {
	if t.DType() == dtype {
		return t, nil
	}
	s, err := t.Backend().Cast(t.storage, t.layout, dtype)
	if err != nil {
		return nil, fmt.Errorf("to_dtype: %w", err)
	}
	return result(s, t.Shape(), &OpRecord{Op: OpCast, SrcDType: t.DType(), Inputs: []*Tensor{t}})
}

// ToDevice copies t to backend b.
func (t *Tensor) ToDevice(b Backend) (*Tensor, error) {
	if t.Backend() == b {
		return t, nil
	}
	data, err := t.ContiguousBytes()
	if err != nil {
		return nil, fmt.Errorf("to_device: %w", err)
	}
	s, err := b.FromHost(t.DType(), data)
	if err != nil {
		return nil, fmt.Errorf("to_device: %w", err)
	}
	return result(s, t.Shape(), &OpRecord{Op: OpToDevice, Src: t.Backend(), Inputs: []*Tensor{t}})
}
