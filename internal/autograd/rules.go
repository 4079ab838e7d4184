package autograd

import (
	"fmt"
	"math"

	"github.com/born-ml/tensorcore/internal/tensor"
)

// rule computes one gradient per record input from the detached inputs, the
// detached output and the output gradient. A nil entry means no gradient.
type rule func(rec *tensor.OpRecord, in []*tensor.Tensor, out, g *tensor.Tensor) ([]*tensor.Tensor, error)

var rules = map[string]rule{
	"unary.neg":     unaryRule(func(_, _, g *tensor.Tensor) (*tensor.Tensor, error) { return g.Neg() }),
	"unary.exp":     unaryRule(func(_, y, g *tensor.Tensor) (*tensor.Tensor, error) { return g.Mul(y) }),
	"unary.log":     unaryRule(func(x, _, g *tensor.Tensor) (*tensor.Tensor, error) { return g.Div(x) }),
	"unary.sqrt":    unaryRule(sqrtGrad),
	"unary.sqr":     unaryRule(sqrGrad),
	"unary.abs":     unaryRule(absGrad),
	"unary.sign":    unaryRule(func(x, _, _ *tensor.Tensor) (*tensor.Tensor, error) { return tensor.ZerosLike(x) }),
	"unary.tanh":    unaryRule(tanhGrad),
	"unary.sigmoid": unaryRule(sigmoidGrad),
	"unary.relu":    unaryRule(reluGrad),
	"unary.silu":    unaryRule(siluGrad),
	"unary.gelu":    unaryRule(geluGrad),
	"unary.sin":     unaryRule(sinGrad),
	"unary.cos":     unaryRule(cosGrad),
	"unary.recip":   unaryRule(recipGrad),
	"affine":        affineGrad,
	"powf":          powfGrad,

	"binary.add":     binaryRule(addGrad),
	"binary.sub":     binaryRule(subGrad),
	"binary.mul":     binaryRule(mulGrad),
	"binary.div":     binaryRule(divGrad),
	"binary.maximum": binaryRule(extremumGrad(tensor.CmpGe)),
	"binary.minimum": binaryRule(extremumGrad(tensor.CmpLe)),

	"reduce.sum": sumGrad,
	"reduce.max": maxMinGrad,
	"reduce.min": maxMinGrad,

	"matmul":       matmulGrad,
	"conv2d":       conv2dGrad,
	"reshape":      reshapeGrad,
	"broadcast":    broadcastGrad,
	"transpose":    transposeGrad,
	"permute":      permuteGrad,
	"narrow":       narrowGrad,
	"flip":         flipGrad,
	"copy":         identityGrad,
	"cat":          catGrad,
	"index_select": indexSelectGrad,
	"where":        whereGrad,
	"cast":         castGrad,
	"to_device":    toDeviceGrad,
	"pad":          padGrad,
	"custom":       customGrad,
}

// nonDifferentiable lists records that never carry a gradient.
var nonDifferentiable = map[string]bool{
	"compare.eq":    true,
	"compare.ne":    true,
	"compare.lt":    true,
	"compare.le":    true,
	"compare.gt":    true,
	"compare.ge":    true,
	"reduce.argmax": true,
	"reduce.argmin": true,
}

func init() {
	for _, name := range tensor.OpNames() {
		_, ok := rules[name]
		if !ok && !nonDifferentiable[name] {
			panic(fmt.Sprintf("autograd: no gradient rule registered for %q", name))
		}
	}
}

// HasRule reports whether a record named name can be differentiated.
func HasRule(name string) bool {
	_, ok := rules[name]
	return ok
}

func validate(rec *tensor.OpRecord) error {
	name := rec.Name()
	if _, ok := rules[name]; !ok {
		return tensor.MissingGradientErrorf("backward", "no gradient rule for %q", name)
	}
	if rec.Op == tensor.OpCustom {
		if _, ok := rec.Custom.(tensor.CustomGradOp); !ok {
			return tensor.MissingGradientErrorf("backward", "custom op %q has no backward", rec.Custom.Name())
		}
	}
	return nil
}

func apply(rec *tensor.OpRecord, in []*tensor.Tensor, out, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	grads, err := rules[rec.Name()](rec, in, out, g)
	if err != nil {
		return nil, err
	}
	if len(grads) != len(in) {
		return nil, tensor.MissingGradientErrorf(rec.Name(), "rule returned %d gradients for %d inputs", len(grads), len(in))
	}
	return grads, nil
}

// calc threads the first error through a chain of tensor ops. Once an error
// is recorded every later step returns nil without running.
type calc struct{ err error }

func (c *calc) un(f func() (*tensor.Tensor, error)) *tensor.Tensor {
	if c.err != nil {
		return nil
	}
	t, err := f()
	c.err = err
	return t
}

func (c *calc) bin(f func(*tensor.Tensor) (*tensor.Tensor, error), other *tensor.Tensor) *tensor.Tensor {
	if c.err != nil {
		return nil
	}
	t, err := f(other)
	c.err = err
	return t
}

func (c *calc) affine(x *tensor.Tensor, mul, add float64) *tensor.Tensor {
	if c.err != nil {
		return nil
	}
	t, err := x.Affine(mul, add)
	c.err = err
	return t
}

func (c *calc) result(t *tensor.Tensor) (*tensor.Tensor, error) {
	if c.err != nil {
		return nil, c.err
	}
	return t, nil
}

// unaryRule adapts f(x, y, g) = dL/dx for single-input records.
func unaryRule(f func(x, y, g *tensor.Tensor) (*tensor.Tensor, error)) rule {
	return func(_ *tensor.OpRecord, in []*tensor.Tensor, out, g *tensor.Tensor) ([]*tensor.Tensor, error) {
		dx, err := f(in[0], out, g)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{dx}, nil
	}
}

func sqrtGrad(_, y, g *tensor.Tensor) (*tensor.Tensor, error) {
	var c calc
	two := c.affine(y, 2, 0)
	return c.result(c.bin(g.Div, two))
}

func sqrGrad(x, _, g *tensor.Tensor) (*tensor.Tensor, error) {
	var c calc
	twoX := c.affine(x, 2, 0)
	return c.result(c.bin(g.Mul, twoX))
}

func absGrad(x, _, g *tensor.Tensor) (*tensor.Tensor, error) {
	var c calc
	s := c.un(x.Sign)
	return c.result(c.bin(g.Mul, s))
}

func tanhGrad(_, y, g *tensor.Tensor) (*tensor.Tensor, error) {
	var c calc
	y2 := c.un(y.Sqr)
	d := c.affine(y2, -1, 1)
	return c.result(c.bin(g.Mul, d))
}

func sigmoidGrad(_, y, g *tensor.Tensor) (*tensor.Tensor, error) {
	var c calc
	oneMinus := c.affine(y, -1, 1)
	d := c.bin(y.Mul, oneMinus)
	return c.result(c.bin(g.Mul, d))
}

func reluGrad(x, _, g *tensor.Tensor) (*tensor.Tensor, error) {
	zero, err := tensor.ZerosLike(x)
	if err != nil {
		return nil, err
	}
	m, err := mask(x, zero, tensor.CmpGt)
	if err != nil {
		return nil, err
	}
	return g.Mul(m)
}

// silu'(x) = s(x) * (1 + x*(1 - s(x)))
func siluGrad(x, _, g *tensor.Tensor) (*tensor.Tensor, error) {
	var c calc
	s := c.un(x.Sigmoid)
	oneMinus := c.affine(s, -1, 1)
	xs := c.bin(x.Mul, oneMinus)
	inner := c.affine(xs, 1, 1)
	d := c.bin(s.Mul, inner)
	return c.result(c.bin(g.Mul, d))
}

// Derivative of the tanh approximation used by the forward kernel.
func geluGrad(x, _, g *tensor.Tensor) (*tensor.Tensor, error) {
	const k = 0.044715
	sqrt2OverPi := math.Sqrt(2 / math.Pi)
	var c calc
	x2 := c.un(x.Sqr)
	poly := c.affine(x2, k, 1)
	u := c.bin(x.Mul, poly)
	u = c.affine(u, sqrt2OverPi, 0)
	th := c.un(u.Tanh)
	left := c.affine(th, 0.5, 0.5)
	th2 := c.un(th.Sqr)
	sech2 := c.affine(th2, -1, 1)
	dpoly := c.affine(x2, 3*k, 1)
	right := c.bin(x.Mul, sech2)
	right = c.bin(right.Mul, dpoly)
	right = c.affine(right, 0.5*sqrt2OverPi, 0)
	d := c.bin(left.Add, right)
	return c.result(c.bin(g.Mul, d))
}

func sinGrad(x, _, g *tensor.Tensor) (*tensor.Tensor, error) {
	var c calc
	cos := c.un(x.Cos)
	return c.result(c.bin(g.Mul, cos))
}

func cosGrad(x, _, g *tensor.Tensor) (*tensor.Tensor, error) {
	var c calc
	sin := c.un(x.Sin)
	neg := c.affine(sin, -1, 0)
	return c.result(c.bin(g.Mul, neg))
}

func recipGrad(_, y, g *tensor.Tensor) (*tensor.Tensor, error) {
	var c calc
	y2 := c.un(y.Sqr)
	neg := c.affine(y2, -1, 0)
	return c.result(c.bin(g.Mul, neg))
}

func affineGrad(rec *tensor.OpRecord, _ []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	dx, err := g.Affine(rec.Mul, 0)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{dx}, nil
}

func powfGrad(rec *tensor.OpRecord, in []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	var c calc
	p := c.un(func() (*tensor.Tensor, error) { return in[0].Powf(rec.Exp - 1) })
	d := c.affine(p, rec.Exp, 0)
	dx, err := c.result(c.bin(g.Mul, d))
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{dx}, nil
}

// binaryRule adapts f(a, b, g) = (dL/da, dL/db) computed at the broadcast
// shape and reduces each gradient back to its input's shape.
func binaryRule(f func(a, b, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error)) rule {
	return func(_ *tensor.OpRecord, in []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
		da, db, err := f(in[0], in[1], g)
		if err != nil {
			return nil, err
		}
		if da, err = sumToShape(da, in[0].Shape()); err != nil {
			return nil, err
		}
		if db, err = sumToShape(db, in[1].Shape()); err != nil {
			return nil, err
		}
		return []*tensor.Tensor{da, db}, nil
	}
}

func addGrad(_, _, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	return g, g, nil
}

func subGrad(_, _, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	neg, err := g.Neg()
	return g, neg, err
}

func mulGrad(a, b, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	var c calc
	da := c.bin(g.Mul, b)
	db := c.bin(g.Mul, a)
	return da, db, c.err
}

// d(a/b)/da = 1/b, d(a/b)/db = -a/b^2
func divGrad(a, b, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	var c calc
	da := c.bin(g.Div, b)
	q := c.bin(da.Mul, a)
	q = c.bin(q.Div, b)
	db := c.un(q.Neg)
	return da, db, c.err
}

// extremumGrad routes the gradient to a where cmp(a, b) holds and to b
// elsewhere, so ties go to the left operand.
func extremumGrad(cmp tensor.CmpOp) func(a, b, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	return func(a, b, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
		m, err := mask(a, b, cmp)
		if err != nil {
			return nil, nil, err
		}
		var c calc
		da := c.bin(g.Mul, m)
		db := c.bin(g.Sub, da)
		return da, db, c.err
	}
}

// mask returns cmp(a, b) as 0/1 values of a's dtype.
func mask(a, b *tensor.Tensor, cmp tensor.CmpOp) (*tensor.Tensor, error) {
	var m *tensor.Tensor
	var err error
	switch cmp {
	case tensor.CmpEq:
		m, err = a.Eq(b)
	case tensor.CmpNe:
		m, err = a.Ne(b)
	case tensor.CmpLt:
		m, err = a.Lt(b)
	case tensor.CmpLe:
		m, err = a.Le(b)
	case tensor.CmpGt:
		m, err = a.Gt(b)
	case tensor.CmpGe:
		m, err = a.Ge(b)
	}
	if err != nil {
		return nil, err
	}
	return m.ToDType(a.DType())
}

// sumToShape sums g over the dimensions that broadcasting expanded from shape.
func sumToShape(g *tensor.Tensor, shape tensor.Shape) (*tensor.Tensor, error) {
	if g.Shape().Equal(shape) {
		return g, nil
	}
	lead := g.Rank() - len(shape)
	if lead < 0 {
		return nil, tensor.ShapeErrorf("backward", "gradient %v has lower rank than %v", g.Shape(), shape)
	}
	out := g
	var err error
	if lead > 0 {
		axes := make([]int, lead)
		for i := range axes {
			axes[i] = i
		}
		if out, err = out.Sum(axes...); err != nil {
			return nil, err
		}
	}
	var keep []int
	for i, d := range shape {
		if d == 1 && out.Shape()[i] != 1 {
			keep = append(keep, i)
		}
	}
	if len(keep) > 0 {
		if out, err = out.SumKeepDim(keep...); err != nil {
			return nil, err
		}
	}
	if !out.Shape().Equal(shape) {
		return nil, tensor.ShapeErrorf("backward", "cannot reduce gradient %v to %v", g.Shape(), shape)
	}
	return out, nil
}

func sumGrad(_ *tensor.OpRecord, in []*tensor.Tensor, _, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	dx, err := g.BroadcastAs(in[0].Shape())
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{dx}, nil
}

// maxMinGrad sends the gradient to every position equal to the extreme.
func maxMinGrad(_ *tensor.OpRecord, in []*tensor.Tensor, out, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	x := in[0]
	var c calc
	ob := c.un(func() (*tensor.Tensor, error) { return out.BroadcastAs(x.Shape()) })
	if c.err != nil {
		return nil, c.err
	}
	m, err := mask(x, ob, tensor.CmpEq)
	if err != nil {
		return nil, err
	}
	gb := c.un(func() (*tensor.Tensor, error) { return g.BroadcastAs(x.Shape()) })
	dx, err := c.result(c.bin(gb.Mul, m))
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{dx}, nil
}
