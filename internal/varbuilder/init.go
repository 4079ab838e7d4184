package varbuilder

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/tensorcore/internal/tensor"
)

// InitKind selects how a created parameter is filled.
type InitKind int

const (
	InitConst InitKind = iota
	InitUniform
	InitNormal
)

// Init describes the initial values of a created parameter.
type Init struct {
	Kind InitKind
	// Value for InitConst.
	Value float64
	// Lo and Hi bound InitUniform.
	Lo, Hi float64
	// Mean and Stdev parameterize InitNormal.
	Mean, Stdev float64
}

// DefaultInit fills with zeros.
var DefaultInit = Zeros()

// Zeros returns a constant zero initializer.
func Zeros() Init { return Init{Kind: InitConst} }

// Const returns a constant initializer.
func Const(v float64) Init { return Init{Kind: InitConst, Value: v} }

// Uniform returns an initializer drawing from [lo, hi).
func Uniform(lo, hi float64) Init { return Init{Kind: InitUniform, Lo: lo, Hi: hi} }

// Normal returns an initializer drawing from N(mean, stdev²).
func Normal(mean, stdev float64) Init { return Init{Kind: InitNormal, Mean: mean, Stdev: stdev} }

func (i Init) String() string {
	switch i.Kind {
	case InitUniform:
		return fmt.Sprintf("uniform(%g, %g)", i.Lo, i.Hi)
	case InitNormal:
		return fmt.Sprintf("normal(%g, %g)", i.Mean, i.Stdev)
	default:
		return fmt.Sprintf("const(%g)", i.Value)
	}
}

// build materializes a tensor of shape filled according to i.
func (i Init) build(shape tensor.Shape, dtype tensor.DType, b tensor.Backend, rng *rand.Rand) (*tensor.Tensor, error) {
	switch i.Kind {
	case InitConst:
		return tensor.Full(shape, i.Value, dtype, b)
	case InitUniform:
		if !(i.Lo < i.Hi) {
			return nil, tensor.ShapeErrorf("init", "empty uniform range [%g, %g)", i.Lo, i.Hi)
		}
		vals := make([]float64, shape.NumElements())
		for j := range vals {
			vals[j] = i.Lo + rng.Float64()*(i.Hi-i.Lo) //nolint:gosec // weight init, not security
		}
		return tensor.FromBytes(tensor.EncodeFloat64s(dtype, vals), shape, dtype, b)
	case InitNormal:
		if i.Stdev < 0 {
			return nil, tensor.ShapeErrorf("init", "negative standard deviation %g", i.Stdev)
		}
		vals := make([]float64, shape.NumElements())
		for j := range vals {
			vals[j] = i.Mean + rng.NormFloat64()*i.Stdev
		}
		return tensor.FromBytes(tensor.EncodeFloat64s(dtype, vals), shape, dtype, b)
	default:
		panic(fmt.Sprintf("varbuilder: unknown init kind %d", i.Kind))
	}
}
