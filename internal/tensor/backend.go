package tensor

import "fmt"

// UnaryOp selects an element-wise unary kernel.
type UnaryOp int

// Unary kernels.
const (
	UnaryNeg UnaryOp = iota
	UnaryExp
	UnaryLog
	UnarySqrt
	UnarySqr
	UnaryAbs
	UnarySign
	UnaryTanh
	UnarySigmoid
	UnaryRelu
	UnarySilu
	UnaryGelu
	UnarySin
	UnaryCos
	UnaryRecip
)

var unaryNames = [...]string{"neg", "exp", "log", "sqrt", "sqr", "abs", "sign", "tanh", "sigmoid", "relu", "silu", "gelu", "sin", "cos", "recip"}

func (op UnaryOp) String() string { return unaryNames[op] }

// BinaryOp selects an element-wise binary kernel.
type BinaryOp int

// Binary kernels.
const (
	BinaryAdd BinaryOp = iota
	BinarySub
	BinaryMul
	BinaryDiv
	BinaryMaximum
	BinaryMinimum
)

var binaryNames = [...]string{"add", "sub", "mul", "div", "maximum", "minimum"}

func (op BinaryOp) String() string { return binaryNames[op] }

// CmpOp selects a comparison kernel. Comparisons produce U8 0/1 values.
type CmpOp int

// Comparison kernels.
const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

var cmpNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge"}

func (op CmpOp) String() string { return cmpNames[op] }

// ReduceOp selects a reduction kernel.
type ReduceOp int

// Reduction kernels. ArgMax and ArgMin reduce exactly one axis and produce U32.
const (
	ReduceSum ReduceOp = iota
	ReduceMax
	ReduceMin
	ReduceArgMax
	ReduceArgMin
)

var reduceNames = [...]string{"sum", "max", "min", "argmax", "argmin"}

func (op ReduceOp) String() string { return reduceNames[op] }

// ConvParams describes a 2-D convolution over NCHW input and OIHW kernel.
type ConvParams struct {
	PadH, PadW           int
	StrideH, StrideW     int
	DilationH, DilationW int
}

// DefaultConvParams returns stride 1, dilation 1 and no padding.
func DefaultConvParams() ConvParams {
	return ConvParams{StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1}
}

// OutputShape validates the operand shapes and returns the NCHW output shape.
func (p ConvParams) OutputShape(input, kernel Shape) (Shape, error) {
	if len(input) != 4 || len(kernel) != 4 {
		return nil, ShapeErrorf("conv2d", "expected 4-D input and kernel, got %v and %v", input, kernel)
	}
	if p.StrideH < 1 || p.StrideW < 1 || p.DilationH < 1 || p.DilationW < 1 || p.PadH < 0 || p.PadW < 0 {
		return nil, ShapeErrorf("conv2d", "invalid params %+v", p)
	}
	if input[1] != kernel[1] {
		return nil, ShapeErrorf("conv2d", "input channels %d do not match kernel channels %d", input[1], kernel[1])
	}
	outH := (input[2]+2*p.PadH-p.DilationH*(kernel[2]-1)-1)/p.StrideH + 1
	outW := (input[3]+2*p.PadW-p.DilationW*(kernel[3]-1)-1)/p.StrideW + 1
	if outH <= 0 || outW <= 0 {
		return nil, ShapeErrorf("conv2d", "kernel %v larger than padded input %v", kernel, input)
	}
	return Shape{input[0], kernel[0], outH, outW}, nil
}

func (p ConvParams) String() string {
	return fmt.Sprintf("pad=(%d,%d) stride=(%d,%d) dilation=(%d,%d)",
		p.PadH, p.PadW, p.StrideH, p.StrideW, p.DilationH, p.DilationW)
}

// Backend executes kernels for one device context.
//
// The set of implementations is closed: cpu (Host), unified (Unified) and
// webgpu (WebGPU). Every kernel receives explicit Layouts and must honor
// arbitrary strides and offsets. Results are newly allocated contiguous
// Storage. Operand validation (device, dtype, broadcast) happens in the
// Tensor layer before a kernel is invoked.
type Backend interface {
	Kind() DeviceKind
	Name() string

	// Alloc returns zero-filled storage for n elements.
	Alloc(dtype DType, n int) (*Storage, error)
	// FromHost copies host bytes into new storage.
	FromHost(dtype DType, data []byte) (*Storage, error)
	// ToHost copies the whole storage to host memory.
	ToHost(s *Storage) ([]byte, error)

	Unary(op UnaryOp, s *Storage, l Layout) (*Storage, error)
	Affine(s *Storage, l Layout, mul, add float64) (*Storage, error)
	Powf(s *Storage, l Layout, exp float64) (*Storage, error)
	Binary(op BinaryOp, lhs *Storage, ll Layout, rhs *Storage, rl Layout) (*Storage, error)
	Compare(op CmpOp, lhs *Storage, ll Layout, rhs *Storage, rl Layout) (*Storage, error)
	Reduce(op ReduceOp, s *Storage, l Layout, axes []int) (*Storage, error)
	Where(cond *Storage, cl Layout, t *Storage, tl Layout, f *Storage, fl Layout) (*Storage, error)
	Cast(s *Storage, l Layout, dtype DType) (*Storage, error)
	MatMul(lhs *Storage, ll Layout, rhs *Storage, rl Layout) (*Storage, error)
	Conv2D(input *Storage, il Layout, kernel *Storage, kl Layout, p ConvParams) (*Storage, error)
	IndexSelect(src *Storage, sl Layout, ids *Storage, il Layout, dim int) (*Storage, error)
	// CopyInto writes src (viewed through sl) into dst at the strided positions of dl.
	CopyInto(src *Storage, sl Layout, dst *Storage, dl Layout) error

	// Synchronize blocks until all submitted work has completed.
	Synchronize() error
	// Close releases the device context. Later calls fail with a DeviceError.
	Close() error
}
