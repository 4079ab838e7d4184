package tensor

import (
	"runtime"
	"sort"
	"sync"
)

// OpClass is the closed set of operation categories.
type OpClass int

// Operation categories.
const (
	ClassUnary OpClass = iota
	ClassBinary
	ClassComparison
	ClassReduction
	ClassConvolution
	ClassMatMul
	ClassLayout
	ClassCustom
)

// Op identifies the operation that produced a tensor.
type Op int

// Recorded operations.
const (
	OpUnary Op = iota
	OpAffine
	OpPowf
	OpBinary
	OpCompare
	OpReduce
	OpConv2D
	OpMatMul
	OpReshape
	OpBroadcast
	OpTranspose
	OpPermute
	OpNarrow
	OpFlip
	OpCopy
	OpCat
	OpIndexSelect
	OpWhere
	OpCast
	OpToDevice
	OpPad
	OpCustom
)

// Class returns the category of op.
func (op Op) Class() OpClass {
	switch op {
	case OpUnary, OpAffine, OpPowf:
		return ClassUnary
	case OpBinary:
		return ClassBinary
	case OpCompare:
		return ClassComparison
	case OpReduce:
		return ClassReduction
	case OpConv2D:
		return ClassConvolution
	case OpMatMul:
		return ClassMatMul
	case OpCustom:
		return ClassCustom
	default:
		return ClassLayout
	}
}

// OpRecord describes how a tensor was produced: the op, its inputs and the
// static parameters its gradient rule needs.
type OpRecord struct {
	Op     Op
	Inputs []*Tensor

	Unary  UnaryOp
	Binary BinaryOp
	Cmp    CmpOp
	Reduce ReduceOp

	Axes     []int      // reduced axes
	Dims     []int      // transpose pair, permutation, or the single dim of narrow/flip/cat/index/pad
	Start    int        // narrow start
	Length   int        // narrow length
	Pad      [2]int     // zeros before and after along Dims[0]
	Mul, Add float64    // affine
	Exp      float64    // powf
	Conv     ConvParams // conv2d
	SrcShape Shape      // input shape of reshape/broadcast
	SrcDType DType      // input dtype of cast
	Src      Backend    // input backend of to_device
	Custom   CustomOp
}

// Name returns the gradient-registry key of the record, e.g. "unary.exp".
func (r *OpRecord) Name() string {
	switch r.Op {
	case OpUnary:
		return "unary." + r.Unary.String()
	case OpBinary:
		return "binary." + r.Binary.String()
	case OpCompare:
		return "compare." + r.Cmp.String()
	case OpReduce:
		return "reduce." + r.Reduce.String()
	case OpCustom:
		return "custom"
	default:
		return opNames[r.Op]
	}
}

var opNames = map[Op]string{
	OpAffine:      "affine",
	OpPowf:        "powf",
	OpConv2D:      "conv2d",
	OpMatMul:      "matmul",
	OpReshape:     "reshape",
	OpBroadcast:   "broadcast",
	OpTranspose:   "transpose",
	OpPermute:     "permute",
	OpNarrow:      "narrow",
	OpFlip:        "flip",
	OpCopy:        "copy",
	OpCat:         "cat",
	OpIndexSelect: "index_select",
	OpWhere:       "where",
	OpCast:        "cast",
	OpToDevice:    "to_device",
	OpPad:         "pad",
}

// OpNames lists every record name the engine can produce. The autograd
// registry must hold an entry for each of them.
func OpNames() []string {
	var names []string
	for _, n := range unaryNames {
		names = append(names, "unary."+n)
	}
	for _, n := range binaryNames {
		names = append(names, "binary."+n)
	}
	for _, n := range cmpNames {
		names = append(names, "compare."+n)
	}
	for _, n := range reduceNames {
		names = append(names, "reduce."+n)
	}
	for _, n := range opNames {
		names = append(names, n)
	}
	names = append(names, "custom")
	sort.Strings(names)
	return names
}

// arena stores operation records keyed by the identity of the tensor they
// produced. Tensors never point at their records, so the graph holds no
// cycles; a record is dropped when its output tensor is collected.
type arena struct {
	mu      sync.RWMutex
	records map[TensorID]*OpRecord
}

var ops = &arena{records: make(map[TensorID]*OpRecord)}

func (a *arena) put(id TensorID, r *OpRecord) {
	a.mu.Lock()
	a.records[id] = r
	a.mu.Unlock()
}

func (a *arena) get(id TensorID) (*OpRecord, bool) {
	a.mu.RLock()
	r, ok := a.records[id]
	a.mu.RUnlock()
	return r, ok
}

func (a *arena) remove(id TensorID) {
	a.mu.Lock()
	delete(a.records, id)
	a.mu.Unlock()
}

func (a *arena) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// RecordOf returns the operation record that produced t, if t is a tracked non-leaf.
func RecordOf(t *Tensor) (*OpRecord, bool) {
	if !t.tracked {
		return nil, false
	}
	return ops.get(t.id)
}

// LiveRecords returns how many operation records are currently held.
func LiveRecords() int {
	return ops.len()
}

// attach links out to rec when any input tracks gradients.
func attach(out *Tensor, rec *OpRecord) (*Tensor, error) {
	tracked := false
	for _, in := range rec.Inputs {
		if in.tracked {
			tracked = true
			break
		}
	}
	if !tracked {
		return out, nil
	}
	if rec.Op == OpCustom {
		if _, ok := rec.Custom.(CustomGradOp); !ok {
			return nil, MissingGradientErrorf("custom", "op %q has no backward", rec.Custom.Name())
		}
	}
	out.tracked = true
	ops.put(out.id, rec)
	runtime.AddCleanup(out, func(id TensorID) { ops.remove(id) }, out.id)
	return out, nil
}

// CustomOp is a user-defined operation.
type CustomOp interface {
	Name() string
	// Forward computes the output from detached inputs.
	Forward(inputs ...*Tensor) (*Tensor, error)
}

// CustomGradOp is a CustomOp that can be differentiated.
type CustomGradOp interface {
	CustomOp
	// Backward returns one gradient per input (nil for inputs without one).
	Backward(inputs []*Tensor, output, grad *Tensor) ([]*Tensor, error)
}

// ApplyCustom runs op over inputs and records it when any input tracks gradients.
// Applying an op without a backward to tracked inputs fails with MissingGradientRule.
func ApplyCustom(op CustomOp, inputs ...*Tensor) (*Tensor, error) {
	detached := make([]*Tensor, len(inputs))
	for i, in := range inputs {
		detached[i] = in.Detach()
	}
	out, err := op.Forward(detached...)
	if err != nil {
		return nil, err
	}
	res := out.Detach()
	return attach(res, &OpRecord{Op: OpCustom, Inputs: inputs, Custom: op})
}
