package quant

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/x448/float16"
)

var parallelCfg atomic.Pointer[parallel.Config]

func init() {
	cfg := parallel.DefaultConfig()
	parallelCfg.Store(&cfg)
}

// SetParallelConfig sets the fan-out used by Quantize and the fused matmul.
// It is safe to call while other goroutines quantize.
func SetParallelConfig(cfg parallel.Config) {
	parallelCfg.Store(&cfg)
}

// ParallelConfig returns the fan-out set by SetParallelConfig.
func ParallelConfig() parallel.Config { return *parallelCfg.Load() }

// QTensor is an immutable block-quantized tensor. Blocks run along the
// last dimension, so each row of the last dimension is a whole number of
// blocks.
type QTensor struct {
	shape  tensor.Shape
	scheme Scheme
	data   []byte
}

// NewQTensor wraps data already encoded with scheme. The slice is retained.
func NewQTensor(shape tensor.Shape, scheme Scheme, data []byte) (*QTensor, error) {
	if !scheme.Valid() {
		return nil, tensor.FormatErrorf("qtensor", "unknown scheme %d", uint32(scheme))
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if err := checkRows(shape, scheme); err != nil {
		return nil, err
	}
	if want := scheme.RowSize(shape.NumElements()); len(data) != want {
		return nil, tensor.FormatErrorf("qtensor", "%s %v needs %d bytes, got %d", scheme, shape, want, len(data))
	}
	return &QTensor{shape: shape.Clone(), scheme: scheme, data: data}, nil
}

func checkRows(shape tensor.Shape, scheme Scheme) error {
	bs := scheme.BlockSize()
	if bs == 1 {
		return nil
	}
	if shape.Rank() == 0 || shape[shape.Rank()-1]%bs != 0 {
		return tensor.ShapeErrorf("qtensor", "last dimension of %v is not a multiple of the %s block size %d", shape, scheme, bs)
	}
	return nil
}

// Quantize encodes t with scheme. The last dimension of t must be a
// multiple of the scheme's block size.
func Quantize(t *tensor.Tensor, scheme Scheme) (*QTensor, error) {
	if !scheme.Valid() {
		return nil, tensor.FormatErrorf("quantize", "unknown scheme %d", uint32(scheme))
	}
	if !t.DType().IsFloat() {
		return nil, tensor.DtypeErrorf("quantize", "expected a float tensor, got %s", t.DType())
	}
	shape := t.Shape()
	if err := checkRows(shape, scheme); err != nil {
		return nil, err
	}
	vals, err := t.ToFloat32s()
	if err != nil {
		return nil, fmt.Errorf("quantize: %w", err)
	}
	data := make([]byte, scheme.RowSize(len(vals)))
	row := rowLen(shape)
	if row == 0 {
		return &QTensor{shape: shape.Clone(), scheme: scheme, data: data}, nil
	}
	rowBytes := scheme.RowSize(row)
	parallel.ForChunks(len(vals)/row, func(start, end int) {
		for r := start; r < end; r++ {
			EncodeRow(scheme, vals[r*row:(r+1)*row], data[r*rowBytes:(r+1)*rowBytes])
		}
	}, ParallelConfig())
	return &QTensor{shape: shape.Clone(), scheme: scheme, data: data}, nil
}

func rowLen(shape tensor.Shape) int {
	if shape.Rank() == 0 {
		return 1
	}
	return shape[shape.Rank()-1]
}

func (q *QTensor) Shape() tensor.Shape { return q.shape }
func (q *QTensor) Scheme() Scheme      { return q.scheme }

// Data returns the packed bytes. Callers must not modify them.
func (q *QTensor) Data() []byte { return q.data }

func (q *QTensor) NumElements() int { return q.shape.NumElements() }

func (q *QTensor) String() string {
	return fmt.Sprintf("QTensor(%v, %s)", q.shape, q.scheme)
}

// Float32s decodes every element.
func (q *QTensor) Float32s() []float32 {
	out := make([]float32, q.NumElements())
	row := rowLen(q.shape)
	if row == 0 {
		return out
	}
	rowBytes := q.scheme.RowSize(row)
	parallel.ForChunks(len(out)/row, func(start, end int) {
		for r := start; r < end; r++ {
			DecodeRow(q.scheme, q.data[r*rowBytes:(r+1)*rowBytes], out[r*row:(r+1)*row])
		}
	}, ParallelConfig())
	return out
}

// Dequantize expands q into an F32 tensor on b.
func (q *QTensor) Dequantize(b tensor.Backend) (*tensor.Tensor, error) {
	return tensor.FromSlice(q.Float32s(), q.shape.Clone(), b)
}

// DequantizeF16 expands q into an F16 tensor on b.
func (q *QTensor) DequantizeF16(b tensor.Backend) (*tensor.Tensor, error) {
	vals := q.Float32s()
	raw := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
	}
	return tensor.FromBytes(raw, q.shape.Clone(), tensor.F16, b)
}

// DequantizeAs expands q into a tensor of dtype on b. Dense schemes whose
// dtype matches are copied without a float32 round trip.
func (q *QTensor) DequantizeAs(dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	if dt, ok := q.scheme.DType(); ok && dt == dtype {
		return tensor.FromBytes(q.data, q.shape.Clone(), dtype, b)
	}
	if dtype == tensor.F16 {
		return q.DequantizeF16(b)
	}
	t, err := q.Dequantize(b)
	if err != nil || dtype == tensor.F32 {
		return t, err
	}
	return t.ToDType(dtype)
}
