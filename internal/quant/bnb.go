package quant

import (
	"fmt"
	"slices"

	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// BnbKind is a bitsandbytes blockwise storage format.
type BnbKind int

// bitsandbytes formats.
const (
	BnbInt8 BnbKind = iota // one byte per value, indexing a 256-entry code book
	BnbFP4                 // two 4-bit floats per byte, high nibble first
	BnbNF4                 // two 4-bit normal-float codes per byte, high nibble first
)

func (k BnbKind) String() string {
	switch k {
	case BnbInt8:
		return "int8"
	case BnbFP4:
		return "fp4"
	case BnbNF4:
		return "nf4"
	}
	return fmt.Sprintf("BnbKind(%d)", int(k))
}

// BnbBlockSizes lists the block sizes bitsandbytes writes.
var BnbBlockSizes = []int{4096, 2048, 1024, 512, 256, 128, 64}

var nf4Code = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// fp4Magnitude is indexed by the low three bits; bit 3 is the sign.
var fp4Magnitude = [8]float32{0, 0.0052083333, 0.6666667, 1.0, 0.33333333, 0.5, 0.16666667, 0.25}

// BnbNested is a double-quantized absmax: the outer per-block scales are
// stored as int8 blockwise codes and shifted by Offset once decoded.
type BnbNested struct {
	Codes     []byte    // absmax, one code per outer block
	Absmax    []float32 // nested_absmax, one per nested block
	Code      []float32 // nested_quant_map
	BlockSize int
	Offset    float32
}

// BnbWeight is a bitsandbytes blockwise-quantized tensor. Element i is
// scaled by the absmax of block i/BlockSize.
type BnbWeight struct {
	Kind      BnbKind
	Data      []byte
	Shape     tensor.Shape
	DType     tensor.DType // dtype of the dequantized weight
	BlockSize int
	Code      []float32 // quant_map; required for BnbInt8
	Absmax    []float32 // ignored when Nested is set
	Nested    *BnbNested
}

// Float32s decodes every element.
func (w *BnbWeight) Float32s() ([]float32, error) {
	absmax, err := w.absmax()
	if err != nil {
		return nil, err
	}
	return dequantizeBnb(w.Kind, w.Data, absmax, w.Code, w.BlockSize, w.Shape.NumElements())
}

// Dequantize decodes w into a dense tensor of w.DType on b.
func (w *BnbWeight) Dequantize(b tensor.Backend) (*tensor.Tensor, error) {
	if err := w.Shape.Validate(); err != nil {
		return nil, err
	}
	v, err := w.Float32s()
	if err != nil {
		return nil, err
	}
	t, err := tensor.FromSlice(v, w.Shape.Clone(), b)
	if err != nil || w.DType == tensor.F32 {
		return t, err
	}
	return t.ToDType(w.DType)
}

// Requantize decodes w and encodes it in the ggml layout that suits it, so
// it can run through the fused QMatMul. 4-bit weights become Q4_K when the
// rows are whole super-blocks and Q4_0 when they are whole 64-element
// blocks; int8 weights become Q8_0. Anything else is kept as F32.
func (w *BnbWeight) Requantize() (*QTensor, error) {
	if w.Shape.Rank() == 0 || w.Shape.NumElements() == 0 {
		return nil, tensor.ShapeErrorf("bnb", "cannot requantize shape %v", w.Shape)
	}
	v, err := w.Float32s()
	if err != nil {
		return nil, err
	}
	last := w.Shape[w.Shape.Rank()-1]
	scheme := F32
	switch {
	case w.Kind == BnbInt8 && last%Q8_0.BlockSize() == 0:
		scheme = Q8_0
	case w.Kind != BnbInt8 && last%Q4_K.BlockSize() == 0:
		scheme = Q4_K
	case w.Kind != BnbInt8 && last%64 == 0:
		scheme = Q4_0
	}
	rowBytes := scheme.RowSize(last)
	data := make([]byte, len(v)/last*rowBytes)
	for r := range len(v) / last {
		EncodeRow(scheme, v[r*last:(r+1)*last], data[r*rowBytes:(r+1)*rowBytes])
	}
	return NewQTensor(w.Shape.Clone(), scheme, data)
}

func (w *BnbWeight) absmax() ([]float32, error) {
	n := w.Nested
	if n == nil {
		return w.Absmax, nil
	}
	v, err := dequantizeBnb(BnbInt8, n.Codes, n.Absmax, n.Code, n.BlockSize, len(n.Codes))
	if err != nil {
		return nil, fmt.Errorf("nested absmax: %w", err)
	}
	for i := range v {
		v[i] += n.Offset
	}
	return v, nil
}

func dequantizeBnb(kind BnbKind, data []byte, absmax, code []float32, blockSize, n int) ([]float32, error) {
	if !slices.Contains(BnbBlockSizes, blockSize) {
		return nil, tensor.ShapeErrorf("bnb", "block size %d is not one of %v", blockSize, BnbBlockSizes)
	}
	if blocks := (n + blockSize - 1) / blockSize; len(absmax) < blocks {
		return nil, tensor.ShapeErrorf("bnb", "%d values need %d absmax entries, got %d", n, blocks, len(absmax))
	}
	need := n
	switch kind {
	case BnbInt8:
		if len(code) != 256 {
			return nil, tensor.ShapeErrorf("bnb", "int8 code book needs 256 entries, got %d", len(code))
		}
	case BnbFP4, BnbNF4:
		need = (n + 1) / 2
	default:
		return nil, tensor.DtypeErrorf("bnb", "unknown format %s", kind)
	}
	if len(data) < need {
		return nil, tensor.ShapeErrorf("bnb", "%s data holds %d bytes, %d values need %d", kind, len(data), n, need)
	}

	out := make([]float32, n)
	blocks := (n + blockSize - 1) / blockSize
	parallel.ForChunks(blocks, func(start, end int) {
		for blk := start; blk < end; blk++ {
			scale := absmax[blk]
			for i := blk * blockSize; i < min((blk+1)*blockSize, n); i++ {
				out[i] = decodeBnb(kind, data, code, i) * scale
			}
		}
	}, ParallelConfig())
	return out, nil
}

func decodeBnb(kind BnbKind, data []byte, code []float32, i int) float32 {
	if kind == BnbInt8 {
		return code[data[i]]
	}
	q := data[i/2] >> 4
	if i%2 == 1 {
		q = data[i/2] & 0x0F
	}
	if kind == BnbNF4 {
		return nf4Code[q]
	}
	v := fp4Magnitude[q&0x7]
	if q&0x8 != 0 {
		return -v
	}
	return v
}
