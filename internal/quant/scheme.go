// Package quant implements the ggml block quantization schemes, the
// immutable QTensor that holds quantized weights, and the fused matmul
// that multiplies against them without expanding the weight matrix.
//
// Scheme numbering follows ggml so that values read from GGUF and GGJT
// files map onto a Scheme directly.
package quant

import (
	"fmt"
	"strings"

	"github.com/born-ml/tensorcore/internal/tensor"
)

// Scheme is a ggml tensor type.
type Scheme uint32

// ggml type numbers. 4 and 5 (Q4_2, Q4_3) were removed upstream.
//
//nolint:revive // Underscores match the ggml names.
const (
	F32  Scheme = 0
	F16  Scheme = 1
	Q4_0 Scheme = 2
	Q4_1 Scheme = 3
	Q5_0 Scheme = 6
	Q5_1 Scheme = 7
	Q8_0 Scheme = 8
	Q8_1 Scheme = 9
	Q2_K Scheme = 10
	Q3_K Scheme = 11
	Q4_K Scheme = 12
	Q5_K Scheme = 13
	Q6_K Scheme = 14
	Q8_K Scheme = 15
	BF16 Scheme = 30
)

// QK_K is the super-block length of the K-quant schemes.
//
//nolint:revive // Matches the ggml constant.
const QK_K = 256

type trait struct {
	name      string
	blockSize int
	typeSize  int
}

var traits = map[Scheme]trait{
	F32:  {"F32", 1, 4},
	F16:  {"F16", 1, 2},
	BF16: {"BF16", 1, 2},
	Q4_0: {"Q4_0", 32, 18},
	Q4_1: {"Q4_1", 32, 20},
	Q5_0: {"Q5_0", 32, 22},
	Q5_1: {"Q5_1", 32, 24},
	Q8_0: {"Q8_0", 32, 34},
	Q8_1: {"Q8_1", 32, 36},
	Q2_K: {"Q2_K", QK_K, 84},
	Q3_K: {"Q3_K", QK_K, 110},
	Q4_K: {"Q4_K", QK_K, 144},
	Q5_K: {"Q5_K", QK_K, 176},
	Q6_K: {"Q6_K", QK_K, 210},
	Q8_K: {"Q8_K", QK_K, 292},
}

// Schemes lists every supported scheme in ggml order.
var Schemes = []Scheme{F32, F16, Q4_0, Q4_1, Q5_0, Q5_1, Q8_0, Q8_1, Q2_K, Q3_K, Q4_K, Q5_K, Q6_K, Q8_K, BF16}

// Valid reports whether s is a supported scheme.
func (s Scheme) Valid() bool {
	_, ok := traits[s]
	return ok
}

func (s Scheme) trait() trait {
	t, ok := traits[s]
	if !ok {
		panic(fmt.Sprintf("quant: unknown scheme %d", uint32(s)))
	}
	return t
}

// BlockSize returns the number of elements per block.
func (s Scheme) BlockSize() int { return s.trait().blockSize }

// TypeSize returns the number of bytes per block.
func (s Scheme) TypeSize() int { return s.trait().typeSize }

// RowSize returns the byte size of n elements, rounded up to whole blocks.
func (s Scheme) RowSize(n int) int {
	t := s.trait()
	return (n + t.blockSize - 1) / t.blockSize * t.typeSize
}

// Quantized reports whether s packs elements into multi-element blocks.
func (s Scheme) Quantized() bool { return s.trait().blockSize > 1 }

// DType returns the dense dtype of an unquantized scheme.
func (s Scheme) DType() (tensor.DType, bool) {
	switch s {
	case F32:
		return tensor.F32, true
	case F16:
		return tensor.F16, true
	case BF16:
		return tensor.BF16, true
	}
	return 0, false
}

func (s Scheme) String() string {
	if t, ok := traits[s]; ok {
		return t.name
	}
	return fmt.Sprintf("unknown(%d)", uint32(s))
}

// ParseScheme maps a ggml type name such as "q4_k" or "Q8_0" to its Scheme.
func ParseScheme(name string) (Scheme, error) {
	upper := strings.ToUpper(name)
	for _, s := range Schemes {
		if traits[s].name == upper {
			return s, nil
		}
	}
	return 0, tensor.FormatErrorf("parse_scheme", "unknown quantization scheme %q", name)
}
