// Package tensor provides the core tensor types: shapes and strided layouts,
// element types, device storage, the Tensor value and its operation graph.
package tensor

import (
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the runtime element type of a tensor.
type DType int

// Supported element types.
const (
	U8 DType = iota
	U32
	I16
	I32
	I64
	BF16
	F16
	F32
	F64
)

// AllDTypes lists every element type in declaration order.
var AllDTypes = []DType{U8, U32, I16, I32, I64, BF16, F16, F32, F64}

var dtypeNames = [...]string{
	U8:   "u8",
	U32:  "u32",
	I16:  "i16",
	I32:  "i32",
	I64:  "i64",
	BF16: "bf16",
	F16:  "f16",
	F32:  "f32",
	F64:  "f64",
}

// Size returns the byte size of one element.
func (dt DType) Size() int {
	switch dt {
	case U8:
		return 1
	case I16, BF16, F16:
		return 2
	case U32, I32, F32:
		return 4
	case I64, F64:
		return 8
	default:
		panic("unknown dtype")
	}
}

// String returns the canonical short name, e.g. "f32".
func (dt DType) String() string {
	if dt >= 0 && int(dt) < len(dtypeNames) {
		return dtypeNames[dt]
	}
	return "unknown"
}

// IsFloat reports whether dt is a floating-point type.
func (dt DType) IsFloat() bool {
	return dt == BF16 || dt == F16 || dt == F32 || dt == F64
}

// IsInt reports whether dt is an integer type.
func (dt DType) IsInt() bool {
	return dt == U8 || dt == U32 || dt == I16 || dt == I32 || dt == I64
}

// ParseDType parses a canonical dtype name. Common long forms
// ("float32", "bfloat16", "uint8", ...) are accepted too.
func ParseDType(s string) (DType, error) {
	for dt, name := range dtypeNames {
		if name == s {
			return DType(dt), nil
		}
	}
	switch s {
	case "uint8":
		return U8, nil
	case "uint32":
		return U32, nil
	case "int16":
		return I16, nil
	case "int32":
		return I32, nil
	case "int64":
		return I64, nil
	case "bfloat16":
		return BF16, nil
	case "float16", "half":
		return F16, nil
	case "float32", "float":
		return F32, nil
	case "float64", "double":
		return F64, nil
	}
	return 0, DtypeErrorf("parse_dtype", "unknown dtype %q", s)
}

// Element is the set of Go types that back a DType.
// float16.Float16 stands for F16 and bfloat16.BF16 for BF16.
type Element interface {
	uint8 | uint32 | int16 | int32 | int64 | float16.Float16 | bfloat16.BF16 | float32 | float64
}

// DTypeOf returns the DType backing the Go element type T.
func DTypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return U8
	case uint32:
		return U32
	case int16:
		return I16
	case int32:
		return I32
	case int64:
		return I64
	case bfloat16.BF16:
		return BF16
	case float16.Float16:
		return F16
	case float32:
		return F32
	case float64:
		return F64
	default:
		panic("unsupported element type")
	}
}

// F16ToF32 converts half-precision bits to float32.
func F16ToF32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// F32ToF16 converts float32 to half-precision bits, rounding to nearest even.
func F32ToF16(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

// BF16ToF32 converts bfloat16 bits to float32.
func BF16ToF32(bits uint16) float32 {
	return bfloat16.ToFloat32(bfloat16.BF16(bits))
}

// F32ToBF16 converts float32 to bfloat16 bits with round-to-nearest-even
// (bfloat16.FromFloat32 truncates).
func F32ToBF16(v float32) uint16 {
	if math.IsNaN(float64(v)) {
		return uint16(bfloat16.FromFloat32(v)) | 0x40
	}
	u := math.Float32bits(v)
	u += 0x7FFF + (u>>16)&1
	return uint16(u >> 16)
}
