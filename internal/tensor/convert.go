package tensor

import (
	"encoding/binary"
	"math"
)

// DecodeFloat64s converts packed little-endian elements of dtype to float64.
func DecodeFloat64s(dtype DType, b []byte) []float64 {
	n := len(b) / dtype.Size()
	out := make([]float64, n)
	switch dtype {
	case U8:
		for i := range out {
			out[i] = float64(b[i])
		}
	case U32:
		for i := range out {
			out[i] = float64(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case I16:
		for i := range out {
			out[i] = float64(int16(binary.LittleEndian.Uint16(b[2*i:])))
		}
	case I32:
		for i := range out {
			out[i] = float64(int32(binary.LittleEndian.Uint32(b[4*i:])))
		}
	case I64:
		for i := range out {
			out[i] = float64(int64(binary.LittleEndian.Uint64(b[8*i:])))
		}
	case BF16:
		for i := range out {
			out[i] = float64(BF16ToF32(binary.LittleEndian.Uint16(b[2*i:])))
		}
	case F16:
		for i := range out {
			out[i] = float64(F16ToF32(binary.LittleEndian.Uint16(b[2*i:])))
		}
	case F32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
		}
	case F64:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
	}
	return out
}

// EncodeFloat64s converts float64 values to packed little-endian elements of dtype.
// Integer targets truncate toward zero.
func EncodeFloat64s(dtype DType, vals []float64) []byte {
	b := make([]byte, len(vals)*dtype.Size())
	for i, v := range vals {
		PutFloat64(dtype, b[i*dtype.Size():], v)
	}
	return b
}

// PutFloat64 writes v as one element of dtype into b.
func PutFloat64(dtype DType, b []byte, v float64) {
	switch dtype {
	case U8:
		b[0] = uint8(v)
	case U32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case I16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case I32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case I64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case BF16:
		binary.LittleEndian.PutUint16(b, F32ToBF16(float32(v)))
	case F16:
		binary.LittleEndian.PutUint16(b, F32ToF16(float32(v)))
	case F32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case F64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}
