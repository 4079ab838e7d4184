package quant

import (
	"encoding/binary"
	"math"

	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/x448/float16"
)

// codec converts one block between its packed form and float32 values.
// decode writes BlockSize values into out; encode reads BlockSize values.
type codec struct {
	decode func(block []byte, out []float32)
	encode func(in []float32, block []byte)
}

var codecs = map[Scheme]codec{
	Q4_0: {decodeQ4_0, encodeQ4_0},
	Q4_1: {decodeQ4_1, encodeQ4_1},
	Q5_0: {decodeQ5_0, encodeQ5_0},
	Q5_1: {decodeQ5_1, encodeQ5_1},
	Q8_0: {decodeQ8_0, encodeQ8_0},
	Q8_1: {decodeQ8_1, encodeQ8_1},
	Q2_K: {decodeQ2_K, encodeQ2_K},
	Q3_K: {decodeQ3_K, encodeQ3_K},
	Q4_K: {decodeQ4_K, encodeQ4_K},
	Q5_K: {decodeQ5_K, encodeQ5_K},
	Q6_K: {decodeQ6_K, encodeQ6_K},
	Q8_K: {decodeQ8_K, encodeQ8_K},
}

// DecodeRow expands len(out) elements of scheme s from data. len(out) must
// be a multiple of the block size and data must hold RowSize(len(out)) bytes.
func DecodeRow(s Scheme, data []byte, out []float32) {
	switch s {
	case F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return
	case F16:
		for i := range out {
			out[i] = halfAt(data[2*i:])
		}
		return
	case BF16:
		for i := range out {
			out[i] = tensor.BF16ToF32(binary.LittleEndian.Uint16(data[2*i:]))
		}
		return
	}
	c := codecs[s]
	bs, ts := s.BlockSize(), s.TypeSize()
	for b := 0; b*bs < len(out); b++ {
		c.decode(data[b*ts:(b+1)*ts], out[b*bs:(b+1)*bs])
	}
}

// EncodeRow packs in into data using scheme s. len(in) must be a multiple
// of the block size and data must hold RowSize(len(in)) bytes.
func EncodeRow(s Scheme, in []float32, data []byte) {
	switch s {
	case F32:
		for i, v := range in {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
		}
		return
	case F16:
		for i, v := range in {
			putHalf(data[2*i:], v)
		}
		return
	case BF16:
		for i, v := range in {
			binary.LittleEndian.PutUint16(data[2*i:], tensor.F32ToBF16(v))
		}
		return
	}
	c := codecs[s]
	bs, ts := s.BlockSize(), s.TypeSize()
	for b := 0; b*bs < len(in); b++ {
		c.encode(in[b*bs:(b+1)*bs], data[b*ts:(b+1)*ts])
	}
}

func halfAt(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// putHalf stores v as f16 and returns the value actually stored.
func putHalf(b []byte, v float32) float32 {
	h := float16.Fromfloat32(v)
	binary.LittleEndian.PutUint16(b, h.Bits())
	return h.Float32()
}

func nearestInt(v float32) int {
	return int(math.Round(float64(v)))
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// signedAbsMax returns the element of largest magnitude, keeping its sign.
func signedAbsMax(in []float32) float32 {
	var amax, m float32
	for _, v := range in {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax, m = a, v
		}
	}
	return m
}

func minMax(in []float32) (lo, hi float32) {
	lo, hi = in[0], in[0]
	for _, v := range in[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

func recip(d float32) float32 {
	if d == 0 {
		return 0
	}
	return 1 / d
}
