package quant

import (
	"encoding/binary"
)

// Legacy 32-element blocks. Element j of the first half shares byte j of qs
// with element j+16 (low and high nibble).

// Q4_0: d f16 | qs[16]; x = d * (q - 8).
func decodeQ4_0(b []byte, out []float32) {
	d := halfAt(b)
	qs := b[2:18]
	for j := range 16 {
		out[j] = d * float32(int(qs[j]&0x0F)-8)
		out[j+16] = d * float32(int(qs[j]>>4)-8)
	}
}

func encodeQ4_0(in []float32, b []byte) {
	d := putHalf(b, signedAbsMax(in)/-8)
	id := recip(d)
	qs := b[2:18]
	for j := range 16 {
		q0 := min(15, int(in[j]*id+8.5))
		q1 := min(15, int(in[j+16]*id+8.5))
		qs[j] = byte(q0) | byte(q1)<<4
	}
}

// Q4_1: d f16 | m f16 | qs[16]; x = d*q + m.
func decodeQ4_1(b []byte, out []float32) {
	d, m := halfAt(b), halfAt(b[2:])
	qs := b[4:20]
	for j := range 16 {
		out[j] = d*float32(qs[j]&0x0F) + m
		out[j+16] = d*float32(qs[j]>>4) + m
	}
}

func encodeQ4_1(in []float32, b []byte) {
	lo, hi := minMax(in)
	d := putHalf(b, (hi-lo)/15)
	m := putHalf(b[2:], lo)
	id := recip(d)
	qs := b[4:20]
	for j := range 16 {
		q0 := clampInt(int((in[j]-m)*id+0.5), 0, 15)
		q1 := clampInt(int((in[j+16]-m)*id+0.5), 0, 15)
		qs[j] = byte(q0) | byte(q1)<<4
	}
}

// Q5_0: d f16 | qh u32 | qs[16]; bit j of qh is the fifth bit of element j.
// x = d * (q - 16).
func decodeQ5_0(b []byte, out []float32) {
	d := halfAt(b)
	qh := binary.LittleEndian.Uint32(b[2:6])
	qs := b[6:22]
	for j := range 16 {
		h0 := byte(qh>>j<<4) & 0x10
		h1 := byte(qh>>(j+12)) & 0x10
		out[j] = d * float32(int(qs[j]&0x0F|h0)-16)
		out[j+16] = d * float32(int(qs[j]>>4|h1)-16)
	}
}

func encodeQ5_0(in []float32, b []byte) {
	d := putHalf(b, signedAbsMax(in)/-16)
	id := recip(d)
	var qh uint32
	qs := b[6:22]
	for j := range 16 {
		q0 := min(31, int(in[j]*id+16.5))
		q1 := min(31, int(in[j+16]*id+16.5))
		qs[j] = byte(q0&0x0F) | byte(q1&0x0F)<<4
		qh |= uint32(q0>>4&1) << j
		qh |= uint32(q1>>4&1) << (j + 16)
	}
	binary.LittleEndian.PutUint32(b[2:6], qh)
}

// Q5_1: d f16 | m f16 | qh u32 | qs[16]; x = d*q + m.
func decodeQ5_1(b []byte, out []float32) {
	d, m := halfAt(b), halfAt(b[2:])
	qh := binary.LittleEndian.Uint32(b[4:8])
	qs := b[8:24]
	for j := range 16 {
		h0 := byte(qh>>j<<4) & 0x10
		h1 := byte(qh>>(j+12)) & 0x10
		out[j] = d*float32(qs[j]&0x0F|h0) + m
		out[j+16] = d*float32(qs[j]>>4|h1) + m
	}
}

func encodeQ5_1(in []float32, b []byte) {
	lo, hi := minMax(in)
	d := putHalf(b, (hi-lo)/31)
	m := putHalf(b[2:], lo)
	id := recip(d)
	var qh uint32
	qs := b[8:24]
	for j := range 16 {
		q0 := clampInt(int((in[j]-m)*id+0.5), 0, 31)
		q1 := clampInt(int((in[j+16]-m)*id+0.5), 0, 31)
		qs[j] = byte(q0&0x0F) | byte(q1&0x0F)<<4
		qh |= uint32(q0>>4&1) << j
		qh |= uint32(q1>>4&1) << (j + 16)
	}
	binary.LittleEndian.PutUint32(b[4:8], qh)
}

// Q8_0: d f16 | qs[32] int8; x = d*q.
func decodeQ8_0(b []byte, out []float32) {
	d := halfAt(b)
	for j, q := range b[2:34] {
		out[j] = d * float32(int8(q))
	}
}

func encodeQ8_0(in []float32, b []byte) {
	_, id := encodeInt8(in, b[2:34])
	putHalf(b, recip(id))
}

// Q8_1: d f16 | s f16 | qs[32] int8, where s = d * sum(qs).
func decodeQ8_1(b []byte, out []float32) {
	d := halfAt(b)
	for j, q := range b[4:36] {
		out[j] = d * float32(int8(q))
	}
}

func encodeQ8_1(in []float32, b []byte) {
	sum, id := encodeInt8(in, b[4:36])
	d := putHalf(b, recip(id))
	putHalf(b[2:], d*float32(sum))
}

// encodeInt8 writes round(x * 127/amax) into qs and returns the sum of the
// quantized values and the inverse scale.
func encodeInt8(in []float32, qs []byte) (sum int, id float32) {
	var amax float32
	for _, v := range in {
		amax = max(amax, abs32(v))
	}
	id = recip(amax / 127)
	for j, v := range in {
		q := clampInt(nearestInt(v*id), -127, 127)
		qs[j] = byte(int8(q))
		sum += q
	}
	return sum, id
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
