package quant

import (
	"encoding/binary"
	"math"
)

// K-quant super-blocks of QK_K elements. The encoders fit each sub-block's
// scale (and min) from its value range, then quantize those against a
// per-super-block f16 factor.

// Q2_K: scales[16] (low nibble scale, high nibble min) | qs[64] | d f16 | dmin f16.
// 16 sub-blocks of 16; x = d*sc*q - dmin*m with q in [0, 3].
func decodeQ2_K(b []byte, out []float32) {
	scales, qs := b[0:16], b[16:80]
	d, dmin := halfAt(b[80:]), halfAt(b[82:])
	for e := range QK_K {
		sb := scales[e/16]
		q := qs[q2Index(e)] >> q2Shift(e) & 3
		out[e] = d*float32(sb&0x0F)*float32(q) - dmin*float32(sb>>4)
	}
}

// q2Index and q2Shift locate element e among the 2-bit fields shared by
// Q2_K and Q3_K: each 128-element half uses 32 bytes, four fields per byte.
func q2Index(e int) int { return e/128*32 + e%32 }
func q2Shift(e int) int { return e % 128 / 32 * 2 }

func encodeQ2_K(in []float32, b []byte) {
	var sc, mn [16]float32
	for i := range 16 {
		lo, hi := minMax(in[16*i : 16*i+16])
		lo = min(lo, 0)
		sc[i], mn[i] = (hi-lo)/3, -lo
	}
	d := putHalf(b[80:], maxOf(sc[:])/15)
	dmin := putHalf(b[82:], maxOf(mn[:])/15)
	scales, qs := b[0:16], b[16:80]
	clear(qs)
	for i := range 16 {
		ls := clampInt(nearestInt(sc[i]*recip(d)), 0, 15)
		lm := clampInt(nearestInt(mn[i]*recip(dmin)), 0, 15)
		scales[i] = byte(ls) | byte(lm)<<4
		dl, ml := d*float32(ls), dmin*float32(lm)
		for e := 16 * i; e < 16*i+16; e++ {
			q := clampInt(nearestInt((in[e]+ml)*recip(dl)), 0, 3)
			qs[q2Index(e)] |= byte(q) << q2Shift(e)
		}
	}
}

// Q3_K: hmask[32] | qs[64] | scales[12] (sixteen 6-bit values) | d f16.
// x = d*(sc-32)*(q-4) with q in [0, 7]; hmask carries bit 2 of q.
func decodeQ3_K(b []byte, out []float32) {
	hmask, qs := b[0:32], b[32:96]
	sc := unpackScales3(b[96:108])
	d := halfAt(b[108:])
	for e := range QK_K {
		q := int(qs[q2Index(e)] >> q2Shift(e) & 3)
		if hmask[e%32]>>(e/32)&1 == 0 {
			q -= 4
		}
		out[e] = d * float32(int(sc[e/16])-32) * float32(q)
	}
}

func encodeQ3_K(in []float32, b []byte) {
	var sc [16]float32
	for i := range 16 {
		sc[i] = signedAbsMax(in[16*i:16*i+16]) / -4
	}
	d := putHalf(b[108:], absMaxOf(sc[:])/31)
	var ls [16]byte
	hmask, qs := b[0:32], b[32:96]
	clear(hmask)
	clear(qs)
	for i := range 16 {
		l := clampInt(nearestInt(sc[i]*recip(d)), -32, 31)
		ls[i] = byte(l + 32)
		dl := d * float32(l)
		for e := 16 * i; e < 16*i+16; e++ {
			q := clampInt(nearestInt(in[e]*recip(dl)), -4, 3) + 4
			qs[q2Index(e)] |= byte(q&3) << q2Shift(e)
			hmask[e%32] |= byte(q>>2) << (e / 32)
		}
	}
	packScales3(ls, b[96:108])
}

// unpackScales3 spreads twelve bytes into sixteen 6-bit scales: the low
// nibbles come from bytes 0..7 and the high two bits from bytes 8..11.
func unpackScales3(p []byte) [16]byte {
	var s [16]byte
	for i := range 4 {
		s[i] = p[i]&0x0F | (p[8+i]>>0&3)<<4
		s[4+i] = p[4+i]&0x0F | (p[8+i]>>2&3)<<4
		s[8+i] = p[i]>>4 | (p[8+i]>>4&3)<<4
		s[12+i] = p[4+i]>>4 | (p[8+i]>>6&3)<<4
	}
	return s
}

func packScales3(s [16]byte, p []byte) {
	for i := range 4 {
		p[i] = s[i]&0x0F | (s[8+i]&0x0F)<<4
		p[4+i] = s[4+i]&0x0F | (s[12+i]&0x0F)<<4
		p[8+i] = s[i]>>4 | s[4+i]>>4<<2 | s[8+i]>>4<<4 | s[12+i]>>4<<6
	}
}

// scaleMinK4 extracts the j-th 6-bit scale and min of Q4_K and Q5_K.
func scaleMinK4(j int, p []byte) (sc, m byte) {
	if j < 4 {
		return p[j] & 63, p[j+4] & 63
	}
	return p[j+4]&0x0F | p[j-4]>>6<<4, p[j+4]>>4 | p[j]>>6<<4
}

func packScaleMinK4(sc, m [8]byte, p []byte) {
	for j := range 4 {
		p[j] = sc[j]&63 | sc[j+4]>>4<<6
		p[j+4] = m[j]&63 | m[j+4]>>4<<6
		p[j+8] = sc[j+4]&0x0F | m[j+4]&0x0F<<4
	}
}

// fitScaleMin8 fits eight 32-element sub-blocks for Q4_K/Q5_K with levels
// quantization steps, stores d and dmin at b[0:4] and returns the 6-bit
// scales and mins.
func fitScaleMin8(in []float32, levels int, b []byte) (d, dmin float32, ls, lm [8]byte) {
	var sc, mn [8]float32
	for i := range 8 {
		lo, hi := minMax(in[32*i : 32*i+32])
		lo = min(lo, 0)
		sc[i], mn[i] = (hi-lo)/float32(levels), -lo
	}
	d = putHalf(b, maxOf(sc[:])/63)
	dmin = putHalf(b[2:], maxOf(mn[:])/63)
	for i := range 8 {
		ls[i] = byte(clampInt(nearestInt(sc[i]*recip(d)), 0, 63))
		lm[i] = byte(clampInt(nearestInt(mn[i]*recip(dmin)), 0, 63))
	}
	return d, dmin, ls, lm
}

// Q4_K: d f16 | dmin f16 | scales[12] | qs[128]. Each 64-element chunk
// uses 32 bytes of qs: low nibbles for its first sub-block, high nibbles
// for its second.
func decodeQ4_K(b []byte, out []float32) {
	d, dmin := halfAt(b), halfAt(b[2:])
	scales, qs := b[4:16], b[16:144]
	for c := range 4 {
		sc1, m1 := scaleMinK4(2*c, scales)
		sc2, m2 := scaleMinK4(2*c+1, scales)
		d1, o1 := d*float32(sc1), dmin*float32(m1)
		d2, o2 := d*float32(sc2), dmin*float32(m2)
		q := qs[32*c : 32*c+32]
		for l := range 32 {
			out[64*c+l] = d1*float32(q[l]&0x0F) - o1
			out[64*c+32+l] = d2*float32(q[l]>>4) - o2
		}
	}
}

func encodeQ4_K(in []float32, b []byte) {
	d, dmin, ls, lm := fitScaleMin8(in, 15, b)
	packScaleMinK4(ls, lm, b[4:16])
	qs := b[16:144]
	for c := range 4 {
		for l := range 32 {
			lo := quantAffine(in[64*c+l], d*float32(ls[2*c]), dmin*float32(lm[2*c]), 15)
			hi := quantAffine(in[64*c+32+l], d*float32(ls[2*c+1]), dmin*float32(lm[2*c+1]), 15)
			qs[32*c+l] = byte(lo) | byte(hi)<<4
		}
	}
}

// Q5_K: d f16 | dmin f16 | scales[12] | qh[32] | qs[128]. Like Q4_K with a
// fifth bit per element: bit 2c of qh[l] for the first sub-block of chunk c,
// bit 2c+1 for the second.
func decodeQ5_K(b []byte, out []float32) {
	d, dmin := halfAt(b), halfAt(b[2:])
	scales, qh, qs := b[4:16], b[16:48], b[48:176]
	for c := range 4 {
		sc1, m1 := scaleMinK4(2*c, scales)
		sc2, m2 := scaleMinK4(2*c+1, scales)
		d1, o1 := d*float32(sc1), dmin*float32(m1)
		d2, o2 := d*float32(sc2), dmin*float32(m2)
		q := qs[32*c : 32*c+32]
		for l := range 32 {
			h1 := qh[l] >> (2 * c) & 1
			h2 := qh[l] >> (2*c + 1) & 1
			out[64*c+l] = d1*float32(q[l]&0x0F|h1<<4) - o1
			out[64*c+32+l] = d2*float32(q[l]>>4|h2<<4) - o2
		}
	}
}

func encodeQ5_K(in []float32, b []byte) {
	d, dmin, ls, lm := fitScaleMin8(in, 31, b)
	packScaleMinK4(ls, lm, b[4:16])
	qh, qs := b[16:48], b[48:176]
	clear(qh)
	for c := range 4 {
		for l := range 32 {
			lo := quantAffine(in[64*c+l], d*float32(ls[2*c]), dmin*float32(lm[2*c]), 31)
			hi := quantAffine(in[64*c+32+l], d*float32(ls[2*c+1]), dmin*float32(lm[2*c+1]), 31)
			qs[32*c+l] = byte(lo&0x0F) | byte(hi&0x0F)<<4
			qh[l] |= byte(lo>>4)<<(2*c) | byte(hi>>4)<<(2*c+1)
		}
	}
}

func quantAffine(x, dl, ml float32, top int) int {
	return clampInt(nearestInt((x+ml)*recip(dl)), 0, top)
}

// Q6_K: ql[128] | qh[64] | scales[16] int8 | d f16. x = d*sc*(q-32) with q
// in [0, 63]. Each 128-element half uses 64 bytes of ql and 32 of qh; its
// four 32-element quarters take ql low, ql[+32] low, ql high, ql[+32] high
// and qh bits 0-1, 2-3, 4-5, 6-7.
func decodeQ6_K(b []byte, out []float32) {
	ql, qh, scales := b[0:128], b[128:192], b[192:208]
	d := halfAt(b[208:])
	for e := range QK_K {
		q := int(q6At(ql, qh, e)) - 32
		out[e] = d * float32(int8(scales[e/16])) * float32(q)
	}
}

func q6At(ql, qh []byte, e int) byte {
	h, k, l := e/128, e%128/32, e%32
	lb := ql[h*64+l+k%2*32]
	if k >= 2 {
		lb >>= 4
	}
	return lb&0x0F | (qh[h*32+l]>>(2*k)&3)<<4
}

func encodeQ6_K(in []float32, b []byte) {
	var sc [16]float32
	for i := range 16 {
		sc[i] = signedAbsMax(in[16*i:16*i+16]) / -32
	}
	d := putHalf(b[208:], absMaxOf(sc[:])/127)
	ql, qh, scales := b[0:128], b[128:192], b[192:208]
	clear(ql)
	clear(qh)
	for i := range 16 {
		l := clampInt(nearestInt(sc[i]*recip(d)), -128, 127)
		scales[i] = byte(int8(l))
		dl := d * float32(l)
		for e := 16 * i; e < 16*i+16; e++ {
			q := byte(clampInt(nearestInt(in[e]*recip(dl)), -32, 31) + 32)
			h, k, ll := e/128, e%128/32, e%32
			shift := 0
			if k >= 2 {
				shift = 4
			}
			ql[h*64+ll+k%2*32] |= q & 0x0F << shift
			qh[h*32+ll] |= q >> 4 << (2 * k)
		}
	}
}

// Q8_K: d f32 | qs[256] int8 | bsums[16] int16 (sums of each 16 quants).
func decodeQ8_K(b []byte, out []float32) {
	d := math.Float32frombits(binary.LittleEndian.Uint32(b))
	for e, q := range b[4 : 4+QK_K] {
		out[e] = d * float32(int8(q))
	}
}

func encodeQ8_K(in []float32, b []byte) {
	m := signedAbsMax(in)
	var iscale float32
	if m != 0 {
		iscale = -128 / m
	}
	qs := b[4 : 4+QK_K]
	for e, v := range in {
		qs[e] = byte(int8(min(127, nearestInt(iscale*v))))
	}
	for i := range 16 {
		var sum int
		for _, q := range qs[16*i : 16*i+16] {
			sum += int(int8(q))
		}
		binary.LittleEndian.PutUint16(b[4+QK_K+2*i:], uint16(int16(sum)))
	}
	binary.LittleEndian.PutUint32(b, math.Float32bits(recip(iscale)))
}

func maxOf(v []float32) float32 {
	m := v[0]
	for _, x := range v[1:] {
		m = max(m, x)
	}
	return m
}

func absMaxOf(v []float32) float32 {
	var m float32
	for _, x := range v {
		m = max(m, abs32(x))
	}
	return m
}
