package ggml

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/born-ml/tensorcore/internal/tensor"
)

// Write encodes m in its own container flavor. Hparams.NVocab must equal
// len(m.Vocab).
func Write(w io.Writer, m *Model) error {
	if err := write(w, m); err != nil {
		return tensor.WrapError(tensor.KindFormat, "ggml", err)
	}
	return nil
}

func write(w io.Writer, m *Model) error {
	if err := checkVersion(m.Magic, m.Version); err != nil {
		return err
	}
	if int(m.Hparams.NVocab) != len(m.Vocab) {
		return fmt.Errorf("hparams declare %d vocab entries, model has %d", m.Hparams.NVocab, len(m.Vocab))
	}
	for _, name := range m.Names {
		q, ok := m.Tensors[name]
		if !ok {
			return fmt.Errorf("tensor %q listed but missing", name)
		}
		if q.Shape().Rank() > maxDims {
			return fmt.Errorf("tensor %q has rank %d, max %d", name, q.Shape().Rank(), maxDims)
		}
		if q.Scheme().Quantized() && !quantizedLayoutCurrent(m.Magic, m.Version) {
			return fmt.Errorf("%s tensors need ggjt v3, not %s v%d", q.Scheme(), m.Magic, m.Version)
		}
	}

	e := &encoder{w: bufio.NewWriter(w)}
	e.u32(uint32(m.Magic))
	if m.Magic.versioned() {
		e.u32(m.Version)
	}
	hp := m.Hparams
	for _, v := range []uint32{hp.NVocab, hp.NEmbd, hp.NMult, hp.NHead, hp.NLayer, hp.NRot, hp.FType} {
		e.u32(v)
	}
	for _, tok := range m.Vocab {
		e.u32(uint32(len(tok.Text)))
		e.raw(tok.Text)
		if m.Magic.scored() {
			e.u32(math.Float32bits(tok.Score))
		}
	}
	for _, name := range m.Names {
		q := m.Tensors[name]
		shape := q.Shape()
		e.u32(uint32(shape.Rank()))
		e.u32(uint32(len(name)))
		e.u32(uint32(q.Scheme()))
		for i := shape.Rank() - 1; i >= 0; i-- {
			e.u32(uint32(shape[i]))
		}
		e.raw([]byte(name))
		if m.Magic.aligned() {
			if pad := (dataAlignment - e.n%dataAlignment) % dataAlignment; pad > 0 {
				e.raw(make([]byte, pad))
			}
		}
		e.raw(q.Data())
	}
	if e.err != nil {
		return e.err
	}
	return e.w.Flush()
}

type encoder struct {
	w   *bufio.Writer
	n   int64
	err error
	buf [4]byte
}

func (e *encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	var n int
	n, e.err = e.w.Write(b)
	e.n += int64(n)
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:], v)
	e.raw(e.buf[:])
}
