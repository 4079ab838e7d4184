package ggml

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/tensorcore/internal/config"
	"github.com/born-ml/tensorcore/internal/logger"
	"github.com/born-ml/tensorcore/internal/metrics"
	"github.com/born-ml/tensorcore/internal/quant"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Read decodes a complete legacy model from r. On failure it returns a
// FormatError and no model.
func Read(r io.Reader) (*Model, error) {
	return ReadContext(context.Background(), r)
}

// ReadFile decodes the legacy model at path.
func ReadFile(path string) (*Model, error) {
	f, err := os.Open(path) //nolint:gosec // G304: caller-supplied model path.
	if err != nil {
		return nil, fmt.Errorf("open ggml: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Read(f)
}

// ReadContext is Read with cancellation of the tensor decode stage.
func ReadContext(ctx context.Context, r io.Reader) (*Model, error) {
	m, err := read(ctx, r, config.Default().GGUFMaxStringLen)
	if err != nil {
		return nil, tensor.WrapError(tensor.KindFormat, "ggml", err)
	}
	metrics.RecordTensorsLoaded(m.Magic.String(), len(m.Names))
	logger.Log.Debug("legacy model loaded",
		"format", m.Magic.String(),
		"version", m.Version,
		"vocab", len(m.Vocab),
		"tensors", len(m.Names),
	)
	return m, nil
}

// record is a tensor whose bytes have been read but not yet validated.
type record struct {
	name   string
	shape  tensor.Shape
	scheme quant.Scheme
	data   []byte
}

func read(ctx context.Context, r io.Reader, maxString int) (*Model, error) {
	d := &decoder{r: bufio.NewReader(r), maxString: maxString}
	m := &Model{}

	magic, err := d.u32()
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	m.Magic = Magic(magic)
	if m.Magic.versioned() {
		if m.Version, err = d.u32(); err != nil {
			return nil, fmt.Errorf("read version: %w", err)
		}
	}
	if err := checkVersion(m.Magic, m.Version); err != nil {
		return nil, err
	}

	hp := []*uint32{
		&m.Hparams.NVocab, &m.Hparams.NEmbd, &m.Hparams.NMult, &m.Hparams.NHead,
		&m.Hparams.NLayer, &m.Hparams.NRot, &m.Hparams.FType,
	}
	for _, p := range hp {
		if *p, err = d.u32(); err != nil {
			return nil, fmt.Errorf("read hparams: %w", err)
		}
	}

	m.Vocab = make([]Token, 0, min(m.Hparams.NVocab, 1<<16))
	for i := range m.Hparams.NVocab {
		text, err := d.bytes()
		if err != nil {
			return nil, fmt.Errorf("read vocab entry %d: %w", i, err)
		}
		tok := Token{Text: text}
		if m.Magic.scored() {
			s, err := d.u32()
			if err != nil {
				return nil, fmt.Errorf("read vocab score %d: %w", i, err)
			}
			tok.Score = math.Float32frombits(s)
		}
		m.Vocab = append(m.Vocab, tok)
	}

	var recs []record
	seen := make(map[string]bool)
	for {
		rec, err := d.record(m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tensor %d: %w", len(recs), err)
		}
		if seen[rec.name] {
			return nil, fmt.Errorf("duplicate tensor %q", rec.name)
		}
		seen[rec.name] = true
		recs = append(recs, rec)
	}

	qs := make([]*quant.QTensor, len(recs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, rec := range recs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			q, err := quant.NewQTensor(rec.shape, rec.scheme, rec.data)
			if err != nil {
				return fmt.Errorf("tensor %q: %w", rec.name, err)
			}
			qs[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, rec := range recs {
		m.Add(rec.name, qs[i])
	}
	return m, nil
}

type decoder struct {
	r         *bufio.Reader
	n         int64
	maxString int
	buf       [4]byte
}

func (d *decoder) u32() (uint32, error) {
	if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	d.n += 4
	return binary.LittleEndian.Uint32(d.buf[:]), nil
}

// bytes reads a u32 length followed by that many bytes.
func (d *decoder) bytes() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(d.maxString) {
		return nil, fmt.Errorf("string of %d bytes exceeds limit %d", n, d.maxString)
	}
	return d.exact(int64(n))
}

// exact reads n bytes, growing the buffer only as data arrives.
func (d *decoder) exact(n int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(d.r, n))
	d.n += int64(len(b))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) != n {
		return nil, io.ErrUnexpectedEOF
	}
	return b, nil
}

func (d *decoder) skip(n int64) error {
	k, err := d.r.Discard(int(n))
	d.n += int64(k)
	if err != nil {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// record reads one tensor. It returns io.EOF only at a clean end of file.
func (d *decoder) record(m *Model) (record, error) {
	var rec record
	if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return rec, fmt.Errorf("read dim count: %w", err)
		}
		return rec, err
	}
	d.n += 4
	nDims := binary.LittleEndian.Uint32(d.buf[:])
	nameLen, err := d.u32()
	if err != nil {
		return rec, fmt.Errorf("read name length: %w", err)
	}
	typ, err := d.u32()
	if err != nil {
		return rec, fmt.Errorf("read type: %w", err)
	}
	if nDims > maxDims {
		return rec, fmt.Errorf("%d dims, max %d", nDims, maxDims)
	}
	rec.scheme = quant.Scheme(typ)
	if !rec.scheme.Valid() {
		return rec, fmt.Errorf("unknown tensor type %d", typ)
	}
	if rec.scheme.Quantized() && !quantizedLayoutCurrent(m.Magic, m.Version) {
		return rec, fmt.Errorf("%s tensors in %s v%d use a retired block layout", rec.scheme, m.Magic, m.Version)
	}

	rec.shape = make(tensor.Shape, nDims)
	total := uint64(1)
	for i := range int(nDims) {
		dim, err := d.u32()
		if err != nil {
			return rec, fmt.Errorf("read dims: %w", err)
		}
		rec.shape[int(nDims)-1-i] = int(dim)
		hi, lo := bits.Mul64(total, uint64(dim))
		if hi != 0 || lo > math.MaxInt64/64 {
			return rec, errors.New("too many elements")
		}
		total = lo
	}
	if int64(nameLen) > int64(d.maxString) {
		return rec, fmt.Errorf("name of %d bytes exceeds limit %d", nameLen, d.maxString)
	}
	name, err := d.exact(int64(nameLen))
	if err != nil {
		return rec, fmt.Errorf("read name: %w", err)
	}
	rec.name = string(name)

	if bs := rec.scheme.BlockSize(); bs > 1 && (nDims == 0 || rec.shape[nDims-1]%bs != 0) {
		return rec, fmt.Errorf("tensor %q: row length is not a multiple of the %s block size %d", rec.name, rec.scheme, bs)
	}
	if m.Magic.aligned() {
		if pad := (dataAlignment - d.n%dataAlignment) % dataAlignment; pad > 0 {
			if err := d.skip(pad); err != nil {
				return rec, fmt.Errorf("tensor %q: read padding: %w", rec.name, err)
			}
		}
	}
	if rec.data, err = d.exact(int64(rec.scheme.RowSize(int(total)))); err != nil {
		return rec, fmt.Errorf("tensor %q: read data: %w", rec.name, err)
	}
	return rec, nil
}
