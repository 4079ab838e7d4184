package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"

	"github.com/born-ml/tensorcore/internal/config"
	"github.com/born-ml/tensorcore/internal/quant"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// maxDims matches ggml's GGML_MAX_DIMS.
const maxDims = 4

const maxArrayDepth = 64

// Options bounds the allocations a single header may request.
type Options struct {
	MaxArrayLen  int
	MaxStringLen int
}

// DefaultOptions returns the limits of config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig takes the gguf limits from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{MaxArrayLen: cfg.GGUFMaxArrayLen, MaxStringLen: cfg.GGUFMaxStringLen}
}

// Read parses the header of a GGUF file starting at r's current position.
// Tensor data is not read; see Content.Tensor and Content.LoadAll.
func Read(r io.ReadSeeker) (*Content, error) {
	return ReadWithOptions(r, DefaultOptions())
}

// ReadFile parses the header of the GGUF file at path.
func ReadFile(path string) (*Content, error) {
	f, err := os.Open(path) //nolint:gosec // G304: caller-supplied model path.
	if err != nil {
		return nil, fmt.Errorf("open gguf: %w", err)
	}
	defer func() {
		_ = f.Close() // Read-only file.
	}()
	return Read(f)
}

// ReadWithOptions is Read with explicit limits.
func ReadWithOptions(r io.ReadSeeker, opts Options) (*Content, error) {
	c, err := read(r, opts)
	if err != nil {
		return nil, tensor.WrapError(tensor.KindFormat, "gguf", err)
	}
	return c, nil
}

func read(r io.ReadSeeker, opts Options) (*Content, error) {
	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("get size: %w", err)
	}
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}

	d := &decoder{r: bufio.NewReader(r), order: binary.LittleEndian, opts: opts, limit: end - start}
	c := &Content{Alignment: DefaultAlignment}
	if err := d.header(c); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	nTensors, err := d.count()
	if err != nil {
		return nil, fmt.Errorf("read tensor count: %w", err)
	}
	nKV, err := d.count()
	if err != nil {
		return nil, fmt.Errorf("read metadata kv count: %w", err)
	}
	// Every kv and tensor info costs at least 8 bytes; reject counts the
	// file cannot hold before allocating for them.
	if nKV > uint64(d.remaining())/8 || nTensors > uint64(d.remaining())/8 {
		return nil, fmt.Errorf("counts (%d kvs, %d tensors) exceed file size", nKV, nTensors)
	}

	c.KVs = make([]KV, 0, nKV)
	seen := make(map[string]bool, nKV)
	for i := range nKV {
		kv, err := d.kv()
		if err != nil {
			return nil, fmt.Errorf("parse metadata kv %d: %w", i, err)
		}
		if seen[kv.Key] {
			return nil, fmt.Errorf("duplicate metadata key %q", kv.Key)
		}
		seen[kv.Key] = true
		c.KVs = append(c.KVs, kv)
	}
	c.buildIndex()

	if _, ok := c.Value(AlignmentKey); ok {
		a, err := c.Uint(AlignmentKey)
		if err != nil {
			return nil, err
		}
		if a == 0 || a > math.MaxInt32 || a&(a-1) != 0 {
			return nil, fmt.Errorf("%s must be a power of two, got %d", AlignmentKey, a)
		}
		c.Alignment = int(a)
	}

	c.Tensors = make([]TensorInfo, nTensors)
	names := make(map[string]bool, nTensors)
	for i := range c.Tensors {
		ti := &c.Tensors[i]
		if err := d.tensorInfo(ti); err != nil {
			return nil, fmt.Errorf("parse tensor info %d: %w", i, err)
		}
		if names[ti.Name] {
			return nil, fmt.Errorf("duplicate tensor %q", ti.Name)
		}
		names[ti.Name] = true
		if ti.Offset%uint64(c.Alignment) != 0 {
			return nil, fmt.Errorf("tensor %q offset %d is not aligned to %d", ti.Name, ti.Offset, c.Alignment)
		}
	}
	c.buildIndex()

	c.DataOffset = start + alignUp(d.n, c.Alignment)
	var dataLen uint64
	if c.DataOffset < end {
		dataLen = uint64(end - c.DataOffset)
	}
	for i := range c.Tensors {
		ti := &c.Tensors[i]
		if ti.Offset > dataLen || ti.Size() > dataLen-ti.Offset {
			return nil, fmt.Errorf("tensor %q [%d, +%d) runs past the end of the data section (%d bytes): %w",
				ti.Name, ti.Offset, ti.Size(), dataLen, io.ErrUnexpectedEOF)
		}
	}
	return c, nil
}

type decoder struct {
	r       *bufio.Reader
	order   binary.ByteOrder
	version uint32
	opts    Options
	n       int64 // bytes consumed
	limit   int64 // bytes available
	buf     [8]byte
}

func (d *decoder) remaining() int64 { return d.limit - d.n }

func (d *decoder) read(n int) ([]byte, error) {
	b := d.buf[:n]
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, eof(err)
	}
	d.n += int64(n)
	return b, nil
}

// bytes reads n bytes into a fresh slice.
func (d *decoder) bytes(n uint64) ([]byte, error) {
	if n > uint64(d.remaining()) {
		return nil, fmt.Errorf("need %d bytes, %d left: %w", n, d.remaining(), io.ErrUnexpectedEOF)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, eof(err)
	}
	d.n += int64(n)
	return b, nil
}

func eof(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.read(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.read(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

// count reads a length or count field: u32 in version 1, u64 after.
func (d *decoder) count() (uint64, error) {
	if d.version == Version1 {
		v, err := d.u32()
		return uint64(v), err
	}
	return d.u64()
}

func (d *decoder) str() (string, error) {
	n, err := d.count()
	if err != nil {
		return "", err
	}
	if n > uint64(d.opts.MaxStringLen) {
		return "", fmt.Errorf("string of %d bytes exceeds limit %d", n, d.opts.MaxStringLen)
	}
	b, err := d.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) header(c *Content) error {
	b, err := d.read(4)
	if err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	magic := binary.LittleEndian.Uint32(b)
	switch magic {
	case MagicLE:
		d.order = binary.LittleEndian
	case MagicBE:
		d.order = binary.BigEndian
	default:
		return fmt.Errorf("invalid magic: 0x%08X (expected GGUF)", magic)
	}
	v, err := d.u32()
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	// llama.cpp writes the magic as bytes in both byte orders; a
	// byte-swapped version is then the only big-endian marker.
	if magic == MagicLE && v > Version3 {
		if sw := bits.ReverseBytes32(v); sw >= Version1 && sw <= Version3 {
			d.order = binary.BigEndian
			v = sw
		}
	}
	if v < Version1 || v > Version3 {
		return fmt.Errorf("unsupported version: %d (supported: 1-3)", v)
	}
	d.version = v
	c.Version = v
	c.ByteOrder = d.order
	return nil
}

func (d *decoder) kv() (KV, error) {
	key, err := d.str()
	if err != nil {
		return KV{}, fmt.Errorf("read key: %w", err)
	}
	t, err := d.u32()
	if err != nil {
		return KV{}, fmt.Errorf("read value type of %q: %w", key, err)
	}
	v, err := d.value(ValueType(t), 0)
	if err != nil {
		return KV{}, fmt.Errorf("read value of %q: %w", key, err)
	}
	return KV{Key: key, Value: v}, nil
}

func (d *decoder) value(t ValueType, depth int) (any, error) {
	switch t {
	case TypeUint8:
		return d.u8()
	case TypeInt8:
		v, err := d.u8()
		return int8(v), err
	case TypeUint16:
		return d.u16()
	case TypeInt16:
		v, err := d.u16()
		return int16(v), err
	case TypeUint32:
		return d.u32()
	case TypeInt32:
		v, err := d.u32()
		return int32(v), err
	case TypeFloat32:
		v, err := d.u32()
		return math.Float32frombits(v), err
	case TypeUint64:
		return d.u64()
	case TypeInt64:
		v, err := d.u64()
		return int64(v), err
	case TypeFloat64:
		v, err := d.u64()
		return math.Float64frombits(v), err
	case TypeBool:
		v, err := d.u8()
		return v != 0, err
	case TypeString:
		return d.str()
	case TypeArray:
		return d.array(depth + 1)
	}
	return nil, fmt.Errorf("unknown value type %d", uint32(t))
}

func (d *decoder) array(depth int) (Array, error) {
	if depth > maxArrayDepth {
		return Array{}, fmt.Errorf("arrays nested deeper than %d", maxArrayDepth)
	}
	et, err := d.u32()
	if err != nil {
		return Array{}, fmt.Errorf("read array element type: %w", err)
	}
	t := ValueType(et)
	n, err := d.count()
	if err != nil {
		return Array{}, fmt.Errorf("read array length: %w", err)
	}
	if n > uint64(d.opts.MaxArrayLen) {
		return Array{}, fmt.Errorf("array of %d elements exceeds limit %d", n, d.opts.MaxArrayLen)
	}
	if sz := t.size(); sz > 0 {
		raw, err := d.bytes(n * uint64(sz))
		if err != nil {
			return Array{}, err
		}
		return Array{Type: t, Values: d.fixed(t, raw, int(n))}, nil
	}
	switch t {
	case TypeString:
		out := make([]string, 0, min(n, uint64(d.remaining())/8))
		for range n {
			s, err := d.str()
			if err != nil {
				return Array{}, err
			}
			out = append(out, s)
		}
		return Array{Type: t, Values: out}, nil
	case TypeArray:
		out := make([]Array, 0, min(n, uint64(d.remaining())/12))
		for range n {
			a, err := d.array(depth + 1)
			if err != nil {
				return Array{}, err
			}
			out = append(out, a)
		}
		return Array{Type: t, Values: out}, nil
	}
	return Array{}, fmt.Errorf("unknown array element type %d", et)
}

// fixed decodes n elements of a fixed-size type from raw.
func (d *decoder) fixed(t ValueType, raw []byte, n int) any {
	o := d.order
	switch t {
	case TypeUint8:
		return raw
	case TypeInt8:
		return decodeAll(n, func(i int) int8 { return int8(raw[i]) })
	case TypeBool:
		return decodeAll(n, func(i int) bool { return raw[i] != 0 })
	case TypeUint16:
		return decodeAll(n, func(i int) uint16 { return o.Uint16(raw[2*i:]) })
	case TypeInt16:
		return decodeAll(n, func(i int) int16 { return int16(o.Uint16(raw[2*i:])) })
	case TypeUint32:
		return decodeAll(n, func(i int) uint32 { return o.Uint32(raw[4*i:]) })
	case TypeInt32:
		return decodeAll(n, func(i int) int32 { return int32(o.Uint32(raw[4*i:])) })
	case TypeFloat32:
		return decodeAll(n, func(i int) float32 { return math.Float32frombits(o.Uint32(raw[4*i:])) })
	case TypeUint64:
		return decodeAll(n, func(i int) uint64 { return o.Uint64(raw[8*i:]) })
	case TypeInt64:
		return decodeAll(n, func(i int) int64 { return int64(o.Uint64(raw[8*i:])) })
	case TypeFloat64:
		return decodeAll(n, func(i int) float64 { return math.Float64frombits(o.Uint64(raw[8*i:])) })
	}
	return nil
}

func decodeAll[T any](n int, at func(i int) T) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = at(i)
	}
	return out
}

func (d *decoder) tensorInfo(ti *TensorInfo) error {
	name, err := d.str()
	if err != nil {
		return fmt.Errorf("read name: %w", err)
	}
	ti.Name = name
	nDims, err := d.u32()
	if err != nil {
		return fmt.Errorf("read dim count of %q: %w", name, err)
	}
	if nDims > maxDims {
		return fmt.Errorf("tensor %q has %d dims, max %d", name, nDims, maxDims)
	}
	ti.Dims = make([]uint64, nDims)
	total := uint64(1)
	for i := range ti.Dims {
		if ti.Dims[i], err = d.count(); err != nil {
			return fmt.Errorf("read dims of %q: %w", name, err)
		}
		if ti.Dims[i] > math.MaxInt32 {
			return fmt.Errorf("tensor %q dim %d is too large: %d", name, i, ti.Dims[i])
		}
		hi, lo := bits.Mul64(total, ti.Dims[i])
		if hi != 0 || lo > math.MaxInt64/64 {
			return fmt.Errorf("tensor %q has too many elements", name)
		}
		total = lo
	}
	t, err := d.u32()
	if err != nil {
		return fmt.Errorf("read type of %q: %w", name, err)
	}
	ti.Scheme = quant.Scheme(t)
	if !ti.Scheme.Valid() {
		return fmt.Errorf("tensor %q has unknown type %d", name, t)
	}
	if bs := uint64(ti.Scheme.BlockSize()); bs > 1 && (nDims == 0 || ti.Dims[0]%bs != 0) {
		return fmt.Errorf("tensor %q: row length is not a multiple of the %s block size %d",
			name, ti.Scheme, bs)
	}
	if ti.Offset, err = d.u64(); err != nil {
		return fmt.Errorf("read offset of %q: %w", name, err)
	}
	return nil
}
