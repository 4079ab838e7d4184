package gguf

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/born-ml/tensorcore/internal/backend/cpu"
	"github.com/born-ml/tensorcore/internal/quant"
	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qtensor(t *testing.T, shape tensor.Shape, scheme quant.Scheme) *quant.QTensor {
	t.Helper()
	vals := make([]float32, shape.NumElements())
	for i := range vals {
		vals[i] = float32(i%17)/8 - 1
	}
	x, err := tensor.FromSlice(vals, shape, cpu.New())
	require.NoError(t, err)
	q, err := quant.Quantize(x, scheme)
	require.NoError(t, err)
	return q
}

func sampleKVs() []KV {
	return []KV{
		{Key: "general.architecture", Value: "llama"},
		{Key: "general.alignment", Value: uint32(64)},
		{Key: "llama.block_count", Value: uint32(2)},
		{Key: "llama.rope.freq_base", Value: float32(10000)},
		{Key: "u8", Value: uint8(7)},
		{Key: "i8", Value: int8(-7)},
		{Key: "u16", Value: uint16(700)},
		{Key: "i16", Value: int16(-700)},
		{Key: "i32", Value: int32(-70000)},
		{Key: "u64", Value: uint64(1) << 40},
		{Key: "i64", Value: int64(-1) << 40},
		{Key: "f64", Value: 2.5},
		{Key: "flag", Value: true},
		{Key: "tokenizer.ggml.tokens", Value: []string{"<s>", "</s>", "hello"}},
		{Key: "tokenizer.ggml.scores", Value: []float32{0, -1, -2.5}},
		{Key: "nested", Value: []Array{
			{Type: TypeUint32, Values: []uint32{1, 2}},
			{Type: TypeString, Values: []string{"a"}},
			{Type: TypeArray, Values: []Array{{Type: TypeInt8, Values: []int8{-1}}}},
		}},
	}
}

func sampleTensors(t *testing.T) []NamedTensor {
	return []NamedTensor{
		{Name: "tok_embd.weight", Tensor: qtensor(t, tensor.Shape{2, 3}, quant.F32)},
		{Name: "blk.0.attn_q.weight", Tensor: qtensor(t, tensor.Shape{2, 32}, quant.Q8_0)},
		{Name: "blk.0.ffn_up.weight", Tensor: qtensor(t, tensor.Shape{1, 256}, quant.Q4_K)},
		{Name: "output_norm.weight", Tensor: qtensor(t, tensor.Shape{4}, quant.F16)},
	}
}

func encode(t *testing.T, kvs []KV, tensors []NamedTensor, opts WriteOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteWithOptions(&buf, kvs, tensors, opts))
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	tensors := sampleTensors(t)
	raw := encode(t, sampleKVs(), tensors, WriteOptions{})

	c, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, Version3, c.Version)
	assert.Equal(t, binary.ByteOrder(binary.LittleEndian), c.ByteOrder)
	assert.Equal(t, 64, c.Alignment)
	assert.Zero(t, c.DataOffset%64)
	require.Len(t, c.KVs, len(sampleKVs()))
	for i, kv := range sampleKVs() {
		assert.Equal(t, kv.Key, c.KVs[i].Key, "metadata order")
	}

	arch := c.Architecture()
	assert.Equal(t, "llama", arch)
	blocks, err := c.ArchUint("block_count")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), blocks)
	base, err := c.Float("llama.rope.freq_base")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, base)
	i64, err := c.Int("i64")
	require.NoError(t, err)
	assert.Equal(t, int64(-1)<<40, i64)
	i8, err := c.Int("i8")
	require.NoError(t, err)
	assert.Equal(t, int64(-7), i8)
	flag, err := c.Bool("flag")
	require.NoError(t, err)
	assert.True(t, flag)
	toks, err := c.Strings("tokenizer.ggml.tokens")
	require.NoError(t, err)
	assert.Equal(t, []string{"<s>", "</s>", "hello"}, toks)
	scores, err := c.Array("tokenizer.ggml.scores")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, -1, -2.5}, scores.Values)

	nested, err := c.Array("nested")
	require.NoError(t, err)
	assert.Equal(t, TypeArray, nested.Type)
	inner := nested.Values.([]Array)
	require.Len(t, inner, 3)
	assert.Equal(t, []uint32{1, 2}, inner[0].Values)
	assert.Equal(t, []string{"a"}, inner[1].Values)
	assert.Equal(t, []int8{-1}, inner[2].Values.([]Array)[0].Values)

	require.Len(t, c.Tensors, len(tensors))
	r := bytes.NewReader(raw)
	for _, nt := range tensors {
		ti, ok := c.TensorInfo(nt.Name)
		require.True(t, ok, nt.Name)
		assert.Zero(t, ti.Offset%64)
		assert.Equal(t, nt.Tensor.Scheme(), ti.Scheme)

		q, err := c.Tensor(r, nt.Name)
		require.NoError(t, err)
		assert.Equal(t, nt.Tensor.Shape(), q.Shape())
		assert.Equal(t, nt.Tensor.Scheme(), q.Scheme())
		assert.Equal(t, nt.Tensor.Data(), q.Data())
	}
}

func TestDimsAreInnermostFirst(t *testing.T) {
	raw := encode(t, nil, []NamedTensor{
		{Name: "w", Tensor: qtensor(t, tensor.Shape{3, 2, 32}, quant.Q8_0)},
	}, WriteOptions{})
	c, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)
	ti, ok := c.TensorInfo("w")
	require.True(t, ok)
	assert.Equal(t, []uint64{32, 2, 3}, ti.Dims)
	assert.Equal(t, tensor.Shape{3, 2, 32}, ti.Shape())
	assert.Equal(t, uint64(6*34), ti.Size())
}

func TestLoadAll(t *testing.T) {
	tensors := sampleTensors(t)
	raw := encode(t, sampleKVs(), tensors, WriteOptions{})
	c, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)

	all, err := c.LoadAll(context.Background(), bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, all, len(tensors))
	for _, nt := range tensors {
		assert.Equal(t, nt.Tensor.Data(), all[nt.Name].Data())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	all, err = c.LoadAll(ctx, bytes.NewReader(raw))
	require.Error(t, err)
	assert.Nil(t, all)
}

func TestLoadAllIsAllOrNothing(t *testing.T) {
	raw := encode(t, nil, sampleTensors(t), WriteOptions{})
	c, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)

	// Drop the tail of the data section after parsing the header.
	last := c.Tensors[len(c.Tensors)-1]
	short := raw[:c.DataOffset+int64(last.Offset)+1]
	all, err := c.LoadAll(context.Background(), bytes.NewReader(short))
	require.ErrorIs(t, err, tensor.ErrFormat)
	assert.Nil(t, all)
}

func TestVersion1(t *testing.T) {
	tensors := sampleTensors(t)
	raw := encode(t, sampleKVs(), tensors, WriteOptions{Version: Version1})
	c, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, Version1, c.Version)
	toks, err := c.Strings("tokenizer.ggml.tokens")
	require.NoError(t, err)
	assert.Len(t, toks, 3)
	q, err := c.Tensor(bytes.NewReader(raw), "blk.0.attn_q.weight")
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 32}, q.Shape())
	assert.Equal(t, tensors[1].Tensor.Data(), q.Data())
}

func TestBigEndian(t *testing.T) {
	dense := []NamedTensor{
		{Name: "a", Tensor: qtensor(t, tensor.Shape{2, 3}, quant.F32)},
		{Name: "b", Tensor: qtensor(t, tensor.Shape{5}, quant.F16)},
	}
	raw := encode(t, sampleKVs(), dense, WriteOptions{ByteOrder: binary.BigEndian})
	assert.Equal(t, []byte("FUGG"), raw[:4])

	c, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, binary.ByteOrder(binary.BigEndian), c.ByteOrder)
	n, err := c.Uint("llama.block_count")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
	for _, nt := range dense {
		q, err := c.Tensor(bytes.NewReader(raw), nt.Name)
		require.NoError(t, err)
		assert.Equal(t, nt.Tensor.Data(), q.Data(), "element bytes are swapped back")
	}

	var buf bytes.Buffer
	err = WriteWithOptions(&buf, nil, []NamedTensor{
		{Name: "q", Tensor: qtensor(t, tensor.Shape{32}, quant.Q8_0)},
	}, WriteOptions{ByteOrder: binary.BigEndian})
	require.ErrorIs(t, err, tensor.ErrFormat)
}

func TestByteSwappedVersionSelectsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("GGUF")
	be := binary.BigEndian
	_ = binary.Write(&buf, be, Version3)
	_ = binary.Write(&buf, be, uint64(0)) // tensors
	_ = binary.Write(&buf, be, uint64(1)) // kvs
	_ = binary.Write(&buf, be, uint64(1))
	buf.WriteString("k")
	_ = binary.Write(&buf, be, uint32(TypeUint32))
	_ = binary.Write(&buf, be, uint32(42))

	c, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, binary.ByteOrder(binary.BigEndian), c.ByteOrder)
	v, err := c.Uint("k")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestMalformed(t *testing.T) {
	raw := encode(t, sampleKVs(), sampleTensors(t), WriteOptions{})
	c, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)
	last := c.Tensors[len(c.Tensors)-1]
	dataEnd := c.DataOffset + int64(last.Offset+last.Size())

	alignAt := bytes.Index(raw, []byte(AlignmentKey)) + len(AlignmentKey) + 4

	tests := []struct {
		name string
		data func() []byte
	}{
		{"empty", func() []byte { return nil }},
		{"bad magic", func() []byte {
			b := bytes.Clone(raw)
			copy(b, "GGML")
			return b
		}},
		{"bad version", func() []byte {
			b := bytes.Clone(raw)
			binary.LittleEndian.PutUint32(b[4:], 9)
			return b
		}},
		{"truncated header", func() []byte { return raw[:20] }},
		{"truncated metadata", func() []byte { return raw[:alignAt] }},
		{"truncated data", func() []byte { return raw[:dataEnd-1] }},
		{"alignment not a power of two", func() []byte {
			b := bytes.Clone(raw)
			binary.LittleEndian.PutUint32(b[alignAt:], 48)
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Read(bytes.NewReader(tt.data()))
			require.ErrorIs(t, err, tensor.ErrFormat)
			assert.Nil(t, c)
		})
	}
}

// header builds a version 3 little-endian file prefix.
func header(tensors, kvs uint64) *bytes.Buffer {
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, MagicLE)
	_ = binary.Write(&buf, le, Version3)
	_ = binary.Write(&buf, le, tensors)
	_ = binary.Write(&buf, le, kvs)
	return &buf
}

func putString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func TestUnknownTypes(t *testing.T) {
	le := binary.LittleEndian

	buf := header(0, 1)
	putString(buf, "k")
	_ = binary.Write(buf, le, uint32(99))
	_, err := Read(bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, tensor.ErrFormat)

	buf = header(1, 0)
	putString(buf, "w")
	_ = binary.Write(buf, le, uint32(1))
	_ = binary.Write(buf, le, uint64(4))
	_ = binary.Write(buf, le, uint32(4)) // Q4_2, removed from ggml
	_ = binary.Write(buf, le, uint64(0))
	buf.Write(make([]byte, 64))
	_, err = Read(bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, tensor.ErrFormat)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestMisalignedTensorOffset(t *testing.T) {
	le := binary.LittleEndian
	buf := header(1, 0)
	putString(buf, "w")
	_ = binary.Write(buf, le, uint32(1))
	_ = binary.Write(buf, le, uint64(4))
	_ = binary.Write(buf, le, uint32(quant.F32))
	_ = binary.Write(buf, le, uint64(4))
	buf.Write(make([]byte, 64))
	_, err := Read(bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, tensor.ErrFormat)
	assert.Contains(t, err.Error(), "not aligned")
}

func TestLimits(t *testing.T) {
	raw := encode(t, sampleKVs(), nil, WriteOptions{})

	_, err := ReadWithOptions(bytes.NewReader(raw), Options{MaxArrayLen: 1 << 10, MaxStringLen: 4})
	require.ErrorIs(t, err, tensor.ErrFormat)
	assert.Contains(t, err.Error(), "exceeds limit")

	_, err = ReadWithOptions(bytes.NewReader(raw), Options{MaxArrayLen: 2, MaxStringLen: 1 << 10})
	require.ErrorIs(t, err, tensor.ErrFormat)
	assert.Contains(t, err.Error(), "exceeds limit")

	buf := header(0, 1)
	putString(buf, "huge")
	_ = binary.Write(buf, binary.LittleEndian, uint32(TypeString))
	_ = binary.Write(buf, binary.LittleEndian, uint64(1)<<40)
	_, err = Read(bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, tensor.ErrFormat)
}

func TestAccessorErrors(t *testing.T) {
	raw := encode(t, sampleKVs(), nil, WriteOptions{})
	c, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)

	_, err = c.String("missing")
	assert.ErrorIs(t, err, tensor.ErrNotFound)
	_, err = c.Uint("general.architecture")
	assert.ErrorIs(t, err, tensor.ErrFormat)
	_, err = c.Uint("i8")
	assert.ErrorIs(t, err, tensor.ErrFormat, "negative values are not unsigned")
	_, err = c.Strings("tokenizer.ggml.scores")
	assert.ErrorIs(t, err, tensor.ErrFormat)
	_, err = c.Tensor(bytes.NewReader(raw), "missing")
	assert.ErrorIs(t, err, tensor.ErrNotFound)
}

func TestWriteRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []KV{{Key: "x", Value: struct{}{}}}, nil)
	require.ErrorIs(t, err, tensor.ErrFormat)

	err = Write(&buf, []KV{{Key: AlignmentKey, Value: uint32(24)}}, nil)
	require.ErrorIs(t, err, tensor.ErrFormat)

	err = WriteWithOptions(&buf, nil, nil, WriteOptions{Version: 4})
	require.ErrorIs(t, err, tensor.ErrFormat)
}
