package ggml

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
		vals[i] = float32(i%13)/6 - 1
	}
	x, err := tensor.FromSlice(vals, shape, cpu.New())
	require.NoError(t, err)
	q, err := quant.Quantize(x, scheme)
	require.NoError(t, err)
	return q
}

func model(t *testing.T, magic Magic, version uint32, schemes ...quant.Scheme) *Model {
	m := &Model{
		Magic:   magic,
		Version: version,
		Hparams: Hparams{NVocab: 3, NEmbd: 32, NMult: 256, NHead: 4, NLayer: 1, NRot: 8, FType: 7},
		Vocab: []Token{
			{Text: []byte("<unk>")},
			{Text: []byte("a"), Score: -1},
			{Text: []byte{}, Score: -2},
		},
	}
	if !magic.scored() {
		for i := range m.Vocab {
			m.Vocab[i].Score = 0
		}
	}
	names := []string{"tok_embeddings.weight", "layers.0.attention.wq.weight", "norm.weight"}
	shapes := []tensor.Shape{{3, 32}, {2, 64}, {5}}
	for i, s := range schemes {
		m.Add(names[i], qtensor(t, shapes[i], s))
	}
	return m
}

func roundTrip(t *testing.T, m *Model) ([]byte, *Model) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, m))
	got, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return buf.Bytes(), got
}

func assertSameModel(t *testing.T, want, got *Model) {
	t.Helper()
	assert.Equal(t, want.Magic, got.Magic)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Hparams, got.Hparams)
	assert.Equal(t, want.Vocab, got.Vocab)
	assert.Equal(t, want.Names, got.Names)
	for _, name := range want.Names {
		w, g := want.Tensors[name], got.Tensors[name]
		require.NotNil(t, g, name)
		assert.Equal(t, w.Shape(), g.Shape(), name)
		assert.Equal(t, w.Scheme(), g.Scheme(), name)
		assert.Equal(t, w.Data(), g.Data(), name)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		magic   Magic
		version uint32
		schemes []quant.Scheme
	}{
		{"ggml", MagicGGML, 0, []quant.Scheme{quant.F32, quant.F16, quant.F32}},
		{"ggmf", MagicGGMF, 1, []quant.Scheme{quant.F16, quant.F32}},
		{"ggjt v1", MagicGGJT, 1, []quant.Scheme{quant.F32}},
		{"ggjt v3", MagicGGJT, 3, []quant.Scheme{quant.Q4_0, quant.Q8_0, quant.F32}},
		{"no tensors", MagicGGJT, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := model(t, tt.magic, tt.version, tt.schemes...)
			_, got := roundTrip(t, m)
			assertSameModel(t, m, got)
		})
	}
}

func TestUnversionedHasNoScores(t *testing.T) {
	m := model(t, MagicGGML, 0)
	raw, _ := roundTrip(t, m)
	// magic + 7 hparams + (len + bytes) per token, no versions or scores.
	want := 4 + 7*4 + (4 + 5) + (4 + 1) + 4
	assert.Len(t, raw, want)
}

func TestGGJTAlignsData(t *testing.T) {
	m := model(t, MagicGGJT, 3, quant.Q8_0, quant.Q4_0)
	raw, _ := roundTrip(t, m)
	for _, name := range m.Names {
		data := m.Tensors[name].Data()
		at := bytes.Index(raw, data)
		require.GreaterOrEqual(t, at, 0, name)
		assert.Zero(t, at%dataAlignment, name)
	}
}

func TestDimsAreInnermostFirst(t *testing.T) {
	m := &Model{Magic: MagicGGJT, Version: 3}
	m.Add("w", qtensor(t, tensor.Shape{3, 64}, quant.Q8_0))
	raw, got := roundTrip(t, m)
	assert.Equal(t, tensor.Shape{3, 64}, got.Tensors["w"].Shape())

	// Record header: n_dims, name_len, type, then dims.
	hdr := 4 + 4 + 7*4
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(raw[hdr:]))
	assert.Equal(t, uint32(64), binary.LittleEndian.Uint32(raw[hdr+12:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw[hdr+16:]))
}

func TestRetiredQuantLayouts(t *testing.T) {
	m := model(t, MagicGGJT, 3, quant.Q4_0)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, m))

	// Relabel the container as ggjt v2.
	raw := bytes.Clone(buf.Bytes())
	binary.LittleEndian.PutUint32(raw[4:], 2)
	got, err := Read(bytes.NewReader(raw))
	require.ErrorIs(t, err, tensor.ErrFormat)
	assert.Nil(t, got)

	m.Version = 2
	require.ErrorIs(t, Write(&buf, m), tensor.ErrFormat)
}

func TestMalformed(t *testing.T) {
	m := model(t, MagicGGJT, 3, quant.Q8_0, quant.F32)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, m))
	raw := buf.Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("GGUF"), raw[4:]...)},
		{"bad version", func() []byte {
			b := bytes.Clone(raw)
			binary.LittleEndian.PutUint32(b[4:], 7)
			return b
		}()},
		{"truncated hparams", raw[:20]},
		{"truncated vocab", raw[:4+4+7*4+6]},
		{"truncated tensor data", raw[:len(raw)-1]},
		{"partial record header", append(bytes.Clone(raw), 1, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Read(bytes.NewReader(tt.data))
			require.ErrorIs(t, err, tensor.ErrFormat)
			assert.Nil(t, got)
		})
	}
}

func TestUnknownTensorType(t *testing.T) {
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, uint32(MagicGGJT))
	_ = binary.Write(&buf, le, uint32(3))
	_ = binary.Write(&buf, le, make([]uint32, 7))
	_ = binary.Write(&buf, le, []uint32{1, 1, 5}) // n_dims, name_len, type Q4_3
	_ = binary.Write(&buf, le, uint32(32))
	buf.WriteString("w")

	_, err := Read(bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, tensor.ErrFormat)
	assert.Contains(t, err.Error(), "unknown tensor type")
}

func TestReadContextCancelled(t *testing.T) {
	m := model(t, MagicGGJT, 3, quant.Q8_0)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, m))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := ReadContext(ctx, bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	assert.Nil(t, got)
}

func TestWriteValidates(t *testing.T) {
	m := model(t, MagicGGMF, 1)
	m.Hparams.NVocab = 9
	require.ErrorIs(t, Write(&bytes.Buffer{}, m), tensor.ErrFormat)

	m = model(t, Magic(0x12345678), 1)
	require.ErrorIs(t, Write(&bytes.Buffer{}, m), tensor.ErrFormat)

	m = model(t, MagicGGJT, 3)
	m.Names = append(m.Names, "ghost")
	require.ErrorIs(t, Write(&bytes.Buffer{}, m), tensor.ErrFormat)
}
