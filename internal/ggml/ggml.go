// Package ggml reads and writes the legacy single-file model formats that
// preceded GGUF: unversioned ggml, ggmf v1 and ggjt v1-v3.
//
// A file is a magic, an optional version, seven u32 hyperparameters, the
// vocabulary, then tensor records until end of file. ggjt aligns each
// tensor's data to 32 bytes.
package ggml

import (
	"fmt"

	"github.com/born-ml/tensorcore/internal/quant"
)

// Magic identifies the container flavor.
type Magic uint32

// Known magics, read as little-endian u32.
const (
	MagicGGML Magic = 0x67676d6c // unversioned
	MagicGGMF Magic = 0x67676d66
	MagicGGJT Magic = 0x67676a74
)

func (m Magic) String() string {
	switch m {
	case MagicGGML:
		return "ggml"
	case MagicGGMF:
		return "ggmf"
	case MagicGGJT:
		return "ggjt"
	}
	return fmt.Sprintf("Magic(0x%08x)", uint32(m))
}

// versioned reports whether a version field follows the magic.
func (m Magic) versioned() bool { return m != MagicGGML }

// scored reports whether vocab entries carry a score.
func (m Magic) scored() bool { return m != MagicGGML }

// aligned reports whether tensor data is padded to dataAlignment.
func (m Magic) aligned() bool { return m == MagicGGJT }

func checkVersion(m Magic, v uint32) error {
	switch m {
	case MagicGGML:
		return nil
	case MagicGGMF:
		if v == 1 {
			return nil
		}
	case MagicGGJT:
		if v >= 1 && v <= 3 {
			return nil
		}
	default:
		return fmt.Errorf("invalid magic: %s", m)
	}
	return fmt.Errorf("unsupported %s version %d", m, v)
}

// quantizedLayoutCurrent reports whether quantized blocks in this container
// use today's ggml layouts. Earlier releases packed Q4/Q5/Q8 differently.
func quantizedLayoutCurrent(m Magic, v uint32) bool {
	return m == MagicGGJT && v == 3
}

const dataAlignment = 32

const maxDims = 4

// Hparams are the llama-style hyperparameters every legacy file starts with.
type Hparams struct {
	NVocab uint32
	NEmbd  uint32
	NMult  uint32
	NHead  uint32
	NLayer uint32
	NRot   uint32
	FType  uint32
}

// Token is one vocabulary entry. Score is zero in unversioned files.
type Token struct {
	Text  []byte
	Score float32
}

// Model is the full contents of a legacy file.
type Model struct {
	Magic   Magic
	Version uint32
	Hparams Hparams
	Vocab   []Token
	// Names lists tensors in file order.
	Names   []string
	Tensors map[string]*quant.QTensor
}

// Add appends a tensor, replacing any with the same name.
func (m *Model) Add(name string, q *quant.QTensor) {
	if m.Tensors == nil {
		m.Tensors = make(map[string]*quant.QTensor)
	}
	if _, ok := m.Tensors[name]; !ok {
		m.Names = append(m.Names, name)
	}
	m.Tensors[name] = q
}
