package varbuilder

import (
	"fmt"
	"io"

	"github.com/born-ml/tensorcore/internal/gguf"
	"github.com/born-ml/tensorcore/internal/mmap"
	"github.com/born-ml/tensorcore/internal/quant"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// GGUFSource serves tensors from a GGUF file, dequantizing each one when it
// is requested.
type GGUFSource struct {
	content *gguf.Content
	r       io.ReaderAt
	m       *mmap.File
}

// OpenGGUF maps the GGUF file at path and parses its header.
func OpenGGUF(path string) (*GGUFSource, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	c, err := gguf.Read(io.NewSectionReader(m, 0, int64(m.Len())))
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &GGUFSource{content: c, r: m, m: m}, nil
}

// NewGGUFSource serves tensors of c read from r.
func NewGGUFSource(c *gguf.Content, r io.ReaderAt) *GGUFSource {
	return &GGUFSource{content: c, r: r}
}

// Content returns the parsed header and metadata.
func (s *GGUFSource) Content() *gguf.Content { return s.content }

// QTensor returns name without dequantizing it.
func (s *GGUFSource) QTensor(name string) (*quant.QTensor, error) {
	if _, ok := s.content.TensorInfo(name); !ok {
		return nil, notFound(name)
	}
	return s.content.Tensor(s.r, name)
}

// Get implements Source. init is ignored.
func (s *GGUFSource) Get(shape tensor.Shape, name string, _ Init, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	ti, ok := s.content.TensorInfo(name)
	if !ok {
		return nil, notFound(name)
	}
	if !ti.Shape().Equal(shape) {
		return nil, tensor.ShapeMismatchErrorf("varbuilder", "%s has shape %v, expected %v", name, ti.Shape(), shape)
	}
	return s.GetUnchecked(name, dtype, b)
}

// GetUnchecked implements Source.
func (s *GGUFSource) GetUnchecked(name string, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	q, err := s.QTensor(name)
	if err != nil {
		return nil, err
	}
	return q.DequantizeAs(dtype, b)
}

// Contains implements Source.
func (s *GGUFSource) Contains(name string) bool {
	_, ok := s.content.TensorInfo(name)
	return ok
}

// Close unmaps the file when the source opened it.
func (s *GGUFSource) Close() error {
	if s.m == nil {
		return nil
	}
	return s.m.Close()
}
