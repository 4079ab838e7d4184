package varbuilder

import (
	"github.com/born-ml/tensorcore/internal/ggml"
	"github.com/born-ml/tensorcore/internal/quant"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// GGMLSource serves tensors from a legacy ggml, ggmf or ggjt model. The whole
// file is decoded up front; tensors are dequantized on request.
type GGMLSource struct {
	model *ggml.Model
}

// OpenGGML reads the legacy model at path.
func OpenGGML(path string) (*GGMLSource, error) {
	m, err := ggml.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &GGMLSource{model: m}, nil
}

// NewGGMLSource serves the tensors of an already decoded model.
func NewGGMLSource(m *ggml.Model) *GGMLSource { return &GGMLSource{model: m} }

// Model returns the decoded file, including hyperparameters and vocabulary.
func (s *GGMLSource) Model() *ggml.Model { return s.model }

// QTensor returns name without dequantizing it.
func (s *GGMLSource) QTensor(name string) (*quant.QTensor, error) {
	q, ok := s.model.Tensors[name]
	if !ok {
		return nil, notFound(name)
	}
	return q, nil
}

// Get implements Source. init is ignored.
func (s *GGMLSource) Get(shape tensor.Shape, name string, _ Init, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	q, err := s.QTensor(name)
	if err != nil {
		return nil, err
	}
	if !q.Shape().Equal(shape) {
		return nil, tensor.ShapeMismatchErrorf("varbuilder", "%s has shape %v, expected %v", name, q.Shape(), shape)
	}
	return q.DequantizeAs(dtype, b)
}

// GetUnchecked implements Source.
func (s *GGMLSource) GetUnchecked(name string, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	q, err := s.QTensor(name)
	if err != nil {
		return nil, err
	}
	return q.DequantizeAs(dtype, b)
}

// Contains implements Source.
func (s *GGMLSource) Contains(name string) bool {
	_, ok := s.model.Tensors[name]
	return ok
}
