package autograd

import (
	"slices"

	"github.com/born-ml/tensorcore/internal/tensor"
)

// GradStore maps tensor ids to the gradient accumulated for them by one
// backward pass.
type GradStore struct {
	grads map[tensor.TensorID]*tensor.Tensor
}

// NewGradStore returns an empty store.
func NewGradStore() *GradStore {
	return &GradStore{grads: make(map[tensor.TensorID]*tensor.Tensor)}
}

// Get returns the gradient of t.
func (s *GradStore) Get(t *tensor.Tensor) (*tensor.Tensor, bool) {
	return s.GetID(t.ID())
}

// GetID returns the gradient stored under id.
func (s *GradStore) GetID(id tensor.TensorID) (*tensor.Tensor, bool) {
	g, ok := s.grads[id]
	return g, ok
}

// Insert sets the gradient of t, replacing any previous value.
func (s *GradStore) Insert(t, grad *tensor.Tensor) {
	s.grads[t.ID()] = grad
}

// Remove deletes and returns the gradient of t.
func (s *GradStore) Remove(t *tensor.Tensor) (*tensor.Tensor, bool) {
	g, ok := s.grads[t.ID()]
	if ok {
		delete(s.grads, t.ID())
	}
	return g, ok
}

// Len returns the number of stored gradients.
func (s *GradStore) Len() int {
	return len(s.grads)
}

// IDs returns the stored tensor ids in ascending order.
func (s *GradStore) IDs() []tensor.TensorID {
	ids := make([]tensor.TensorID, 0, len(s.grads))
	for id := range s.grads {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// accumulate adds grad into the entry for id.
func (s *GradStore) accumulate(id tensor.TensorID, grad *tensor.Tensor) error {
	prev, ok := s.grads[id]
	if !ok {
		s.grads[id] = grad
		return nil
	}
	sum, err := prev.Add(grad)
	if err != nil {
		return err
	}
	s.grads[id] = sum
	return nil
}
