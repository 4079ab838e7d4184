package varbuilder

import (
	"errors"
	"maps"
	"slices"

	"github.com/born-ml/tensorcore/internal/safetensors"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// SafetensorsSource serves tensors from one or more memory-mapped
// safetensors files, such as the shards of a split checkpoint.
type SafetensorsSource struct {
	files  []*safetensors.File
	routes map[string]*safetensors.File
}

// OpenSafetensors maps every file in paths. A name stored in more than one
// file resolves to the first.
func OpenSafetensors(paths ...string) (*SafetensorsSource, error) {
	s := &SafetensorsSource{routes: make(map[string]*safetensors.File)}
	for _, path := range paths {
		f, err := safetensors.Open(path)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.files = append(s.files, f)
		for _, name := range f.Names() {
			if _, ok := s.routes[name]; !ok {
				s.routes[name] = f
			}
		}
	}
	return s, nil
}

// Get implements Source. init is ignored.
func (s *SafetensorsSource) Get(shape tensor.Shape, name string, _ Init, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	f, ok := s.routes[name]
	if !ok {
		return nil, notFound(name)
	}
	// Check the header before copying any data.
	info, _ := f.Info(name)
	if !tensor.Shape(info.Shape).Equal(shape) {
		return nil, tensor.ShapeMismatchErrorf("varbuilder", "%s has shape %v, expected %v", name, tensor.Shape(info.Shape), shape)
	}
	return s.GetUnchecked(name, dtype, b)
}

// GetUnchecked implements Source.
func (s *SafetensorsSource) GetUnchecked(name string, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	f, ok := s.routes[name]
	if !ok {
		return nil, notFound(name)
	}
	t, err := f.Tensor(name, b)
	if err != nil {
		return nil, err
	}
	return t.ToDType(dtype)
}

// Contains implements Source.
func (s *SafetensorsSource) Contains(name string) bool {
	_, ok := s.routes[name]
	return ok
}

// Names returns every stored name in sorted order.
func (s *SafetensorsSource) Names() []string {
	return slices.Sorted(maps.Keys(s.routes))
}

// Close unmaps every file.
func (s *SafetensorsSource) Close() error {
	var errs []error
	for _, f := range s.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
