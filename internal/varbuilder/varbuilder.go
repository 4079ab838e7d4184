// Package varbuilder resolves model parameters by dotted name from a Source,
// converting them to the dtype and device a model is built for.
//
// Example:
//
//	src, err := varbuilder.OpenSafetensors("model.safetensors")
//	vb := varbuilder.New(src, tensor.F32, cpu.New())
//	w, err := vb.Pp("layers").Pp("0").Get(tensor.Shape{4096, 4096}, "weight")
package varbuilder

import (
	"fmt"
	"strings"

	"github.com/born-ml/tensorcore/internal/logger"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Source supplies named tensors.
type Source interface {
	// Get returns name with the given shape, converted to dtype on b.
	// Sources that create parameters use init for missing names.
	Get(shape tensor.Shape, name string, init Init, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error)
	// GetUnchecked returns name in whatever shape it is stored.
	GetUnchecked(name string, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error)
	// Contains reports whether name is stored. A name that only prefixes
	// stored names is not contained.
	Contains(name string) bool
}

// Shard selects slice Rank of WorldSize equal contiguous slices along Dim.
type Shard struct {
	Dim       int
	Rank      int
	WorldSize int
}

// VarBuilder is an immutable view of a Source under a name prefix. Push,
// WithDType and WithDevice return new builders sharing the source.
type VarBuilder struct {
	src     Source
	path    []string
	dtype   tensor.DType
	backend tensor.Backend
}

// New returns a root builder producing dtype tensors on b.
func New(src Source, dtype tensor.DType, b tensor.Backend) *VarBuilder {
	return &VarBuilder{src: src, dtype: dtype, backend: b}
}

// Source returns the underlying source.
func (vb *VarBuilder) Source() Source { return vb.src }

// DType returns the dtype of returned tensors.
func (vb *VarBuilder) DType() tensor.DType { return vb.dtype }

// Backend returns the backend returned tensors live on.
func (vb *VarBuilder) Backend() tensor.Backend { return vb.backend }

// Prefix returns the dotted prefix, empty at the root.
func (vb *VarBuilder) Prefix() string { return strings.Join(vb.path, ".") }

// Root returns a builder with an empty prefix.
func (vb *VarBuilder) Root() *VarBuilder {
	c := *vb
	c.path = nil
	return &c
}

// Push returns a builder whose prefix has name appended.
func (vb *VarBuilder) Push(name string) *VarBuilder {
	c := *vb
	c.path = append(vb.path[:len(vb.path):len(vb.path)], name)
	return &c
}

// Pp is short for Push.
func (vb *VarBuilder) Pp(name string) *VarBuilder { return vb.Push(name) }

// WithDType returns a builder producing dtype tensors.
func (vb *VarBuilder) WithDType(dtype tensor.DType) *VarBuilder {
	c := *vb
	c.dtype = dtype
	return &c
}

// WithDevice returns a builder producing tensors on b.
func (vb *VarBuilder) WithDevice(b tensor.Backend) *VarBuilder {
	c := *vb
	c.backend = b
	return &c
}

func (vb *VarBuilder) name(name string) string {
	if len(vb.path) == 0 {
		return name
	}
	return vb.Prefix() + "." + name
}

// Contains reports whether prefix.name is stored.
func (vb *VarBuilder) Contains(name string) bool {
	return vb.src.Contains(vb.name(name))
}

// Get returns prefix.name, which must have the given shape.
func (vb *VarBuilder) Get(shape tensor.Shape, name string) (*tensor.Tensor, error) {
	return vb.GetWithInit(shape, name, DefaultInit)
}

// GetWithInit is Get with an initializer for sources that create parameters.
func (vb *VarBuilder) GetWithInit(shape tensor.Shape, name string, init Init) (*tensor.Tensor, error) {
	full := vb.name(name)
	t, err := vb.src.Get(shape, full, init, vb.dtype, vb.backend)
	if err != nil {
		return nil, fmt.Errorf("varbuilder: %w", err)
	}
	logger.Log.Debug("resolved parameter", "name", full, "shape", shape.String(), "dtype", vb.dtype.String())
	return t, nil
}

// GetUnchecked returns prefix.name in its stored shape.
func (vb *VarBuilder) GetUnchecked(name string) (*tensor.Tensor, error) {
	t, err := vb.src.GetUnchecked(vb.name(name), vb.dtype, vb.backend)
	if err != nil {
		return nil, fmt.Errorf("varbuilder: %w", err)
	}
	return t, nil
}

// GetWithShard returns this process's shard of prefix.name. shape is the
// expected shape of the shard, not of the stored tensor.
func (vb *VarBuilder) GetWithShard(shape tensor.Shape, name string, shard Shard) (*tensor.Tensor, error) {
	if shard.WorldSize == 1 && shard.Rank == 0 {
		return vb.Get(shape, name)
	}
	full := vb.name(name)
	t, err := vb.src.GetUnchecked(full, vb.dtype, vb.backend)
	if err != nil {
		return nil, fmt.Errorf("varbuilder: %w", err)
	}
	part, err := narrowShard(t, shard)
	if err != nil {
		return nil, fmt.Errorf("varbuilder: %s: %w", full, err)
	}
	if !part.Shape().Equal(shape) {
		return nil, tensor.ShapeMismatchErrorf("varbuilder", "shard %d/%d of %s has shape %v, expected %v",
			shard.Rank, shard.WorldSize, full, part.Shape(), shape)
	}
	return part, nil
}

func narrowShard(t *tensor.Tensor, shard Shard) (*tensor.Tensor, error) {
	if shard.WorldSize <= 0 {
		return nil, tensor.ShapeErrorf("shard", "world size must be positive, got %d", shard.WorldSize)
	}
	if shard.Rank < 0 || shard.Rank >= shard.WorldSize {
		return nil, tensor.IndexErrorf("shard", "rank %d outside [0, %d)", shard.Rank, shard.WorldSize)
	}
	dim, err := t.Shape().ResolveAxis(shard.Dim)
	if err != nil {
		return nil, err
	}
	size := t.Shape()[dim]
	if size%shard.WorldSize != 0 {
		return nil, tensor.ShapeErrorf("shard", "dimension %d of size %d does not split into %d shards", dim, size, shard.WorldSize)
	}
	block := size / shard.WorldSize
	part, err := t.Narrow(dim, shard.Rank*block, block)
	if err != nil {
		return nil, err
	}
	return part.Copy()
}

// checked verifies the shape of a loaded tensor.
func checked(shape tensor.Shape, name string, t *tensor.Tensor, err error) (*tensor.Tensor, error) {
	if err != nil {
		return nil, err
	}
	if !t.Shape().Equal(shape) {
		return nil, tensor.ShapeMismatchErrorf("varbuilder", "%s has shape %v, expected %v", name, t.Shape(), shape)
	}
	return t, nil
}

// convert moves t to b and casts it to dtype.
func convert(t *tensor.Tensor, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	t, err := t.ToDType(dtype)
	if err != nil {
		return nil, err
	}
	return t.ToDevice(b)
}

func notFound(name string) error {
	return tensor.NotFoundErrorf("varbuilder", "cannot find tensor %q", name)
}
