package safetensors

import (
	"fmt"

	"github.com/born-ml/tensorcore/internal/logger"
	"github.com/born-ml/tensorcore/internal/metrics"
	"github.com/born-ml/tensorcore/internal/mmap"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// File is a validated safetensors image, usually memory-mapped. Tensor
// bytes are copied into backend storage on load, so loaded tensors stay
// valid after Close.
type File struct {
	header *Header
	data   []byte
	m      *mmap.File
}

// Open maps and validates the file at path.
func Open(path string) (*File, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	f, err := FromBytes(m.Bytes())
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.m = m
	logger.Log.Debug("opened safetensors file", "path", path, "tensors", len(f.header.Tensors))
	return f, nil
}

// FromBytes validates an in-memory safetensors image. data is retained.
func FromBytes(data []byte) (*File, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	return &File{header: h, data: data}, nil
}

// Header returns the parsed header.
func (f *File) Header() *Header { return f.header }

// Names returns the tensor names in sorted order.
func (f *File) Names() []string { return f.header.Names() }

// Metadata returns the "__metadata__" map, or nil.
func (f *File) Metadata() map[string]string { return f.header.Metadata }

// Info returns the header entry for name.
func (f *File) Info(name string) (Info, bool) {
	info, ok := f.header.Tensors[name]
	return info, ok
}

// Contains reports whether the file stores name.
func (f *File) Contains(name string) bool {
	_, ok := f.header.Tensors[name]
	return ok
}

// Tensor loads name onto b.
func (f *File) Tensor(name string, b tensor.Backend) (*tensor.Tensor, error) {
	if f.data == nil {
		return nil, fmt.Errorf("safetensors: %w", mmap.ErrClosed)
	}
	info, ok := f.header.Tensors[name]
	if !ok {
		return nil, tensor.NotFoundErrorf("safetensors", "tensor %q not found", name)
	}
	dt, err := DTypeOf(info.DType)
	if err != nil {
		return nil, err
	}
	start := f.header.DataOffset + info.DataOffsets[0]
	end := f.header.DataOffset + info.DataOffsets[1]
	t, err := tensor.FromBytes(f.data[start:end], tensor.Shape(info.Shape), dt, b)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}
	return t, nil
}

// Close releases the mapping. It is safe to call more than once.
func (f *File) Close() error {
	f.data = nil
	if f.m == nil {
		return nil
	}
	return f.m.Close()
}

// Load reads every tensor in the file at path onto b.
func Load(path string, b tensor.Backend) (map[string]*tensor.Tensor, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	out := make(map[string]*tensor.Tensor, len(f.header.Tensors))
	for _, name := range f.Names() {
		t, err := f.Tensor(name, b)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	metrics.RecordTensorsLoaded("safetensors", len(out))
	return out, nil
}
