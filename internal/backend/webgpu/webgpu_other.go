//go:build !windows

package webgpu

import "github.com/born-ml/tensorcore/internal/tensor"

// Backend is unavailable on this platform.
type Backend struct{}

// New reports that the backend is unavailable.
func New(opts Options) (*Backend, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return nil, tensor.DeviceErrorf("webgpu", "backend unavailable on this platform")
}

// IsAvailable reports whether a WebGPU device can be created.
func IsAvailable() bool { return false }

// Close is a no-op.
func (b *Backend) Close() error { return nil }

// Kind reports the WebGPU device kind.
func (b *Backend) Kind() tensor.DeviceKind { return tensor.WebGPU }
