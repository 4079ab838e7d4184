// Package cpu implements the host backend: strided Go kernels with goroutine
// parallelism over ordinary heap memory.
package cpu

import (
	"github.com/born-ml/tensorcore/internal/config"
	"github.com/born-ml/tensorcore/internal/kernels"
	"github.com/born-ml/tensorcore/internal/logger"
	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// CPUBackend implements tensor operations on the host.
type CPUBackend struct {
	*kernels.Device
}

var _ tensor.Backend = (*CPUBackend)(nil)

// New creates a CPU backend using the default configuration.
func New() *CPUBackend {
	cfg := config.Default()
	return NewWithConfig(cfg.ParallelConfig())
}

// NewWithConfig creates a CPU backend with explicit parallelism settings.
func NewWithConfig(par parallel.Config) *CPUBackend {
	b := &CPUBackend{}
	b.Device = kernels.NewDevice(b, tensor.Host, "CPU", kernels.New(par), nil, kernels.Inline)
	logger.Log.Debug("cpu backend created", "workers", par.NumWorkers, "parallel", par.Enabled)
	return b
}

// Synchronize is a no-op: host kernels complete before returning.
func (b *CPUBackend) Synchronize() error {
	if b.Closed() {
		return tensor.DeviceErrorf("synchronize", "CPU device is closed")
	}
	return nil
}

// Close marks the backend closed. Existing storages stay readable through
// the Go heap but every later operation fails with a DeviceError.
func (b *CPUBackend) Close() error {
	if b.MarkClosed() {
		logger.Log.Debug("cpu backend closed")
	}
	return nil
}
