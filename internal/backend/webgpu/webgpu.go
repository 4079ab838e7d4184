// Package webgpu implements the discrete-memory device on WebGPU through
// github.com/go-webgpu/webgpu.
//
// Storages live in GPU buffers. Element-wise, comparison and matmul kernels
// run as WGSL compute shaders on F32 data; strided operands are first
// gathered into contiguous buffers on the device. Reductions, casts,
// convolution, indexing, Where, Powf and CopyInto round-trip through the
// host kernels. Storages may hold F32, U8 or U32 elements; any other dtype is
// a DtypeError.
//
// On platforms without the native library New returns a DeviceError.
package webgpu

import (
	"github.com/born-ml/tensorcore/internal/config"
	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Options configures a Backend.
type Options struct {
	Name string
	// PowerPreference is "high-performance" or "low-power".
	PowerPreference string
	// Parallel configures the host kernels used for fallbacks.
	Parallel parallel.Config
}

// DefaultOptions derives options from the default configuration.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig derives options from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PowerPreference: cfg.WebGPUPowerPreference,
		Parallel:        cfg.ParallelConfig(),
	}
}

func (o Options) validate() error {
	switch o.PowerPreference {
	case "", "high-performance", "low-power":
		return nil
	}
	return tensor.DeviceErrorf("webgpu", "unknown power preference %q", o.PowerPreference)
}

// Supported reports whether storages of dt can live on the device.
func Supported(dt tensor.DType) bool {
	return dt == tensor.F32 || dt == tensor.U8 || dt == tensor.U32
}

func checkDType(op string, dt tensor.DType) error {
	if !Supported(dt) {
		return tensor.DtypeErrorf(op, "webgpu holds f32, u8 and u32 elements, not %s", dt)
	}
	return nil
}
