// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the discrete-GPU backend on WebGPU.
//
// The native runtime is loaded through github.com/go-webgpu/webgpu without
// CGO. New fails with a DeviceError where no adapter or runtime exists, so
// callers can fall back to the host:
//
//	var b tensor.Backend = cpu.New()
//	if gpu, err := webgpu.New(); err == nil {
//	    defer gpu.Close()
//	    b = gpu
//	}
//
// Device storages hold F32, U8 or U32 elements. Convert other dtypes on the
// host before ToDevice.
package webgpu

import (
	internalwebgpu "github.com/born-ml/tensorcore/internal/backend/webgpu"
	"github.com/born-ml/tensorcore/tensor"
)

// Backend is a WebGPU device context.
type Backend = internalwebgpu.Backend

// Options configures a Backend.
type Options = internalwebgpu.Options

// DefaultOptions derives options from the default configuration.
func DefaultOptions() Options { return internalwebgpu.DefaultOptions() }

// New opens the default adapter with DefaultOptions.
func New() (*Backend, error) { return internalwebgpu.New(DefaultOptions()) }

// NewWithOptions opens an adapter with opts.
func NewWithOptions(opts Options) (*Backend, error) { return internalwebgpu.New(opts) }

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() bool { return internalwebgpu.IsAvailable() }

// Supported reports whether storages of dt can live on the device.
func Supported(dt tensor.DType) bool { return internalwebgpu.Supported(dt) }
