// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	internalcpu "github.com/born-ml/tensorcore/internal/backend/cpu"
	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/tensor"
)

// Backend is the host backend.
type Backend = internalcpu.CPUBackend

// ParallelConfig controls how kernels fan out over goroutines.
type ParallelConfig = parallel.Config

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a host backend from the default configuration.
func New() *Backend {
	return internalcpu.New()
}

// NewWithConfig creates a host backend with explicit parallelism.
//
// Example:
//
//	b := cpu.NewWithConfig(cpu.ParallelConfig{Enabled: true, NumWorkers: 4, MinChunkSize: 4096})
func NewWithConfig(par ParallelConfig) *Backend {
	return internalcpu.NewWithConfig(par)
}
