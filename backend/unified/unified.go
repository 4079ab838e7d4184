// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package unified provides the unified-memory backend. Storages live in a
// slab shared by host and device, so they are host-addressable without
// copies, and kernels run in submission order on the context's stream.
//
// Example:
//
//	ctx, err := unified.New()
//	if err != nil {
//	    return err
//	}
//	defer ctx.Close()
//	x, _ := tensor.Ones(tensor.Shape{1024}, tensor.F32, ctx)
//
// Several contexts may coexist; their storages never mix.
package unified

import (
	internalunified "github.com/born-ml/tensorcore/internal/backend/unified"
	"github.com/born-ml/tensorcore/tensor"
)

// Context is one unified-memory device.
type Context = internalunified.Context

// Options configures a Context.
type Options = internalunified.Options

// AllocatorStats reports slab usage.
type AllocatorStats = internalunified.AllocatorStats

var _ tensor.Backend = (*Context)(nil)

// DefaultOptions derives options from the default configuration.
func DefaultOptions() Options { return internalunified.DefaultOptions() }

// New creates a context with DefaultOptions.
func New() (*Context, error) { return internalunified.NewContext(DefaultOptions()) }

// NewContext creates a context with opts.
func NewContext(opts Options) (*Context, error) { return internalunified.NewContext(opts) }
