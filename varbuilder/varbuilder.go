// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package varbuilder resolves named model parameters from weight files or
// freshly initialized variables.
//
// Example:
//
//	src, err := varbuilder.OpenSafetensors("model-00001.safetensors", "model-00002.safetensors")
//	if err != nil {
//	    return err
//	}
//	defer src.Close()
//	vb := varbuilder.New(src, tensor.F32, cpu.New())
//	w, err := vb.Push("layers").Push("0").Get(tensor.Shape{4096, 4096}, "q_proj.weight")
//
// Sources: VarMap (trainable, initialized on first use), MapSource,
// SafetensorsSource, GGUFSource, GGMLSource and ArrowSource.
package varbuilder

import (
	"io"

	"github.com/born-ml/tensorcore/internal/varbuilder"
	"github.com/born-ml/tensorcore/tensor"
)

// VarBuilder resolves names under a dotted prefix.
type VarBuilder = varbuilder.VarBuilder

// Source supplies parameters by name.
type Source = varbuilder.Source

// Shard selects one rank's slice of a parameter.
type Shard = varbuilder.Shard

// Init describes how VarMap creates a missing variable.
type Init = varbuilder.Init

// Sources.
type (
	VarMap            = varbuilder.VarMap
	MapSource         = varbuilder.MapSource
	SafetensorsSource = varbuilder.SafetensorsSource
	GGUFSource        = varbuilder.GGUFSource
	GGMLSource        = varbuilder.GGMLSource
	ArrowSource       = varbuilder.ArrowSource
)

// New returns a root builder over src.
func New(src Source, dtype tensor.DType, b tensor.Backend) *VarBuilder {
	return varbuilder.New(src, dtype, b)
}

// Zeros initializes to zero.
func Zeros() Init { return varbuilder.Zeros() }

// Const initializes every element to v.
func Const(v float64) Init { return varbuilder.Const(v) }

// Uniform draws from [lo, hi).
func Uniform(lo, hi float64) Init { return varbuilder.Uniform(lo, hi) }

// Normal draws from N(mean, stdev^2).
func Normal(mean, stdev float64) Init { return varbuilder.Normal(mean, stdev) }

// NewVarMap returns an empty variable map.
func NewVarMap() *VarMap { return varbuilder.NewVarMap() }

// NewVarMapSeeded returns a variable map with reproducible random init.
func NewVarMapSeeded(seed uint64) *VarMap { return varbuilder.NewVarMapSeeded(seed) }

// OpenSafetensors maps every file; the first file wins a duplicated name.
func OpenSafetensors(paths ...string) (*SafetensorsSource, error) {
	return varbuilder.OpenSafetensors(paths...)
}

// OpenGGUF maps a GGUF file.
func OpenGGUF(path string) (*GGUFSource, error) { return varbuilder.OpenGGUF(path) }

// OpenGGML reads a legacy ggml, ggmf or ggjt model.
func OpenGGML(path string) (*GGMLSource, error) { return varbuilder.OpenGGML(path) }

// OpenArrow reads an Arrow IPC parameter stream.
func OpenArrow(path string) (*ArrowSource, error) { return varbuilder.OpenArrow(path) }

// NewArrowSource reads an Arrow IPC parameter stream from r.
func NewArrowSource(r io.Reader) (*ArrowSource, error) { return varbuilder.NewArrowSource(r) }

// WriteArrow writes tensors as an Arrow IPC parameter stream.
func WriteArrow(w io.Writer, tensors map[string]*tensor.Tensor) error {
	return varbuilder.WriteArrow(w, tensors)
}
