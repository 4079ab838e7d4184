// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package quant provides block-quantized weights in the ggml layouts and a
// fused matmul that decodes them on the fly.
//
// Example:
//
//	q, _ := quant.Quantize(w, quant.Q8_0) // w is [out, in] f32
//	y, _ := quant.MatMul(x, q)            // x @ w^T
//
// The GGUF and legacy GGML sources in package varbuilder return stored
// weights undecoded through their QTensor methods.
package quant

import (
	"github.com/born-ml/tensorcore/internal/quant"
	"github.com/born-ml/tensorcore/tensor"
)

// Scheme is a ggml element or block layout.
type Scheme = quant.Scheme

// Quantization schemes, numbered as in ggml.
//
//nolint:revive // Underscores match the ggml names.
const (
	F32  = quant.F32
	F16  = quant.F16
	Q4_0 = quant.Q4_0
	Q4_1 = quant.Q4_1
	Q5_0 = quant.Q5_0
	Q5_1 = quant.Q5_1
	Q8_0 = quant.Q8_0
	Q8_1 = quant.Q8_1
	Q2_K = quant.Q2_K
	Q3_K = quant.Q3_K
	Q4_K = quant.Q4_K
	Q5_K = quant.Q5_K
	Q6_K = quant.Q6_K
	Q8_K = quant.Q8_K
	BF16 = quant.BF16
)

// QTensor is an immutable block-quantized tensor.
type QTensor = quant.QTensor

// QMatMul is a linear layer over a quantized or dense weight.
type QMatMul = quant.QMatMul

// bitsandbytes blockwise weights, as loaded by VarBuilder.Bnb.
type (
	BnbKind   = quant.BnbKind
	BnbWeight = quant.BnbWeight
	BnbNested = quant.BnbNested
)

// bitsandbytes formats.
const (
	BnbInt8 = quant.BnbInt8
	BnbFP4  = quant.BnbFP4
	BnbNF4  = quant.BnbNF4
)

// ParseScheme parses a ggml scheme name such as "q4_k".
func ParseScheme(name string) (Scheme, error) { return quant.ParseScheme(name) }

// NewQTensor wraps encoded block bytes.
func NewQTensor(shape tensor.Shape, scheme Scheme, data []byte) (*QTensor, error) {
	return quant.NewQTensor(shape, scheme, data)
}

// Quantize encodes t with scheme. The innermost dimension must be a whole
// number of blocks.
func Quantize(t *tensor.Tensor, scheme Scheme) (*QTensor, error) { return quant.Quantize(t, scheme) }

// MatMul computes x @ w^T with w decoded block by block.
func MatMul(x *tensor.Tensor, w *QTensor) (*tensor.Tensor, error) { return quant.MatMul(x, w) }

// NewQMatMul returns a layer over a quantized weight.
func NewQMatMul(w *QTensor) *QMatMul { return quant.NewQMatMul(w) }

// NewDenseMatMul returns a layer over a dense weight.
func NewDenseMatMul(w *tensor.Tensor) *QMatMul { return quant.NewDenseMatMul(w) }
