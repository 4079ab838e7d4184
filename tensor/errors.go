// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Error is the engine error type.
type Error = tensor.Error

// ErrorKind classifies engine errors.
type ErrorKind = tensor.ErrorKind

// Error kinds.
const (
	KindShape           = tensor.KindShape
	KindDtype           = tensor.KindDtype
	KindDevice          = tensor.KindDevice
	KindFormat          = tensor.KindFormat
	KindIndex           = tensor.KindIndex
	KindMissingGradient = tensor.KindMissingGradient
	KindNotFound        = tensor.KindNotFound
	KindShapeMismatch   = tensor.KindShapeMismatch
)

// Sentinels for errors.Is.
var (
	ErrShape           = tensor.ErrShape
	ErrDtype           = tensor.ErrDtype
	ErrDevice          = tensor.ErrDevice
	ErrFormat          = tensor.ErrFormat
	ErrIndex           = tensor.ErrIndex
	ErrMissingGradient = tensor.ErrMissingGradient
	ErrNotFound        = tensor.ErrNotFound
	ErrShapeMismatch   = tensor.ErrShapeMismatch
)

// KindOf returns the kind of the first engine error in err's chain.
func KindOf(err error) ErrorKind { return tensor.KindOf(err) }
