// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package webgpu_test

import (
	"errors"
	"testing"

	"github.com/born-ml/tensorcore/backend/webgpu"
	"github.com/born-ml/tensorcore/tensor"
)

func TestNewFallsBackCleanly(t *testing.T) {
	gpu, err := webgpu.New()
	if err != nil {
		if !errors.Is(err, tensor.ErrDevice) {
			t.Errorf("New error = %v, want ErrDevice", err)
		}
		return
	}
	defer func() { _ = gpu.Close() }()
	if !webgpu.Supported(tensor.F32) || webgpu.Supported(tensor.F64) {
		t.Error("unexpected dtype support")
	}
}
