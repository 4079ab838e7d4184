// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu_test

import (
	"testing"

	"github.com/born-ml/tensorcore/backend/cpu"
	"github.com/born-ml/tensorcore/tensor"
)

func TestNewWithConfig(t *testing.T) {
	b := cpu.NewWithConfig(cpu.ParallelConfig{NumWorkers: 1, MinChunkSize: 1})
	if b.Kind() != tensor.Host {
		t.Errorf("kind = %v, want host", b.Kind())
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := tensor.Zeros(tensor.Shape{1}, tensor.F32, b); err == nil {
		t.Error("closed backend accepted an allocation")
	}
}
