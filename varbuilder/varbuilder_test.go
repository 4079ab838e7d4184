// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package varbuilder_test

import (
	"bytes"
	"testing"

	"github.com/born-ml/tensorcore/backend/cpu"
	"github.com/born-ml/tensorcore/tensor"
	"github.com/born-ml/tensorcore/varbuilder"
)

func TestVarMapThroughBuilder(t *testing.T) {
	b := cpu.New()
	vm := varbuilder.NewVarMapSeeded(1)
	vb := varbuilder.New(vm, tensor.F32, b).Push("layer")
	w, err := vb.GetWithInit(tensor.Shape{2, 2}, "weight", varbuilder.Const(0.5))
	if err != nil {
		t.Fatal(err)
	}
	if !w.IsVar() {
		t.Error("VarMap parameters should be variables")
	}
	if got := vm.Names(); len(got) != 1 || got[0] != "layer.weight" {
		t.Errorf("names = %v", got)
	}
}

func TestArrowSourceThroughBuilder(t *testing.T) {
	b := cpu.New()
	x, err := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3}, b)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := varbuilder.WriteArrow(&buf, map[string]*tensor.Tensor{"bias": x}); err != nil {
		t.Fatal(err)
	}
	src, err := varbuilder.NewArrowSource(&buf)
	if err != nil {
		t.Fatal(err)
	}
	got, err := varbuilder.New(src, tensor.F64, b).Get(tensor.Shape{3}, "bias")
	if err != nil {
		t.Fatal(err)
	}
	if got.DType() != tensor.F64 {
		t.Errorf("dtype = %v, want f64", got.DType())
	}
	if _, err := varbuilder.New(src, tensor.F32, b).Get(tensor.Shape{4}, "bias"); err == nil {
		t.Error("shape mismatch not reported")
	}
}
