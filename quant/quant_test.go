// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package quant_test

import (
	"math"
	"testing"

	"github.com/born-ml/tensorcore/backend/cpu"
	"github.com/born-ml/tensorcore/quant"
	"github.com/born-ml/tensorcore/tensor"
)

func TestQuantizedMatMulTracksDense(t *testing.T) {
	b := cpu.New()
	w := make([]float32, 2*64)
	for i := range w {
		w[i] = float32(math.Sin(float64(i)))
	}
	wt, err := tensor.FromSlice(w, tensor.Shape{2, 64}, b)
	if err != nil {
		t.Fatal(err)
	}
	x, err := tensor.Ones(tensor.Shape{1, 64}, tensor.F32, b)
	if err != nil {
		t.Fatal(err)
	}
	q, err := quant.Quantize(wt, quant.Q8_0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := quant.MatMul(x, q)
	if err != nil {
		t.Fatal(err)
	}
	want, err := quant.NewDenseMatMul(wt).Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	g, _ := tensor.ToSlice[float32](got)
	d, _ := tensor.ToSlice[float32](want)
	for i := range d {
		if math.Abs(float64(g[i]-d[i])) > 0.1 {
			t.Errorf("output %d = %v, dense %v", i, g[i], d[i])
		}
	}
}

func TestParseScheme(t *testing.T) {
	s, err := quant.ParseScheme(quant.Q4_K.String())
	if err != nil || s != quant.Q4_K {
		t.Errorf("ParseScheme(%q) = %v, %v", quant.Q4_K.String(), s, err)
	}
}
