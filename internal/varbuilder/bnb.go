package varbuilder

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/born-ml/tensorcore/internal/quant"
	"github.com/born-ml/tensorcore/internal/tensor"
)

const (
	bnbNF4State = "quant_state.bitsandbytes__nf4"
	bnbFP4State = "quant_state.bitsandbytes__fp4"
)

// bnbState is the JSON quant state stored as a u8 tensor beside a 4-bit
// bitsandbytes weight.
type bnbState struct {
	BlockSize       int      `json:"blocksize"`
	Shape           []int    `json:"shape"`
	DType           string   `json:"dtype"`
	NestedBlockSize *int     `json:"nested_blocksize"`
	NestedOffset    *float64 `json:"nested_offset"`
	NestedDType     *string  `json:"nested_dtype"`
}

// IsBnb reports whether prefix.name is a 4-bit bitsandbytes weight.
func (vb *VarBuilder) IsBnb(name string) bool {
	return vb.Contains(name+"."+bnbNF4State) || vb.Contains(name+"."+bnbFP4State)
}

// Bnb loads the 4-bit bitsandbytes weight prefix.name along with its quant
// state, absmax and code book. A double-quantized absmax is read from the
// nested_absmax and nested_quant_map companions.
func (vb *VarBuilder) Bnb(name string) (*quant.BnbWeight, error) {
	w, err := vb.bnb(name)
	if err != nil {
		return nil, fmt.Errorf("varbuilder: %s: %w", vb.name(name), err)
	}
	return w, nil
}

func (vb *VarBuilder) bnb(name string) (*quant.BnbWeight, error) {
	kind, stateName := quant.BnbNF4, name+"."+bnbNF4State
	if !vb.Contains(stateName) {
		kind, stateName = quant.BnbFP4, name+"."+bnbFP4State
	}
	if !vb.Contains(stateName) {
		return nil, tensor.NotFoundErrorf("bnb", "no nf4 or fp4 quant state")
	}
	raw, err := hostSlice[uint8](vb, stateName)
	if err != nil {
		return nil, err
	}
	var state bnbState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("quant state: %w", err)
	}
	dtype, err := tensor.ParseDType(state.DType)
	if err != nil {
		return nil, err
	}

	w := &quant.BnbWeight{
		Kind:      kind,
		Shape:     tensor.Shape(state.Shape),
		DType:     dtype,
		BlockSize: state.BlockSize,
	}
	if w.Data, err = hostSlice[uint8](vb, name); err != nil {
		return nil, err
	}
	if w.Code, err = hostSlice[float32](vb, name+".quant_map"); err != nil {
		return nil, err
	}
	if !vb.Contains(name + ".nested_absmax") {
		w.Absmax, err = hostSlice[float32](vb, name+".absmax")
		return w, err
	}

	if state.NestedBlockSize == nil || state.NestedOffset == nil {
		return nil, tensor.ShapeErrorf("bnb", "nested absmax needs nested_blocksize and nested_offset in the quant state")
	}
	n := &quant.BnbNested{BlockSize: *state.NestedBlockSize, Offset: float32(*state.NestedOffset)}
	if n.Codes, err = hostSlice[uint8](vb, name+".absmax"); err != nil {
		return nil, err
	}
	if n.Absmax, err = hostSlice[float32](vb, name+".nested_absmax"); err != nil {
		return nil, err
	}
	if n.Code, err = hostSlice[float32](vb, name+".nested_quant_map"); err != nil {
		return nil, err
	}
	w.Nested = n
	return w, nil
}

// hostSlice reads prefix.name as a flat slice of T.
func hostSlice[T tensor.Element](vb *VarBuilder, name string) ([]T, error) {
	t, err := vb.src.GetUnchecked(vb.name(name), tensor.DTypeOf[T](), vb.backend)
	if err != nil {
		return nil, err
	}
	return tensor.ToSlice[T](t)
}
