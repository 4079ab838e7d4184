// Package safetensors reads and writes the safetensors format:
//
//	[8 bytes: header size N, u64 little-endian]
//	[N bytes: JSON header]
//	[tensor data]
//
// The JSON header maps each tensor name to {dtype, shape, data_offsets}
// with offsets relative to the start of the data section, plus an optional
// "__metadata__" string map.
package safetensors

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"

	json "github.com/goccy/go-json"

	"github.com/born-ml/tensorcore/internal/tensor"
)

// MaxHeaderSize bounds the JSON header.
const MaxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

// Info describes one stored tensor.
type Info struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

var dtypeNames = map[tensor.DType]string{
	tensor.U8:   "U8",
	tensor.U32:  "U32",
	tensor.I16:  "I16",
	tensor.I32:  "I32",
	tensor.I64:  "I64",
	tensor.BF16: "BF16",
	tensor.F16:  "F16",
	tensor.F32:  "F32",
	tensor.F64:  "F64",
}

// DTypeOf maps a safetensors dtype name to a tensor dtype. BOOL loads as U8.
func DTypeOf(name string) (tensor.DType, error) {
	if name == "BOOL" {
		return tensor.U8, nil
	}
	for dt, n := range dtypeNames {
		if n == name {
			return dt, nil
		}
	}
	return 0, tensor.DtypeErrorf("safetensors", "unsupported dtype %q", name)
}

// DTypeName maps a tensor dtype to its safetensors name.
func DTypeName(dt tensor.DType) (string, error) {
	if n, ok := dtypeNames[dt]; ok {
		return n, nil
	}
	return "", tensor.DtypeErrorf("safetensors", "unsupported dtype %s", dt)
}

// Header is a parsed and validated safetensors header.
type Header struct {
	Metadata map[string]string
	Tensors  map[string]Info
	// DataOffset is the absolute file offset of the data section.
	DataOffset int64
}

// Names returns the tensor names in sorted order.
func (h *Header) Names() []string {
	names := make([]string, 0, len(h.Tensors))
	for name := range h.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ParseHeader parses and validates the header of a complete safetensors
// image. Tensor ranges are checked against the bytes that follow the header.
func ParseHeader(data []byte) (*Header, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, tensor.WrapError(tensor.KindFormat, "safetensors", err)
	}
	return h, nil
}

func parseHeader(data []byte) (*Header, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too small: %d bytes", len(data))
	}
	n := binary.LittleEndian.Uint64(data)
	if n > MaxHeaderSize {
		return nil, fmt.Errorf("header size %d exceeds %d", n, MaxHeaderSize)
	}
	if n > uint64(len(data)-8) {
		return nil, fmt.Errorf("header of %d bytes runs past the end of the file", n)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, fmt.Errorf("parse header JSON: %w", err)
	}
	h := &Header{Tensors: make(map[string]Info, len(raw)), DataOffset: int64(8 + n)}
	for key, value := range raw {
		if key == metadataKey {
			if err := json.Unmarshal(value, &h.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var info Info
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, fmt.Errorf("parse tensor %q: %w", key, err)
		}
		h.Tensors[key] = info
	}
	if err := h.validate(int64(len(data)) - h.DataOffset); err != nil {
		return nil, err
	}
	return h, nil
}

// validate checks every tensor's dtype, shape and byte range, and that no
// two ranges overlap.
func (h *Header) validate(dataLen int64) error {
	type span struct {
		name       string
		start, end int64
	}
	spans := make([]span, 0, len(h.Tensors))
	for name, info := range h.Tensors {
		dt, err := DTypeOf(info.DType)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
		shape := tensor.Shape(info.Shape)
		if err := shape.Validate(); err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start {
			return fmt.Errorf("tensor %q: invalid data offsets [%d, %d)", name, start, end)
		}
		if want := int64(shape.NumElements() * dt.Size()); end-start != want {
			return fmt.Errorf("tensor %q: %s %v needs %d bytes, offsets span %d", name, info.DType, shape, want, end-start)
		}
		if end > dataLen {
			return fmt.Errorf("tensor %q: data [%d, %d) runs past the %d-byte data section", name, start, end, dataLen)
		}
		spans = append(spans, span{name, start, end})
	}
	slices.SortFunc(spans, func(a, b span) int {
		return cmp.Or(cmp.Compare(a.start, b.start), cmp.Compare(a.end, b.end))
	})
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return fmt.Errorf("tensors %q and %q overlap", spans[i-1].name, spans[i].name)
		}
	}
	return nil
}
