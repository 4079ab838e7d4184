// Package gguf reads and writes GGUF model files.
//
// A GGUF file is a header, an ordered list of typed metadata key/value
// pairs, a table of tensor descriptors, and an aligned data section holding
// each tensor's packed bytes. Versions 1 through 3 are accepted, in either
// byte order.
//
// Specification: https://github.com/ggerganov/ggml/blob/master/docs/gguf.md
package gguf

import (
	"encoding/binary"
	"fmt"

	"github.com/born-ml/tensorcore/internal/quant"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Magic numbers. The byte-swapped form marks a big-endian file.
const (
	MagicLE uint32 = 0x46554747 // "GGUF" read little-endian.
	MagicBE uint32 = 0x47475546
)

// Supported versions.
const (
	Version1 uint32 = 1
	Version2 uint32 = 2
	Version3 uint32 = 3
)

// DefaultAlignment is the data alignment when general.alignment is absent.
const DefaultAlignment = 32

// AlignmentKey overrides DefaultAlignment.
const AlignmentKey = "general.alignment"

// ValueType is the type tag of a metadata value.
type ValueType uint32

// Metadata value types.
const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

var valueTypeNames = map[ValueType]string{
	TypeUint8:   "uint8",
	TypeInt8:    "int8",
	TypeUint16:  "uint16",
	TypeInt16:   "int16",
	TypeUint32:  "uint32",
	TypeInt32:   "int32",
	TypeFloat32: "float32",
	TypeBool:    "bool",
	TypeString:  "string",
	TypeArray:   "array",
	TypeUint64:  "uint64",
	TypeInt64:   "int64",
	TypeFloat64: "float64",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// size returns the encoded width of a fixed-size type, or 0.
func (t ValueType) size() int {
	switch t {
	case TypeUint8, TypeInt8, TypeBool:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	}
	return 0
}

// Array is a metadata array. Values holds a typed slice ([]uint32,
// []string, ...) for scalar element types and []Array for nested arrays.
type Array struct {
	Type   ValueType
	Values any
}

// Len returns the number of elements.
func (a Array) Len() int {
	switch v := a.Values.(type) {
	case []uint8:
		return len(v)
	case []int8:
		return len(v)
	case []uint16:
		return len(v)
	case []int16:
		return len(v)
	case []uint32:
		return len(v)
	case []int32:
		return len(v)
	case []float32:
		return len(v)
	case []bool:
		return len(v)
	case []string:
		return len(v)
	case []uint64:
		return len(v)
	case []int64:
		return len(v)
	case []float64:
		return len(v)
	case []Array:
		return len(v)
	}
	return 0
}

// KV is one metadata entry. Value is a Go scalar matching its ValueType
// (uint8 ... float64, bool, string) or an Array.
type KV struct {
	Key   string
	Value any
}

// TensorInfo describes one tensor of the data section.
type TensorInfo struct {
	Name string
	// Dims are stored innermost first, as in the file.
	Dims   []uint64
	Scheme quant.Scheme
	// Offset is relative to the start of the data section.
	Offset uint64
}

// Shape returns the dims outermost first.
func (ti *TensorInfo) Shape() tensor.Shape {
	s := make(tensor.Shape, len(ti.Dims))
	for i, d := range ti.Dims {
		s[len(ti.Dims)-1-i] = int(d)
	}
	return s
}

// NumElements returns the product of the dims.
func (ti *TensorInfo) NumElements() uint64 {
	n := uint64(1)
	for _, d := range ti.Dims {
		n *= d
	}
	return n
}

// Size returns the byte size of the tensor's data.
func (ti *TensorInfo) Size() uint64 {
	return uint64(ti.Scheme.RowSize(int(ti.NumElements())))
}

// Content is the parsed header of a GGUF file: everything except the
// tensor data itself.
type Content struct {
	Version   uint32
	ByteOrder binary.ByteOrder
	KVs       []KV
	Tensors   []TensorInfo
	Alignment int
	// DataOffset is the absolute file offset of the data section.
	DataOffset int64

	index   map[string]int
	tensors map[string]int
}

func (c *Content) buildIndex() {
	c.index = make(map[string]int, len(c.KVs))
	for i, kv := range c.KVs {
		c.index[kv.Key] = i
	}
	c.tensors = make(map[string]int, len(c.Tensors))
	for i := range c.Tensors {
		c.tensors[c.Tensors[i].Name] = i
	}
}

// Value returns the raw metadata value stored under key.
func (c *Content) Value(key string) (any, bool) {
	i, ok := c.index[key]
	if !ok {
		return nil, false
	}
	return c.KVs[i].Value, true
}

// TensorInfo returns the descriptor of the named tensor.
func (c *Content) TensorInfo(name string) (*TensorInfo, bool) {
	i, ok := c.tensors[name]
	if !ok {
		return nil, false
	}
	return &c.Tensors[i], true
}

func alignUp(n int64, alignment int) int64 {
	a := int64(alignment)
	return (n + a - 1) / a * a
}
