package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/born-ml/tensorcore/internal/quant"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// NamedTensor pairs a tensor with the name it is stored under.
type NamedTensor struct {
	Name   string
	Tensor *quant.QTensor
}

// WriteOptions selects the file layout. The zero value writes version 3
// little-endian.
type WriteOptions struct {
	Version   uint32
	ByteOrder binary.ByteOrder
}

// Write encodes a version 3 little-endian GGUF file. Metadata values may be
// any scalar produced by Read, an Array, or a typed slice such as
// []string or []float32. A general.alignment entry sets the data alignment.
func Write(w io.Writer, kvs []KV, tensors []NamedTensor) error {
	return WriteWithOptions(w, kvs, tensors, WriteOptions{})
}

// WriteWithOptions is Write with an explicit version and byte order.
func WriteWithOptions(w io.Writer, kvs []KV, tensors []NamedTensor, opts WriteOptions) error {
	if err := write(w, kvs, tensors, opts); err != nil {
		return tensor.WrapError(tensor.KindFormat, "gguf", err)
	}
	return nil
}

func write(w io.Writer, kvs []KV, tensors []NamedTensor, opts WriteOptions) error {
	e := &encoder{w: bufio.NewWriter(w), order: opts.ByteOrder, version: opts.Version}
	if e.order == nil {
		e.order = binary.LittleEndian
	}
	if e.version == 0 {
		e.version = Version3
	}
	if e.version < Version1 || e.version > Version3 {
		return fmt.Errorf("unsupported version: %d", e.version)
	}

	alignment := DefaultAlignment
	for _, kv := range kvs {
		if kv.Key != AlignmentKey {
			continue
		}
		a, ok := kv.Value.(uint32)
		if !ok || a == 0 || a&(a-1) != 0 {
			return fmt.Errorf("%s must be a power-of-two uint32, got %v", AlignmentKey, kv.Value)
		}
		alignment = int(a)
	}

	big := e.order == binary.BigEndian
	offsets := make([]uint64, len(tensors))
	var off uint64
	for i, nt := range tensors {
		if nt.Tensor.Shape().Rank() > maxDims {
			return fmt.Errorf("tensor %q has rank %d, max %d", nt.Name, nt.Tensor.Shape().Rank(), maxDims)
		}
		if big && nt.Tensor.Scheme().Quantized() {
			return fmt.Errorf("tensor %q: big-endian %s data is not supported", nt.Name, nt.Tensor.Scheme())
		}
		offsets[i] = off
		off = uint64(alignUp(int64(off)+int64(len(nt.Tensor.Data())), alignment))
	}

	e.u32(MagicLE)
	e.u32(e.version)
	e.count(uint64(len(tensors)))
	e.count(uint64(len(kvs)))
	for _, kv := range kvs {
		e.str(kv.Key)
		if err := e.value(kv.Value); err != nil {
			return fmt.Errorf("metadata %q: %w", kv.Key, err)
		}
	}
	for i, nt := range tensors {
		shape := nt.Tensor.Shape()
		e.str(nt.Name)
		e.u32(uint32(shape.Rank()))
		for j := shape.Rank() - 1; j >= 0; j-- {
			e.count(uint64(shape[j]))
		}
		e.u32(uint32(nt.Tensor.Scheme()))
		e.u64(offsets[i])
	}
	e.pad(alignment)
	for _, nt := range tensors {
		data := nt.Tensor.Data()
		if big {
			data = append([]byte(nil), data...)
			swapElements(data, nt.Tensor.Scheme().TypeSize())
		}
		e.raw(data)
		e.pad(alignment)
	}
	if e.err != nil {
		return e.err
	}
	return e.w.Flush()
}

// encoder accumulates the first write error.
type encoder struct {
	w       *bufio.Writer
	order   binary.ByteOrder
	version uint32
	n       int64
	err     error
	buf     [8]byte
}

func (e *encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	var n int
	n, e.err = e.w.Write(b)
	e.n += int64(n)
}

func (e *encoder) u8(v uint8) { e.raw([]byte{v}) }

func (e *encoder) u16(v uint16) {
	e.order.PutUint16(e.buf[:2], v)
	e.raw(e.buf[:2])
}

func (e *encoder) u32(v uint32) {
	e.order.PutUint32(e.buf[:4], v)
	e.raw(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	e.order.PutUint64(e.buf[:8], v)
	e.raw(e.buf[:8])
}

func (e *encoder) count(n uint64) {
	if e.version == Version1 {
		e.u32(uint32(n))
		return
	}
	e.u64(n)
}

func (e *encoder) str(s string) {
	e.count(uint64(len(s)))
	e.raw([]byte(s))
}

func (e *encoder) pad(alignment int) {
	if n := alignUp(e.n, alignment) - e.n; n > 0 {
		e.raw(make([]byte, n))
	}
}

func (e *encoder) value(v any) error {
	t, err := typeOf(v)
	if err != nil {
		return err
	}
	e.u32(uint32(t))
	return e.payload(v)
}

// payload writes v without its type tag.
func (e *encoder) payload(v any) error {
	switch x := v.(type) {
	case uint8:
		e.u8(x)
	case int8:
		e.u8(uint8(x))
	case uint16:
		e.u16(x)
	case int16:
		e.u16(uint16(x))
	case uint32:
		e.u32(x)
	case int32:
		e.u32(uint32(x))
	case float32:
		e.u32(math.Float32bits(x))
	case uint64:
		e.u64(x)
	case int64:
		e.u64(uint64(x))
	case float64:
		e.u64(math.Float64bits(x))
	case bool:
		if x {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case string:
		e.str(x)
	case Array:
		return e.array(x)
	default:
		a, ok := asArray(v)
		if !ok {
			return fmt.Errorf("unsupported metadata value %T", v)
		}
		return e.array(a)
	}
	return nil
}

func (e *encoder) array(a Array) error {
	// The element type follows the Go type of Values.
	if typed, ok := asArray(a.Values); ok {
		a.Type = typed.Type
	}
	e.u32(uint32(a.Type))
	e.count(uint64(a.Len()))
	switch vs := a.Values.(type) {
	case []uint8:
		e.raw(vs)
	case []int8:
		return eachPayload(e, vs)
	case []uint16:
		return eachPayload(e, vs)
	case []int16:
		return eachPayload(e, vs)
	case []uint32:
		return eachPayload(e, vs)
	case []int32:
		return eachPayload(e, vs)
	case []float32:
		return eachPayload(e, vs)
	case []uint64:
		return eachPayload(e, vs)
	case []int64:
		return eachPayload(e, vs)
	case []float64:
		return eachPayload(e, vs)
	case []bool:
		return eachPayload(e, vs)
	case []string:
		return eachPayload(e, vs)
	case []Array:
		for _, sub := range vs {
			if err := e.array(sub); err != nil {
				return err
			}
		}
	case nil:
	default:
		return fmt.Errorf("unsupported array values %T", a.Values)
	}
	return nil
}

func eachPayload[T any](e *encoder, vs []T) error {
	for _, v := range vs {
		if err := e.payload(v); err != nil {
			return err
		}
	}
	return nil
}

func typeOf(v any) (ValueType, error) {
	switch v.(type) {
	case uint8:
		return TypeUint8, nil
	case int8:
		return TypeInt8, nil
	case uint16:
		return TypeUint16, nil
	case int16:
		return TypeInt16, nil
	case uint32:
		return TypeUint32, nil
	case int32:
		return TypeInt32, nil
	case float32:
		return TypeFloat32, nil
	case uint64:
		return TypeUint64, nil
	case int64:
		return TypeInt64, nil
	case float64:
		return TypeFloat64, nil
	case bool:
		return TypeBool, nil
	case string:
		return TypeString, nil
	}
	if _, ok := asArray(v); ok {
		return TypeArray, nil
	}
	return 0, fmt.Errorf("unsupported metadata value %T", v)
}

// asArray accepts an Array or a typed slice.
func asArray(v any) (Array, bool) {
	switch x := v.(type) {
	case Array:
		return x, true
	case []uint8:
		return Array{Type: TypeUint8, Values: x}, true
	case []int8:
		return Array{Type: TypeInt8, Values: x}, true
	case []uint16:
		return Array{Type: TypeUint16, Values: x}, true
	case []int16:
		return Array{Type: TypeInt16, Values: x}, true
	case []uint32:
		return Array{Type: TypeUint32, Values: x}, true
	case []int32:
		return Array{Type: TypeInt32, Values: x}, true
	case []float32:
		return Array{Type: TypeFloat32, Values: x}, true
	case []uint64:
		return Array{Type: TypeUint64, Values: x}, true
	case []int64:
		return Array{Type: TypeInt64, Values: x}, true
	case []float64:
		return Array{Type: TypeFloat64, Values: x}, true
	case []bool:
		return Array{Type: TypeBool, Values: x}, true
	case []string:
		return Array{Type: TypeString, Values: x}, true
	case []Array:
		return Array{Type: TypeArray, Values: x}, true
	}
	return Array{}, false
}
