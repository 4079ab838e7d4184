package tensor

import (
	"runtime"
	"unsafe"
)

// DeviceBuffer is a device-resident allocation owned by a Storage.
type DeviceBuffer interface {
	// Size returns the allocation size in bytes.
	Size() int
	// Release returns the allocation to its device.
	Release()
}

// Storage is a flat, typed, densely packed element buffer on one backend.
//
// It is a tagged union over the device kinds: Host and Unified storages
// carry host-addressable bytes, WebGPU storages carry a DeviceBuffer.
// Storage is never resized; operations produce new Storage.
type Storage struct {
	backend Backend
	dtype   DType
	count   int
	host    []byte
	buffer  DeviceBuffer
}

// NewHostStorage wraps host bytes for a Host or Unified backend.
// len(data) must be a multiple of dtype.Size().
func NewHostStorage(b Backend, dtype DType, data []byte) *Storage {
	return &Storage{backend: b, dtype: dtype, count: len(data) / dtype.Size(), host: data}
}

// NewManagedHostStorage wraps host bytes obtained from an allocator.
// release runs once the Storage becomes unreachable.
func NewManagedHostStorage(b Backend, dtype DType, data []byte, release func()) *Storage {
	s := NewHostStorage(b, dtype, data)
	if release != nil {
		runtime.AddCleanup(s, func(fn func()) { fn() }, release)
	}
	return s
}

// NewDeviceStorage wraps a device buffer holding count elements of dtype.
// The buffer is released once the Storage becomes unreachable.
func NewDeviceStorage(b Backend, dtype DType, count int, buf DeviceBuffer) *Storage {
	s := &Storage{backend: b, dtype: dtype, count: count, buffer: buf}
	runtime.AddCleanup(s, func(db DeviceBuffer) { db.Release() }, buf)
	return s
}

// Backend returns the backend that owns the storage.
func (s *Storage) Backend() Backend { return s.backend }

// Kind returns the device kind of the owning backend.
func (s *Storage) Kind() DeviceKind { return s.backend.Kind() }

// DType returns the element type.
func (s *Storage) DType() DType { return s.dtype }

// Count returns the number of elements.
func (s *Storage) Count() int { return s.count }

// ByteSize returns the size of the element data in bytes.
func (s *Storage) ByteSize() int { return s.count * s.dtype.Size() }

// Bytes returns the host-addressable element bytes, or nil for device-only storage.
// WARNING: direct access to shared memory; only Variables may be written through it.
// The slice is valid only while s is reachable; callers that outlive their
// last use of s must runtime.KeepAlive it.
func (s *Storage) Bytes() []byte { return s.host }

// Buffer returns the device buffer, or nil for host-addressable storage.
func (s *Storage) Buffer() DeviceBuffer { return s.buffer }

// HostAddressable reports whether Bytes can be used directly.
func (s *Storage) HostAddressable() bool { return s.host != nil || s.buffer == nil }

// Slice reinterprets host bytes as a slice of T without copying.
//
//nolint:gosec // unsafe.Slice for zero-copy element access, length derived from len(b).
func Slice[T Element](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size)
}

// Bytes reinterprets a slice of T as bytes without copying.
//
//nolint:gosec // unsafe.Slice for zero-copy conversion.
func Bytes[T Element](v []T) []byte {
	if len(v) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*int(unsafe.Sizeof(zero)))
}
