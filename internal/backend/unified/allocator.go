package unified

import (
	"math/bits"
	"sync"
	"unsafe"
)

const (
	minClassBytes = 64 // smallest block and the alignment of every block
	maxFreeBlocks = 256
)

// AllocatorStats reports allocator activity.
type AllocatorStats struct {
	Slabs      int
	SlabBytes  int
	Allocs     uint64
	Reuses     uint64
	Dedicated  uint64
	LiveBytes  int
	FreeBlocks int
}

// Allocator is a thread-safe slab allocator. Requests are rounded up to a
// power-of-two size class and carved from large host slabs; freed blocks go
// to a per-class free list and are zeroed when reused. Requests larger than
// a slab get a dedicated buffer.
type Allocator struct {
	slabBytes int

	mu    sync.Mutex
	slabs [][]byte
	cur   []byte // unused tail of the newest slab
	free  map[int][][]byte

	allocs    uint64
	reuses    uint64
	dedicated uint64
	liveBytes int
}

// NewAllocator returns an allocator carving slabs of slabBytes.
func NewAllocator(slabBytes int) *Allocator {
	return &Allocator{slabBytes: slabBytes, free: make(map[int][][]byte)}
}

func sizeClass(n int) int {
	if n <= minClassBytes {
		return minClassBytes
	}
	return 1 << bits.Len(uint(n-1))
}

// alignedSlab returns a zeroed slab whose first byte is minClassBytes aligned.
//
//nolint:gosec // pointer arithmetic only inspects the address for alignment.
func alignedSlab(size int) []byte {
	raw := make([]byte, size+minClassBytes)
	pad := (minClassBytes - int(uintptr(unsafe.Pointer(&raw[0]))%minClassBytes)) % minClassBytes
	return raw[pad : pad+size : pad+size]
}

// Alloc returns a zero-filled buffer of n bytes.
func (a *Allocator) Alloc(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	class := sizeClass(n)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocs++
	a.liveBytes += class

	if class > a.slabBytes {
		a.dedicated++
		return alignedSlab(class)[:n:class]
	}
	if list := a.free[class]; len(list) > 0 {
		blk := list[len(list)-1]
		a.free[class] = list[:len(list)-1]
		a.reuses++
		clear(blk)
		return blk[:n:class]
	}
	if len(a.cur) < class {
		slab := alignedSlab(a.slabBytes)
		a.slabs = append(a.slabs, slab)
		a.cur = slab
	}
	blk := a.cur[:class:class]
	a.cur = a.cur[class:]
	return blk[:n:class]
}

// Free returns a buffer obtained from Alloc. Dedicated buffers are left to
// the garbage collector.
func (a *Allocator) Free(buf []byte) {
	class := cap(buf)
	if class == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.liveBytes -= class
	if class > a.slabBytes || len(a.free[class]) >= maxFreeBlocks {
		return
	}
	a.free[class] = append(a.free[class], buf[:class])
}

// Reset drops every slab and free list. Buffers still referenced by live
// storages stay valid; they are simply not recycled.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slabs = nil
	a.cur = nil
	a.free = make(map[int][][]byte)
}

// Stats returns a snapshot of allocator counters.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	freeBlocks := 0
	for _, l := range a.free {
		freeBlocks += len(l)
	}
	return AllocatorStats{
		Slabs:      len(a.slabs),
		SlabBytes:  a.slabBytes,
		Allocs:     a.allocs,
		Reuses:     a.reuses,
		Dedicated:  a.dedicated,
		LiveBytes:  a.liveBytes,
		FreeBlocks: freeBlocks,
	}
}
