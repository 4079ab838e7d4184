//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

type sizeClass int

const (
	smallClass sizeClass = iota
	mediumClass
	largeClass
)

const (
	smallThreshold  = 4 << 10
	mediumThreshold = 1 << 20
	maxPooled       = 100
)

type pooledBuffer struct {
	buf   *wgpu.Buffer
	size  uint64
	usage wgpu.BufferUsage
}

// PoolStats reports buffer pool activity.
type PoolStats struct {
	Allocated uint64
	Released  uint64
	Hits      uint64
	Misses    uint64
	Pooled    int
}

// bufferPool recycles kernel output buffers by size class. Once closed it
// releases returned buffers immediately.
type bufferPool struct {
	device *wgpu.Device

	mu      sync.Mutex
	classes [3][]pooledBuffer
	closed  bool
	stats   PoolStats
}

func newBufferPool(device *wgpu.Device) *bufferPool {
	return &bufferPool{device: device}
}

func classOf(size uint64) sizeClass {
	switch {
	case size < smallThreshold:
		return smallClass
	case size < mediumThreshold:
		return mediumClass
	default:
		return largeClass
	}
}

// Acquire returns a buffer of at least size bytes with every usage flag set.
func (p *bufferPool) Acquire(size uint64, usage wgpu.BufferUsage) (*wgpu.Buffer, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := classOf(size)
	for i, pb := range p.classes[c] {
		// Reuse only buffers at most twice the request so large ones are not
		// pinned by small tensors.
		if pb.size >= size && pb.size <= 2*size && pb.usage&usage == usage {
			p.classes[c] = append(p.classes[c][:i], p.classes[c][i+1:]...)
			p.stats.Hits++
			return pb.buf, pb.size
		}
	}
	p.stats.Misses++
	p.stats.Allocated++
	buf := p.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: usage, Size: size})
	return buf, size
}

// Release hands buf back for reuse.
func (p *bufferPool) Release(buf *wgpu.Buffer, size uint64, usage wgpu.BufferUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Released++
	c := classOf(size)
	if p.closed || len(p.classes[c]) >= maxPooled {
		buf.Release()
		return
	}
	p.classes[c] = append(p.classes[c], pooledBuffer{buf: buf, size: size, usage: usage})
}

// Close releases every pooled buffer.
func (p *bufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for c := range p.classes {
		for _, pb := range p.classes[c] {
			pb.buf.Release()
		}
		p.classes[c] = nil
	}
	p.closed = true
}

// Stats returns a snapshot of pool activity.
func (p *bufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	for _, c := range p.classes {
		s.Pooled += len(c)
	}
	return s
}
