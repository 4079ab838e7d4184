// Package unified implements the unified-memory device: a context owning a
// slab allocator of host-addressable buffers and a command stream that runs
// kernels one at a time on its own goroutine. Every operation enqueues its
// kernel and waits, so calls are synchronous.
package unified

import (
	"fmt"
	"sync/atomic"

	"github.com/born-ml/tensorcore/internal/config"
	"github.com/born-ml/tensorcore/internal/kernels"
	"github.com/born-ml/tensorcore/internal/logger"
	"github.com/born-ml/tensorcore/internal/parallel"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Options configures a Context.
type Options struct {
	Name        string
	SlabBytes   int
	Parallel    parallel.Config
	StreamDepth int
}

// DefaultOptions derives options from the default configuration.
func DefaultOptions() Options {
	cfg := config.Default()
	return Options{
		SlabBytes:   cfg.UnifiedSlabBytes,
		Parallel:    cfg.ParallelConfig(),
		StreamDepth: 64,
	}
}

var contextSeq atomic.Uint64

// Context is one unified-memory device. Multiple independent contexts may
// exist in a process; storages of one cannot be used with another.
type Context struct {
	*kernels.Device
	alloc  *Allocator
	stream *stream
}

var _ tensor.Backend = (*Context)(nil)

// NewContext creates a device context with its own allocator and stream.
func NewContext(opts Options) (*Context, error) {
	if opts.SlabBytes <= 0 || opts.SlabBytes&(opts.SlabBytes-1) != 0 {
		return nil, tensor.DeviceErrorf("unified", "slab size %d must be a positive power of two", opts.SlabBytes)
	}
	if opts.StreamDepth <= 0 {
		opts.StreamDepth = 1
	}
	if opts.Parallel.NumWorkers <= 0 {
		opts.Parallel = parallel.Sequential()
	}
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("unified:%d", contextSeq.Add(1))
	}
	c := &Context{
		alloc:  NewAllocator(opts.SlabBytes),
		stream: newStream(opts.StreamDepth),
	}
	host := &kernels.Host{Par: opts.Parallel, Alloc: c.alloc.Alloc}
	c.Device = kernels.NewDevice(c, tensor.Unified, opts.Name, host, c.alloc.Free, c.stream.submit)
	logger.Log.Info("unified context created", "name", opts.Name, "slab_bytes", opts.SlabBytes)
	return c, nil
}

// Synchronize waits for every previously submitted kernel.
func (c *Context) Synchronize() error {
	return c.stream.submit("synchronize", func() error { return nil })
}

// Close stops the stream and drops the allocator slabs. Storages created by
// the context stay readable; every later operation fails with a DeviceError.
func (c *Context) Close() error {
	if !c.MarkClosed() {
		return nil
	}
	c.stream.stop()
	stats := c.alloc.Stats()
	c.alloc.Reset()
	logger.Log.Info("unified context closed",
		"name", c.Name(),
		"kernels", c.stream.submitted.Load(),
		"allocs", stats.Allocs,
		"reuses", stats.Reuses)
	return nil
}

// Stats returns allocator counters.
func (c *Context) Stats() AllocatorStats {
	return c.alloc.Stats()
}
