// Package kvcache keeps the past key and value slices of autoregressive
// generation along a sequence axis.
//
// An append-mode cache grows with every step, optionally up to a maximum
// length. A rotating cache holds a fixed capacity and overwrites its oldest
// steps once full, while Current still returns steps in the order they were
// appended.
//
// Example:
//
//	kv := kvcache.NewRotatingKVCache(2, 4096) // [batch, heads, seq, head_dim]
//	for step := range steps {
//	    k, v, err := kv.Append(newK, newV)
//	    ...
//	}
package kvcache

import (
	"fmt"

	"github.com/born-ml/tensorcore/internal/logger"
	"github.com/born-ml/tensorcore/internal/metrics"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Mode selects how a cache behaves once it holds many steps.
type Mode int

const (
	// Append grows without bound, or up to a maximum length.
	Append Mode = iota
	// Rotating keeps the most recent capacity steps.
	Rotating
)

func (m Mode) String() string {
	if m == Rotating {
		return "rotating"
	}
	return "append"
}

// Cache accumulates tensor slices along one axis. It is not safe for
// concurrent use.
type Cache struct {
	mode  Mode
	dim   int // as passed; may be negative
	limit int // max length (Append, 0 = unbounded) or capacity (Rotating)

	// Fixed by the first Append.
	axis    int
	shape   tensor.Shape // axis entry ignored
	dtype   tensor.DType
	backend tensor.Backend

	parts []*tensor.Tensor // Append mode
	buf   *tensor.Tensor   // Rotating mode, limit steps long; a Variable
	pos   int              // next ring slot

	length int
	offset int
}

// NewCache returns an append-mode cache along dim. A positive maxLen bounds
// the number of steps it accepts.
func NewCache(dim, maxLen int) *Cache {
	return &Cache{mode: Append, dim: dim, limit: max(maxLen, 0)}
}

// NewRotatingCache returns a cache that keeps the last capacity steps along
// dim. It panics if capacity is not positive.
func NewRotatingCache(dim, capacity int) *Cache {
	if capacity <= 0 {
		panic(fmt.Sprintf("kvcache: rotating capacity must be positive, got %d", capacity))
	}
	return &Cache{mode: Rotating, dim: dim, limit: capacity}
}

// Mode reports the cache mode.
func (c *Cache) Mode() Mode { return c.mode }

// Len returns the number of steps Current would return.
func (c *Cache) Len() int { return c.length }

// Offset returns the number of steps appended since the last Reset,
// including those a rotating cache has dropped.
func (c *Cache) Offset() int { return c.offset }

// Capacity returns the rotating capacity or the append-mode maximum (0 when
// unbounded).
func (c *Cache) Capacity() int { return c.limit }

// Append adds the steps of t along the cache axis.
func (c *Cache) Append(t *tensor.Tensor) error {
	if err := c.check(t); err != nil {
		return err
	}
	c.adopt(t)
	n := t.Shape()[c.axis]
	var err error
	if c.mode == Rotating {
		err = c.appendRing(t, n)
	} else {
		err = c.appendGrow(t, n)
	}
	if err != nil {
		if c.offset == 0 {
			c.Reset()
		}
		return err
	}
	c.offset += n
	metrics.RecordKVCacheLength(c.mode.String(), c.length)
	return nil
}

// check validates t against the first appended slice. It does not modify
// the cache.
func (c *Cache) check(t *tensor.Tensor) error {
	if c.backend == nil {
		if _, err := t.Shape().ResolveAxis(c.dim); err != nil {
			return fmt.Errorf("kvcache: %w", err)
		}
		return nil
	}
	if t.Backend() != c.backend {
		return tensor.DeviceErrorf("kvcache", "slice on %s, cache on %s", t.Backend().Name(), c.backend.Name())
	}
	if t.DType() != c.dtype {
		return tensor.DtypeErrorf("kvcache", "slice dtype %s, cache dtype %s", t.DType(), c.dtype)
	}
	if t.Rank() != len(c.shape) {
		return tensor.ShapeErrorf("kvcache", "slice %v, cache slices %v", t.Shape(), c.shape)
	}
	for i, d := range t.Shape() {
		if i != c.axis && d != c.shape[i] {
			return tensor.ShapeErrorf("kvcache", "slice %v does not match cache slices %v outside axis %d", t.Shape(), c.shape, c.axis)
		}
	}
	return nil
}

// adopt makes a checked t the template of an empty cache.
func (c *Cache) adopt(t *tensor.Tensor) {
	if c.backend != nil {
		return
	}
	c.axis, _ = t.Shape().ResolveAxis(c.dim)
	c.shape = t.Shape().Clone()
	c.dtype = t.DType()
	c.backend = t.Backend()
}

func (c *Cache) appendGrow(t *tensor.Tensor, n int) error {
	if c.limit > 0 && c.length+n > c.limit {
		return tensor.IndexErrorf("kvcache", "cache overflow: %d + %d steps exceeds max %d", c.length, n, c.limit)
	}
	if n == 0 {
		return nil
	}
	c.parts = append(c.parts, t)
	c.length += n
	return nil
}

func (c *Cache) appendRing(t *tensor.Tensor, n int) error {
	capacity := c.limit
	if c.buf == nil {
		shape := c.shape.Clone()
		shape[c.axis] = capacity
		zeros, err := tensor.Zeros(shape, c.dtype, c.backend)
		if err != nil {
			return fmt.Errorf("kvcache: %w", err)
		}
		buf, err := tensor.NewVar(zeros)
		if err != nil {
			return fmt.Errorf("kvcache: %w", err)
		}
		c.buf = buf
	}
	if n >= capacity {
		tail, err := t.Narrow(c.axis, n-capacity, capacity)
		if err != nil {
			return err
		}
		if err := tail.CopyInto(c.buf, c.axis, 0); err != nil {
			return fmt.Errorf("kvcache: %w", err)
		}
		c.pos = 0
		c.length = capacity
		return nil
	}
	first := min(n, capacity-c.pos)
	if err := c.write(t, 0, first, c.pos); err != nil {
		return err
	}
	if err := c.write(t, first, n-first, 0); err != nil {
		return err
	}
	if c.length < capacity && c.length+n >= capacity {
		logger.Log.Debug("kv cache wrapped", "capacity", capacity, "offset", c.offset+n)
	}
	c.pos = (c.pos + n) % capacity
	c.length = min(c.length+n, capacity)
	return nil
}

// write copies steps [from, from+n) of t into ring slots starting at slot.
func (c *Cache) write(t *tensor.Tensor, from, n, slot int) error {
	if n == 0 {
		return nil
	}
	part, err := t.Narrow(c.axis, from, n)
	if err != nil {
		return err
	}
	if err := part.CopyInto(c.buf, c.axis, slot); err != nil {
		return fmt.Errorf("kvcache: %w", err)
	}
	return nil
}

// Current returns every held step in chronological order, or nil when the
// cache is empty. The result is not affected by later appends.
func (c *Cache) Current() (*tensor.Tensor, error) {
	if c.length == 0 {
		return nil, nil
	}
	if c.mode == Append {
		if len(c.parts) > 1 {
			joined, err := tensor.Cat(c.parts, c.axis)
			if err != nil {
				return nil, fmt.Errorf("kvcache: %w", err)
			}
			c.parts = []*tensor.Tensor{joined}
		}
		return c.parts[0], nil
	}
	// Not yet full: slots [0, length) are in order. Full: the oldest step
	// sits at pos. The ring is read untracked.
	buf := c.buf.Detach()
	if c.length < c.limit || c.pos == 0 {
		head, err := buf.Narrow(c.axis, 0, c.length)
		if err != nil {
			return nil, err
		}
		return tensor.Cat([]*tensor.Tensor{head}, c.axis)
	}
	older, err := buf.Narrow(c.axis, c.pos, c.limit-c.pos)
	if err != nil {
		return nil, err
	}
	newer, err := buf.Narrow(c.axis, 0, c.pos)
	if err != nil {
		return nil, err
	}
	return tensor.Cat([]*tensor.Tensor{older, newer}, c.axis)
}

// Reset empties the cache. The next Append may use a different slice shape,
// dtype or device.
func (c *Cache) Reset() {
	c.parts = nil
	c.buf = nil
	c.backend = nil
	c.shape = nil
	c.pos = 0
	c.length = 0
	c.offset = 0
	metrics.RecordKVCacheLength(c.mode.String(), 0)
}
