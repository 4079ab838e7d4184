package kvcache

import (
	"fmt"

	"github.com/born-ml/tensorcore/internal/tensor"
)

// KVCache pairs a key cache and a value cache that advance together.
type KVCache struct {
	k *Cache
	v *Cache
}

// NewKVCache returns append-mode key and value caches along dim.
func NewKVCache(dim, maxLen int) *KVCache {
	return &KVCache{k: NewCache(dim, maxLen), v: NewCache(dim, maxLen)}
}

// NewRotatingKVCache returns rotating key and value caches along dim.
func NewRotatingKVCache(dim, capacity int) *KVCache {
	return &KVCache{k: NewRotatingCache(dim, capacity), v: NewRotatingCache(dim, capacity)}
}

// K returns the key cache.
func (c *KVCache) K() *Cache { return c.k }

// V returns the value cache.
func (c *KVCache) V() *Cache { return c.v }

// Append adds one step (or several) of keys and values and returns the full
// cached keys and values. Both must carry the same number of steps.
func (c *KVCache) Append(k, v *tensor.Tensor) (keys, values *tensor.Tensor, err error) {
	kn, err := k.Dim(c.k.dim)
	if err != nil {
		return nil, nil, fmt.Errorf("kvcache: %w", err)
	}
	vn, err := v.Dim(c.v.dim)
	if err != nil {
		return nil, nil, fmt.Errorf("kvcache: %w", err)
	}
	if kn != vn {
		return nil, nil, tensor.ShapeErrorf("kvcache", "keys carry %d steps, values %d", kn, vn)
	}
	// Validate both before mutating either so the pair stays in step.
	if err := c.k.check(k); err != nil {
		return nil, nil, err
	}
	if err := c.v.check(v); err != nil {
		return nil, nil, err
	}
	if c.k.mode == Append && c.k.limit > 0 && c.k.length+kn > c.k.limit {
		return nil, nil, tensor.IndexErrorf("kvcache", "cache overflow: %d + %d steps exceeds max %d", c.k.length, kn, c.k.limit)
	}
	if err := c.k.Append(k); err != nil {
		return nil, nil, err
	}
	if err := c.v.Append(v); err != nil {
		return nil, nil, err
	}
	return c.Current()
}

// Current returns the cached keys and values, both nil when empty.
func (c *KVCache) Current() (keys, values *tensor.Tensor, err error) {
	if keys, err = c.k.Current(); err != nil {
		return nil, nil, err
	}
	if values, err = c.v.Current(); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

// Len returns the number of cached steps.
func (c *KVCache) Len() int { return c.k.Len() }

// Offset returns the number of steps appended since the last Reset.
func (c *KVCache) Offset() int { return c.k.Offset() }

// Reset empties both caches.
func (c *KVCache) Reset() {
	c.k.Reset()
	c.v.Reset()
}
