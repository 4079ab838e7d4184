// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package kvcache keeps past keys and values for autoregressive decoding.
//
// Example:
//
//	kv := kvcache.NewRotatingKVCache(2, 4096) // seq axis of [b, h, seq, d]
//	for range steps {
//	    keys, values, err := kv.Append(k, v)
//	    ...
//	}
package kvcache

import (
	"github.com/born-ml/tensorcore/internal/kvcache"
)

// Cache accumulates slices along one axis.
type Cache = kvcache.Cache

// KVCache pairs key and value caches that advance together.
type KVCache = kvcache.KVCache

// Mode is Append or Rotating.
type Mode = kvcache.Mode

// Cache modes.
const (
	Append   = kvcache.Append
	Rotating = kvcache.Rotating
)

// NewCache returns an append-mode cache; maxLen <= 0 is unbounded.
func NewCache(dim, maxLen int) *Cache { return kvcache.NewCache(dim, maxLen) }

// NewRotatingCache returns a cache holding the last capacity steps.
func NewRotatingCache(dim, capacity int) *Cache { return kvcache.NewRotatingCache(dim, capacity) }

// NewKVCache returns append-mode key and value caches.
func NewKVCache(dim, maxLen int) *KVCache { return kvcache.NewKVCache(dim, maxLen) }

// NewRotatingKVCache returns rotating key and value caches.
func NewRotatingKVCache(dim, capacity int) *KVCache {
	return kvcache.NewRotatingKVCache(dim, capacity)
}
