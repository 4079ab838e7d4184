package gguf

import (
	"github.com/born-ml/tensorcore/internal/tensor"
)

func missing(key string) error {
	return tensor.NotFoundErrorf("gguf", "metadata key %q not present", key)
}

func wrongType(key string, v any, want string) error {
	return tensor.FormatErrorf("gguf", "metadata key %q holds %T, want %s", key, v, want)
}

// String returns a string value.
func (c *Content) String(key string) (string, error) {
	v, ok := c.Value(key)
	if !ok {
		return "", missing(key)
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(key, v, "string")
	}
	return s, nil
}

// Uint returns any unsigned integer value, or a non-negative signed one.
func (c *Content) Uint(key string) (uint64, error) {
	v, ok := c.Value(key)
	if !ok {
		return 0, missing(key)
	}
	switch n := v.(type) {
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	}
	i, err := c.Int(key)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, tensor.FormatErrorf("gguf", "metadata key %q is negative: %d", key, i)
	}
	return uint64(i), nil
}

// Int returns any integer value that fits an int64.
func (c *Content) Int(key string) (int64, error) {
	v, ok := c.Value(key)
	if !ok {
		return 0, missing(key)
	}
	switch n := v.(type) {
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > 1<<63-1 {
			return 0, tensor.FormatErrorf("gguf", "metadata key %q overflows int64", key)
		}
		return int64(n), nil
	}
	return 0, wrongType(key, v, "integer")
}

// Float returns a float value.
func (c *Content) Float(key string) (float64, error) {
	v, ok := c.Value(key)
	if !ok {
		return 0, missing(key)
	}
	switch f := v.(type) {
	case float32:
		return float64(f), nil
	case float64:
		return f, nil
	}
	return 0, wrongType(key, v, "float")
}

// Bool returns a bool value.
func (c *Content) Bool(key string) (bool, error) {
	v, ok := c.Value(key)
	if !ok {
		return false, missing(key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, wrongType(key, v, "bool")
	}
	return b, nil
}

// Strings returns a string array.
func (c *Content) Strings(key string) ([]string, error) {
	v, ok := c.Value(key)
	if !ok {
		return nil, missing(key)
	}
	if a, ok := v.(Array); ok {
		if s, ok := a.Values.([]string); ok {
			return s, nil
		}
	}
	return nil, wrongType(key, v, "string array")
}

// Array returns an array value.
func (c *Content) Array(key string) (Array, error) {
	v, ok := c.Value(key)
	if !ok {
		return Array{}, missing(key)
	}
	a, ok := v.(Array)
	if !ok {
		return Array{}, wrongType(key, v, "array")
	}
	return a, nil
}

// Architecture returns general.architecture, or "" when absent.
func (c *Content) Architecture() string {
	s, _ := c.String("general.architecture")
	return s
}

// ArchUint reads "<architecture>.<suffix>", e.g. ArchUint("block_count").
func (c *Content) ArchUint(suffix string) (uint64, error) {
	return c.Uint(c.Architecture() + "." + suffix)
}
