// Package config holds engine-wide settings: logging, host parallelism,
// device defaults and file-format limits.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/born-ml/tensorcore/internal/parallel"
)

// Parallel controls goroutine fan-out in host kernels.
type Parallel struct {
	Enabled  bool
	Workers  int
	MinChunk int
}

// Config is the engine configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	Parallel Parallel

	DefaultDevice         string
	UnifiedSlabBytes      int
	WebGPUPowerPreference string

	GGUFMaxArrayLen  int
	GGUFMaxStringLen int
}

// Default returns the built-in configuration.
func Default() Config {
	n := runtime.NumCPU()
	return Config{
		LogLevel:  "info",
		LogFormat: "console",
		Parallel: Parallel{
			Enabled:  n > 1,
			Workers:  n,
			MinChunk: 1024,
		},
		DefaultDevice:         "cpu",
		UnifiedSlabBytes:      64 << 20,
		WebGPUPowerPreference: "high-performance",
		GGUFMaxArrayLen:       1 << 24,
		GGUFMaxStringLen:      1 << 20,
	}
}

// Validate checks every field for a usable value.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	if c.Parallel.Workers <= 0 {
		return fmt.Errorf("invalid parallel workers: %d (must be positive)", c.Parallel.Workers)
	}
	if c.Parallel.MinChunk <= 0 {
		return fmt.Errorf("invalid parallel min_chunk: %d (must be positive)", c.Parallel.MinChunk)
	}
	switch strings.ToLower(c.DefaultDevice) {
	case "cpu", "host", "unified", "webgpu", "gpu":
	default:
		return fmt.Errorf("invalid default_device: %q", c.DefaultDevice)
	}
	if c.UnifiedSlabBytes <= 0 || c.UnifiedSlabBytes&(c.UnifiedSlabBytes-1) != 0 {
		return fmt.Errorf("invalid unified_slab_bytes: %d (must be a positive power of two)", c.UnifiedSlabBytes)
	}
	switch c.WebGPUPowerPreference {
	case "high-performance", "low-power":
	default:
		return fmt.Errorf("invalid webgpu_power_preference: %q", c.WebGPUPowerPreference)
	}
	if c.GGUFMaxArrayLen <= 0 {
		return fmt.Errorf("invalid gguf_max_array_len: %d (must be positive)", c.GGUFMaxArrayLen)
	}
	if c.GGUFMaxStringLen <= 0 {
		return fmt.Errorf("invalid gguf_max_string_len: %d (must be positive)", c.GGUFMaxStringLen)
	}
	return nil
}

// ParallelConfig converts the parallel settings for the kernel runner.
func (c *Config) ParallelConfig() parallel.Config {
	return parallel.Config{
		Enabled:      c.Parallel.Enabled,
		NumWorkers:   c.Parallel.Workers,
		MinChunkSize: c.Parallel.MinChunk,
	}
}

// FromEnv overlays TENSORCORE_* environment variables on Default and validates the result.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var err error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	str("TENSORCORE_LOG_LEVEL", &c.LogLevel)
	str("TENSORCORE_LOG_FORMAT", &c.LogFormat)
	str("TENSORCORE_DEVICE", &c.DefaultDevice)
	str("TENSORCORE_WEBGPU_POWER", &c.WebGPUPowerPreference)
	num("TENSORCORE_WORKERS", &c.Parallel.Workers)
	num("TENSORCORE_MIN_CHUNK", &c.Parallel.MinChunk)
	num("TENSORCORE_UNIFIED_SLAB_BYTES", &c.UnifiedSlabBytes)
	num("TENSORCORE_GGUF_MAX_ARRAY_LEN", &c.GGUFMaxArrayLen)
	num("TENSORCORE_GGUF_MAX_STRING_LEN", &c.GGUFMaxStringLen)
	if v, ok := lookup("TENSORCORE_PARALLEL"); ok && err == nil {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("TENSORCORE_PARALLEL: %w", perr)
		}
		c.Parallel.Enabled = b
	}
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
