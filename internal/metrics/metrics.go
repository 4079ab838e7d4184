// Package metrics registers the engine's Prometheus collectors on the default
// registry. Exposition is left to the embedding program.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeviceMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tensorcore_device_memory_bytes",
		Help: "Bytes currently held by live storages per device",
	}, []string{"device"})

	DeviceAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tensorcore_device_allocations_total",
		Help: "Total storage allocations per device",
	}, []string{"device"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tensorcore_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"device", "kernel"})

	TensorsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tensorcore_tensors_loaded_total",
		Help: "Tensors decoded from weight files per format",
	}, []string{"format"})

	KVCacheLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tensorcore_kv_cache_length",
		Help: "Current number of cached steps of the most recently updated cache",
	}, []string{"mode"})
)

// RecordAlloc accounts a new storage of size bytes on device.
func RecordAlloc(device string, size int) {
	DeviceAllocations.WithLabelValues(device).Inc()
	DeviceMemoryBytes.WithLabelValues(device).Add(float64(size))
}

// RecordFree accounts the release of a storage of size bytes on device.
func RecordFree(device string, size int) {
	DeviceMemoryBytes.WithLabelValues(device).Sub(float64(size))
}

// RecordKernelDuration observes one kernel execution.
func RecordKernelDuration(device, kernel string, d time.Duration) {
	KernelDuration.WithLabelValues(device, kernel).Observe(d.Seconds())
}

// RecordTensorsLoaded counts n tensors decoded from a file of format.
func RecordTensorsLoaded(format string, n int) {
	TensorsLoaded.WithLabelValues(format).Add(float64(n))
}

// RecordKVCacheLength sets the cached length for a cache mode.
func RecordKVCacheLength(mode string, n int) {
	KVCacheLength.WithLabelValues(mode).Set(float64(n))
}
