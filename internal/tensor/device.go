package tensor

// DeviceKind identifies one of the closed set of execution backends.
type DeviceKind int

// Supported device kinds.
const (
	// Host executes kernels on the CPU over host memory.
	Host DeviceKind = iota
	// Unified executes kernels on a unified-memory device whose buffers are host addressable.
	Unified
	// WebGPU executes kernels on a discrete GPU through WebGPU.
	WebGPU
)

// AllDeviceKinds lists every device kind.
var AllDeviceKinds = []DeviceKind{Host, Unified, WebGPU}

// String returns the canonical device name.
func (k DeviceKind) String() string {
	switch k {
	case Host:
		return "cpu"
	case Unified:
		return "unified"
	case WebGPU:
		return "webgpu"
	default:
		return "unknown"
	}
}

// ParseDeviceKind parses a canonical device name.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch s {
	case "cpu", "host":
		return Host, nil
	case "unified":
		return Unified, nil
	case "webgpu", "gpu":
		return WebGPU, nil
	default:
		return 0, DeviceErrorf("parse_device", "unknown device %q", s)
	}
}
