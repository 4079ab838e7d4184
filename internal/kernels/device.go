package kernels

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/born-ml/tensorcore/internal/metrics"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Exec runs a named kernel to completion. Implementations may hand fn to
// another goroutine but must block until it returns.
type Exec func(kernel string, fn func() error) error

// Inline runs kernels on the calling goroutine.
func Inline(_ string, fn func() error) error { return fn() }

// Device implements the tensor.Backend kernel surface over host-addressable
// storage. Backends embed it and supply the owner identity, the allocator
// and the execution strategy.
type Device struct {
	owner  tensor.Backend
	kind   tensor.DeviceKind
	name   string
	host   *Host
	free   func([]byte)
	exec   Exec
	closed atomic.Bool
}

// NewDevice returns a Device whose storages belong to owner. free, when not
// nil, receives every buffer allocated through host once its Storage is
// collected.
func NewDevice(owner tensor.Backend, kind tensor.DeviceKind, name string, host *Host, free func([]byte), exec Exec) *Device {
	if exec == nil {
		exec = Inline
	}
	return &Device{owner: owner, kind: kind, name: name, host: host, free: free, exec: exec}
}

// Kind returns the device kind.
func (d *Device) Kind() tensor.DeviceKind { return d.kind }

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Host returns the kernel runner.
func (d *Device) Host() *Host { return d.host }

// MarkClosed makes every later call fail with a DeviceError. It reports
// whether the device was open.
func (d *Device) MarkClosed() bool { return d.closed.CompareAndSwap(false, true) }

// Closed reports whether the device has been closed.
func (d *Device) Closed() bool { return d.closed.Load() }

func (d *Device) wrap(dt tensor.DType, data []byte) *tensor.Storage {
	label := d.kind.String()
	size := len(data)
	metrics.RecordAlloc(label, size)
	free := d.free
	return tensor.NewManagedHostStorage(d.owner, dt, data, func() {
		metrics.RecordFree(label, size)
		if free != nil {
			free(data)
		}
	})
}

func (d *Device) check(op string, ss ...*tensor.Storage) error {
	if d.closed.Load() {
		return tensor.DeviceErrorf(op, "%s device is closed", d.name)
	}
	for _, s := range ss {
		if s.Backend() != d.owner {
			return tensor.DeviceErrorf(op, "storage belongs to %s, not %s", s.Backend().Name(), d.name)
		}
	}
	return nil
}

// run executes one kernel producing a new storage of dtype out. Kernels see
// only the Bytes of their inputs, so the inputs stay reachable until the
// kernel returns.
func (d *Device) run(op string, out tensor.DType, fn func() ([]byte, error), inputs ...*tensor.Storage) (*tensor.Storage, error) {
	if err := d.check(op, inputs...); err != nil {
		return nil, err
	}
	var res []byte
	start := time.Now()
	err := d.exec(op, func() error {
		var err error
		res, err = fn()
		return err
	})
	runtime.KeepAlive(inputs)
	metrics.RecordKernelDuration(d.kind.String(), op, time.Since(start))
	if err != nil {
		return nil, err
	}
	return d.wrap(out, res), nil
}

// Alloc returns zero-filled storage for n elements.
func (d *Device) Alloc(dt tensor.DType, n int) (*tensor.Storage, error) {
	if n < 0 {
		return nil, tensor.ShapeErrorf("alloc", "negative element count %d", n)
	}
	return d.run("alloc", dt, func() ([]byte, error) { return d.host.alloc(dt, n), nil })
}

// FromHost copies data into new storage.
func (d *Device) FromHost(dt tensor.DType, data []byte) (*tensor.Storage, error) {
	if len(data)%dt.Size() != 0 {
		return nil, tensor.ShapeErrorf("from_host", "%d bytes is not a whole number of %s elements", len(data), dt)
	}
	return d.run("from_host", dt, func() ([]byte, error) {
		buf := d.host.Alloc(len(data))
		copy(buf, data)
		return buf, nil
	})
}

// ToHost copies the whole storage out.
func (d *Device) ToHost(s *tensor.Storage) ([]byte, error) {
	if err := d.check("to_host", s); err != nil {
		return nil, err
	}
	out := make([]byte, s.ByteSize())
	err := d.exec("to_host", func() error {
		copy(out, s.Bytes())
		return nil
	})
	runtime.KeepAlive(s)
	return out, err
}

// Unary applies op element-wise.
func (d *Device) Unary(op tensor.UnaryOp, s *tensor.Storage, l tensor.Layout) (*tensor.Storage, error) {
	return d.run("unary."+op.String(), s.DType(), func() ([]byte, error) {
		return d.host.Unary(op, s.DType(), s.Bytes(), l)
	}, s)
}

// Affine computes s*mul + add.
func (d *Device) Affine(s *tensor.Storage, l tensor.Layout, mul, add float64) (*tensor.Storage, error) {
	return d.run("affine", s.DType(), func() ([]byte, error) {
		return d.host.Affine(s.DType(), s.Bytes(), l, mul, add), nil
	}, s)
}

// Powf raises every element to exp.
func (d *Device) Powf(s *tensor.Storage, l tensor.Layout, exp float64) (*tensor.Storage, error) {
	return d.run("powf", s.DType(), func() ([]byte, error) {
		return d.host.Powf(s.DType(), s.Bytes(), l, exp), nil
	}, s)
}

// Binary applies op to two broadcast layouts.
func (d *Device) Binary(op tensor.BinaryOp, lhs *tensor.Storage, ll tensor.Layout, rhs *tensor.Storage, rl tensor.Layout) (*tensor.Storage, error) {
	return d.run("binary."+op.String(), lhs.DType(), func() ([]byte, error) {
		return d.host.Binary(op, lhs.DType(), lhs.Bytes(), ll, rhs.Bytes(), rl)
	}, lhs, rhs)
}

// Compare applies op and returns U8 storage.
func (d *Device) Compare(op tensor.CmpOp, lhs *tensor.Storage, ll tensor.Layout, rhs *tensor.Storage, rl tensor.Layout) (*tensor.Storage, error) {
	return d.run("compare."+op.String(), tensor.U8, func() ([]byte, error) {
		return d.host.Compare(op, lhs.DType(), lhs.Bytes(), ll, rhs.Bytes(), rl)
	}, lhs, rhs)
}

// Reduce reduces axes, keeping them as size 1.
func (d *Device) Reduce(op tensor.ReduceOp, s *tensor.Storage, l tensor.Layout, axes []int) (*tensor.Storage, error) {
	out := s.DType()
	if op == tensor.ReduceArgMax || op == tensor.ReduceArgMin {
		out = tensor.U32
	}
	return d.run("reduce."+op.String(), out, func() ([]byte, error) {
		return d.host.Reduce(op, s.DType(), s.Bytes(), l, axes)
	}, s)
}

// Where selects between t and f by cond.
func (d *Device) Where(cond *tensor.Storage, cl tensor.Layout, t *tensor.Storage, tl tensor.Layout, f *tensor.Storage, fl tensor.Layout) (*tensor.Storage, error) {
	return d.run("where", t.DType(), func() ([]byte, error) {
		return d.host.Where(cond.DType(), cond.Bytes(), cl, t.DType(), t.Bytes(), tl, f.Bytes(), fl), nil
	}, cond, t, f)
}

// Cast converts to dtype.
func (d *Device) Cast(s *tensor.Storage, l tensor.Layout, dt tensor.DType) (*tensor.Storage, error) {
	return d.run("cast", dt, func() ([]byte, error) {
		return d.host.Cast(s.DType(), s.Bytes(), l, dt), nil
	}, s)
}

// MatMul multiplies batched matrices.
func (d *Device) MatMul(lhs *tensor.Storage, ll tensor.Layout, rhs *tensor.Storage, rl tensor.Layout) (*tensor.Storage, error) {
	return d.run("matmul", lhs.DType(), func() ([]byte, error) {
		return d.host.MatMul(lhs.DType(), lhs.Bytes(), ll, rhs.Bytes(), rl)
	}, lhs, rhs)
}

// Conv2D convolves NCHW input with an OIHW kernel.
func (d *Device) Conv2D(in *tensor.Storage, il tensor.Layout, kernel *tensor.Storage, kl tensor.Layout, p tensor.ConvParams) (*tensor.Storage, error) {
	return d.run("conv2d", in.DType(), func() ([]byte, error) {
		return d.host.Conv2D(in.DType(), in.Bytes(), il, kernel.Bytes(), kl, p)
	}, in, kernel)
}

// IndexSelect gathers entries of dim listed in ids.
func (d *Device) IndexSelect(src *tensor.Storage, sl tensor.Layout, ids *tensor.Storage, il tensor.Layout, dim int) (*tensor.Storage, error) {
	return d.run("index_select", src.DType(), func() ([]byte, error) {
		return d.host.IndexSelect(src.DType(), src.Bytes(), sl, ids.DType(), ids.Bytes(), il, dim)
	}, src, ids)
}

// CopyInto writes src into dst at the positions of dl.
func (d *Device) CopyInto(src *tensor.Storage, sl tensor.Layout, dst *tensor.Storage, dl tensor.Layout) error {
	if err := d.check("copy_into", src, dst); err != nil {
		return err
	}
	if src.DType() != dst.DType() {
		return tensor.DtypeErrorf("copy_into", "dtype %s into %s", src.DType(), dst.DType())
	}
	if lo, hi, ok := dl.OffsetRange(); ok && (lo < 0 || hi >= dst.Count()) {
		return tensor.IndexErrorf("copy_into", "destination %v outside storage of %d elements", dl, dst.Count())
	}
	start := time.Now()
	err := d.exec("copy_into", func() error {
		return d.host.CopyInto(src.DType(), src.Bytes(), sl, dst.Bytes(), dl)
	})
	runtime.KeepAlive(src)
	runtime.KeepAlive(dst)
	metrics.RecordKernelDuration(d.kind.String(), "copy_into", time.Since(start))
	return err
}
