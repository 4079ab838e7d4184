//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/tensorcore/internal/kernels"
	"github.com/born-ml/tensorcore/internal/logger"
	"github.com/born-ml/tensorcore/internal/metrics"
	"github.com/born-ml/tensorcore/internal/tensor"
)

var _ tensor.Backend = (*Backend)(nil)

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// Backend is a WebGPU device context.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	name     string

	// mu serializes queue submissions and guards pipelines.
	mu        sync.Mutex
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline

	pool   *bufferPool
	host   *kernels.Host
	closed atomic.Bool
}

// New opens the default adapter. It returns a DeviceError when no adapter
// or native library is available.
func New(opts Options) (backend *Backend, err error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = tensor.DeviceErrorf("webgpu", "backend unavailable: %v", r)
		}
	}()

	pref := wgpu.PowerPreferenceHighPerformance
	if opts.PowerPreference == "low-power" {
		pref = wgpu.PowerPreferenceLowPower
	}
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: pref})
	if err != nil {
		instance.Release()
		return nil, tensor.WrapError(tensor.KindDevice, "webgpu", fmt.Errorf("request adapter: %w", err))
	}
	info := adapter.GetInfo()
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, tensor.WrapError(tensor.KindDevice, "webgpu", fmt.Errorf("request device: %w", err))
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, tensor.DeviceErrorf("webgpu", "device has no queue")
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("webgpu (%s %s)", info.Name, info.VendorName)
	}
	b := &Backend{
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     queue,
		name:      name,
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
		pool:      newBufferPool(device),
		host:      kernels.New(opts.Parallel),
	}
	logger.Log.Info("webgpu device opened", "name", name, "power", opts.PowerPreference)
	return b, nil
}

// IsAvailable reports whether an adapter can be requested.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Kind returns tensor.WebGPU.
func (b *Backend) Kind() tensor.DeviceKind { return tensor.WebGPU }

// Name returns the adapter description.
func (b *Backend) Name() string { return b.name }

// PoolStats reports output buffer reuse.
func (b *Backend) PoolStats() PoolStats { return b.pool.Stats() }

// Close releases the device. Storages still alive release their buffers
// directly when collected.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return tensor.DeviceErrorf("close", "%s device is closed", b.name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pool.Close()
	for _, p := range b.pipelines {
		p.Release()
	}
	for _, s := range b.shaders {
		s.Release()
	}
	b.pipelines, b.shaders = nil, nil
	b.queue.Release()
	b.device.Release()
	b.adapter.Release()
	b.instance.Release()
	logger.Log.Info("webgpu device closed", "name", b.name)
	return nil
}

// Synchronize waits for every submitted kernel by reading back a word.
func (b *Backend) Synchronize() error {
	if err := b.check("synchronize"); err != nil {
		return err
	}
	fence := b.upload(make([]byte, 4), storageUsage)
	defer fence.Release()
	_, err := b.read(fence, 4)
	return err
}

type deviceBuffer struct {
	pool     *bufferPool
	buf      *wgpu.Buffer
	size     int
	alloc    uint64
	released atomic.Bool
}

func (d *deviceBuffer) Size() int { return d.size }

func (d *deviceBuffer) Release() {
	if !d.released.CompareAndSwap(false, true) {
		return
	}
	metrics.RecordFree(tensor.WebGPU.String(), d.size)
	d.pool.Release(d.buf, d.alloc, storageUsage)
}

func bufferOf(s *tensor.Storage) *deviceBuffer {
	db, _ := s.Buffer().(*deviceBuffer)
	return db
}

func aligned(n int) uint64 {
	//nolint:gosec // G115: n is a non-negative byte count.
	return max(uint64(n+3)&^3, 4)
}

func (b *Backend) check(op string, ss ...*tensor.Storage) error {
	if b.closed.Load() {
		return tensor.DeviceErrorf(op, "%s device is closed", b.name)
	}
	for _, s := range ss {
		if s.Backend() != b || bufferOf(s) == nil {
			return tensor.DeviceErrorf(op, "storage belongs to %s, not %s", s.Backend().Name(), b.name)
		}
	}
	return nil
}

func (b *Backend) wrap(dt tensor.DType, count int, buf *wgpu.Buffer, alloc uint64) *tensor.Storage {
	size := count * dt.Size()
	metrics.RecordAlloc(tensor.WebGPU.String(), size)
	return tensor.NewDeviceStorage(b, dt, count, &deviceBuffer{pool: b.pool, buf: buf, size: size, alloc: alloc})
}

// upload creates a buffer holding data, padded to a whole number of words.
func (b *Backend) upload(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := aligned(len(data))
	buf := b.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: usage, Size: size, MappedAtCreation: wgpu.True})
	ptr := buf.GetMappedRange(0, size)
	//nolint:gosec // mapped range of size bytes.
	copy(unsafe.Slice((*byte)(ptr), size), data)
	buf.Unmap()
	return buf
}

// read copies the first size bytes of src back to the host.
func (b *Backend) read(src *wgpu.Buffer, size int) ([]byte, error) {
	n := aligned(size)
	staging := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  n,
	})
	defer staging.Release()

	b.mu.Lock()
	defer b.mu.Unlock()
	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, n)
	b.queue.Submit(encoder.Finish(nil))
	if err := staging.MapAsync(b.device, wgpu.MapModeRead, 0, n); err != nil {
		return nil, tensor.WrapError(tensor.KindDevice, "to_host", fmt.Errorf("map staging buffer: %w", err))
	}
	ptr := staging.GetMappedRange(0, n)
	out := make([]byte, size)
	//nolint:gosec // mapped range of n >= size bytes.
	copy(out, unsafe.Slice((*byte)(ptr), n))
	staging.Unmap()
	return out, nil
}

// Alloc returns zero-filled storage for n elements.
func (b *Backend) Alloc(dt tensor.DType, n int) (*tensor.Storage, error) {
	if n < 0 {
		return nil, tensor.ShapeErrorf("alloc", "negative element count %d", n)
	}
	return b.FromHost(dt, make([]byte, n*dt.Size()))
}

// FromHost copies data into a new device buffer.
func (b *Backend) FromHost(dt tensor.DType, data []byte) (*tensor.Storage, error) {
	if err := b.check("from_host"); err != nil {
		return nil, err
	}
	if err := checkDType("from_host", dt); err != nil {
		return nil, err
	}
	if len(data)%dt.Size() != 0 {
		return nil, tensor.ShapeErrorf("from_host", "%d bytes is not a whole number of %s elements", len(data), dt)
	}
	buf := b.upload(data, storageUsage)
	return b.wrap(dt, len(data)/dt.Size(), buf, aligned(len(data))), nil
}

// ToHost reads the whole storage back.
func (b *Backend) ToHost(s *tensor.Storage) ([]byte, error) {
	if err := b.check("to_host", s); err != nil {
		return nil, err
	}
	data, err := b.read(bufferOf(s).buf, s.ByteSize())
	runtime.KeepAlive(s)
	return data, err
}

// binding is one buffer bound to a kernel.
type binding struct {
	buf  *wgpu.Buffer
	size uint64
}

func (b *Backend) pipeline(kernel, code string) *wgpu.ComputePipeline {
	if p, ok := b.pipelines[kernel]; ok {
		return p
	}
	shader := b.device.CreateShaderModuleWGSL(code)
	p := b.device.CreateComputePipelineSimple(nil, shader, "main")
	b.shaders[kernel] = shader
	b.pipelines[kernel] = p
	return p
}

// dispatch encodes and submits one compute pass without waiting for it.
func (b *Backend) dispatch(kernel, code string, binds []binding, x, y, z uint32) {
	start := time.Now()
	b.mu.Lock()
	p := b.pipeline(kernel, code)
	entries := make([]wgpu.BindGroupEntry, len(binds))
	for i, bd := range binds {
		//nolint:gosec // G115: binding indices are tiny.
		entries[i] = wgpu.BufferBindingEntry(uint32(i), bd.buf, 0, bd.size)
	}
	group := b.device.CreateBindGroupSimple(p.GetBindGroupLayout(0), entries)
	encoder := b.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(p)
	pass.SetBindGroup(0, group, nil)
	pass.DispatchWorkgroups(x, y, z)
	pass.End()
	b.queue.Submit(encoder.Finish(nil))
	b.mu.Unlock()
	group.Release()
	metrics.RecordKernelDuration(tensor.WebGPU.String(), kernel, time.Since(start))
}

func words[T uint32 | int32](v []T) []byte {
	out := make([]byte, 4*len(v))
	for i, w := range v {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(w))
	}
	return out
}

// operand is a storage viewed through a layout.
type operand struct {
	s *tensor.Storage
	l tensor.Layout
}

// onDevice reports whether f32 kernels can walk every operand layout.
func onDevice(dt tensor.DType, ops ...operand) bool {
	if dt != tensor.F32 {
		return false
	}
	for _, op := range ops {
		if _, ok := gatherInfo(op.l, 0); !ok {
			return false
		}
	}
	return true
}

// dense returns a buffer holding op's elements contiguously from offset
// zero, and a release func for any temporary it created.
func (b *Backend) dense(op operand) (binding, func()) {
	db := bufferOf(op.s)
	if start, _, ok := op.l.ContiguousOffsets(); ok && start == 0 {
		return binding{db.buf, db.alloc}, func() {}
	}
	n := op.l.NumElements()
	x, y, row := grid(n)
	info, _ := gatherInfo(op.l, row)
	meta := b.upload(words(info), wgpu.BufferUsageStorage)
	out, alloc := b.pool.Acquire(aligned(4*n), storageUsage)
	b.dispatch("gather", gatherShader, []binding{
		{db.buf, db.alloc},
		{out, alloc},
		{meta, aligned(4 * len(info))},
	}, x, y, 1)
	meta.Release()
	return binding{out, alloc}, func() { b.pool.Release(out, alloc, storageUsage) }
}

// elementwise runs a kernel over threads invocations producing n elements
// of dt. extra words follow the count and row pitch in info.
func (b *Backend) elementwise(kernel, code string, dt tensor.DType, n, threads int, extra []uint32, ops ...operand) (*tensor.Storage, error) {
	ss := make([]*tensor.Storage, len(ops))
	for i, op := range ops {
		ss[i] = op.s
	}
	if err := b.check(kernel, ss...); err != nil {
		return nil, err
	}
	if n == 0 {
		return b.Alloc(dt, 0)
	}
	binds := make([]binding, 0, len(ops)+2)
	for _, op := range ops {
		bd, done := b.dense(op)
		defer done()
		binds = append(binds, bd)
	}
	out, alloc := b.pool.Acquire(aligned(n*dt.Size()), storageUsage)
	x, y, row := grid(threads)
	//nolint:gosec // G115: threads fits u32 once gridded.
	info := append([]uint32{uint32(threads), row}, extra...)
	meta := b.upload(words(info), wgpu.BufferUsageStorage)
	defer meta.Release()
	binds = append(binds, binding{out, alloc}, binding{meta, aligned(4 * len(info))})
	b.dispatch(kernel, code, binds, x, y, 1)
	runtime.KeepAlive(ss)
	return b.wrap(dt, n, out, alloc), nil
}

// onHost runs a host kernel over downloaded operands and uploads the result.
func (b *Backend) onHost(op string, out tensor.DType, fn func(in [][]byte) ([]byte, error), inputs ...*tensor.Storage) (*tensor.Storage, error) {
	if err := b.check(op, inputs...); err != nil {
		return nil, err
	}
	if err := checkDType(op, out); err != nil {
		return nil, err
	}
	start := time.Now()
	in := make([][]byte, len(inputs))
	for i, s := range inputs {
		data, err := b.ToHost(s)
		if err != nil {
			return nil, err
		}
		in[i] = data
	}
	res, err := fn(in)
	if err != nil {
		return nil, err
	}
	s, err := b.FromHost(out, res)
	metrics.RecordKernelDuration(tensor.WebGPU.String(), op, time.Since(start))
	return s, err
}

// Unary applies op element-wise.
func (b *Backend) Unary(op tensor.UnaryOp, s *tensor.Storage, l tensor.Layout) (*tensor.Storage, error) {
	kernel := "unary." + op.String()
	if !onDevice(s.DType(), operand{s, l}) {
		return b.onHost(kernel, s.DType(), func(in [][]byte) ([]byte, error) {
			return b.host.Unary(op, s.DType(), in[0], l)
		}, s)
	}
	n := l.NumElements()
	return b.elementwise(kernel, unaryShader(op), tensor.F32, n, n, nil, operand{s, l})
}

// Affine computes s*mul + add.
func (b *Backend) Affine(s *tensor.Storage, l tensor.Layout, mul, add float64) (*tensor.Storage, error) {
	if !onDevice(s.DType(), operand{s, l}) {
		return b.onHost("affine", s.DType(), func(in [][]byte) ([]byte, error) {
			return b.host.Affine(s.DType(), in[0], l, mul, add), nil
		}, s)
	}
	n := l.NumElements()
	extra := []uint32{math.Float32bits(float32(mul)), math.Float32bits(float32(add))}
	return b.elementwise("affine", affineShader, tensor.F32, n, n, extra, operand{s, l})
}

// Powf raises every element to exp on the host, where negative bases with
// integral exponents are defined.
func (b *Backend) Powf(s *tensor.Storage, l tensor.Layout, exp float64) (*tensor.Storage, error) {
	return b.onHost("powf", s.DType(), func(in [][]byte) ([]byte, error) {
		return b.host.Powf(s.DType(), in[0], l, exp), nil
	}, s)
}

// Binary applies op to two broadcast layouts.
func (b *Backend) Binary(op tensor.BinaryOp, lhs *tensor.Storage, ll tensor.Layout, rhs *tensor.Storage, rl tensor.Layout) (*tensor.Storage, error) {
	kernel := "binary." + op.String()
	if !onDevice(lhs.DType(), operand{lhs, ll}, operand{rhs, rl}) {
		return b.onHost(kernel, lhs.DType(), func(in [][]byte) ([]byte, error) {
			return b.host.Binary(op, lhs.DType(), in[0], ll, in[1], rl)
		}, lhs, rhs)
	}
	n := ll.NumElements()
	return b.elementwise(kernel, binaryShader(op), tensor.F32, n, n, nil, operand{lhs, ll}, operand{rhs, rl})
}

// Compare applies op and returns U8 storage.
func (b *Backend) Compare(op tensor.CmpOp, lhs *tensor.Storage, ll tensor.Layout, rhs *tensor.Storage, rl tensor.Layout) (*tensor.Storage, error) {
	kernel := "compare." + op.String()
	if !onDevice(lhs.DType(), operand{lhs, ll}, operand{rhs, rl}) {
		return b.onHost(kernel, tensor.U8, func(in [][]byte) ([]byte, error) {
			return b.host.Compare(op, lhs.DType(), in[0], ll, in[1], rl)
		}, lhs, rhs)
	}
	n := ll.NumElements()
	//nolint:gosec // G115: n is a non-negative element count.
	return b.elementwise(kernel, compareShader(op), tensor.U8, n, (n+3)/4, []uint32{uint32(n)}, operand{lhs, ll}, operand{rhs, rl})
}

// Reduce reduces axes on the host so sums accumulate in f64 as on the
// other devices.
func (b *Backend) Reduce(op tensor.ReduceOp, s *tensor.Storage, l tensor.Layout, axes []int) (*tensor.Storage, error) {
	out := s.DType()
	if op == tensor.ReduceArgMax || op == tensor.ReduceArgMin {
		out = tensor.U32
	}
	return b.onHost("reduce."+op.String(), out, func(in [][]byte) ([]byte, error) {
		return b.host.Reduce(op, s.DType(), in[0], l, axes)
	}, s)
}

// Where selects between t and f by cond.
func (b *Backend) Where(cond *tensor.Storage, cl tensor.Layout, t *tensor.Storage, tl tensor.Layout, f *tensor.Storage, fl tensor.Layout) (*tensor.Storage, error) {
	return b.onHost("where", t.DType(), func(in [][]byte) ([]byte, error) {
		return b.host.Where(cond.DType(), in[0], cl, t.DType(), in[1], tl, in[2], fl), nil
	}, cond, t, f)
}

// Cast converts to dt, which must be a dtype the device holds.
func (b *Backend) Cast(s *tensor.Storage, l tensor.Layout, dt tensor.DType) (*tensor.Storage, error) {
	return b.onHost("cast", dt, func(in [][]byte) ([]byte, error) {
		return b.host.Cast(s.DType(), in[0], l, dt), nil
	}, s)
}

// MatMul multiplies batched matrices.
func (b *Backend) MatMul(lhs *tensor.Storage, ll tensor.Layout, rhs *tensor.Storage, rl tensor.Layout) (*tensor.Storage, error) {
	ls, rs := ll.Shape(), rl.Shape()
	if len(ls) < 2 || len(rs) != len(ls) {
		return nil, tensor.ShapeErrorf("matmul", "operands %v and %v", ls, rs)
	}
	m, k, n := ls[len(ls)-2], ls[len(ls)-1], rs[len(rs)-1]
	batch := ls[:len(ls)-2].NumElements()
	gx, gy := (n+matmulTile-1)/matmulTile, (m+matmulTile-1)/matmulTile
	if !onDevice(lhs.DType(), operand{lhs, ll}, operand{rhs, rl}) || gx > maxGroups || gy > maxGroups || batch > maxGroups {
		return b.onHost("matmul", lhs.DType(), func(in [][]byte) ([]byte, error) {
			return b.host.MatMul(lhs.DType(), in[0], ll, in[1], rl)
		}, lhs, rhs)
	}
	if err := b.check("matmul", lhs, rhs); err != nil {
		return nil, err
	}
	count := batch * m * n
	if count == 0 {
		return b.Alloc(tensor.F32, 0)
	}
	a, doneA := b.dense(operand{lhs, ll})
	defer doneA()
	c, doneC := b.dense(operand{rhs, rl})
	defer doneC()
	out, alloc := b.pool.Acquire(aligned(4*count), storageUsage)
	//nolint:gosec // G115: dims are bounded by maxGroups*matmulTile.
	info := []uint32{uint32(batch), uint32(m), uint32(k), uint32(n)}
	meta := b.upload(words(info), wgpu.BufferUsageStorage)
	defer meta.Release()
	//nolint:gosec // G115: group counts checked against maxGroups.
	b.dispatch("matmul", matmulShader, []binding{a, c, {out, alloc}, {meta, 16}}, uint32(max(gx, 1)), uint32(max(gy, 1)), uint32(max(batch, 1)))
	runtime.KeepAlive(lhs)
	runtime.KeepAlive(rhs)
	return b.wrap(tensor.F32, count, out, alloc), nil
}

// Conv2D convolves NCHW input with an OIHW kernel on the host.
func (b *Backend) Conv2D(input *tensor.Storage, il tensor.Layout, kernel *tensor.Storage, kl tensor.Layout, p tensor.ConvParams) (*tensor.Storage, error) {
	return b.onHost("conv2d", input.DType(), func(in [][]byte) ([]byte, error) {
		return b.host.Conv2D(input.DType(), in[0], il, in[1], kl, p)
	}, input, kernel)
}

// IndexSelect gathers entries of dim listed in ids.
func (b *Backend) IndexSelect(src *tensor.Storage, sl tensor.Layout, ids *tensor.Storage, il tensor.Layout, dim int) (*tensor.Storage, error) {
	return b.onHost("index_select", src.DType(), func(in [][]byte) ([]byte, error) {
		return b.host.IndexSelect(src.DType(), in[0], sl, ids.DType(), in[1], il, dim)
	}, src, ids)
}

// CopyInto writes src into dst at the positions of dl. dst keeps its buffer.
func (b *Backend) CopyInto(src *tensor.Storage, sl tensor.Layout, dst *tensor.Storage, dl tensor.Layout) error {
	if err := b.check("copy_into", src, dst); err != nil {
		return err
	}
	if src.DType() != dst.DType() {
		return tensor.DtypeErrorf("copy_into", "dtype %s into %s", src.DType(), dst.DType())
	}
	if lo, hi, ok := dl.OffsetRange(); ok && (lo < 0 || hi >= dst.Count()) {
		return tensor.IndexErrorf("copy_into", "destination %v outside storage of %d elements", dl, dst.Count())
	}
	start := time.Now()
	from, err := b.ToHost(src)
	if err != nil {
		return err
	}
	into, err := b.ToHost(dst)
	if err != nil {
		return err
	}
	if err := b.host.CopyInto(src.DType(), from, sl, into, dl); err != nil {
		return err
	}
	staging := b.upload(into, wgpu.BufferUsageCopySrc)
	defer staging.Release()
	db := bufferOf(dst)
	b.mu.Lock()
	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, db.buf, 0, aligned(len(into)))
	b.queue.Submit(encoder.Finish(nil))
	b.mu.Unlock()
	runtime.KeepAlive(dst)
	metrics.RecordKernelDuration(tensor.WebGPU.String(), "copy_into", time.Since(start))
	return nil
}
