// Package sim is an in-process accelerator that implements device.Runtime on
// host memory. Every stream is a goroutine draining a task queue, device
// memory is a set of byte slices behind fake addresses, and kernels are Go
// functions registered by name. Faults can be injected through Faults.
package sim

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/status"
)

const (
	// DefaultCapacity is the simulated device memory size.
	DefaultCapacity int64 = 256 << 20
	// DefaultMaxStreams bounds how many streams the device can hold at once.
	DefaultMaxStreams = 16

	addrBase  uint64 = 0x1_0000_0000
	addrAlign uint64 = 512
	// addrGuard keeps consecutive allocations from being adjacent so that an
	// out-of-bounds access resolves to nothing instead of a neighbour.
	addrGuard uint64 = 4096
)

type block struct {
	addr uint64
	data []byte
	// args blocks back launch argument buffers; they are not accounted
	// against the device capacity.
	args bool
}

// Stats is a snapshot of device activity counters.
type Stats struct {
	Mallocs        int64
	MallocFailures int64
	Frees          int64
	Copies         int64
	BatchCopies    int64
	Launches       int64
	Syncs          int64
	StreamsCreated int64
}

type counters struct {
	mallocs, mallocFailures, frees, copies, batchCopies, launches, syncs, streamsCreated atomic.Int64
}

// Device is the simulated accelerator.
type Device struct {
	id         int
	capacity   int64
	maxStreams int
	queueDepth int

	mu     sync.Mutex
	used   int64
	next   uint64
	blocks map[uint64]*block
	starts []uint64

	streams    map[device.Stream]*stream
	events     map[device.Event]*event
	kernels    map[device.KernelHandle]*kernel
	impls      map[string]KernelFunc
	nextHandle uint64

	faults *Faults
	stats  counters
}

var _ device.Runtime = (*Device)(nil)

// Installer is implemented by kernel modules that bring host
// implementations for the simulated device.
type Installer interface {
	Install(d *Device)
}

// Option configures a Device.
type Option func(*Device)

// WithDeviceID sets the reported device id.
func WithDeviceID(id int) Option {
	return func(d *Device) { d.id = id }
}

// WithCapacity sets the device memory size in bytes.
func WithCapacity(bytes int64) Option {
	return func(d *Device) {
		if bytes > 0 {
			d.capacity = bytes
		}
	}
}

// WithMaxStreams sets how many streams may exist at the same time.
func WithMaxStreams(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.maxStreams = n
		}
	}
}

// WithQueueDepth sets the per-stream task queue depth.
func WithQueueDepth(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.queueDepth = n
		}
	}
}

// New creates a simulated device.
func New(opts ...Option) *Device {
	d := &Device{
		capacity:   DefaultCapacity,
		maxStreams: DefaultMaxStreams,
		queueDepth: 1024,
		next:       addrBase,
		blocks:     make(map[uint64]*block),
		streams:    make(map[device.Stream]*stream),
		events:     make(map[device.Event]*event),
		kernels:    make(map[device.KernelHandle]*kernel),
		impls:      make(map[string]KernelFunc),
		faults:     newFaults(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Faults returns the fault-injection seam of this device.
func (d *Device) Faults() *Faults {
	return d.faults
}

// Stats returns a snapshot of the activity counters.
func (d *Device) Stats() Stats {
	return Stats{
		Mallocs:        d.stats.mallocs.Load(),
		MallocFailures: d.stats.mallocFailures.Load(),
		Frees:          d.stats.frees.Load(),
		Copies:         d.stats.copies.Load(),
		BatchCopies:    d.stats.batchCopies.Load(),
		Launches:       d.stats.launches.Load(),
		Syncs:          d.stats.syncs.Load(),
		StreamsCreated: d.stats.streamsCreated.Load(),
	}
}

func (d *Device) DeviceID() int {
	return d.id
}

func (d *Device) AvailableStreams() int {
	d.mu.Lock()
	open := len(d.streams)
	d.mu.Unlock()

	avail := d.maxStreams - open
	if limit, ok := d.faults.streamLimit(); ok && limit < avail {
		avail = limit
	}
	if avail < 0 {
		return 0
	}
	return avail
}

func (d *Device) MemInfo() device.MemInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return device.MemInfo{Free: d.capacity - d.used, Total: d.capacity}
}

func (d *Device) Malloc(size int64) (uint64, error) {
	if size <= 0 {
		return 0, status.New(status.ParamInvalid, "malloc", errors.Errorf("invalid size %d", size))
	}
	if d.faults.takeMallocFailure() {
		d.stats.mallocFailures.Add(1)
		return 0, status.New(status.MemoryAllocationFailed, "malloc", errors.Errorf("injected failure for %d bytes", size))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+size > d.capacity {
		d.stats.mallocFailures.Add(1)
		return 0, status.New(status.MemoryAllocationFailed, "malloc",
			errors.Errorf("out of memory: want %d bytes, %d of %d in use", size, d.used, d.capacity))
	}
	b := d.placeLocked(size, false)
	d.used += size
	d.stats.mallocs.Add(1)
	return b.addr, nil
}

func (d *Device) Free(addr uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blocks[addr]
	if !ok || b.args {
		return status.New(status.ParamInvalid, "free", errors.Errorf("address %#x is not an allocation", addr))
	}
	d.removeLocked(b)
	d.used -= int64(len(b.data))
	d.stats.frees.Add(1)
	return nil
}

func (d *Device) placeLocked(size int64, args bool) *block {
	addr := d.next
	b := &block{addr: addr, data: make([]byte, size), args: args}
	end := addr + uint64(size) + addrGuard
	d.next = (end + addrAlign - 1) &^ (addrAlign - 1)
	d.blocks[addr] = b
	// Addresses only grow, so appending keeps starts sorted.
	d.starts = append(d.starts, addr)
	return b
}

func (d *Device) removeLocked(b *block) {
	delete(d.blocks, b.addr)
	i := sort.Search(len(d.starts), func(i int) bool { return d.starts[i] >= b.addr })
	if i < len(d.starts) && d.starts[i] == b.addr {
		d.starts = append(d.starts[:i], d.starts[i+1:]...)
	}
}

// resolve returns the allocation that contains addr and the offset of addr
// inside it.
func (d *Device) resolve(addr uint64) (*block, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.starts), func(i int) bool { return d.starts[i] > addr })
	if i == 0 {
		return nil, 0, errors.Errorf("address %#x is not mapped", addr)
	}
	b := d.blocks[d.starts[i-1]]
	off := int64(addr - b.addr)
	if off >= int64(len(b.data)) {
		return nil, 0, errors.Errorf("address %#x is not mapped", addr)
	}
	return b, off, nil
}

// view returns n bytes of device memory starting at addr.
func (d *Device) view(addr uint64, n int64) ([]byte, error) {
	b, off, err := d.resolve(addr)
	if err != nil {
		return nil, err
	}
	if n < 0 || off+n > int64(len(b.data)) {
		return nil, errors.Errorf("range %#x+%d overruns allocation %#x of %d bytes", addr, n, b.addr, len(b.data))
	}
	return b.data[off : off+n], nil
}

// tail returns the bytes from addr to the end of its allocation.
func (d *Device) tail(addr uint64) ([]byte, error) {
	b, off, err := d.resolve(addr)
	if err != nil {
		return nil, err
	}
	return b.data[off:], nil
}

// Peek copies device memory out synchronously. It bypasses streams and is
// meant for tests and diagnostics.
func (d *Device) Peek(addr uint64, n int64) ([]byte, error) {
	v, err := d.view(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (d *Device) MemcpyH2D(s device.Stream, dst uint64, src []byte) error {
	st, err := d.stream(s, "memcpy h2d")
	if err != nil {
		return err
	}
	if d.faults.takeCopyFailure() {
		return status.New(status.Internal, "memcpy h2d", errors.Errorf("injected copy failure to %#x", dst))
	}
	if _, err := d.view(dst, int64(len(src))); err != nil {
		return status.New(status.ParamInvalid, "memcpy h2d", err)
	}
	d.stats.copies.Add(1)
	snapshot := append([]byte(nil), src...)
	return st.enqueue(func() error {
		v, err := d.view(dst, int64(len(snapshot)))
		if err != nil {
			return status.New(status.Internal, "memcpy h2d", err)
		}
		copy(v, snapshot)
		return nil
	})
}

func (d *Device) MemcpyBatchH2D(s device.Stream, items []device.CopyItem) error {
	if d.faults.batchCopyDisabled() {
		return status.New(status.FeatureNotSupported, "memcpy batch", errors.New("batched host to device copy is not supported"))
	}
	st, err := d.stream(s, "memcpy batch")
	if err != nil {
		return err
	}
	snapshots := make([]device.CopyItem, len(items))
	for i, it := range items {
		if _, err := d.view(it.Dst, int64(len(it.Src))); err != nil {
			return status.New(status.ParamInvalid, "memcpy batch", errors.WithMessagef(err, "item %d", i))
		}
		snapshots[i] = device.CopyItem{Dst: it.Dst, Src: append([]byte(nil), it.Src...)}
	}
	d.stats.batchCopies.Add(1)
	return st.enqueue(func() error {
		for _, it := range snapshots {
			v, err := d.view(it.Dst, int64(len(it.Src)))
			if err != nil {
				return status.New(status.Internal, "memcpy batch", err)
			}
			copy(v, it.Src)
		}
		return nil
	})
}

func (d *Device) MemcpyD2H(s device.Stream, dst []byte, src uint64) error {
	st, err := d.stream(s, "memcpy d2h")
	if err != nil {
		return err
	}
	if _, err := d.view(src, int64(len(dst))); err != nil {
		return status.New(status.ParamInvalid, "memcpy d2h", err)
	}
	d.stats.copies.Add(1)
	return st.enqueue(func() error {
		v, err := d.view(src, int64(len(dst)))
		if err != nil {
			return status.New(status.Internal, "memcpy d2h", err)
		}
		copy(dst, v)
		return nil
	})
}

func (d *Device) MemcpyD2D(s device.Stream, dst, src uint64, size int64) error {
	st, err := d.stream(s, "memcpy d2d")
	if err != nil {
		return err
	}
	if _, err := d.view(src, size); err != nil {
		return status.New(status.ParamInvalid, "memcpy d2d", err)
	}
	if _, err := d.view(dst, size); err != nil {
		return status.New(status.ParamInvalid, "memcpy d2d", err)
	}
	d.stats.copies.Add(1)
	return st.enqueue(func() error {
		from, err := d.view(src, size)
		if err != nil {
			return status.New(status.Internal, "memcpy d2d", err)
		}
		to, err := d.view(dst, size)
		if err != nil {
			return status.New(status.Internal, "memcpy d2d", err)
		}
		copy(to, from)
		return nil
	})
}

func waitTimeout(ctx context.Context, done <-chan struct{}, timeout time.Duration, op string) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-done:
		return nil
	case <-expired:
		return status.New(status.StreamSyncTimeout, op, errors.Errorf("not done after %s", timeout))
	case <-ctx.Done():
		return status.New(status.Stopped, op, ctx.Err())
	}
}
