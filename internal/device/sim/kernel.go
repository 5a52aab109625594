package sim

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/status"
)

// KernelFunc is the host implementation of a device function.
type KernelFunc func(k *KernelContext) error

type kernel struct {
	bin     device.KernelBinary
	entries map[string]device.KernelEntry
}

// KernelContext is what a running kernel sees: its patched argument buffer
// and the device memory behind the addresses in it.
type KernelContext struct {
	dev *Device

	Function  string
	TaskID    uint64
	TilingKey uint64
	BlockDim  uint32
	ArgsBase  uint64
	Args      []byte
	Ex        device.ArgsEx
}

// Slot reads the i-th address slot of the argument buffer.
func (k *KernelContext) Slot(i int) (uint64, error) {
	return device.Addr(k.Args, int64(i)*device.AddrSize)
}

// Tiling returns n bytes of tiling data through the tiling address slot.
func (k *KernelContext) Tiling(n int64) ([]byte, error) {
	if !k.Ex.HasTiling {
		return nil, errors.Errorf("%s has no tiling region", k.Function)
	}
	addr, err := device.Addr(k.Args, k.Ex.TilingAddrOffset)
	if err != nil {
		return nil, err
	}
	return k.dev.view(addr, n)
}

// TilingWord reads the i-th little-endian 64-bit word of the tiling data.
func (k *KernelContext) TilingWord(i int) (uint64, error) {
	data, err := k.Tiling(int64(i+1) * 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data[i*8:]), nil
}

// Mem returns a writable view of n bytes of device memory at addr.
func (k *KernelContext) Mem(addr uint64, n int64) ([]byte, error) {
	return k.dev.view(addr, n)
}

// Tail returns the bytes between addr and the end of its allocation.
func (k *KernelContext) Tail(addr uint64) ([]byte, error) {
	return k.dev.tail(addr)
}

// Float32s decodes n little-endian float32 values at addr.
func (k *KernelContext) Float32s(addr uint64, n int64) ([]float32, error) {
	raw, err := k.dev.view(addr, n*4)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// PutFloat32s encodes vals at addr.
func (k *KernelContext) PutFloat32s(addr uint64, vals []float32) error {
	raw, err := k.dev.view(addr, int64(len(vals))*4)
	if err != nil {
		return err
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return nil
}

// RegisterImpl binds a host implementation to a device function name. A
// binary can only be registered once all of its functions have one.
func (d *Device) RegisterImpl(function string, fn KernelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.impls[function] = fn
}

func (d *Device) RegisterKernel(bin device.KernelBinary) (device.KernelHandle, error) {
	const op = "register kernel"
	if bin.Name == "" {
		return 0, status.New(status.ParamInvalid, op, errors.New("binary has no name"))
	}
	functions := bin.Functions
	if len(functions) == 0 {
		functions = []string{bin.Name}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	h := device.KernelHandle(d.nextHandle)
	k := &kernel{bin: bin, entries: make(map[string]device.KernelEntry, len(functions))}
	for i, fn := range functions {
		if _, ok := d.impls[fn]; !ok {
			return 0, status.New(status.ParamInvalid, op, errors.Errorf("binary %s: function %s has no implementation", bin.Name, fn))
		}
		k.entries[fn] = device.KernelEntry{
			Name:          fn,
			PC:            uint64(h)<<32 | uint64(i+1)<<8,
			PrefetchCount: uint32(len(bin.Data)/256) + 1,
		}
	}
	k.bin.Functions = functions
	d.kernels[h] = k
	return h, nil
}

func (d *Device) UnregisterKernel(h device.KernelHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.kernels[h]; !ok {
		return status.New(status.ParamInvalid, "unregister kernel", errors.Errorf("unknown kernel handle %d", h))
	}
	delete(d.kernels, h)
	return nil
}

func (d *Device) KernelEntry(h device.KernelHandle, function string) (device.KernelEntry, error) {
	const op = "kernel entry"
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.kernels[h]
	if !ok {
		return device.KernelEntry{}, status.New(status.ParamInvalid, op, errors.Errorf("unknown kernel handle %d", h))
	}
	e, ok := k.entries[function]
	if !ok {
		return device.KernelEntry{}, status.New(status.ParamInvalid, op, errors.Errorf("binary %s has no function %s", k.bin.Name, function))
	}
	return e, nil
}

// functionsFor resolves which device functions one launch runs.
func (d *Device) functionsFor(p *device.LaunchParams) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.kernels[p.Handle]
	if !ok {
		return nil, errors.Errorf("unknown kernel handle %d", p.Handle)
	}
	if p.Engine == device.Mix {
		if len(p.MixEntries) == 0 {
			return nil, errors.Errorf("mix launch of %s without sub-kernel entries", k.bin.Name)
		}
		fns := make([]string, 0, len(p.MixEntries))
		for _, e := range p.MixEntries {
			known, ok := k.entries[e.Name]
			if !ok || known.PC != e.PC {
				return nil, errors.Errorf("mix entry %s does not match binary %s", e.Name, k.bin.Name)
			}
			fns = append(fns, e.Name)
		}
		return fns, nil
	}
	fn := p.Function
	if fn == "" {
		fn = k.bin.Name
	}
	if _, ok := k.entries[fn]; !ok {
		return nil, errors.Errorf("binary %s has no function %s", k.bin.Name, fn)
	}
	return []string{fn}, nil
}

// Launch validates the launch synchronously and queues the kernel on s. The
// argument buffer is copied into a device block and its relative slots are
// patched before the kernel runs.
func (d *Device) Launch(s device.Stream, p *device.LaunchParams) error {
	const op = "launch"
	if p == nil {
		return status.New(status.ParamInvalid, op, errors.New("nil launch params"))
	}
	st, err := d.stream(s, op)
	if err != nil {
		return err
	}
	fns, err := d.functionsFor(p)
	if err != nil {
		return status.New(status.KernelLaunchFailed, op, err)
	}
	for _, fn := range fns {
		if d.faults.launchFails(fn) {
			return status.New(status.KernelLaunchFailed, op, errors.Errorf("injected launch failure of %s", fn))
		}
	}

	size := int64(len(p.Args))
	if size < device.AddrSize {
		size = device.AddrSize
	}
	d.mu.Lock()
	b := d.placeLocked(size, true)
	d.mu.Unlock()
	copy(b.data, p.Args)
	if err := p.Ex.Patch(b.data, b.addr); err != nil {
		d.releaseArgs(b)
		return status.New(status.KernelLaunchFailed, op, errors.WithMessage(err, "patch args"))
	}
	d.stats.launches.Add(1)

	params := *p
	err = st.enqueue(func() error {
		defer d.releaseArgs(b)
		for _, fn := range fns {
			if err := d.runKernel(fn, &params, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.releaseArgs(b)
	}
	return err
}

func (d *Device) runKernel(fn string, p *device.LaunchParams, args *block) error {
	exec := d.faults.onRun(fn)
	if exec.delay > 0 {
		time.Sleep(exec.delay)
	}
	if exec.eos {
		return status.New(status.EndOfSequence, "kernel "+fn, nil)
	}
	if exec.fault {
		return status.New(status.KernelFault, "kernel "+fn, &device.FaultError{TaskID: p.TaskID, Function: fn, Reason: "injected fault"})
	}

	d.mu.Lock()
	impl := d.impls[fn]
	d.mu.Unlock()
	kc := &KernelContext{
		dev:       d,
		Function:  fn,
		TaskID:    p.TaskID,
		TilingKey: p.TilingKey,
		BlockDim:  p.BlockDim,
		ArgsBase:  args.addr,
		Args:      args.data,
		Ex:        p.Ex,
	}
	if err := impl(kc); err != nil {
		return status.New(status.KernelFault, "kernel "+fn, &device.FaultError{TaskID: p.TaskID, Function: fn, Reason: err.Error()})
	}
	return nil
}

func (d *Device) releaseArgs(b *block) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blocks[b.addr]; ok {
		d.removeLocked(b)
	}
}
