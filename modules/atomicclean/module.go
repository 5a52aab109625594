// Package atomicclean provides the zero-initialisation kernel run before
// nodes that accumulate into their outputs.
package atomicclean

import (
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/device/sim"
	"github.com/vk/hybridrt/internal/optask"
	"github.com/vk/hybridrt/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register registers the binary. The op type has no tiling.
func (m *Module) Register(r *registry.Registry) {
	r.Kernels.AddBinary(device.KernelBinary{Name: optask.AtomicCleanKernel, Engine: device.AICore, Data: []byte("clean")})
	r.Ops.Register("AtomicAddrClean", registry.OpFuncs{})
}

// Install binds the host implementation on the simulated device.
func (m *Module) Install(d *sim.Device) {
	d.RegisterImpl(optask.AtomicCleanKernel, clean)
}

// clean zeroes every allocation an address slot points into, from the
// address to the end of the allocation.
func clean(k *sim.KernelContext) error {
	for i := 0; i < len(k.Args)/device.AddrSize; i++ {
		addr, err := k.Slot(i)
		if err != nil {
			return err
		}
		if addr == 0 {
			continue
		}
		mem, err := k.Tail(addr)
		if err != nil {
			return err
		}
		clear(mem)
	}
	return nil
}
