// Package fused provides FusedAddMul, a mix kernel computing (a+b)*b. Its
// AI-core variant adds and its vector-core variant multiplies in place.
package fused

import (
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/device/sim"
	"github.com/vk/hybridrt/internal/registry"
	"github.com/vk/hybridrt/modules/elementwise"
)

const (
	kernelName = "fused_addmul"
	aicVariant = kernelName + "_mix_aic"
	aivVariant = kernelName + "_mix_aiv"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register registers the binary and op functions.
func (m *Module) Register(r *registry.Registry) {
	r.Kernels.AddBinary(device.KernelBinary{
		Name:      kernelName,
		Engine:    device.Mix,
		Functions: []string{aicVariant, aivVariant},
		Data:      make([]byte, 600),
	})
	r.Ops.Register("FusedAddMul", registry.OpFuncs{InferShape: elementwise.InferSameShape, Tiling: elementwise.Tiling})
}

// Install binds the host implementations on the simulated device.
func (m *Module) Install(d *sim.Device) {
	d.RegisterImpl(aicVariant, elementwise.Binary(func(a, b float32) float32 { return a + b }))
	d.RegisterImpl(aivVariant, mulOutputByB)
}

func mulOutputByB(k *sim.KernelContext) error {
	n, err := k.TilingWord(0)
	if err != nil {
		return err
	}
	b, err := k.Slot(1)
	if err != nil {
		return err
	}
	out, err := k.Slot(2)
	if err != nil {
		return err
	}
	bv, err := k.Float32s(b, int64(n))
	if err != nil {
		return err
	}
	ov, err := k.Float32s(out, int64(n))
	if err != nil {
		return err
	}
	for i := range ov {
		ov[i] *= bv[i]
	}
	return k.PutFloat32s(out, ov)
}
