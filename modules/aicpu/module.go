// Package aicpu provides CPU-side kernels. Scale multiplies a tensor by a
// scalar factor that is passed inline as a host-mem input.
package aicpu

import (
	"fmt"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/device/sim"
	"github.com/vk/hybridrt/internal/registry"
	"github.com/vk/hybridrt/internal/tensor"
	"github.com/vk/hybridrt/modules/elementwise"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register registers the binaries and op functions.
func (m *Module) Register(r *registry.Registry) {
	r.Kernels.AddBinary(device.KernelBinary{Name: "scale", Engine: device.AICPU, Data: []byte("scale")})
	r.Kernels.AddBinary(device.KernelBinary{Name: "scale_cc", Engine: device.AICPU, Data: []byte("scale_cc")})
	funcs := registry.OpFuncs{InferShape: inferScale, Tiling: elementwise.Tiling}
	r.Ops.Register("Scale", funcs)
	r.Ops.Register("ScaleCC", funcs)
}

// Install binds the host implementations on the simulated device.
func (m *Module) Install(d *sim.Device) {
	d.RegisterImpl("scale", scale)
	d.RegisterImpl("scale_cc", scale)
}

func inferScale(inputs []tensor.Desc) ([]tensor.Shape, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("scale takes 2 inputs, got %d", len(inputs))
	}
	n, err := inputs[1].Shape.NumElements()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, fmt.Errorf("scale factor must have one element, has %d", n)
	}
	return []tensor.Shape{inputs[0].Shape.Clone()}, nil
}

func scale(k *sim.KernelContext) error {
	n, err := k.TilingWord(0)
	if err != nil {
		return err
	}
	x, err := k.Slot(0)
	if err != nil {
		return err
	}
	f, err := k.Slot(1)
	if err != nil {
		return err
	}
	out, err := k.Slot(2)
	if err != nil {
		return err
	}
	factor, err := k.Float32s(f, 1)
	if err != nil {
		return fmt.Errorf("factor: %w", err)
	}
	vals, err := k.Float32s(x, int64(n))
	if err != nil {
		return err
	}
	for i := range vals {
		vals[i] *= factor[0]
	}
	return k.PutFloat32s(out, vals)
}
