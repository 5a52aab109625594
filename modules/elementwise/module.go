// Package elementwise provides the float32 element-wise AI-core kernels:
// Add, Mul, AssignAdd and Identity.
package elementwise

import (
	"encoding/binary"
	"fmt"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/device/sim"
	"github.com/vk/hybridrt/internal/registry"
	"github.com/vk/hybridrt/internal/tensor"
)

// TilingKey is reported by every element-wise tiling.
const TilingKey uint64 = 1

// elementsPerBlock sizes BlockDim.
const elementsPerBlock = 256

// Module implements the registry.Module interface for this package.
type Module struct{}

var (
	_ registry.Module = (*Module)(nil)
	_ sim.Installer   = (*Module)(nil)
)

// Register registers the binaries and op functions.
func (m *Module) Register(r *registry.Registry) {
	for _, name := range []string{"add", "mul", "assignadd", "identity"} {
		r.Kernels.AddBinary(device.KernelBinary{Name: name, Engine: device.AICore, Data: []byte(name)})
	}
	binaryOp := registry.OpFuncs{InferShape: InferSameShape, Tiling: Tiling}
	r.Ops.Register("Add", binaryOp)
	r.Ops.Register("Mul", binaryOp)
	r.Ops.Register("AssignAdd", registry.OpFuncs{
		InferShape: InferSameShape,
		Tiling:     Tiling,
		Aliases:    map[int]int{0: 0},
	})
	r.Ops.Register("Identity", registry.OpFuncs{InferShape: InferSameShape, Tiling: Tiling})
}

// Install binds the host implementations on the simulated device.
func (m *Module) Install(d *sim.Device) {
	d.RegisterImpl("add", Binary(func(a, b float32) float32 { return a + b }))
	d.RegisterImpl("mul", Binary(func(a, b float32) float32 { return a * b }))
	// assignadd's output slot holds the address of its first input.
	d.RegisterImpl("assignadd", Binary(func(a, b float32) float32 { return a + b }))
	d.RegisterImpl("identity", identity)
}

// InferSameShape gives every op one output shaped like its inputs, which
// must all agree.
func InferSameShape(inputs []tensor.Desc) ([]tensor.Shape, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs")
	}
	for i, in := range inputs[1:] {
		if !in.Shape.Equal(inputs[0].Shape) {
			return nil, fmt.Errorf("input %d shape %s does not match %s", i+1, in.Shape, inputs[0].Shape)
		}
	}
	return []tensor.Shape{inputs[0].Shape.Clone()}, nil
}

// Tiling encodes the element count of the first output as the tiling data.
func Tiling(tc *registry.TilingContext) (registry.TilingResult, error) {
	if len(tc.Outputs) == 0 {
		return registry.TilingResult{}, fmt.Errorf("%s has no outputs", tc.OpType)
	}
	n, err := tc.Outputs[0].Shape.NumElements()
	if err != nil {
		return registry.TilingResult{}, err
	}
	if tc.MaxTilingSize < 8 {
		return registry.TilingResult{}, fmt.Errorf("tiling needs 8 bytes, max is %d", tc.MaxTilingSize)
	}
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(n))
	return registry.TilingResult{
		TilingKey: TilingKey,
		BlockDim:  uint32((n + elementsPerBlock - 1) / elementsPerBlock),
		Data:      data,
	}, nil
}

// Binary builds a kernel reading inputs 0 and 1 and writing output 0. The
// argument buffer holds the two input slots then the output slot.
func Binary(fn func(a, b float32) float32) sim.KernelFunc {
	return func(k *sim.KernelContext) error {
		n, err := k.TilingWord(0)
		if err != nil {
			return err
		}
		addrs := make([]uint64, 3)
		for i := range addrs {
			if addrs[i], err = k.Slot(i); err != nil {
				return err
			}
		}
		a, err := k.Float32s(addrs[0], int64(n))
		if err != nil {
			return fmt.Errorf("input 0: %w", err)
		}
		b, err := k.Float32s(addrs[1], int64(n))
		if err != nil {
			return fmt.Errorf("input 1: %w", err)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = fn(a[i], b[i])
		}
		return k.PutFloat32s(addrs[2], out)
	}
}

func identity(k *sim.KernelContext) error {
	n, err := k.TilingWord(0)
	if err != nil {
		return err
	}
	src, err := k.Slot(0)
	if err != nil {
		return err
	}
	dst, err := k.Slot(1)
	if err != nil {
		return err
	}
	vals, err := k.Float32s(src, int64(n))
	if err != nil {
		return err
	}
	return k.PutFloat32s(dst, vals)
}
