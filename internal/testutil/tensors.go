package testutil

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/hybridrt/internal/config"
	"github.com/vk/hybridrt/internal/device/sim"
	"github.com/vk/hybridrt/internal/tensor"
)

// F32Bytes encodes vals as little-endian float32.
func F32Bytes(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// Float32s decodes little-endian float32 bytes.
func Float32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// HostF32 wraps vals as a host float32 value of the given shape.
func HostF32(shape tensor.Shape, vals ...float32) tensor.Value {
	return tensor.Value{
		Desc:   tensor.Desc{DType: tensor.Float32, Shape: shape, Placement: tensor.Host},
		Buffer: tensor.HostBuffer(F32Bytes(vals...)),
	}
}

// DeviceF32 allocates device memory holding vals and wraps it as a value.
func DeviceF32(t *testing.T, dev *sim.Device, shape tensor.Shape, vals ...float32) tensor.Value {
	t.Helper()
	data := F32Bytes(vals...)
	addr, err := dev.Malloc(int64(len(data)))
	require.NoError(t, err)
	s, err := dev.CreateStream()
	require.NoError(t, err)
	defer func() { _ = dev.DestroyStream(s) }()
	require.NoError(t, dev.MemcpyH2D(s, addr, data))
	require.NoError(t, dev.SynchronizeStream(t.Context(), s, 0))
	return tensor.Value{
		Desc:   tensor.Desc{DType: tensor.Float32, Shape: shape, Placement: tensor.Device},
		Buffer: tensor.DeviceBuffer(addr, int64(len(data))),
	}
}

// PeekF32 reads n float32 values from device memory.
func PeekF32(t *testing.T, dev *sim.Device, addr uint64, n int) []float32 {
	t.Helper()
	raw, err := dev.Peek(addr, int64(4*n))
	require.NoError(t, err)
	return Float32s(raw)
}

// F32 is a float32 tensor spec.
func F32(name string, shape ...int64) config.TensorSpec {
	return config.TensorSpec{Name: name, DType: "float32", Shape: shape}
}

// Const is a float32 constant spec.
func Const(name string, shape []int64, vals ...float64) config.ConstantSpec {
	return config.ConstantSpec{TensorSpec: F32(name, shape...), Values: vals}
}
