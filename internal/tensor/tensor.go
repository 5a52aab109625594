// Package tensor defines the tensor descriptors and data buffers that flow
// between callers and the runtime. Buffers are caller-owned; the runtime only
// reads and writes through them during a single execution call.
package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Placement says which side of the bus a buffer lives on.
type Placement int

const (
	// Device memory is addressable by kernels.
	Device Placement = iota
	// Host memory must be copied (or inlined) before a kernel can read it.
	Host
)

func (p Placement) String() string {
	if p == Host {
		return "host"
	}
	return "device"
}

// ParsePlacement accepts "host" or "device"; the empty string means device.
func ParsePlacement(s string) (Placement, error) {
	switch strings.ToLower(s) {
	case "", "device":
		return Device, nil
	case "host":
		return Host, nil
	}
	return Device, fmt.Errorf("unknown placement %q", s)
}

// Shape is a list of dimensions. A scalar has an empty shape.
type Shape []int64

// NumElements returns the product of all dims, or an error if any dim is
// unknown (negative) or the product does not fit in an int64.
func (s Shape) NumElements() (int64, error) {
	empty := false
	for i, d := range s {
		if d < 0 {
			return 0, fmt.Errorf("dimension %d of shape %v is unknown", i, s)
		}
		if d == 0 {
			empty = true
		}
	}
	if empty {
		return 0, nil
	}
	n := int64(1)
	for _, d := range s {
		if n > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v has more than %d elements", s, int64(math.MaxInt64))
		}
		n *= d
	}
	return n, nil
}

// IsStatic reports whether every dim is known.
func (s Shape) IsStatic() bool {
	for _, d := range s {
		if d < 0 {
			return false
		}
	}
	return true
}

// Equal compares dims.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Desc describes a tensor without owning its memory.
type Desc struct {
	DType     DataType
	Shape     Shape
	Placement Placement
}

// ByteSize is the exact storage size of the described tensor.
func (d Desc) ByteSize() (int64, error) {
	n, err := d.Shape.NumElements()
	if err != nil {
		return 0, err
	}
	return d.DType.SizeInBytes(n)
}

// WithShape returns a copy of d carrying a new shape.
func (d Desc) WithShape(s Shape) Desc {
	d.Shape = s.Clone()
	return d
}

func (d Desc) String() string {
	return fmt.Sprintf("%s%s@%s", d.DType, d.Shape, d.Placement)
}

// DataBuffer points at tensor bytes. Device buffers carry an address and a
// length; host buffers carry the bytes themselves.
type DataBuffer struct {
	Addr      uint64
	Length    int64
	Data      []byte
	Placement Placement
}

// HostBuffer wraps host bytes.
func HostBuffer(data []byte) DataBuffer {
	return DataBuffer{Data: data, Length: int64(len(data)), Placement: Host}
}

// DeviceBuffer wraps a device address range.
func DeviceBuffer(addr uint64, length int64) DataBuffer {
	return DataBuffer{Addr: addr, Length: length, Placement: Device}
}

// IsHost reports whether the buffer lives in host memory.
func (b DataBuffer) IsHost() bool {
	return b.Placement == Host
}

// Value couples a buffer with the descriptor of what it holds.
type Value struct {
	Desc   Desc
	Buffer DataBuffer
}
