package tensor

import (
	"fmt"
	"math"
	"strings"
)

// DataType identifies the element type of a tensor.
type DataType int

const (
	Undefined DataType = iota
	Float32
	Float16
	BFloat16
	Float64
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Bool
	// Int4 packs two elements per byte.
	Int4
	// Uint1 packs eight elements per byte.
	Uint1
)

var dtypeInfo = map[DataType]struct {
	name string
	bits int64
}{
	Float32:  {"float32", 32},
	Float16:  {"float16", 16},
	BFloat16: {"bfloat16", 16},
	Float64:  {"float64", 64},
	Int8:     {"int8", 8},
	Uint8:    {"uint8", 8},
	Int16:    {"int16", 16},
	Uint16:   {"uint16", 16},
	Int32:    {"int32", 32},
	Uint32:   {"uint32", 32},
	Int64:    {"int64", 64},
	Uint64:   {"uint64", 64},
	Bool:     {"bool", 8},
	Int4:     {"int4", 4},
	Uint1:    {"uint1", 1},
}

// Bits returns the storage width of one element. It is zero for Undefined.
func (d DataType) Bits() int64 {
	return dtypeInfo[d].bits
}

// IsSubByte reports whether several elements share one byte.
func (d DataType) IsSubByte() bool {
	b := d.Bits()
	return b > 0 && b < 8
}

func (d DataType) String() string {
	if info, ok := dtypeInfo[d]; ok {
		return info.name
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// ParseDataType converts a configuration string such as "float32" or "int4".
func ParseDataType(s string) (DataType, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for dt, info := range dtypeInfo {
		if info.name == want {
			return dt, nil
		}
	}
	return Undefined, fmt.Errorf("unknown data type %q", s)
}

// SizeInBytes returns ceil(elements*bits/8). Sub-byte types are rounded up
// to a whole byte for the tensor as a whole, never per element.
func (d DataType) SizeInBytes(elements int64) (int64, error) {
	if elements < 0 {
		return 0, fmt.Errorf("negative element count %d", elements)
	}
	bits := d.Bits()
	if bits == 0 {
		return 0, fmt.Errorf("data type %s has no storage size", d)
	}
	if elements > (math.MaxInt64-7)/bits {
		return 0, fmt.Errorf("%d elements of %s overflow the addressable size", elements, d)
	}
	return (elements*bits + 7) / 8, nil
}
