package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode packs vals as little-endian elements of d. Only byte-aligned
// numeric types can be encoded.
func Encode(d DataType, vals []float64) ([]byte, error) {
	width := d.Bits() / 8
	if d.IsSubByte() || width == 0 || d == Float16 || d == BFloat16 {
		return nil, fmt.Errorf("cannot encode values of type %s", d)
	}
	out := make([]byte, int64(len(vals))*width)
	for i, v := range vals {
		b := out[int64(i)*width:]
		switch d {
		case Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case Float64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		case Int8, Uint8, Bool:
			b[0] = byte(int64(v))
		case Int16, Uint16:
			binary.LittleEndian.PutUint16(b, uint16(int64(v)))
		case Int32, Uint32:
			binary.LittleEndian.PutUint32(b, uint32(int64(v)))
		case Int64, Uint64:
			binary.LittleEndian.PutUint64(b, uint64(int64(v)))
		}
	}
	return out, nil
}

// Decode unpacks little-endian elements of d.
func Decode(d DataType, raw []byte) ([]float64, error) {
	width := d.Bits() / 8
	if d.IsSubByte() || width == 0 || d == Float16 || d == BFloat16 {
		return nil, fmt.Errorf("cannot decode values of type %s", d)
	}
	if int64(len(raw))%width != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %s elements", len(raw), d)
	}
	out := make([]float64, int64(len(raw))/width)
	for i := range out {
		b := raw[int64(i)*width:]
		switch d {
		case Float32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case Float64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case Int8:
			out[i] = float64(int8(b[0]))
		case Uint8, Bool:
			out[i] = float64(b[0])
		case Int16:
			out[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case Uint16:
			out[i] = float64(binary.LittleEndian.Uint16(b))
		case Int32:
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case Uint32:
			out[i] = float64(binary.LittleEndian.Uint32(b))
		case Int64:
			out[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case Uint64:
			out[i] = float64(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}
