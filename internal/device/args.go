package device

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// AddrSize is the width of one address slot in a kernel argument buffer.
const AddrSize = 8

// HostInputInfo locates one inlined host tensor inside an argument buffer:
// the slot at AddrOffset must end up holding base+DataOffset.
type HostInputInfo struct {
	AddrOffset int64
	DataOffset int64
}

// ArgsEx is the metadata block that travels with an argument buffer. The
// driver copies the buffer to a device-visible location and then patches the
// tiling address slot and every host-input slot relative to that location.
type ArgsEx struct {
	HasTiling        bool
	TilingAddrOffset int64
	TilingDataOffset int64
	HostInputs       []HostInputInfo
}

// Patch rewrites the relative address slots of args for a buffer mapped at
// base. It is what the driver does after the DMA; it is exported so that
// callers and tests can reason about the final slot values.
func (ex ArgsEx) Patch(args []byte, base uint64) error {
	if ex.HasTiling {
		if err := PutAddr(args, ex.TilingAddrOffset, base+uint64(ex.TilingDataOffset)); err != nil {
			return errors.WithMessage(err, "tiling slot")
		}
	}
	for i, hi := range ex.HostInputs {
		if hi.DataOffset < 0 || hi.DataOffset > int64(len(args)) {
			return errors.Errorf("host input %d data offset %d outside %d byte args", i, hi.DataOffset, len(args))
		}
		if err := PutAddr(args, hi.AddrOffset, base+uint64(hi.DataOffset)); err != nil {
			return errors.WithMessagef(err, "host input %d", i)
		}
	}
	return nil
}

// PutAddr writes a little-endian address slot.
func PutAddr(buf []byte, off int64, addr uint64) error {
	if off < 0 || off+AddrSize > int64(len(buf)) {
		return errors.Errorf("address slot at %d outside %d byte buffer", off, len(buf))
	}
	binary.LittleEndian.PutUint64(buf[off:off+AddrSize], addr)
	return nil
}

// Addr reads a little-endian address slot.
func Addr(buf []byte, off int64) (uint64, error) {
	if off < 0 || off+AddrSize > int64(len(buf)) {
		return 0, errors.Errorf("address slot at %d outside %d byte buffer", off, len(buf))
	}
	return binary.LittleEndian.Uint64(buf[off : off+AddrSize]), nil
}
