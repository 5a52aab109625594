package optask

import (
	"fmt"
	"strings"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/model"
)

// Alignment of inlined host-mem input data.
const (
	DefaultAlign int64 = 8
	AiCpuAlign   int64 = 64
)

// RegionKind names one region of an argument buffer.
type RegionKind int

const (
	RegionInputs RegionKind = iota
	RegionOutputs
	RegionWorkspaces
	RegionTilingAddr
	RegionTilingData
	RegionOverflow
	RegionHostMem
)

var regionNames = [...]string{"inputs", "outputs", "workspaces", "tiling_addr", "tiling_data", "overflow", "host_mem"}

func (k RegionKind) String() string {
	if int(k) < len(regionNames) {
		return regionNames[k]
	}
	return fmt.Sprintf("region(%d)", int(k))
}

// Region is a contiguous byte range of the argument buffer.
type Region struct {
	Kind   RegionKind
	Offset int64
	Size   int64
}

// End is the first offset after the region.
func (r Region) End() int64 {
	return r.Offset + r.Size
}

// HostMemSlot places one inlined host tensor.
type HostMemSlot struct {
	Input      int
	AddrOffset int64
	DataOffset int64
	Size       int64
}

// LayoutSpec is what a layout depends on. Two equal specs produce the same
// layout, which is what lets a task skip relayout between launches.
type LayoutSpec struct {
	Kind          model.Kind
	NumInputs     int
	NumOutputs    int
	NumWorkspaces int
	// TilingSize is the capacity of the tiling data region; zero means the
	// task has no tiling region.
	TilingSize int64
	Overflow   bool
	// HostMemSizes maps input index to inlined byte size, in input order.
	HostMemSizes []HostMemSize
}

// HostMemSize is the size of one host-mem input.
type HostMemSize struct {
	Input int
	Size  int64
}

func (s LayoutSpec) equal(o LayoutSpec) bool {
	if s.Kind != o.Kind || s.NumInputs != o.NumInputs || s.NumOutputs != o.NumOutputs ||
		s.NumWorkspaces != o.NumWorkspaces || s.TilingSize != o.TilingSize || s.Overflow != o.Overflow ||
		len(s.HostMemSizes) != len(o.HostMemSizes) {
		return false
	}
	for i := range s.HostMemSizes {
		if s.HostMemSizes[i] != o.HostMemSizes[i] {
			return false
		}
	}
	return true
}

// Layout is the offsets table of one argument buffer.
type Layout struct {
	Spec    LayoutSpec
	Regions []Region
	HostMem []HostMemSlot
	Size    int64
	Align   int64
}

// HostMemAlign returns the inline alignment rule of kind.
func HostMemAlign(kind model.Kind) int64 {
	switch kind {
	case model.KindAiCpu, model.KindAiCpuCC:
		return AiCpuAlign
	default:
		return DefaultAlign
	}
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}

// NewLayout computes the offsets table for spec.
func NewLayout(spec LayoutSpec) (*Layout, error) {
	if spec.NumInputs < 0 || spec.NumOutputs < 0 || spec.NumWorkspaces < 0 || spec.TilingSize < 0 {
		return nil, fmt.Errorf("negative layout dimension in %+v", spec)
	}
	if spec.Kind == model.KindAtomicAddrClean && spec.TilingSize > 0 {
		return nil, fmt.Errorf("%s tasks have no tiling region", spec.Kind)
	}
	l := &Layout{Spec: spec, Align: HostMemAlign(spec.Kind)}

	var off int64
	add := func(kind RegionKind, size int64) Region {
		r := Region{Kind: kind, Offset: off, Size: size}
		l.Regions = append(l.Regions, r)
		off += size
		return r
	}

	add(RegionInputs, int64(spec.NumInputs)*device.AddrSize)
	add(RegionOutputs, int64(spec.NumOutputs)*device.AddrSize)
	add(RegionWorkspaces, int64(spec.NumWorkspaces)*device.AddrSize)
	if spec.TilingSize > 0 {
		add(RegionTilingAddr, device.AddrSize)
		// The data slot immediately follows its address slot.
		add(RegionTilingData, alignUp(spec.TilingSize, DefaultAlign))
	}
	if spec.Overflow {
		add(RegionOverflow, device.AddrSize)
	}

	if len(spec.HostMemSizes) > 0 {
		start := alignUp(off, l.Align)
		cursor := start
		for _, hm := range spec.HostMemSizes {
			if hm.Input < 0 || hm.Input >= spec.NumInputs {
				return nil, fmt.Errorf("host-mem input %d out of range", hm.Input)
			}
			if hm.Size < 0 {
				return nil, fmt.Errorf("host-mem input %d has negative size", hm.Input)
			}
			cursor = alignUp(cursor, l.Align)
			l.HostMem = append(l.HostMem, HostMemSlot{
				Input:      hm.Input,
				AddrOffset: int64(hm.Input) * device.AddrSize,
				DataOffset: cursor,
				Size:       hm.Size,
			})
			cursor += hm.Size
		}
		off = start
		add(RegionHostMem, cursor-start)
	}

	l.Size = off
	return l, nil
}

// Region returns the region of the given kind.
func (l *Layout) Region(kind RegionKind) (Region, bool) {
	for _, r := range l.Regions {
		if r.Kind == kind {
			return r, true
		}
	}
	return Region{}, false
}

func (l *Layout) slot(kind RegionKind, i int) (int64, error) {
	r, ok := l.Region(kind)
	if !ok {
		return 0, fmt.Errorf("layout has no %s region", kind)
	}
	off := r.Offset + int64(i)*device.AddrSize
	if i < 0 || off+device.AddrSize > r.End() {
		return 0, fmt.Errorf("%s slot %d out of range", kind, i)
	}
	return off, nil
}

// InputSlot is the offset of the address slot of input i.
func (l *Layout) InputSlot(i int) (int64, error) { return l.slot(RegionInputs, i) }

// OutputSlot is the offset of the address slot of output i.
func (l *Layout) OutputSlot(i int) (int64, error) { return l.slot(RegionOutputs, i) }

// WorkspaceSlot is the offset of the address slot of workspace i.
func (l *Layout) WorkspaceSlot(i int) (int64, error) { return l.slot(RegionWorkspaces, i) }

// HostMemFor returns the inline slot of input i.
func (l *Layout) HostMemFor(input int) (HostMemSlot, bool) {
	for _, hm := range l.HostMem {
		if hm.Input == input {
			return hm, true
		}
	}
	return HostMemSlot{}, false
}

func (l *Layout) String() string {
	parts := make([]string, 0, len(l.Regions))
	for _, r := range l.Regions {
		parts = append(parts, fmt.Sprintf("%s@%d+%d", r.Kind, r.Offset, r.Size))
	}
	return strings.Join(parts, " ")
}
