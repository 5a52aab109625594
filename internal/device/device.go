// Package device is the boundary to the accelerator driver. The runtime
// consumes streams, events, memory and kernel launches only through Runtime;
// every failure comes back as a coded status error, never as a crash.
package device

import (
	"context"
	"fmt"
	"time"
)

// Stream is an opaque hardware stream handle. Zero means "no stream".
type Stream uint64

// Event is an opaque hardware event handle.
type Event uint64

// KernelHandle identifies a registered kernel binary.
type KernelHandle uint64

// Engine selects the compute unit a kernel runs on.
type Engine int

const (
	AICore Engine = iota
	AICPU
	// Mix kernels are split into AI-core and vector-core sub-kernels.
	Mix
)

func (e Engine) String() string {
	switch e {
	case AICPU:
		return "aicpu"
	case Mix:
		return "mix"
	}
	return "aicore"
}

// KernelBinary is a loadable kernel image. Functions lists the entry points
// contained in Data; a plain kernel has a single function named like the
// binary, a mix kernel has one function per sub-kernel variant.
type KernelBinary struct {
	Name      string
	Engine    Engine
	Functions []string
	Data      []byte
}

// KernelEntry is the device view of one function inside a binary.
type KernelEntry struct {
	Name          string
	PC            uint64
	PrefetchCount uint32
}

// CopyItem is one host-to-device transfer of a batched copy.
type CopyItem struct {
	Dst uint64
	Src []byte
}

// LaunchParams carries everything one kernel launch needs. The launch
// variant is implied: a non-zero TilingKey launches by tiling key, a
// non-empty Ex.HostInputs uses the host-args extension, otherwise the
// kernel is launched by handle.
type LaunchParams struct {
	Handle    KernelHandle
	Function  string
	Engine    Engine
	TilingKey uint64
	BlockDim  uint32
	Args      []byte
	Ex        ArgsEx
	// MixEntries holds the resolved sub-kernel entries of a mix launch.
	MixEntries []KernelEntry
	// TaskID is echoed back in asynchronous fault reports.
	TaskID uint64
}

// MemInfo reports device memory usage.
type MemInfo struct {
	Free  int64
	Total int64
}

// Runtime is the vendor driver API.
type Runtime interface {
	DeviceID() int
	// AvailableStreams is how many more streams the device can create.
	AvailableStreams() int
	MemInfo() MemInfo

	CreateStream() (Stream, error)
	DestroyStream(s Stream) error
	// SynchronizeStream blocks until the stream drains or timeout elapses.
	// A zero timeout waits forever. It reports StreamSyncTimeout,
	// EndOfSequence and KernelFault codes.
	SynchronizeStream(ctx context.Context, s Stream, timeout time.Duration) error

	CreateEvent() (Event, error)
	RecordEvent(e Event, s Stream) error
	StreamWaitEvent(s Stream, e Event) error
	SynchronizeEvent(ctx context.Context, e Event, timeout time.Duration) error
	DestroyEvent(e Event) error

	Malloc(size int64) (uint64, error)
	Free(addr uint64) error

	MemcpyH2D(s Stream, dst uint64, src []byte) error
	// MemcpyBatchH2D may answer FeatureNotSupported.
	MemcpyBatchH2D(s Stream, items []CopyItem) error
	MemcpyD2H(s Stream, dst []byte, src uint64) error
	MemcpyD2D(s Stream, dst, src uint64, size int64) error

	RegisterKernel(bin KernelBinary) (KernelHandle, error)
	UnregisterKernel(h KernelHandle) error
	KernelEntry(h KernelHandle, function string) (KernelEntry, error)
	Launch(s Stream, p *LaunchParams) error
}

// FaultError describes an asynchronous kernel fault. It is wrapped in a
// KernelFault status by SynchronizeStream so the caller can map TaskID back
// to its launch-time diagnostics.
type FaultError struct {
	TaskID   uint64
	Function string
	Reason   string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("kernel %s (task %d) faulted: %s", e.Function, e.TaskID, e.Reason)
}
