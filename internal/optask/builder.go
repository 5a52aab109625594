package optask

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/model"
	"github.com/vk/hybridrt/internal/registry"
	"github.com/vk/hybridrt/internal/status"
)

// AtomicCleanKernel is the binary that zero-initialises atomic outputs.
const AtomicCleanKernel = "atomic_addr_clean"

// DefaultMaxTilingSize bounds the tiling data region when no size is set.
const DefaultMaxTilingSize = 256

// mixSuffix separates a mix kernel's name from its sub-kernel variants.
const mixSuffix = "_mix_"

// Builder creates tasks for the nodes of one model.
type Builder struct {
	rt           device.Runtime
	reg          *registry.Registry
	maxTiling    int64
	overflowAddr uint64
	dump         *DumpRing
	nextID       atomic.Uint64
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithMaxTilingSize sets the tiling data capacity of every task.
func WithMaxTilingSize(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.maxTiling = int64(n)
		}
	}
}

// WithOverflowAddr sets the address written into overflow slots.
func WithOverflowAddr(addr uint64) BuilderOption {
	return func(b *Builder) { b.overflowAddr = addr }
}

// WithExceptionDump enables launch-time snapshots into ring.
func WithExceptionDump(ring *DumpRing) BuilderOption {
	return func(b *Builder) { b.dump = ring }
}

// NewBuilder creates a builder resolving kernels and op functions in reg.
func NewBuilder(rt device.Runtime, reg *registry.Registry, opts ...BuilderOption) *Builder {
	b := &Builder{rt: rt, reg: reg, maxTiling: DefaultMaxTilingSize}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DumpRing returns the exception-dump ring, nil when dumping is disabled.
func (b *Builder) DumpRing() *DumpRing {
	return b.dump
}

func engineOf(kind model.Kind) device.Engine {
	switch kind {
	case model.KindAiCpu, model.KindAiCpuCC:
		return device.AICPU
	case model.KindMixL2:
		return device.Mix
	default:
		return device.AICore
	}
}

// Build creates the task of node.
func (b *Builder) Build(ctx context.Context, node *model.Node) (*Task, error) {
	op := "build task " + node.Name
	funcs, err := b.reg.Ops.Lookup(node.OpType)
	if err != nil {
		if node.Kind != model.KindAtomicAddrClean {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		funcs = registry.OpFuncs{}
	}

	t := &Task{
		ID:           b.nextID.Add(1),
		Node:         node,
		Kind:         node.Kind,
		Name:         node.Name,
		rt:           b.rt,
		funcs:        funcs,
		engine:       engineOf(node.Kind),
		numInputs:    len(node.Inputs),
		numOutputs:   len(node.Outputs),
		hostMem:      node.IsHostMemInput,
		workspaces:   node.Workspaces,
		maxTiling:    b.maxTiling,
		overflowAddr: b.overflowAddr,
		dump:         b.dump,
	}
	if funcs.CompileInfo != nil {
		if t.compileInfo, err = funcs.CompileInfo(node.OpType, node.CompileInfo); err != nil {
			return nil, status.New(status.ParamInvalid, op, fmt.Errorf("compile info: %w", err))
		}
	}
	if err := b.bindKernel(ctx, t, node.Kernel); err != nil {
		return nil, err
	}
	return t, nil
}

// BuildAtomicClean creates the task that zeroes the atomic outputs of node
// before it runs. It returns nil when node has none.
func (b *Builder) BuildAtomicClean(ctx context.Context, node *model.Node) (*Task, error) {
	if len(node.AtomicCleanOutputs) == 0 {
		return nil, nil
	}
	t := &Task{
		ID:           b.nextID.Add(1),
		Node:         node,
		Kind:         model.KindAtomicAddrClean,
		Name:         node.Name + "/" + AtomicCleanKernel,
		rt:           b.rt,
		engine:       device.AICore,
		numInputs:    len(node.AtomicCleanOutputs),
		hostMem:      func(int) bool { return false },
		maxTiling:    b.maxTiling,
		overflowAddr: b.overflowAddr,
		dump:         b.dump,
	}
	if err := b.bindKernel(ctx, t, AtomicCleanKernel); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *Builder) bindKernel(ctx context.Context, t *Task, kernel string) error {
	op := "build task " + t.Name
	bin, ok := b.reg.Kernels.Binary(kernel)
	if !ok {
		return status.Errorf(status.ParamInvalid, op, "no kernel binary named %q", kernel)
	}
	if bin.Engine != t.engine {
		return status.Errorf(status.ParamInvalid, op, "kernel %q runs on %s, %s tasks need %s", kernel, bin.Engine, t.Kind, t.engine)
	}
	h, err := b.reg.Kernels.Handle(b.rt, kernel)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	t.handle = h
	t.function = kernel

	if t.Kind == model.KindMixL2 {
		return b.finalizeMix(ctx, t, bin)
	}
	return nil
}

// finalizeMix resolves every sub-kernel variant of a mix binary. Variants
// are the functions named <kernel>_mix_<suffix>.
func (b *Builder) finalizeMix(ctx context.Context, t *Task, bin device.KernelBinary) error {
	op := "build task " + t.Name
	prefix := bin.Name + mixSuffix
	for _, fn := range bin.Functions {
		if !strings.HasPrefix(fn, prefix) {
			continue
		}
		entry, err := b.rt.KernelEntry(t.handle, fn)
		if err != nil {
			return fmt.Errorf("%s: entry of %s: %w", op, fn, err)
		}
		ctxlog.FromContext(ctx).Debug("Resolved mix sub-kernel.", "task", t.Name, "function", fn, "pc", entry.PC, "prefetch", entry.PrefetchCount)
		t.mixEntries = append(t.mixEntries, entry)
	}
	if len(t.mixEntries) == 0 {
		return status.Errorf(status.ParamInvalid, op, "kernel %q has no %s* variants", bin.Name, prefix)
	}
	t.function = ""
	return nil
}

// Explain attaches the launch-time snapshot of the faulting task to an
// asynchronous kernel fault. Other errors are returned unchanged.
func (b *Builder) Explain(err error) error {
	if b.dump == nil || status.CodeOf(err) != status.KernelFault {
		return err
	}
	var fault *device.FaultError
	if !errors.As(err, &fault) {
		return err
	}
	rec, ok := b.dump.Lookup(fault.TaskID)
	if !ok {
		return err
	}
	return fmt.Errorf("%w [dump: %s]", err, rec)
}
