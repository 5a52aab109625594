package optask

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/model"
	"github.com/vk/hybridrt/internal/registry"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
)

// Task is one launchable kernel invocation of a node. A Task is reused
// across iterations and is not safe for concurrent use; every stage owns the
// tasks of its nodes.
type Task struct {
	ID   uint64
	Node *model.Node
	Kind model.Kind
	// Name is what logs and dump records call the task.
	Name string

	rt           device.Runtime
	funcs        registry.OpFuncs
	compileInfo  any
	handle       device.KernelHandle
	engine       device.Engine
	function     string
	mixEntries   []device.KernelEntry
	numInputs    int
	numOutputs   int
	hostMem      func(i int) bool
	workspaces   []int64
	maxTiling    int64
	overflowAddr uint64
	dump         *DumpRing

	layout    *Layout
	args      []byte
	ex        device.ArgsEx
	tiling    registry.TilingResult
	slotSizes []int64
	relayouts int
}

func (t *Task) String() string {
	return fmt.Sprintf("%s#%d(%s)", t.Name, t.ID, t.Kind)
}

// Layout is the current offsets table; nil before the first UpdateArgsItem.
func (t *Task) Layout() *Layout {
	return t.layout
}

// Relayouts counts how many times the offsets table was computed.
func (t *Task) Relayouts() int {
	return t.relayouts
}

// Args returns a copy of the argument buffer as it will be handed to the
// driver, before relative slots are patched.
func (t *Task) Args() []byte {
	return append([]byte(nil), t.args...)
}

// ArgsEx returns the launch metadata of the current buffer.
func (t *Task) ArgsEx() device.ArgsEx {
	ex := t.ex
	ex.HostInputs = append([]device.HostInputInfo(nil), t.ex.HostInputs...)
	return ex
}

// MixEntries lists the sub-kernel entries resolved for a mix task.
func (t *Task) MixEntries() []device.KernelEntry {
	return append([]device.KernelEntry(nil), t.mixEntries...)
}

func (t *Task) hasTiling() bool {
	return t.Kind != model.KindAtomicAddrClean && t.funcs.Tiling != nil
}

// InferShape computes the output descriptors for the given inputs. Ops
// without a shape function keep their static outputs.
func (t *Task) InferShape(inputs []tensor.Desc) ([]tensor.Desc, error) {
	if t.numOutputs == 0 {
		return nil, nil
	}
	static := t.Node.Outputs
	if t.funcs.InferShape == nil {
		return append([]tensor.Desc(nil), static...), nil
	}
	shapes, err := t.funcs.InferShape(inputs)
	if err != nil {
		return nil, status.New(status.ShapeMismatch, "infer shape "+t.Name, err)
	}
	if len(shapes) != len(static) {
		return nil, status.Errorf(status.ShapeMismatch, "infer shape "+t.Name,
			"got %d shapes for %d outputs", len(shapes), len(static))
	}
	out := make([]tensor.Desc, len(static))
	for i, s := range shapes {
		out[i] = static[i].WithShape(s)
	}
	return out, nil
}

// RunTiling asks the op's tiling function for the current shapes. Ops
// without tiling run with one block and their static workspaces.
func (t *Task) RunTiling(inputs, outputs []tensor.Desc) (registry.TilingResult, error) {
	if !t.hasTiling() {
		return registry.TilingResult{BlockDim: 1, Workspaces: t.staticWorkspaces()}, nil
	}
	tc := &registry.TilingContext{
		OpType:        t.Node.OpType,
		Inputs:        inputs,
		Outputs:       outputs,
		CompileInfo:   t.compileInfo,
		MaxTilingSize: int(t.maxTiling),
	}
	tr, err := t.funcs.Tiling(tc)
	if err != nil {
		return registry.TilingResult{}, status.New(status.ParamInvalid, "tiling "+t.Name, err)
	}
	if tr.Workspaces == nil {
		tr.Workspaces = t.staticWorkspaces()
	}
	if tr.BlockDim == 0 {
		tr.BlockDim = 1
	}
	return tr, nil
}

func (t *Task) staticWorkspaces() []int64 {
	return append([]int64(nil), t.workspaces...)
}

// BuildArgs is UpdateArgsItem, UpdateTilingArgs and UpdateHostMemInputArgs
// in that order.
func (t *Task) BuildArgs(inputs, outputs []tensor.Value, workspaces []uint64, tr registry.TilingResult) error {
	if err := t.UpdateArgsItem(inputs, outputs, workspaces); err != nil {
		return err
	}
	if err := t.UpdateTilingArgs(tr); err != nil {
		return err
	}
	return t.UpdateHostMemInputArgs(inputs)
}

// UpdateArgsItem writes the input, output and workspace address slots and
// the overflow slot. The offsets table is recomputed only when the number of
// workspaces or the inlined host data sizes changed since the last call.
func (t *Task) UpdateArgsItem(inputs, outputs []tensor.Value, workspaces []uint64) error {
	op := "update args " + t.Name
	if len(inputs) != t.numInputs {
		return status.Errorf(status.ParamInvalid, op, "got %d inputs, want %d", len(inputs), t.numInputs)
	}
	if len(outputs) != t.numOutputs {
		return status.Errorf(status.ParamInvalid, op, "got %d outputs, want %d", len(outputs), t.numOutputs)
	}

	spec := LayoutSpec{
		Kind:          t.Kind,
		NumInputs:     len(inputs),
		NumOutputs:    len(outputs),
		NumWorkspaces: len(workspaces),
		Overflow:      t.Node.Overflow && t.Kind != model.KindAtomicAddrClean,
	}
	if t.hasTiling() {
		spec.TilingSize = t.maxTiling
	}
	for i, in := range inputs {
		if !in.Buffer.IsHost() {
			continue
		}
		if !t.hostMem(i) {
			return status.Errorf(status.ParamInvalid, op, "input %d is a host buffer but not a host-mem input", i)
		}
		spec.HostMemSizes = append(spec.HostMemSizes, HostMemSize{Input: i, Size: int64(len(in.Buffer.Data))})
	}

	if t.layout == nil || !spec.equal(t.layout.Spec) {
		l, err := NewLayout(spec)
		if err != nil {
			return status.New(status.ParamInvalid, op, err)
		}
		t.layout = l
		t.args = make([]byte, l.Size)
		t.relayouts++
	}

	t.slotSizes = t.slotSizes[:0]
	for i, in := range inputs {
		off, _ := t.layout.InputSlot(i)
		var addr uint64
		if !in.Buffer.IsHost() {
			addr = in.Buffer.Addr
		}
		if err := device.PutAddr(t.args, off, addr); err != nil {
			return status.New(status.Internal, op, err)
		}
		t.slotSizes = append(t.slotSizes, in.Buffer.Length)
	}
	for i, out := range outputs {
		if out.Buffer.IsHost() {
			return status.Errorf(status.ParamInvalid, op, "output %d is a host buffer", i)
		}
		off, _ := t.layout.OutputSlot(i)
		if err := device.PutAddr(t.args, off, out.Buffer.Addr); err != nil {
			return status.New(status.Internal, op, err)
		}
		t.slotSizes = append(t.slotSizes, out.Buffer.Length)
	}
	for i, ws := range workspaces {
		off, _ := t.layout.WorkspaceSlot(i)
		if err := device.PutAddr(t.args, off, ws); err != nil {
			return status.New(status.Internal, op, err)
		}
		t.slotSizes = append(t.slotSizes, 0)
	}
	if r, ok := t.layout.Region(RegionOverflow); ok {
		if err := device.PutAddr(t.args, r.Offset, t.overflowAddr); err != nil {
			return status.New(status.Internal, op, err)
		}
	}
	return nil
}

// UpdateTilingArgs rewrites only the tiling region: the data goes into the
// data slot and the address slot is marked for patching with the device
// address of that data. Other regions keep their offsets and contents.
func (t *Task) UpdateTilingArgs(tr registry.TilingResult) error {
	op := "update tiling " + t.Name
	if t.layout == nil {
		return status.Errorf(status.Internal, op, "argument buffer is not built")
	}
	addrRegion, ok := t.layout.Region(RegionTilingAddr)
	if !ok {
		if len(tr.Data) > 0 {
			return status.Errorf(status.ParamInvalid, op, "%s task has no tiling region for %d bytes", t.Kind, len(tr.Data))
		}
		t.tiling = tr
		t.ex.HasTiling = false
		return nil
	}
	dataRegion, _ := t.layout.Region(RegionTilingData)
	if int64(len(tr.Data)) > t.maxTiling {
		return status.Errorf(status.ParamInvalid, op, "tiling data of %d bytes exceeds max tiling size %d", len(tr.Data), t.maxTiling)
	}

	region := t.args[dataRegion.Offset:dataRegion.End()]
	clear(region)
	copy(region, tr.Data)
	if err := device.PutAddr(t.args, addrRegion.Offset, 0); err != nil {
		return status.New(status.Internal, op, err)
	}
	t.ex.HasTiling = true
	t.ex.TilingAddrOffset = addrRegion.Offset
	t.ex.TilingDataOffset = dataRegion.Offset
	t.tiling = tr
	return nil
}

// UpdateHostMemInputArgs copies the contents of host-placed inputs into the
// inline region and records where each one lives so that the driver can
// point the input's address slot at the copy.
func (t *Task) UpdateHostMemInputArgs(inputs []tensor.Value) error {
	op := "update host-mem inputs " + t.Name
	if t.layout == nil {
		return status.Errorf(status.Internal, op, "argument buffer is not built")
	}
	t.ex.HostInputs = t.ex.HostInputs[:0]
	if r, ok := t.layout.Region(RegionHostMem); ok {
		clear(t.args[r.Offset:r.End()])
	}
	for _, hm := range t.layout.HostMem {
		if hm.Input >= len(inputs) {
			return status.Errorf(status.ParamInvalid, op, "host-mem input %d missing", hm.Input)
		}
		data := inputs[hm.Input].Buffer.Data
		if int64(len(data)) != hm.Size {
			return status.Errorf(status.ParamInvalid, op, "host-mem input %d changed size from %d to %d", hm.Input, hm.Size, len(data))
		}
		copy(t.args[hm.DataOffset:hm.DataOffset+hm.Size], data)
		t.ex.HostInputs = append(t.ex.HostInputs, device.HostInputInfo{AddrOffset: hm.AddrOffset, DataOffset: hm.DataOffset})
	}
	return nil
}

// PreProcess builds the exception-dump snapshot of the current buffer.
func (t *Task) PreProcess() DumpRecord {
	var tilingSize int64
	if t.ex.HasTiling {
		tilingSize = int64(len(t.tiling.Data))
	}
	return DumpRecord{
		TaskID:        t.ID,
		Op:            t.Name,
		OpType:        t.Node.OpType,
		Kind:          t.Kind.String(),
		AddrTableSize: t.layout.Size,
		SlotSizes:     append([]int64(nil), t.slotSizes...),
		TilingSize:    tilingSize,
		TilingTag:     t.tiling.TilingKey<<32 | uint64(uint32(tilingSize)),
	}
}

// SaveForExceptionDump keeps rec in the dump ring, if one is configured.
func (t *Task) SaveForExceptionDump(rec DumpRecord) {
	if t.dump != nil {
		t.dump.Save(rec)
	}
}

// Launch submits the built buffer on stream s. A failed launch is returned
// as is and never retried.
func (t *Task) Launch(ctx context.Context, s device.Stream) error {
	op := "launch " + t.Name
	if t.layout == nil {
		return status.Errorf(status.Internal, op, "argument buffer is not built")
	}
	if err := ctx.Err(); err != nil {
		return status.New(status.Stopped, op, err)
	}
	if t.dump != nil {
		t.SaveForExceptionDump(t.PreProcess())
	}

	p := &device.LaunchParams{
		Handle:     t.handle,
		Function:   t.function,
		Engine:     t.engine,
		TilingKey:  t.tiling.TilingKey,
		BlockDim:   max(t.tiling.BlockDim, 1),
		Args:       t.args,
		Ex:         t.ArgsEx(),
		MixEntries: t.mixEntries,
		TaskID:     t.ID,
	}
	ctxlog.FromContext(ctx).Debug("Launching task.",
		"task", t.String(), "stream", s, "args_bytes", len(t.args), "tiling_key", p.TilingKey, "block_dim", p.BlockDim)
	if err := t.rt.Launch(s, p); err != nil {
		var coded *status.Error
		if errors.As(err, &coded) {
			return err
		}
		return status.New(status.KernelLaunchFailed, op, err)
	}
	return nil
}
