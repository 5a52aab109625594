package optask_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/device/sim"
	"github.com/vk/hybridrt/internal/model"
	"github.com/vk/hybridrt/internal/optask"
	"github.com/vk/hybridrt/internal/registry"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
	"github.com/vk/hybridrt/internal/tensorref"
	"github.com/vk/hybridrt/internal/testutil"
)

func f32Desc(n int64) tensor.Desc {
	return tensor.Desc{DType: tensor.Float32, Shape: tensor.Shape{n}}
}

func binaryNode(name, opType string, kind model.Kind, kernel string) *model.Node {
	return &model.Node{
		Name:    name,
		OpType:  opType,
		Kind:    kind,
		Kernel:  kernel,
		Inputs:  []tensorref.Ref{tensorref.Graph("a"), tensorref.Graph("b")},
		Outputs: []tensor.Desc{f32Desc(4)},
	}
}

// prepare runs shape inference and tiling and builds the argument buffer.
func prepare(t *testing.T, task *optask.Task, inputs, outputs []tensor.Value) {
	t.Helper()
	descs := make([]tensor.Desc, len(inputs))
	for i, in := range inputs {
		descs[i] = in.Desc
	}
	outDescs, err := task.InferShape(descs)
	require.NoError(t, err)
	tr, err := task.RunTiling(descs, outDescs)
	require.NoError(t, err)
	require.NoError(t, task.BuildArgs(inputs, outputs, nil, tr))
}

func TestTask_LaunchAdd(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	s := h.Stream(t)
	ring := optask.NewDumpRing(8)
	b := optask.NewBuilder(h.Dev, h.Reg, optask.WithExceptionDump(ring))
	task, err := b.Build(h.Ctx, binaryNode("add", "Add", model.KindTbe, "add"))
	require.NoError(t, err)

	a := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 1, 2, 3, 4)
	bv := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 10, 20, 30, 40)
	out := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 0, 0, 0, 0)

	// --- Act ---
	prepare(t, task, []tensor.Value{a, bv}, []tensor.Value{out})
	require.NoError(t, task.Launch(h.Ctx, s))
	require.NoError(t, h.Dev.SynchronizeStream(h.Ctx, s, 0))

	// --- Assert ---
	assert.Equal(t, []float32{11, 22, 33, 44}, testutil.PeekF32(t, h.Dev, out.Buffer.Addr, 4))
	rec, ok := ring.Lookup(task.ID)
	require.True(t, ok)
	assert.Equal(t, "Add", rec.OpType)
	assert.Equal(t, task.Layout().Size, rec.AddrTableSize)
	assert.Equal(t, []int64{16, 16, 16}, rec.SlotSizes)
	assert.Equal(t, int64(8), rec.TilingSize)
	assert.Equal(t, uint64(1)<<32|8, rec.TilingTag)
}

func TestTask_UpdateTilingArgsOnlyTouchesTilingRegion(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	b := optask.NewBuilder(h.Dev, h.Reg, optask.WithMaxTilingSize(32))
	task, err := b.Build(h.Ctx, binaryNode("add", "Add", model.KindTbe, "add"))
	require.NoError(t, err)
	inputs := []tensor.Value{
		testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 1, 2, 3, 4),
		testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 1, 2, 3, 4),
	}
	outputs := []tensor.Value{testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 0, 0, 0, 0)}
	require.NoError(t, task.UpdateArgsItem(inputs, outputs, nil))
	require.NoError(t, task.UpdateTilingArgs(registry.TilingResult{TilingKey: 1, Data: []byte{1, 2, 3}}))
	before := task.Args()

	// --- Act ---
	err = task.UpdateTilingArgs(registry.TilingResult{TilingKey: 2, Data: []byte{9, 9, 9, 9, 9, 9, 9, 9, 9}})

	// --- Assert ---
	require.NoError(t, err)
	after := task.Args()
	data, ok := task.Layout().Region(optask.RegionTilingData)
	require.True(t, ok)
	addr, ok := task.Layout().Region(optask.RegionTilingAddr)
	require.True(t, ok)
	assert.Equal(t, addr.End(), data.Offset, "data slot follows its address slot")
	assert.Equal(t, before[:data.Offset], after[:data.Offset])
	assert.Equal(t, before[data.End():], after[data.End():])
	assert.Equal(t, byte(9), after[data.Offset+8])
	assert.Equal(t, 1, task.Relayouts())

	ex := task.ArgsEx()
	assert.True(t, ex.HasTiling)
	assert.Equal(t, addr.Offset, ex.TilingAddrOffset)
	assert.Equal(t, data.Offset, ex.TilingDataOffset)

	err = task.UpdateTilingArgs(registry.TilingResult{Data: make([]byte, 33)})
	assert.ErrorIs(t, err, status.ErrParamInvalid)
}

func TestTask_RelayoutOnlyWhenWorkspacesChange(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	b := optask.NewBuilder(h.Dev, h.Reg)
	task, err := b.Build(h.Ctx, binaryNode("add", "Add", model.KindTbe, "add"))
	require.NoError(t, err)
	in := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 1, 2, 3, 4)
	out := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 0, 0, 0, 0)
	ws, err := h.Dev.Malloc(64)
	require.NoError(t, err)

	// --- Act ---
	require.NoError(t, task.UpdateArgsItem([]tensor.Value{in, in}, []tensor.Value{out}, nil))
	require.NoError(t, task.UpdateArgsItem([]tensor.Value{in, in}, []tensor.Value{out}, nil))
	first := task.Relayouts()
	require.NoError(t, task.UpdateArgsItem([]tensor.Value{in, in}, []tensor.Value{out}, []uint64{ws}))

	// --- Assert ---
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, task.Relayouts())
	off, err := task.Layout().WorkspaceSlot(0)
	require.NoError(t, err)
	got, err := device.Addr(task.Args(), off)
	require.NoError(t, err)
	assert.Equal(t, ws, got)
}

func TestTask_RejectsHostBufferInAddressSlot(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	b := optask.NewBuilder(h.Dev, h.Reg)
	task, err := b.Build(h.Ctx, binaryNode("add", "Add", model.KindTbe, "add"))
	require.NoError(t, err)
	dev := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 1, 2, 3, 4)
	host := testutil.HostF32(tensor.Shape{4}, 1, 2, 3, 4)

	// --- Act ---
	err = task.UpdateArgsItem([]tensor.Value{dev, host}, []tensor.Value{dev}, nil)

	// --- Assert ---
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrParamInvalid)
}

// probeModule registers kernels that record the patched argument buffer
// they were launched with.
type probeModule struct {
	mu   sync.Mutex
	seen []probeCall
}

type probeCall struct {
	base uint64
	args []byte
}

func (m *probeModule) Register(r *registry.Registry) {
	r.Kernels.AddBinary(device.KernelBinary{Name: "probe", Engine: device.AICore})
	r.Kernels.AddBinary(device.KernelBinary{Name: "probe_cpu", Engine: device.AICPU})
	r.Ops.Register("Probe", registry.OpFuncs{})
}

func (m *probeModule) Install(d *sim.Device) {
	record := func(k *sim.KernelContext) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.seen = append(m.seen, probeCall{base: k.ArgsBase, args: append([]byte(nil), k.Args...)})
		return nil
	}
	d.RegisterImpl("probe", record)
	d.RegisterImpl("probe_cpu", record)
}

func TestTask_HostMemInputsPatchedToBasePlusOffset(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		kind   model.Kind
		kernel string
		gap    int64
	}{
		{"tbe", model.KindTbe, "probe", 8},
		{"aicpu", model.KindAiCpu, "probe_cpu", 64},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			ctx := context.Background()
			dev := sim.New()
			probe := &probeModule{}
			reg := registry.New()
			require.NoError(t, reg.Init(ctx, probe))
			probe.Install(dev)
			s, err := dev.CreateStream()
			require.NoError(t, err)
			defer dev.DestroyStream(s)

			node := &model.Node{
				Name:          "probe",
				OpType:        "Probe",
				Kind:          tc.kind,
				Kernel:        tc.kernel,
				Inputs:        []tensorref.Ref{tensorref.Graph("small"), tensorref.Graph("large")},
				HostMemInputs: []int{0, 1},
			}
			task, err := optask.NewBuilder(dev, reg).Build(ctx, node)
			require.NoError(t, err)

			small := testutil.HostF32(tensor.Shape{2}, 1, 2)
			large := testutil.HostF32(tensor.Shape{8}, 1, 2, 3, 4, 5, 6, 7, 8)
			require.Len(t, small.Buffer.Data, 8)
			require.Len(t, large.Buffer.Data, 32)

			// --- Act ---
			require.NoError(t, task.BuildArgs([]tensor.Value{small, large}, nil, nil, registry.TilingResult{}))
			require.NoError(t, task.Launch(ctx, s))
			require.NoError(t, dev.SynchronizeStream(ctx, s, 0))

			// --- Assert ---
			hm := task.Layout().HostMem
			require.Len(t, hm, 2)
			assert.Equal(t, hm[0].DataOffset+tc.gap, hm[1].DataOffset)
			assert.Equal(t, []device.HostInputInfo{
				{AddrOffset: 0, DataOffset: hm[0].DataOffset},
				{AddrOffset: 8, DataOffset: hm[1].DataOffset},
			}, task.ArgsEx().HostInputs)

			require.Len(t, probe.seen, 1)
			call := probe.seen[0]
			for i, want := range [][]byte{small.Buffer.Data, large.Buffer.Data} {
				slot, err := device.Addr(call.args, int64(i)*device.AddrSize)
				require.NoError(t, err)
				assert.Equal(t, call.base+uint64(hm[i].DataOffset), slot)
				off := slot - call.base
				assert.Equal(t, want, call.args[off:off+uint64(len(want))])
			}
		})
	}
}

func TestBuilder_MixL2ResolvesVariants(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	s := h.Stream(t)
	b := optask.NewBuilder(h.Dev, h.Reg)

	// --- Act ---
	task, err := b.Build(h.Ctx, binaryNode("fused", "FusedAddMul", model.KindMixL2, "fused_addmul"))

	// --- Assert ---
	require.NoError(t, err)
	entries := task.MixEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "fused_addmul_mix_aic", entries[0].Name)
	assert.Equal(t, "fused_addmul_mix_aiv", entries[1].Name)
	assert.Equal(t, uint32(3), entries[0].PrefetchCount)
	assert.NotEqual(t, entries[0].PC, entries[1].PC)

	a := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 1, 2, 3, 4)
	bv := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 2, 2, 2, 2)
	out := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 0, 0, 0, 0)
	prepare(t, task, []tensor.Value{a, bv}, []tensor.Value{out})
	require.NoError(t, task.Launch(h.Ctx, s))
	require.NoError(t, h.Dev.SynchronizeStream(h.Ctx, s, 0))
	assert.Equal(t, []float32{6, 8, 10, 12}, testutil.PeekF32(t, h.Dev, out.Buffer.Addr, 4))
}

func TestBuilder_Rejections(t *testing.T) {
	t.Parallel()

	h := testutil.NewHarness(t)
	b := optask.NewBuilder(h.Dev, h.Reg)

	testCases := []struct {
		name string
		node *model.Node
	}{
		{"unknown op type", binaryNode("x", "Conv", model.KindTbe, "add")},
		{"unknown kernel", binaryNode("x", "Add", model.KindTbe, "nope")},
		{"engine mismatch", binaryNode("x", "Add", model.KindAiCpu, "add")},
		{"mix without variants", binaryNode("x", "Add", model.KindMixL2, "add")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.Build(h.Ctx, tc.node)
			require.Error(t, err)
			assert.ErrorIs(t, err, status.ErrParamInvalid)
		})
	}
}

func TestBuilder_AtomicCleanZeroesOutputs(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	s := h.Stream(t)
	b := optask.NewBuilder(h.Dev, h.Reg)
	node := binaryNode("acc", "Add", model.KindTbe, "add")
	node.AtomicCleanOutputs = []int{0}
	out := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 7, 7, 7, 7)

	// --- Act ---
	clean, err := b.BuildAtomicClean(h.Ctx, node)
	require.NoError(t, err)
	tr, err := clean.RunTiling(nil, nil)
	require.NoError(t, err)
	require.NoError(t, clean.BuildArgs([]tensor.Value{out}, nil, nil, tr))
	require.NoError(t, clean.Launch(h.Ctx, s))
	require.NoError(t, h.Dev.SynchronizeStream(h.Ctx, s, 0))

	// --- Assert ---
	assert.Equal(t, model.KindAtomicAddrClean, clean.Kind)
	_, hasTiling := clean.Layout().Region(optask.RegionTilingAddr)
	assert.False(t, hasTiling)
	assert.Equal(t, []float32{0, 0, 0, 0}, testutil.PeekF32(t, h.Dev, out.Buffer.Addr, 4))

	none, err := b.BuildAtomicClean(h.Ctx, binaryNode("plain", "Add", model.KindTbe, "add"))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTask_LaunchFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	s := h.Stream(t)
	task, err := optask.NewBuilder(h.Dev, h.Reg).Build(h.Ctx, binaryNode("add", "Add", model.KindTbe, "add"))
	require.NoError(t, err)
	v := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 1, 2, 3, 4)
	prepare(t, task, []tensor.Value{v, v}, []tensor.Value{v})
	h.Dev.Faults().FailLaunch("add")

	// --- Act ---
	err = task.Launch(h.Ctx, s)

	// --- Assert ---
	require.Error(t, err)
	assert.Equal(t, status.KernelLaunchFailed, status.CodeOf(err))
	assert.Equal(t, int64(0), h.Dev.Stats().Launches)
}

func TestTask_LaunchKeepsDriverStatus(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	task, err := optask.NewBuilder(h.Dev, h.Reg).Build(h.Ctx, binaryNode("add", "Add", model.KindTbe, "add"))
	require.NoError(t, err)
	v := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 1, 2, 3, 4)
	prepare(t, task, []tensor.Value{v, v}, []tensor.Value{v})

	// --- Act ---
	err = task.Launch(h.Ctx, device.Stream(9999))

	// --- Assert ---
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrParamInvalid)
	assert.NotErrorIs(t, err, status.ErrKernelLaunch)
	assert.Contains(t, err.Error(), "unknown stream")
}

func TestBuilder_ExplainAttachesDumpRecord(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	s := h.Stream(t)
	b := optask.NewBuilder(h.Dev, h.Reg, optask.WithExceptionDump(optask.NewDumpRing(4)))
	task, err := b.Build(h.Ctx, binaryNode("mul", "Mul", model.KindTbe, "mul"))
	require.NoError(t, err)
	v := testutil.DeviceF32(t, h.Dev, tensor.Shape{4}, 1, 2, 3, 4)
	prepare(t, task, []tensor.Value{v, v}, []tensor.Value{v})
	h.Dev.Faults().FaultKernel("mul")

	// --- Act ---
	require.NoError(t, task.Launch(h.Ctx, s))
	err = b.Explain(h.Dev.SynchronizeStream(h.Ctx, s, 0))

	// --- Assert ---
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrKernelFault)
	assert.Contains(t, err.Error(), "dump: task")
	assert.Contains(t, err.Error(), "op mul (Mul/tbe)")
}
