package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/status"
)

func newTestDevice(t *testing.T, opts ...Option) (*Device, device.Stream) {
	t.Helper()
	d := New(opts...)
	s, err := d.CreateStream()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.DestroyStream(s) })
	return d, s
}

func TestMalloc_CapacityAndInjectedFailure(t *testing.T) {
	t.Parallel()

	d := New(WithCapacity(1024))

	a, err := d.Malloc(1000)
	require.NoError(t, err)
	assert.NotZero(t, a)

	_, err = d.Malloc(100)
	require.ErrorIs(t, err, status.ErrMemoryAllocation)

	require.NoError(t, d.Free(a))
	d.Faults().FailNextMallocs(1)
	_, err = d.Malloc(100)
	require.ErrorIs(t, err, status.ErrMemoryAllocation)
	_, err = d.Malloc(100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Stats().MallocFailures)
}

func TestMemcpy_RoundTripThroughStream(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	d, s := newTestDevice(t)
	addr, err := d.Malloc(4)
	require.NoError(t, err)

	// --- Act ---
	require.NoError(t, d.MemcpyH2D(s, addr, []byte{1, 2, 3, 4}))
	out := make([]byte, 4)
	require.NoError(t, d.MemcpyD2H(s, out, addr))
	require.NoError(t, d.SynchronizeStream(context.Background(), s, time.Second))

	// --- Assert ---
	assert.Equal(t, []byte{1, 2, 3, 4}, out)
}

func TestMemcpyBatch_NotSupported(t *testing.T) {
	t.Parallel()

	d, s := newTestDevice(t)
	addr, err := d.Malloc(4)
	require.NoError(t, err)
	d.Faults().DisableBatchCopy()

	err = d.MemcpyBatchH2D(s, []device.CopyItem{{Dst: addr, Src: []byte{1}}})
	require.ErrorIs(t, err, status.ErrFeatureNotSupported)
}

func TestLaunch_PatchesArgsAndRunsImpl(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	d, s := newTestDevice(t)
	out, err := d.Malloc(8)
	require.NoError(t, err)
	d.RegisterImpl("echo", func(k *KernelContext) error {
		dst, err := k.Slot(0)
		if err != nil {
			return err
		}
		src, err := k.Slot(1)
		if err != nil {
			return err
		}
		in, err := k.Mem(src, 8)
		if err != nil {
			return err
		}
		o, err := k.Mem(dst, 8)
		if err != nil {
			return err
		}
		copy(o, in)
		return nil
	})
	h, err := d.RegisterKernel(device.KernelBinary{Name: "echo"})
	require.NoError(t, err)

	args := make([]byte, 24)
	require.NoError(t, device.PutAddr(args, 0, out))
	copy(args[16:], []byte("hostdata"))

	// --- Act ---
	err = d.Launch(s, &device.LaunchParams{
		Handle: h,
		Args:   args,
		Ex:     device.ArgsEx{HostInputs: []device.HostInputInfo{{AddrOffset: 8, DataOffset: 16}}},
	})
	require.NoError(t, err)
	require.NoError(t, d.SynchronizeStream(context.Background(), s, time.Second))

	// --- Assert ---
	got, err := d.Peek(out, 8)
	require.NoError(t, err)
	assert.Equal(t, "hostdata", string(got))
}

func TestLaunch_Faults(t *testing.T) {
	t.Parallel()

	d, s := newTestDevice(t)
	d.RegisterImpl("nop", func(*KernelContext) error { return nil })
	h, err := d.RegisterKernel(device.KernelBinary{Name: "nop"})
	require.NoError(t, err)
	ctx := context.Background()

	d.Faults().FaultKernel("nop")
	require.NoError(t, d.Launch(s, &device.LaunchParams{Handle: h, TaskID: 7}))
	err = d.SynchronizeStream(ctx, s, time.Second)
	require.ErrorIs(t, err, status.ErrKernelFault)
	var fault *device.FaultError
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, uint64(7), fault.TaskID)

	d.Faults().Reset()
	d.Faults().EndOfSequenceAt("nop", 2)
	require.NoError(t, d.Launch(s, &device.LaunchParams{Handle: h}))
	require.NoError(t, d.SynchronizeStream(ctx, s, time.Second))
	require.NoError(t, d.Launch(s, &device.LaunchParams{Handle: h}))
	assert.True(t, status.IsEOS(d.SynchronizeStream(ctx, s, time.Second)))

	d.Faults().Reset()
	d.Faults().DelayKernel("nop", 200*time.Millisecond)
	require.NoError(t, d.Launch(s, &device.LaunchParams{Handle: h}))
	require.ErrorIs(t, d.SynchronizeStream(ctx, s, 10*time.Millisecond), status.ErrStreamSyncTimeout)
	require.NoError(t, d.SynchronizeStream(ctx, s, time.Second))

	d.Faults().FailLaunch("nop")
	require.ErrorIs(t, d.Launch(s, &device.LaunchParams{Handle: h}), status.ErrKernelLaunch)
}

func TestEvents_StreamWaitOrdersAcrossStreams(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	d, producer := newTestDevice(t)
	consumer, err := d.CreateStream()
	require.NoError(t, err)
	defer func() { _ = d.DestroyStream(consumer) }()
	d.RegisterImpl("slow", func(*KernelContext) error { return nil })
	h, err := d.RegisterKernel(device.KernelBinary{Name: "slow"})
	require.NoError(t, err)
	d.Faults().DelayKernel("slow", 50*time.Millisecond)
	ev, err := d.CreateEvent()
	require.NoError(t, err)
	buf, err := d.Malloc(1)
	require.NoError(t, err)

	// --- Act ---
	require.NoError(t, d.Launch(producer, &device.LaunchParams{Handle: h}))
	require.NoError(t, d.MemcpyH2D(producer, buf, []byte{9}))
	require.NoError(t, d.RecordEvent(ev, producer))
	require.NoError(t, d.StreamWaitEvent(consumer, ev))
	out := make([]byte, 1)
	require.NoError(t, d.MemcpyD2H(consumer, out, buf))
	require.NoError(t, d.SynchronizeStream(context.Background(), consumer, time.Second))

	// --- Assert ---
	assert.Equal(t, byte(9), out[0])
	require.NoError(t, d.SynchronizeEvent(context.Background(), ev, time.Second))
}

func TestAvailableStreams_RespectsLimit(t *testing.T) {
	t.Parallel()

	d := New(WithMaxStreams(3))
	assert.Equal(t, 3, d.AvailableStreams())
	d.Faults().LimitStreams(1)
	assert.Equal(t, 1, d.AvailableStreams())
	s, err := d.CreateStream()
	require.NoError(t, err)
	assert.Equal(t, 1, d.AvailableStreams())
	require.NoError(t, d.DestroyStream(s))
	d.Faults().LimitStreams(0)
	_, err = d.CreateStream()
	require.Error(t, err)
}

func TestKernelEntry_MixFunctions(t *testing.T) {
	t.Parallel()

	d := New()
	d.RegisterImpl("mm_mix_aic", func(*KernelContext) error { return nil })
	d.RegisterImpl("mm_mix_aiv", func(*KernelContext) error { return nil })
	h, err := d.RegisterKernel(device.KernelBinary{Name: "mm", Engine: device.Mix, Functions: []string{"mm_mix_aic", "mm_mix_aiv"}, Data: make([]byte, 600)})
	require.NoError(t, err)

	e, err := d.KernelEntry(h, "mm_mix_aiv")
	require.NoError(t, err)
	assert.NotZero(t, e.PC)
	assert.Equal(t, uint32(3), e.PrefetchCount)

	_, err = d.KernelEntry(h, "mm")
	require.ErrorIs(t, err, status.ErrParamInvalid)
}
