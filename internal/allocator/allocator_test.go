package allocator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/device/sim"
	"github.com/vk/hybridrt/internal/status"
)

func setup(t *testing.T, capacity int64) (*sim.Device, device.Stream, *Manager) {
	t.Helper()
	dev := sim.New(sim.WithCapacity(capacity))
	s, err := dev.CreateStream()
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.DestroyStream(s) })
	return dev, s, NewManager(dev, WithSyncTimeout(time.Second))
}

func TestAllocate_CacheHitOnSameStream(t *testing.T) {
	t.Parallel()

	dev, s, m := setup(t, 4096)
	ctx := context.Background()

	a, err := m.Allocate(ctx, s, 100)
	require.NoError(t, err)
	require.NoError(t, m.Free(s, a))
	b, err := m.Allocate(ctx, s, 300)
	require.NoError(t, err)

	assert.Equal(t, a, b, "both sizes round to one 512 byte class")
	assert.Equal(t, int64(1), dev.Stats().Mallocs)
	st := m.Stats()[s]
	assert.Equal(t, int64(1), st.CacheHits)
	assert.Equal(t, RoundSize, st.InUseBytes)
}

func TestAllocate_RecycleAndRetryOnForcedFailure(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dev, s, m := setup(t, 8192)
	ctx := context.Background()
	big, err := m.Allocate(ctx, s, 2048)
	require.NoError(t, err)
	require.NoError(t, m.Free(s, big))
	dev.Faults().FailNextMallocs(1)

	// --- Act ---
	addr, err := m.Allocate(ctx, s, 512)

	// --- Assert ---
	require.NoError(t, err)
	assert.NotZero(t, addr)
	st := m.Stats()[s]
	assert.Equal(t, int64(1), st.Recycles)
	assert.Equal(t, int64(0), st.CachedBytes, "cached blocks went back to the device")
	assert.Equal(t, int64(2048), st.ReleasedBytes)
	assert.Equal(t, int64(1), dev.Stats().Frees)
	assert.Equal(t, int64(1), dev.Stats().MallocFailures)
}

func TestAllocate_RecycleOnRealOutOfMemory(t *testing.T) {
	t.Parallel()

	dev, s, m := setup(t, 1024)
	ctx := context.Background()
	a, err := m.Allocate(ctx, s, 1024)
	require.NoError(t, err)
	require.NoError(t, m.Free(s, a))

	b, err := m.Allocate(ctx, s, 512)
	require.NoError(t, err)
	assert.NotZero(t, b)
	assert.Equal(t, int64(512), dev.MemInfo().Total-dev.MemInfo().Free)
}

func TestAllocate_RetriesAtMostOnce(t *testing.T) {
	t.Parallel()

	dev, s, m := setup(t, 8192)
	dev.Faults().FailNextMallocs(3)

	_, err := m.Allocate(context.Background(), s, 512)

	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrMemoryAllocation)
	assert.Contains(t, err.Error(), "DEVICE_MEMORY_OPERATE_FAILED")
	assert.Contains(t, err.Error(), "512 bytes still unavailable after releasing 0 cached bytes")
	assert.Equal(t, int64(2), dev.Stats().MallocFailures, "one attempt plus one retry")
	// The third injected failure is still pending.
	_, err = dev.Malloc(512)
	require.Error(t, err)
}

func TestAllocate_SyncFailureAbortsRecycle(t *testing.T) {
	t.Parallel()

	dev, s, m := setup(t, 8192)
	dev.RegisterImpl("slow", func(*sim.KernelContext) error { return nil })
	h, err := dev.RegisterKernel(device.KernelBinary{Name: "slow"})
	require.NoError(t, err)
	dev.Faults().FaultKernel("slow")
	require.NoError(t, dev.Launch(s, &device.LaunchParams{Handle: h}))
	dev.Faults().FailNextMallocs(1)

	_, err = m.Allocate(context.Background(), s, 512)
	require.ErrorIs(t, err, status.ErrKernelFault)
	assert.Contains(t, err.Error(), "synchronize before recycle: ")
	var cause *status.Error
	require.ErrorAs(t, errors.Cause(err), &cause)
	assert.Equal(t, status.KernelFault, cause.Code)
}

type countingAllocator struct {
	mu      sync.Mutex
	next    uint64
	frees   int
	mallocs int
}

func (c *countingAllocator) Malloc(_ context.Context, size int64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mallocs++
	c.next += uint64(size)
	return 0xE000_0000 + c.next, nil
}

func (c *countingAllocator) Free(uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frees++
	return nil
}

func TestSetAllocator_ExternalReplacesPool(t *testing.T) {
	t.Parallel()

	dev, s, m := setup(t, 8192)
	ctx := context.Background()

	inPool, err := m.Allocate(ctx, s, 64)
	require.NoError(t, err)
	ext := &countingAllocator{}
	require.ErrorIs(t, m.SetAllocator(s, ext), status.ErrParamInvalid, "pool still has a block in use")

	require.NoError(t, m.Free(s, inPool))
	require.NoError(t, m.SetAllocator(s, ext))
	assert.Same(t, ext, m.SelectAllocator(s))

	addr, err := m.Allocate(ctx, s, 64)
	require.NoError(t, err)
	require.NoError(t, m.Free(s, addr))
	assert.Equal(t, 1, ext.mallocs)
	assert.Equal(t, 1, ext.frees)
	assert.Equal(t, int64(1), dev.Stats().Frees, "cached pool block released when switching")

	require.NoError(t, m.SetAllocator(s, nil))
	_, ok := m.SelectAllocator(s).(*StreamResource)
	assert.True(t, ok)
}

func TestFree_UnknownAddress(t *testing.T) {
	t.Parallel()

	_, s, m := setup(t, 4096)
	require.ErrorIs(t, m.Free(s, 0xdead), status.ErrParamInvalid)
}
