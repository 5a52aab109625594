package async_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/hybridrt/internal/allocator"
	"github.com/vk/hybridrt/internal/async"
	"github.com/vk/hybridrt/internal/config"
	"github.com/vk/hybridrt/internal/executor"
	"github.com/vk/hybridrt/internal/profiling"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
	"github.com/vk/hybridrt/internal/testutil"
)

type done struct {
	index   uint64
	err     error
	outputs []tensor.Value
}

// recorder is a Listener that keeps every completion in arrival order.
type recorder struct {
	mu  sync.Mutex
	got []done
}

func (r *recorder) OnComputeDone(index uint64, err error, outputs []tensor.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, done{index: index, err: err, outputs: outputs})
}

func (r *recorder) all() []done {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]done(nil), r.got...)
}

func newExecutor(t *testing.T, h *testutil.Harness, plan *config.Plan, opts async.Options) (*async.Executor, *executor.Model) {
	t.Helper()
	g := testutil.BuildGraph(t, plan)
	m, err := executor.Load(h.Ctx, h.Dev, h.Reg, g, executor.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Unload() })
	alloc := allocator.NewManager(h.Dev)
	t.Cleanup(func() { _ = alloc.Close() })

	e := async.New(m, alloc, opts)
	require.NoError(t, e.Init(h.Ctx, 0))
	t.Cleanup(func() { _ = e.Close(h.Ctx) })
	return e, m
}

func hostX() []tensor.Value {
	return []tensor.Value{testutil.HostF32(tensor.Shape{4}, 1, 1, 1, 1)}
}

func TestExecutor_Routing(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		stages     int
		iterations int
		pipelined  bool
	}{
		{"looping multi-stage", 2, 2, true},
		{"single stage", 1, 2, false},
		{"no loop", 2, 1, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := testutil.NewHarness(t)

			e, _ := newExecutor(t, h, testutil.AddMulPlan(tc.stages, tc.iterations), async.Options{})

			assert.Equal(t, tc.pipelined, e.Pipelined())
			res, err := e.Execute(h.Ctx, hostX())
			require.NoError(t, err)
			assert.Equal(t, tc.iterations, res.Iterations)
			assert.Equal(t, []float32{2, 6, 12, 20}, testutil.Float32s(res.Outputs[0].Buffer.Data))
		})
	}
}

func TestExecutor_QueuedRequestsCompleteInOrder(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	e, _ := newExecutor(t, h, testutil.AddMulPlan(2, 3), async.Options{QueueCapacity: 2})
	rec := &recorder{}
	require.NoError(t, e.Start(h.Ctx, rec))
	const requests = 6

	// --- Act ---
	for i := range requests {
		require.NoError(t, e.EnqueueData(h.Ctx, &async.InputDataWrapper{Index: uint64(i), Inputs: hostX()}))
	}
	e.Stop()

	// --- Assert ---
	got := rec.all()
	require.Len(t, got, requests)
	for i, d := range got {
		assert.Equal(t, uint64(i), d.index)
		require.NoError(t, d.err)
		require.Len(t, d.outputs, 1)
		assert.Equal(t, tensor.Shape{4}, d.outputs[0].Desc.Shape)
		assert.Equal(t, []float32{2, 6, 12, 20}, testutil.Float32s(d.outputs[0].Buffer.Data))
	}
}

func TestExecutor_VariableAccumulatesAcrossRequests(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	e, m := newExecutor(t, h, testutil.AccumulatePlan(2, 1), async.Options{})
	require.NoError(t, e.Start(h.Ctx, &recorder{}))
	const k = 4
	results := make(chan async.Completion, k)

	// --- Act ---
	for i := range k {
		require.NoError(t, e.EnqueueData(h.Ctx, &async.InputDataWrapper{Index: uint64(i), Done: results}))
	}
	e.Stop()

	// --- Assert ---
	require.Len(t, results, k)
	for range k {
		c := <-results
		require.NoError(t, c.Err)
	}
	raw, err := m.ReadVariable(h.Ctx, e.Stream(), "v")
	require.NoError(t, err)
	assert.Equal(t, []float32{8, 8, 8, 8}, testutil.Float32s(raw))
}

func TestExecutor_EndOfSequenceKeepsWorkerServing(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	e, _ := newExecutor(t, h, testutil.AddMulPlan(2, 2), async.Options{})
	rec := &recorder{}
	require.NoError(t, e.Start(h.Ctx, rec))
	h.Dev.Faults().EndOfSequenceAt("add", 2)
	results := make(chan async.Completion, 2)

	// --- Act ---
	require.NoError(t, e.EnqueueData(h.Ctx, &async.InputDataWrapper{Index: 0, Inputs: hostX(), Done: results}))
	require.NoError(t, e.EnqueueData(h.Ctx, &async.InputDataWrapper{Index: 1, Inputs: hostX(), Done: results}))
	e.Stop()

	// --- Assert ---
	first := <-results
	require.NoError(t, first.Err)
	assert.True(t, first.Result.EOS)
	assert.Equal(t, 1, first.Result.Iterations)

	second := <-results
	require.NoError(t, second.Err)
	assert.False(t, second.Result.EOS)
	assert.Equal(t, 2, second.Result.Iterations)
	assert.Len(t, rec.all(), 2)
}

func TestExecutor_BatchCopy(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	e, _ := newExecutor(t, h, testutil.AddMulPlan(1, 1), async.Options{InputBatchCopy: true})

	// --- Act ---
	res, err := e.Execute(h.Ctx, hostX())

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.Dev.Stats().BatchCopies)
	assert.Equal(t, []float32{2, 6, 12, 20}, testutil.Float32s(res.Outputs[0].Buffer.Data))
}

func TestExecutor_BatchCopyFallsBackPerTensor(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	reporter := profiling.New(16)
	events := make(chan profiling.Record, 16)
	reporter.Subscribe("test", profiling.SubscriberFunc(func(rec profiling.Record) { events <- rec }))
	e, _ := newExecutor(t, h, testutil.AddMulPlan(1, 1), async.Options{InputBatchCopy: true, Reporter: reporter})
	h.Dev.Faults().DisableBatchCopy()

	// --- Act ---
	res, err := e.Execute(h.Ctx, hostX())
	reporter.Close()

	// --- Assert ---
	require.NoError(t, err)
	assert.Zero(t, h.Dev.Stats().BatchCopies)
	assert.Equal(t, []float32{2, 6, 12, 20}, testutil.Float32s(res.Outputs[0].Buffer.Data))
	var names []string
	for len(events) > 0 {
		names = append(names, (<-events).Name)
	}
	assert.Contains(t, names, "batch_copy_fallback")
	assert.Contains(t, names, "execute")
}

func TestExecutor_FallbackFailureFailsOnlyThatRequest(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	e, _ := newExecutor(t, h, testutil.AddMulPlan(1, 1), async.Options{InputBatchCopy: true})
	rec := &recorder{}
	require.NoError(t, e.Start(h.Ctx, rec))
	h.Dev.Faults().DisableBatchCopy()
	h.Dev.Faults().FailNextCopies(1)

	// --- Act ---
	require.NoError(t, e.EnqueueData(h.Ctx, &async.InputDataWrapper{Index: 7, Inputs: hostX()}))
	require.NoError(t, e.EnqueueData(h.Ctx, &async.InputDataWrapper{Index: 8, Inputs: hostX()}))
	e.Stop()

	// --- Assert ---
	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(7), got[0].index)
	assert.ErrorIs(t, got[0].err, status.ErrInternal)
	assert.Empty(t, got[0].outputs)
	assert.NoError(t, got[1].err)
}

func TestExecutor_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	h := testutil.NewHarness(t)
	e, _ := newExecutor(t, h, testutil.AddMulPlan(1, 1), async.Options{})
	require.NoError(t, e.Start(h.Ctx, &recorder{}))

	e.Stop()
	e.Stop()

	err := e.EnqueueData(h.Ctx, &async.InputDataWrapper{Inputs: hostX()})
	assert.ErrorIs(t, err, status.ErrStopped)
	assert.Error(t, e.Start(h.Ctx, &recorder{}))
}

func TestExecutor_StartAfterStopReportsStopped(t *testing.T) {
	t.Parallel()

	h := testutil.NewHarness(t)
	e, _ := newExecutor(t, h, testutil.AddMulPlan(1, 1), async.Options{})

	e.Stop()
	err := e.Start(h.Ctx, &recorder{})

	assert.ErrorIs(t, err, status.ErrStopped)
	assert.Contains(t, err.Error(), "stopped")
}

func TestExecutor_TimedOutInputBlocksReturnToPool(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	g := testutil.BuildGraph(t, testutil.AddMulPlan(1, 1))
	m, err := executor.Load(h.Ctx, h.Dev, h.Reg, g, executor.Options{SyncTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Unload() })
	alloc := allocator.NewManager(h.Dev)
	t.Cleanup(func() { _ = alloc.Close() })
	e := async.New(m, alloc, async.Options{})
	require.NoError(t, e.Init(h.Ctx, 0))
	t.Cleanup(func() { _ = e.Close(h.Ctx) })
	h.Dev.Faults().DelayKernel("add", 300*time.Millisecond)

	// --- Act ---
	_, err = e.Execute(h.Ctx, hostX())

	// --- Assert ---
	require.Equal(t, status.StreamSyncTimeout, status.CodeOf(err))
	assert.Positive(t, e.Parked(), "input and frame blocks wait for the stream")

	h.Dev.Faults().Reset()
	require.NoError(t, h.Dev.SynchronizeStream(h.Ctx, e.Stream(), 0))
	res, err := e.Execute(h.Ctx, hostX())
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 6, 12, 20}, testutil.Float32s(res.Outputs[0].Buffer.Data))
	assert.Zero(t, e.Parked())
	assert.Zero(t, alloc.Stats()[e.Stream()].InUseBytes)
}

func TestExecutor_RejectsEnqueueBeforeStart(t *testing.T) {
	t.Parallel()

	h := testutil.NewHarness(t)
	e, _ := newExecutor(t, h, testutil.AddMulPlan(1, 1), async.Options{})

	err := e.EnqueueData(h.Ctx, &async.InputDataWrapper{Inputs: hostX()})

	assert.ErrorIs(t, err, status.ErrStopped)
}

func TestExecutor_ExecuteWithCallerStream(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t)
	e, _ := newExecutor(t, h, testutil.AddMulPlan(2, 2), async.Options{})
	s := h.Stream(t)

	// --- Act ---
	res, err := e.ExecuteWithStreamAsync(h.Ctx, hostX(), s)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, []float32{2, 6, 12, 20}, testutil.Float32s(res.Outputs[0].Buffer.Data))
}
