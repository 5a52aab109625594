package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vk/hybridrt/internal/allocator"
	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/executor"
	"github.com/vk/hybridrt/internal/pipeline"
	"github.com/vk/hybridrt/internal/profiling"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
	"github.com/vk/hybridrt/internal/valuestore"
)

// Listener receives the outcome of every queued request.
type Listener interface {
	OnComputeDone(index uint64, err error, outputs []tensor.Value)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(index uint64, err error, outputs []tensor.Value)

func (f ListenerFunc) OnComputeDone(index uint64, err error, outputs []tensor.Value) {
	f(index, err, outputs)
}

// Completion is what a request's Done channel receives.
type Completion struct {
	Index  uint64
	Result *executor.Result
	Err    error
}

// InputDataWrapper is one queued request. Inputs may live on the host or on
// the device; host inputs of device-placed graph inputs are copied in by
// the worker.
type InputDataWrapper struct {
	Index  uint64
	Inputs []tensor.Value
	// Done, when set, also receives the completion. It should be buffered.
	Done chan<- Completion
}

// Options configure an Executor.
type Options struct {
	DeviceID       int
	NumExecutors   int
	InputBatchCopy bool
	QueueCapacity  int
	// MaxWorkers bounds the stage workers of the pipelined engine.
	MaxWorkers int
	Reporter   *profiling.Reporter
}

// Executor is the asynchronous front of one loaded model.
type Executor struct {
	model *executor.Model
	alloc *allocator.Manager
	opts  Options

	stream     device.Stream
	ownsStream bool
	engine     executor.Engine
	pipe       *pipeline.Executor

	// runMu serialises engine calls; neither engine is reentrant.
	runMu sync.Mutex
	// staged holds input blocks of requests whose copy stream timed out.
	staged executor.Parking

	queue    chan *InputDataWrapper
	qmu      sync.RWMutex
	started  bool
	stopped  bool
	listener Listener
	wg       sync.WaitGroup
}

// New creates an executor for m. Call Init before anything else.
func New(m *executor.Model, alloc *allocator.Manager, opts Options) *Executor {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 64
	}
	return &Executor{
		model: m,
		alloc: alloc,
		opts:  opts,
		queue: make(chan *InputDataWrapper, opts.QueueCapacity),
	}
}

// Init binds the executor to s, or to a stream it creates when s is zero,
// and picks the engine: the pipeline when the model loops over iterations
// with more than one stage, the single-shot executor otherwise.
func (e *Executor) Init(ctx context.Context, s device.Stream) error {
	logger := ctxlog.FromContext(ctx).With("model", e.model.Graph.Name)
	rt := e.model.Runtime()
	if s == 0 {
		created, err := rt.CreateStream()
		if err != nil {
			return fmt.Errorf("create executor stream: %w", err)
		}
		s = created
		e.ownsStream = true
	}
	e.stream = s

	g := e.model.Graph
	if g.NeedsLoop() && g.NumStages > 1 {
		p := pipeline.New(e.model, e.alloc, pipeline.Config{
			DeviceID:     e.opts.DeviceID,
			NumExecutors: e.opts.NumExecutors,
			Stream:       s,
			MaxWorkers:   e.opts.MaxWorkers,
		})
		if err := p.Init(ctx); err != nil {
			e.releaseStream()
			return err
		}
		e.pipe = p
		e.engine = p
	} else {
		ss, err := executor.NewSingleShot(ctx, e.model, e.alloc)
		if err != nil {
			e.releaseStream()
			return err
		}
		e.engine = ss
	}
	logger.Debug("Async executor initialized.", "stream", s, "pipelined", e.pipe != nil)
	return nil
}

// Pipelined reports whether requests run on the pipelined engine.
func (e *Executor) Pipelined() bool {
	return e.pipe != nil
}

// Stream returns the stream the executor copies inputs on.
func (e *Executor) Stream() device.Stream {
	return e.stream
}

// Start spawns the worker that serves queued requests in order. The worker
// is not stopped by ctx; use Stop.
func (e *Executor) Start(ctx context.Context, listener Listener) error {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.engine == nil {
		return status.Errorf(status.Internal, "start", "executor is not initialized")
	}
	if e.stopped {
		return status.Errorf(status.Stopped, "start", "executor was stopped")
	}
	if e.started {
		return status.Errorf(status.Internal, "start", "executor was already started")
	}
	e.started = true
	e.listener = listener

	ctx = context.WithoutCancel(ctx)
	logger := ctxlog.FromContext(ctx).With("model", e.model.Graph.Name)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		logger.Debug("Worker started.")
		for w := range e.queue {
			if w == nil {
				logger.Debug("Worker stopped.")
				return
			}
			e.serve(ctx, w)
		}
	}()
	return nil
}

// EnqueueData queues w, blocking while the queue is full.
func (e *Executor) EnqueueData(ctx context.Context, w *InputDataWrapper) error {
	if w == nil {
		return status.Errorf(status.ParamInvalid, "enqueue", "nil request")
	}
	e.qmu.RLock()
	defer e.qmu.RUnlock()
	if !e.started || e.stopped {
		return status.Errorf(status.Stopped, "enqueue", "executor is not running")
	}
	select {
	case e.queue <- w:
		return nil
	case <-ctx.Done():
		return status.New(status.Stopped, "enqueue", ctx.Err())
	}
}

// Stop lets the worker finish every request queued so far and waits for
// it. It is safe to call more than once.
func (e *Executor) Stop() {
	e.qmu.Lock()
	if e.stopped {
		e.qmu.Unlock()
		return
	}
	e.stopped = true
	if e.started {
		e.queue <- nil
	}
	e.qmu.Unlock()
	e.wg.Wait()
}

func (e *Executor) serve(ctx context.Context, w *InputDataWrapper) {
	res, err := e.run(ctx, e.stream, w.Index, w.Inputs)
	var outs []tensor.Value
	if res != nil {
		outs = res.Outputs
	}
	if e.listener != nil {
		e.listener.OnComputeDone(w.Index, err, outs)
	}
	if w.Done != nil {
		w.Done <- Completion{Index: w.Index, Result: res, Err: err}
	}
}

// Execute runs inputs on the executor's stream without going through the
// queue.
func (e *Executor) Execute(ctx context.Context, inputs []tensor.Value) (*executor.Result, error) {
	return e.ExecuteWithStreamAsync(ctx, inputs, e.stream)
}

// ExecuteWithStreamAsync runs inputs with s as the stream inputs are copied
// on, without going through the queue.
func (e *Executor) ExecuteWithStreamAsync(ctx context.Context, inputs []tensor.Value, s device.Stream) (*executor.Result, error) {
	if e.engine == nil {
		return nil, status.Errorf(status.Internal, "execute", "executor is not initialized")
	}
	if s == 0 {
		s = e.stream
	}
	return e.run(ctx, s, 0, inputs)
}

func (e *Executor) run(ctx context.Context, s device.Stream, index uint64, inputs []tensor.Value) (*executor.Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	logger := ctxlog.FromContext(ctx).With("model", e.model.Graph.Name, "request", index)
	start := time.Now()
	rt := e.model.Runtime()

	var res *executor.Result
	err := e.staged.Reclaim(ctx, rt, e.alloc, e.model.Opts.SyncTimeout)
	var devInputs []tensor.Value
	var staged []uint64
	if err == nil {
		devInputs, staged, err = e.stageInputs(ctx, s, inputs)
	}
	if err == nil {
		res, err = e.engine.Execute(ctx, s, devInputs)
	}
	if len(staged) > 0 {
		if syncErr := rt.SynchronizeStream(ctx, s, e.model.Opts.SyncTimeout); syncErr != nil {
			// The copies may still be in flight.
			logger.Warn("Input stream did not drain, parking input blocks.", "error", syncErr)
			e.park(s, staged)
		} else {
			for _, addr := range staged {
				if freeErr := e.alloc.Free(s, addr); freeErr != nil && err == nil {
					err = freeErr
				}
			}
		}
	}

	rec := profiling.Record{
		Kind:     profiling.KindAPI,
		Name:     "execute",
		Model:    e.model.Graph.Name,
		Request:  index,
		Start:    start,
		Duration: time.Since(start),
	}
	if res != nil {
		rec.Iterations = res.Iterations
		if res.EOS {
			e.opts.Reporter.Report(profiling.Record{Kind: profiling.KindEvent, Name: "end_of_sequence", Model: rec.Model, Request: index, Start: start, Iterations: res.Iterations})
		}
	}
	if err != nil {
		rec.Err = err.Error()
		logger.Debug("Request failed.", "error", err)
	} else {
		logger.Debug("Request done.", "iterations", rec.Iterations, "duration", rec.Duration)
	}
	e.opts.Reporter.Report(rec)
	return res, err
}

// stageInputs copies host inputs of device-placed graph inputs into blocks
// allocated on s. Inputs already on the device and host-placed graph inputs
// are passed through.
func (e *Executor) stageInputs(ctx context.Context, s device.Stream, inputs []tensor.Value) ([]tensor.Value, []uint64, error) {
	g := e.model.Graph
	if len(inputs) != len(g.Inputs) {
		return nil, nil, status.Errorf(status.ParamInvalid, "stage inputs", "got %d inputs, model %s takes %d", len(inputs), g.Name, len(g.Inputs))
	}
	out := make([]tensor.Value, len(inputs))
	var items []device.CopyItem
	var staged []uint64
	for i, in := range inputs {
		out[i] = in
		if g.Inputs[i].Desc.Placement != tensor.Device || !in.Buffer.IsHost() {
			continue
		}
		size := int64(len(in.Buffer.Data))
		addr, err := e.alloc.Allocate(ctx, s, max(size, 1))
		if err != nil {
			e.freeStaged(s, staged)
			return nil, nil, fmt.Errorf("input %s: %w", g.Inputs[i].Name, err)
		}
		staged = append(staged, addr)
		items = append(items, device.CopyItem{Dst: addr, Src: in.Buffer.Data})
		desc := in.Desc
		desc.Placement = tensor.Device
		out[i] = tensor.Value{Desc: desc, Buffer: tensor.DeviceBuffer(addr, size)}
	}
	fellBack, err := BatchH2D(ctx, e.model.Runtime(), s, items, e.opts.InputBatchCopy)
	if fellBack {
		e.opts.Reporter.Report(profiling.Record{Kind: profiling.KindAdditional, Name: "batch_copy_fallback", Model: g.Name, Start: time.Now(), Attrs: map[string]any{"items": len(items)}})
	}
	if err != nil {
		// Nothing may have been queued for the failed copies, but earlier
		// ones could be; the blocks are returned once the stream drains.
		if syncErr := e.model.Runtime().SynchronizeStream(ctx, s, e.model.Opts.SyncTimeout); syncErr == nil {
			e.freeStaged(s, staged)
		} else {
			e.park(s, staged)
		}
		return nil, nil, err
	}
	return out, staged, nil
}

func (e *Executor) freeStaged(s device.Stream, staged []uint64) {
	for _, addr := range staged {
		_ = e.alloc.Free(s, addr)
	}
}

func (e *Executor) park(s device.Stream, staged []uint64) {
	blocks := make([]valuestore.Allocation, len(staged))
	for i, addr := range staged {
		blocks[i] = valuestore.Allocation{Stream: s, Addr: addr}
	}
	e.staged.Park(blocks...)
}

// Parked returns how many input and frame blocks wait for their stream to
// drain before they go back to the pool.
func (e *Executor) Parked() int {
	n := e.staged.Len()
	if ss, ok := e.engine.(*executor.SingleShot); ok {
		n += ss.Parked()
	}
	return n
}

// Close stops the worker, releases the pipeline and, when the executor
// created its stream, the stream and its pool.
func (e *Executor) Close(ctx context.Context) error {
	e.Stop()
	var firstErr error
	if e.pipe != nil {
		firstErr = e.pipe.ExecuteEndTaskAndRelease(ctx)
	}
	if ss, ok := e.engine.(*executor.SingleShot); ok {
		if err := ss.Reclaim(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.staged.Reclaim(ctx, e.model.Runtime(), e.alloc, e.model.Opts.SyncTimeout); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.ownsStream {
		if err := e.model.Runtime().SynchronizeStream(ctx, e.stream, e.model.Opts.SyncTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.releaseStream()
	return firstErr
}

func (e *Executor) releaseStream() {
	if !e.ownsStream {
		return
	}
	_ = e.alloc.ReleaseStream(e.stream)
	_ = e.model.Runtime().DestroyStream(e.stream)
	e.ownsStream = false
}
