package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vk/hybridrt/internal/allocator"
	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/executor"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
	"github.com/vk/hybridrt/internal/valuestore"
)

// DefaultEventPool is the number of events each stage cycles through.
const DefaultEventPool = 4

// Config configures an Executor.
type Config struct {
	DeviceID int
	// NumExecutors must match the number of stages of the model when set.
	NumExecutors int
	// Stream is the caller's stream. Stages only run on it when the device
	// cannot provide one stream per stage.
	Stream device.Stream
	// MaxWorkers bounds how many stage loops run at once.
	MaxWorkers int
	EventPool  int
}

// Executor is the pipelined engine: one StageExecutor per stage, chained in
// stage order.
type Executor struct {
	model *executor.Model
	alloc *allocator.Manager
	cfg   Config

	stages  []*StageExecutor
	subject *StageSubject
	created []device.Stream
	merged  bool
	entry   device.Event

	mu      sync.Mutex
	pending []*valuestore.Store
	closed  bool
}

var _ executor.Engine = (*Executor)(nil)

// New creates an executor for m. Call Init before Execute.
func New(m *executor.Model, alloc *allocator.Manager, cfg Config) *Executor {
	if cfg.EventPool <= 0 {
		cfg.EventPool = DefaultEventPool
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = m.Graph.NumStages
	}
	return &Executor{model: m, alloc: alloc, cfg: cfg}
}

// Init partitions the nodes by stage, acquires the stage streams and builds
// the chain of stage executors. When fewer streams are available than
// stages, no stream is created and every stage runs on the caller's stream,
// or on a single created stream when the caller gave none.
func (e *Executor) Init(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("model", e.model.Graph.Name)
	rt := e.model.Runtime()
	parts := e.model.Graph.Stages()
	if e.cfg.NumExecutors > 0 && e.cfg.NumExecutors != len(parts) {
		return status.Errorf(status.ParamInvalid, "init pipeline",
			"%d executors configured for %d stages", e.cfg.NumExecutors, len(parts))
	}
	if rt.DeviceID() != e.cfg.DeviceID {
		return status.Errorf(status.ParamInvalid, "init pipeline",
			"model is loaded on device %d, pipeline configured for %d", rt.DeviceID(), e.cfg.DeviceID)
	}

	streams, err := e.acquireStreams(len(parts))
	if err != nil {
		return err
	}
	if e.merged {
		logger.Info("⚠️ Not enough streams, stages share one stream.", "stages", len(parts), "stream", streams[0])
	}

	e.subject = NewStageSubject(len(parts))
	mus := make(map[device.Stream]*sync.Mutex)
	queue := e.model.Graph.IterationEnd + 1
	for i, nodes := range parts {
		runner, err := executor.NewRunner(ctx, e.model, e.alloc, nodes)
		if err != nil {
			_ = e.release(ctx)
			return fmt.Errorf("stage %d: %w", i, err)
		}
		mu, ok := mus[streams[i]]
		if !ok {
			mu = &sync.Mutex{}
			mus[streams[i]] = mu
		}
		st := NewStageExecutor(i, e.model, runner, streams[i], mu, e.subject)
		if err := st.Init(e.cfg.EventPool, queue); err != nil {
			_ = e.release(ctx)
			return err
		}
		if i > 0 {
			e.stages[i-1].SetNext(st)
		}
		e.stages = append(e.stages, st)
	}

	if e.entry, err = rt.CreateEvent(); err != nil {
		_ = e.release(ctx)
		return fmt.Errorf("entry event: %w", err)
	}
	logger.Debug("Pipeline initialized.", "stages", len(e.stages), "created_streams", len(e.created), "merged", e.merged)
	return nil
}

func (e *Executor) acquireStreams(n int) ([]device.Stream, error) {
	rt := e.model.Runtime()
	streams := make([]device.Stream, n)
	if rt.AvailableStreams() >= n {
		for i := range streams {
			s, err := rt.CreateStream()
			if err != nil {
				if status.CodeOf(err) != status.FeatureNotSupported {
					e.destroyCreated()
					return nil, fmt.Errorf("create stage stream: %w", err)
				}
				e.destroyCreated()
				break
			}
			e.created = append(e.created, s)
			streams[i] = s
		}
		if len(e.created) == n {
			return streams, nil
		}
	}

	e.merged = true
	shared := e.cfg.Stream
	if shared == 0 {
		s, err := rt.CreateStream()
		if err != nil {
			return nil, fmt.Errorf("create shared stream: %w", err)
		}
		e.created = append(e.created, s)
		shared = s
	}
	for i := range streams {
		streams[i] = shared
	}
	return streams, nil
}

func (e *Executor) destroyCreated() {
	rt := e.model.Runtime()
	for _, s := range e.created {
		_ = rt.DestroyStream(s)
	}
	e.created = nil
}

// Stages returns the stage executors in order.
func (e *Executor) Stages() []*StageExecutor {
	return e.stages
}

// Merged reports whether the stages share a single stream.
func (e *Executor) Merged() bool {
	return e.merged
}

// CreatedStreams returns the streams the executor created and owns.
func (e *Executor) CreatedStreams() []device.Stream {
	return append([]device.Stream(nil), e.created...)
}

// Execute runs one request through the chain. s is the stream the inputs
// were written on; the first stage waits for it before its first launch.
func (e *Executor) Execute(ctx context.Context, s device.Stream, inputs []tensor.Value) (*executor.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.stages) == 0 {
		return nil, status.Errorf(status.Internal, "execute pipeline", "executor is not initialized")
	}
	if err := e.model.CheckInputs(inputs); err != nil {
		return nil, err
	}
	if err := e.reclaim(ctx); err != nil {
		return nil, err
	}

	logger := ctxlog.FromContext(ctx).With("model", e.model.Graph.Name)
	r := newRequest(inputs, e.model.Graph.IterationEnd)
	if s != 0 && !e.onStageStream(s) {
		if err := e.model.Runtime().RecordEvent(e.entry, s); err != nil {
			return nil, fmt.Errorf("record entry event: %w", err)
		}
		r.entry = e.entry
	}

	e.subject.Reset()
	for _, st := range e.stages {
		if err := st.Reset(); err != nil {
			return nil, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxWorkers)
	for _, st := range e.stages {
		g.Go(func() error { return st.start(gctx, r) })
	}
	groupErr := g.Wait()
	if groupErr != nil {
		e.subject.Abandon()
	}

	e.finish(ctx, r)
	res, err := r.result()
	if err == nil {
		err = groupErr
	}
	if err != nil {
		logger.Debug("Pipeline request failed.", "iterations", res.Iterations, "error", err)
		return res, e.model.Builder().Explain(err)
	}
	logger.Debug("Pipeline request finished.", "iterations", res.Iterations, "eos", res.EOS)
	return res, nil
}

// ExecuteOnlineModel runs one request and hands its outcome to done.
func (e *Executor) ExecuteOnlineModel(ctx context.Context, s device.Stream, inputs []tensor.Value, done func(err error, outputs []tensor.Value)) {
	res, err := e.Execute(ctx, s, inputs)
	var outs []tensor.Value
	if res != nil {
		outs = res.Outputs
	}
	done(err, outs)
}

func (e *Executor) onStageStream(s device.Stream) bool {
	for _, st := range e.stages {
		if st.Stream() == s {
			return true
		}
	}
	return false
}

// finish releases the blocks of iterations that did not complete. After a
// synchronize timeout kernels may still use them, so they are parked until
// the streams drain.
func (e *Executor) finish(ctx context.Context, r *request) {
	if r.timedOut() {
		e.pending = append(e.pending, r.store)
		return
	}
	if err := e.releaseStore(r.store); err != nil {
		ctxlog.FromContext(ctx).Warn("Releasing leftover iterations failed.", "error", err)
	}
}

func (e *Executor) releaseStore(store *valuestore.Store) error {
	runner := e.stages[0].runner
	var firstErr error
	for _, it := range store.Iterations() {
		frame, ok := store.Drop(it)
		if !ok {
			continue
		}
		if err := runner.Release(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// reclaim drains every stage stream and frees parked iterations.
func (e *Executor) reclaim(ctx context.Context) error {
	if len(e.pending) == 0 {
		return nil
	}
	rt := e.model.Runtime()
	for _, st := range e.stages {
		st.streamMu.Lock()
		err := rt.SynchronizeStream(ctx, st.stream, e.model.Opts.SyncTimeout)
		st.streamMu.Unlock()
		if status.CodeOf(err) == status.StreamSyncTimeout {
			return fmt.Errorf("drain stage %d before request: %w", st.id, err)
		}
	}
	var firstErr error
	for _, store := range e.pending {
		if err := e.releaseStore(store); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.pending = nil
	return firstErr
}

// ExecuteEndTaskAndRelease drains every stage, frees parked iterations and
// the pools and streams the executor created. The executor cannot be used
// afterwards.
func (e *Executor) ExecuteEndTaskAndRelease(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.release(ctx)
}

func (e *Executor) release(ctx context.Context) error {
	rt := e.model.Runtime()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, st := range e.stages {
		keep(st.ExecuteEndTaskAndRelease(ctx))
	}
	if len(e.stages) > 0 {
		for _, store := range e.pending {
			keep(e.releaseStore(store))
		}
	}
	e.pending = nil
	if e.entry != 0 {
		keep(rt.DestroyEvent(e.entry))
		e.entry = 0
	}
	for _, s := range e.created {
		keep(e.alloc.ReleaseStream(s))
	}
	e.destroyCreated()
	e.stages = nil
	return firstErr
}

// request is the state one Execute call shares between its stages.
type request struct {
	store      *valuestore.Store
	inputs     []tensor.Value
	iterations int
	entry      device.Event

	mu        sync.Mutex
	haltAt    int
	err       error
	eos       bool
	timeout   bool
	outputs   []tensor.Value
	completed int
}

func newRequest(inputs []tensor.Value, iterations int) *request {
	return &request{
		store:      valuestore.New(),
		inputs:     inputs,
		iterations: iterations,
		haltAt:     iterations,
	}
}

// halted reports whether iteration must not run any more.
func (r *request) halted(iteration int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return iteration >= r.haltAt
}

// stop ends the request at iteration. Only the earliest stop decides the
// outcome; end-of-sequence is recorded as such, not as an error.
func (r *request) stop(iteration int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status.CodeOf(err) == status.StreamSyncTimeout {
		r.timeout = true
	}
	if iteration > r.haltAt {
		return
	}
	if iteration < r.haltAt {
		r.err = nil
		r.eos = false
		r.haltAt = iteration
	}
	switch {
	case status.IsEOS(err):
		r.eos = true
	case err != nil && r.err == nil:
		r.err = err
	}
}

func (r *request) complete(iteration int, outputs []tensor.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = outputs
	r.completed = iteration + 1
}

func (r *request) timedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

func (r *request) result() (*executor.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &executor.Result{Outputs: r.outputs, Iterations: r.completed, EOS: r.eos}, r.err
}
