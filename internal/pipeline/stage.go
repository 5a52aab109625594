package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/executor"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
)

// StageState is the lifecycle state of a StageExecutor.
type StageState int32

const (
	StateIdle StageState = iota
	StateInitialized
	StateRunning
	StateDraining
	StateStopped
)

func (s StageState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "idle"
}

// StageTask hands one iteration from a stage to the next. An EOS task ends
// the stream of tasks; its Iteration is the first one that did not run.
type StageTask struct {
	Stage     int
	Iteration int
	// Event is recorded on the upstream stream after the iteration's
	// launches.
	Event device.Event
	EOS   bool
}

// StageExecutor runs the nodes of one stage on its own stream.
type StageExecutor struct {
	id       int
	terminal bool
	model    *executor.Model
	runner   *executor.Runner
	stream   device.Stream
	// streamMu is shared by every stage running on the same stream so that
	// the launches and the synchronize of one iteration are not interleaved
	// with another stage's.
	streamMu *sync.Mutex
	subject  *StageSubject

	next   *StageExecutor
	events []device.Event
	tasks  chan StageTask
	state  atomic.Int32
}

// NewStageExecutor creates stage id running runner on stream.
func NewStageExecutor(id int, m *executor.Model, runner *executor.Runner, stream device.Stream, streamMu *sync.Mutex, subject *StageSubject) *StageExecutor {
	if streamMu == nil {
		streamMu = &sync.Mutex{}
	}
	return &StageExecutor{
		id:       id,
		terminal: true,
		model:    m,
		runner:   runner,
		stream:   stream,
		streamMu: streamMu,
		subject:  subject,
	}
}

// ID returns the stage index.
func (s *StageExecutor) ID() int { return s.id }

// Stream returns the stream the stage launches on.
func (s *StageExecutor) Stream() device.Stream { return s.stream }

// State returns the lifecycle state.
func (s *StageExecutor) State() StageState { return StageState(s.state.Load()) }

// Init creates the event pool and the task queue.
func (s *StageExecutor) Init(events, queueCapacity int) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateInitialized)) {
		return status.Errorf(status.Internal, "init stage", "stage %d is %s", s.id, s.State())
	}
	rt := s.model.Runtime()
	for range max(events, 1) {
		ev, err := rt.CreateEvent()
		if err != nil {
			s.destroyEvents()
			s.state.Store(int32(StateIdle))
			return fmt.Errorf("stage %d event pool: %w", s.id, err)
		}
		s.events = append(s.events, ev)
	}
	s.tasks = make(chan StageTask, max(queueCapacity, 1))
	return nil
}

// SetNext links the stage that consumes this stage's iterations.
func (s *StageExecutor) SetNext(next *StageExecutor) {
	s.next = next
	s.terminal = next == nil
}

// ExecuteAsync queues task without blocking.
func (s *StageExecutor) ExecuteAsync(task StageTask) error {
	select {
	case s.tasks <- task:
		return nil
	default:
		return status.Errorf(status.Internal, "execute async", "stage %d task queue is full", s.id)
	}
}

// start runs the stage loop for one request until an EOS task arrives, or
// for stage 0 until every iteration is produced. Failures of an iteration
// are recorded on the request and end the loop after notifying the next
// stage; start itself only fails when ctx ends.
func (s *StageExecutor) start(ctx context.Context, r *request) error {
	if !s.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		return status.Errorf(status.Internal, "start stage", "stage %d is %s", s.id, s.State())
	}
	defer s.state.CompareAndSwap(int32(StateRunning), int32(StateInitialized))

	logger := ctxlog.FromContext(ctx).With("stage", s.id, "stream", s.stream)
	for it := 0; ; it++ {
		task := StageTask{Stage: s.id, Iteration: it}
		if s.id == 0 {
			if it >= r.iterations || r.halted(it) {
				return s.forward(StageTask{Stage: s.id, Iteration: it, EOS: true})
			}
		} else {
			select {
			case task = <-s.tasks:
			case <-ctx.Done():
				return status.New(status.Stopped, "stage task", ctx.Err())
			}
			if task.EOS {
				return s.forward(StageTask{Stage: s.id, Iteration: task.Iteration, EOS: true})
			}
			if err := s.subject.Await(ctx, s.id-1); err != nil {
				return err
			}
			if r.halted(task.Iteration) {
				logger.Debug("Skipping iteration after stop.", "iteration", task.Iteration)
				continue
			}
		}

		ev, err := s.runIteration(ctx, r, task)
		if err != nil {
			logger.Debug("Stage iteration stopped.", "iteration", task.Iteration, "error", err)
			r.stop(task.Iteration, err)
			if status.CodeOf(err) != status.StreamSyncTimeout {
				if relErr := s.release(r, task.Iteration); relErr != nil {
					logger.Warn("Releasing iteration blocks failed.", "iteration", task.Iteration, "error", relErr)
				}
			}
			return s.forward(StageTask{Stage: s.id, Iteration: task.Iteration, EOS: true})
		}
		logger.Debug("Stage iteration finished.", "iteration", task.Iteration)

		s.subject.Release(s.id)
		if s.terminal {
			if err := s.release(r, task.Iteration); err != nil {
				r.stop(task.Iteration+1, fmt.Errorf("release iteration %d: %w", task.Iteration, err))
			}
			continue
		}
		if err := s.forward(StageTask{Stage: s.id, Iteration: task.Iteration, Event: ev}); err != nil {
			r.stop(task.Iteration, err)
			return err
		}
	}
}

// runIteration launches the stage's nodes for one iteration and waits for
// them. The terminal stage also copies the graph outputs back.
func (s *StageExecutor) runIteration(ctx context.Context, r *request, task StageTask) (device.Event, error) {
	rt := s.model.Runtime()
	frame := r.store.Frame(task.Iteration)
	if s.id == 0 {
		s.runner.BindInputs(frame, r.inputs)
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	var err error
	if s.id == 0 && task.Iteration == 0 && r.entry != 0 {
		err = rt.StreamWaitEvent(s.stream, r.entry)
	}
	if err == nil && task.Event != 0 {
		err = rt.StreamWaitEvent(s.stream, task.Event)
	}
	if err == nil {
		err = s.runner.Run(ctx, s.stream, frame)
	}
	var outs []tensor.Value
	if err == nil && s.terminal {
		outs, err = executor.CollectOutputs(s.model, s.stream, frame, s.runner.Resolver(frame))
	}
	ev := s.events[task.Iteration%len(s.events)]
	if err == nil {
		err = rt.RecordEvent(ev, s.stream)
	}
	syncErr := rt.SynchronizeStream(ctx, s.stream, s.model.Opts.SyncTimeout)
	if status.CodeOf(syncErr) == status.StreamSyncTimeout || err == nil {
		err = syncErr
	}
	if err != nil {
		return 0, err
	}
	if s.terminal {
		r.complete(task.Iteration, outs)
	}
	return ev, nil
}

func (s *StageExecutor) release(r *request, iteration int) error {
	frame, ok := r.store.Drop(iteration)
	if !ok {
		return nil
	}
	return s.runner.Release(frame)
}

func (s *StageExecutor) forward(task StageTask) error {
	if s.next == nil {
		return nil
	}
	return s.next.ExecuteAsync(task)
}

// ExecuteEndTaskAndRelease waits for every event of the pool and the stream
// to drain, then destroys the events. The stage cannot be started again.
func (s *StageExecutor) ExecuteEndTaskAndRelease(ctx context.Context) error {
	prev := s.State()
	if prev == StateStopped {
		return nil
	}
	if prev == StateRunning {
		return status.Errorf(status.Internal, "end stage", "stage %d is running", s.id)
	}
	s.state.Store(int32(StateDraining))
	defer s.state.Store(int32(StateStopped))

	rt := s.model.Runtime()
	var firstErr error
	for _, ev := range s.events {
		if err := rt.SynchronizeEvent(ctx, ev, s.model.Opts.SyncTimeout); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stage %d drain event: %w", s.id, err)
		}
	}
	if prev != StateIdle {
		s.streamMu.Lock()
		err := rt.SynchronizeStream(ctx, s.stream, s.model.Opts.SyncTimeout)
		s.streamMu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stage %d drain stream: %w", s.id, err)
		}
	}
	s.destroyEvents()
	return firstErr
}

func (s *StageExecutor) destroyEvents() {
	rt := s.model.Runtime()
	for _, ev := range s.events {
		_ = rt.DestroyEvent(ev)
	}
	s.events = nil
}

// Reset discards queued tasks and returns the stage to Initialized.
func (s *StageExecutor) Reset() error {
	switch st := s.State(); st {
	case StateInitialized:
	case StateRunning:
		return status.Errorf(status.Internal, "reset stage", "stage %d is running", s.id)
	default:
		return status.Errorf(status.Internal, "reset stage", "stage %d is %s", s.id, st)
	}
	for {
		select {
		case <-s.tasks:
		default:
			return nil
		}
	}
}
