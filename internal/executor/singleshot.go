package executor

import (
	"context"
	"fmt"

	"github.com/vk/hybridrt/internal/allocator"
	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
	"github.com/vk/hybridrt/internal/valuestore"
)

// SingleShot runs every node of a model on one stream, one iteration after
// the other.
type SingleShot struct {
	model  *Model
	runner *Runner
	parked Parking
}

var _ Engine = (*SingleShot)(nil)

// NewSingleShot builds the tasks of every node of m.
func NewSingleShot(ctx context.Context, m *Model, alloc *allocator.Manager) (*SingleShot, error) {
	r, err := NewRunner(ctx, m, alloc, m.Graph.Nodes)
	if err != nil {
		return nil, err
	}
	return &SingleShot{model: m, runner: r}, nil
}

// Execute runs up to IterationEnd iterations. End-of-sequence stops the
// loop and is reported through Result.EOS, not as an error.
func (e *SingleShot) Execute(ctx context.Context, s device.Stream, inputs []tensor.Value) (*Result, error) {
	logger := ctxlog.FromContext(ctx).With("model", e.model.Graph.Name, "stream", s)
	if err := e.model.CheckInputs(inputs); err != nil {
		return nil, err
	}
	if err := e.Reclaim(ctx); err != nil {
		return nil, err
	}

	store := valuestore.New()
	res := &Result{}
	for it := 0; it < e.model.Graph.IterationEnd; it++ {
		frame := store.Frame(it)
		outs, err := e.iteration(ctx, s, frame, inputs)
		store.Drop(it)
		if status.IsEOS(err) {
			logger.Debug("End of sequence.", "iteration", it)
			res.EOS = true
			return res, nil
		}
		if err != nil {
			return res, e.model.builder.Explain(err)
		}
		res.Outputs = outs
		res.Iterations = it + 1
	}
	logger.Debug("Request finished.", "iterations", res.Iterations)
	return res, nil
}

func (e *SingleShot) iteration(ctx context.Context, s device.Stream, frame *valuestore.Frame, inputs []tensor.Value) ([]tensor.Value, error) {
	e.runner.BindInputs(frame, inputs)
	err := e.runner.Run(ctx, s, frame)
	var outs []tensor.Value
	if err == nil {
		outs, err = CollectOutputs(e.model, s, frame, e.runner.Resolver(frame))
	}
	syncErr := e.model.rt.SynchronizeStream(ctx, s, e.model.Opts.SyncTimeout)
	if err == nil {
		err = syncErr
	}
	if status.CodeOf(syncErr) == status.StreamSyncTimeout {
		// Kernels may still be using the frame's blocks.
		e.parked.Park(frame.TakeOwned()...)
		return nil, err
	}
	if relErr := e.runner.Release(frame); relErr != nil && err == nil {
		err = fmt.Errorf("release iteration %d: %w", frame.Iteration, relErr)
	}
	if err != nil {
		return nil, err
	}
	return outs, nil
}

// Reclaim frees the blocks of iterations that timed out once their stream
// has drained.
func (e *SingleShot) Reclaim(ctx context.Context) error {
	return e.parked.Reclaim(ctx, e.model.rt, e.runner.alloc, e.model.Opts.SyncTimeout)
}

// Parked returns how many blocks wait for their stream to drain.
func (e *SingleShot) Parked() int {
	return e.parked.Len()
}
