package executor

import (
	"context"
	"fmt"

	"github.com/vk/hybridrt/internal/allocator"
	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/model"
	"github.com/vk/hybridrt/internal/optask"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
	"github.com/vk/hybridrt/internal/tensorref"
	"github.com/vk/hybridrt/internal/valuestore"
)

// nodeRunner pairs a node with its tasks.
type nodeRunner struct {
	node    *model.Node
	task    *optask.Task
	clean   *optask.Task
	aliases map[int]int
}

// Runner launches a fixed list of nodes, in order, on one stream. It is not
// safe for concurrent use because tasks keep their argument buffers between
// launches.
type Runner struct {
	model *Model
	alloc *allocator.Manager
	nodes []*nodeRunner
}

// NewRunner builds the tasks of nodes.
func NewRunner(ctx context.Context, m *Model, alloc *allocator.Manager, nodes []*model.Node) (*Runner, error) {
	r := &Runner{model: m, alloc: alloc}
	for _, n := range nodes {
		task, err := m.builder.Build(ctx, n)
		if err != nil {
			return nil, err
		}
		clean, err := m.builder.BuildAtomicClean(ctx, n)
		if err != nil {
			return nil, err
		}
		var aliases map[int]int
		if funcs, err := m.reg.Ops.Lookup(n.OpType); err == nil {
			aliases = funcs.Aliases
		}
		r.nodes = append(r.nodes, &nodeRunner{node: n, task: task, clean: clean, aliases: aliases})
	}
	return r, nil
}

// Nodes lists the nodes this runner launches.
func (r *Runner) Nodes() []*model.Node {
	out := make([]*model.Node, len(r.nodes))
	for i, nr := range r.nodes {
		out[i] = nr.node
	}
	return out
}

// BindInputs stores the request inputs in frame under the graph input names.
func (r *Runner) BindInputs(frame *valuestore.Frame, inputs []tensor.Value) {
	for i, gt := range r.model.Graph.Inputs {
		frame.SetValue(tensorref.Graph(gt.Name), inputs[i])
	}
}

// Run launches every node for the iteration held by frame. Launches are
// asynchronous; the caller synchronizes s to observe completion.
func (r *Runner) Run(ctx context.Context, s device.Stream, frame *valuestore.Frame) error {
	for _, nr := range r.nodes {
		logger := ctxlog.FromContext(ctx).With("node", nr.node.Name, "iteration", frame.Iteration)
		frame.SetStatus(nr.node.Name, valuestore.StatusRunning)
		if err := r.runNode(ctx, s, frame, nr); err != nil {
			logger.Debug("Node launch failed.", "error", err)
			frame.SetError(nr.node.Name, err)
			return fmt.Errorf("node %s iteration %d: %w", nr.node.Name, frame.Iteration, err)
		}
		frame.SetStatus(nr.node.Name, valuestore.StatusCompleted)
		logger.Debug("Node launched.")
	}
	return nil
}

func (r *Runner) resolve(frame *valuestore.Frame, ref tensorref.Ref) (tensor.Value, error) {
	if !ref.IsNodeOutput() {
		if t, ok := r.model.Graph.Tensor(ref.Name); ok && t.Role != model.RoleInput {
			return r.model.WeightValue(ref.Name)
		}
	}
	v, err := frame.MustValue(ref)
	if err != nil {
		return tensor.Value{}, status.New(status.Internal, "resolve input", err)
	}
	return v, nil
}

func (r *Runner) runNode(ctx context.Context, s device.Stream, frame *valuestore.Frame, nr *nodeRunner) error {
	inputs := make([]tensor.Value, len(nr.node.Inputs))
	inDescs := make([]tensor.Desc, len(inputs))
	for i, ref := range nr.node.Inputs {
		v, err := r.resolve(frame, ref)
		if err != nil {
			return err
		}
		inputs[i] = v
		inDescs[i] = v.Desc
	}

	outDescs, err := nr.task.InferShape(inDescs)
	if err != nil {
		return err
	}
	tr, err := nr.task.RunTiling(inDescs, outDescs)
	if err != nil {
		return err
	}

	outputs := make([]tensor.Value, len(outDescs))
	for i, d := range outDescs {
		d.Placement = tensor.Device
		if in, ok := nr.aliases[i]; ok {
			if in >= len(inputs) || inputs[in].Buffer.IsHost() {
				return status.Errorf(status.ParamInvalid, "alias output", "output %d cannot alias input %d", i, in)
			}
			outputs[i] = tensor.Value{Desc: d, Buffer: inputs[in].Buffer}
			continue
		}
		size, err := d.ByteSize()
		if err != nil {
			return status.New(status.ShapeMismatch, "output size", err)
		}
		addr, err := r.allocate(ctx, s, frame, size)
		if err != nil {
			return err
		}
		outputs[i] = tensor.Value{Desc: d, Buffer: tensor.DeviceBuffer(addr, size)}
	}

	workspaces := make([]uint64, len(tr.Workspaces))
	for i, size := range tr.Workspaces {
		if workspaces[i], err = r.allocate(ctx, s, frame, size); err != nil {
			return err
		}
	}

	if nr.clean != nil {
		if err := r.launchClean(ctx, s, nr, outputs); err != nil {
			return err
		}
	}
	if err := nr.task.BuildArgs(inputs, outputs, workspaces, tr); err != nil {
		return err
	}
	if err := nr.task.Launch(ctx, s); err != nil {
		return err
	}
	for i, out := range outputs {
		frame.SetValue(tensorref.Output(nr.node.Name, i), out)
	}
	return nil
}

func (r *Runner) launchClean(ctx context.Context, s device.Stream, nr *nodeRunner, outputs []tensor.Value) error {
	targets := make([]tensor.Value, len(nr.node.AtomicCleanOutputs))
	for i, idx := range nr.node.AtomicCleanOutputs {
		targets[i] = outputs[idx]
	}
	tr, err := nr.clean.RunTiling(nil, nil)
	if err != nil {
		return err
	}
	if err := nr.clean.BuildArgs(targets, nil, nil, tr); err != nil {
		return err
	}
	return nr.clean.Launch(ctx, s)
}

func (r *Runner) allocate(ctx context.Context, s device.Stream, frame *valuestore.Frame, size int64) (uint64, error) {
	addr, err := r.alloc.Allocate(ctx, s, max(size, 1))
	if err != nil {
		return 0, err
	}
	frame.Own(s, addr)
	return addr, nil
}

// Release returns every block owned by frame to its allocator. Call it
// only once the streams that used the blocks have drained.
func (r *Runner) Release(frame *valuestore.Frame) error {
	var firstErr error
	for _, a := range frame.TakeOwned() {
		if err := r.alloc.Free(a.Stream, a.Addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CollectOutputs queues device-to-host copies of the graph outputs of frame
// on s. The returned host values are filled once s is synchronized.
func CollectOutputs(m *Model, s device.Stream, frame *valuestore.Frame, resolve func(tensorref.Ref) (tensor.Value, error)) ([]tensor.Value, error) {
	outs := make([]tensor.Value, len(m.Graph.Outputs))
	for i, ref := range m.Graph.Outputs {
		v, err := resolve(ref)
		if err != nil {
			return nil, err
		}
		desc := v.Desc
		desc.Placement = tensor.Host
		if v.Buffer.IsHost() {
			outs[i] = tensor.Value{Desc: desc, Buffer: tensor.HostBuffer(append([]byte(nil), v.Buffer.Data...))}
			continue
		}
		data := make([]byte, v.Buffer.Length)
		if err := m.rt.MemcpyD2H(s, data, v.Buffer.Addr); err != nil {
			return nil, fmt.Errorf("copy output %s: %w", ref, err)
		}
		outs[i] = tensor.Value{Desc: desc, Buffer: tensor.HostBuffer(data)}
	}
	return outs, nil
}

// Resolver returns a function resolving refs against frame and the weights.
func (r *Runner) Resolver(frame *valuestore.Frame) func(tensorref.Ref) (tensor.Value, error) {
	return func(ref tensorref.Ref) (tensor.Value, error) {
		return r.resolve(frame, ref)
	}
}
