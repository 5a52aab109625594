package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/model"
	"github.com/vk/hybridrt/internal/optask"
	"github.com/vk/hybridrt/internal/registry"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
)

// OverflowSize is the size of the overflow diagnostic area of a model.
const OverflowSize int64 = 64

// Options configure a loaded model.
type Options struct {
	SyncTimeout   time.Duration
	MaxTilingSize int
	// DumpRing enables exception-dump snapshots when non-nil.
	DumpRing *optask.DumpRing
}

// Model is a graph loaded onto a device.
type Model struct {
	Graph *model.Graph
	Param model.RuntimeParam
	Opts  Options

	rt      device.Runtime
	reg     *registry.Registry
	builder *optask.Builder
}

// Load binds the weight region of g to a device allocation, uploads the
// initial constant and variable data and prepares the task builder.
func Load(ctx context.Context, rt device.Runtime, reg *registry.Registry, g *model.Graph, opts Options) (*Model, error) {
	logger := ctxlog.FromContext(ctx).With("model", g.Name)
	op := "load model " + g.Name

	var weightAddr uint64
	if g.Param.MemSize > 0 {
		addr, err := rt.Malloc(g.Param.MemSize)
		if err != nil {
			return nil, fmt.Errorf("%s: weights: %w", op, err)
		}
		weightAddr = addr
	}
	overflowAddr, err := rt.Malloc(OverflowSize)
	if err != nil {
		freeAll(rt, weightAddr)
		return nil, fmt.Errorf("%s: overflow area: %w", op, err)
	}
	if weightAddr == 0 {
		// An empty weight region still needs a non-zero base to count as bound.
		weightAddr = overflowAddr
	}

	m := &Model{
		Graph: g,
		Param: g.Param.Bind(weightAddr, overflowAddr),
		Opts:  opts,
		rt:    rt,
		reg:   reg,
	}
	builderOpts := []optask.BuilderOption{
		optask.WithMaxTilingSize(opts.MaxTilingSize),
		optask.WithOverflowAddr(overflowAddr),
	}
	if opts.DumpRing != nil {
		builderOpts = append(builderOpts, optask.WithExceptionDump(opts.DumpRing))
	}
	m.builder = optask.NewBuilder(rt, reg, builderOpts...)

	if err := m.upload(ctx); err != nil {
		_ = m.Unload()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logger.Debug("Model loaded.", "param", m.Param.String(), "nodes", len(g.Nodes), "stages", g.NumStages)
	return m, nil
}

func (m *Model) upload(ctx context.Context) error {
	weights := append(append([]*model.GraphTensor(nil), m.Graph.Constants...), m.Graph.Variables...)
	if len(weights) == 0 {
		return nil
	}
	s, err := m.rt.CreateStream()
	if err != nil {
		return fmt.Errorf("upload stream: %w", err)
	}
	defer m.rt.DestroyStream(s)
	for _, t := range weights {
		addr, err := m.Param.DeviceAddr(t.Name)
		if err != nil {
			return err
		}
		if err := m.rt.MemcpyH2D(s, addr, t.Data); err != nil {
			return fmt.Errorf("upload %s %s: %w", t.Role, t.Name, err)
		}
	}
	return m.rt.SynchronizeStream(ctx, s, m.Opts.SyncTimeout)
}

// Unload frees the weight region and the overflow area.
func (m *Model) Unload() error {
	return freeAll(m.rt, m.Param.MemBase, m.Param.OverflowAddr)
}

func freeAll(rt device.Runtime, addrs ...uint64) error {
	var firstErr error
	seen := make(map[uint64]bool)
	for _, a := range addrs {
		if a == 0 || seen[a] {
			continue
		}
		seen[a] = true
		if err := rt.Free(a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Runtime returns the device the model is loaded on.
func (m *Model) Runtime() device.Runtime {
	return m.rt
}

// Builder returns the task builder of the model.
func (m *Model) Builder() *optask.Builder {
	return m.builder
}

// WeightValue returns the device value of a constant or variable.
func (m *Model) WeightValue(name string) (tensor.Value, error) {
	t, ok := m.Graph.Tensor(name)
	if !ok || t.Role == model.RoleInput {
		return tensor.Value{}, status.Errorf(status.ParamInvalid, "weight value", "%q is not a constant or variable", name)
	}
	addr, err := m.Param.DeviceAddr(name)
	if err != nil {
		return tensor.Value{}, err
	}
	return tensor.Value{Desc: t.Desc, Buffer: tensor.DeviceBuffer(addr, int64(len(t.Data)))}, nil
}

// ReadVariable copies the current bytes of a constant or variable to the
// host through stream s.
func (m *Model) ReadVariable(ctx context.Context, s device.Stream, name string) ([]byte, error) {
	v, err := m.WeightValue(name)
	if err != nil {
		return nil, err
	}
	out := make([]byte, v.Buffer.Length)
	if err := m.rt.MemcpyD2H(s, out, v.Buffer.Addr); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if err := m.rt.SynchronizeStream(ctx, s, m.Opts.SyncTimeout); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return out, nil
}

// CheckInputs validates a request against the graph inputs.
func (m *Model) CheckInputs(inputs []tensor.Value) error {
	const op = "check inputs"
	if len(inputs) != len(m.Graph.Inputs) {
		return status.Errorf(status.ParamInvalid, op, "got %d inputs, model %s takes %d", len(inputs), m.Graph.Name, len(m.Graph.Inputs))
	}
	for i, gt := range m.Graph.Inputs {
		in := inputs[i]
		if in.Desc.DType != gt.Desc.DType {
			return status.Errorf(status.ParamInvalid, op, "input %s: dtype %s, want %s", gt.Name, in.Desc.DType, gt.Desc.DType)
		}
		if len(in.Desc.Shape) != len(gt.Desc.Shape) {
			return status.Errorf(status.ShapeMismatch, op, "input %s: rank %d, want %d", gt.Name, len(in.Desc.Shape), len(gt.Desc.Shape))
		}
		size, err := in.Desc.ByteSize()
		if err != nil {
			return status.New(status.ShapeMismatch, op, fmt.Errorf("input %s: %w", gt.Name, err))
		}
		if size != in.Buffer.Length {
			return status.Errorf(status.ShapeMismatch, op, "input %s: shape %s needs %d bytes, buffer has %d", gt.Name, in.Desc.Shape, size, in.Buffer.Length)
		}
		if gt.Desc.Placement == tensor.Device && in.Buffer.IsHost() {
			return status.Errorf(status.ParamInvalid, op, "input %s must be in device memory", gt.Name)
		}
	}
	return nil
}
