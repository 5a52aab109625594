package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
)

// Module is implemented by every package that contributes kernels or op
// functions.
type Module interface {
	Register(r *Registry)
}

// Registry bundles the kernel store and the op registry of one runtime.
type Registry struct {
	Kernels *KernelStore
	Ops     *OpRegistry

	mu    sync.Mutex
	state lifecycle
}

type lifecycle int

const (
	created lifecycle = iota
	ready
	finalized
)

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		Kernels: NewKernelStore(),
		Ops:     NewOpRegistry(),
	}
}

// Init registers all modules and marks the registry ready for lookups.
func (r *Registry) Init(ctx context.Context, modules ...Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != created {
		return fmt.Errorf("registry already initialized")
	}
	logger := ctxlog.FromContext(ctx)
	for _, mod := range modules {
		mod.Register(r)
	}
	r.Kernels.seal()
	r.Ops.seal()
	r.state = ready
	logger.Debug("Registry initialized.", "modules", len(modules), "binaries", r.Kernels.Len(), "op_types", r.Ops.Len())
	return nil
}

// Finalize releases every device handle the kernel store registered. The
// registry cannot be used afterwards.
func (r *Registry) Finalize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == finalized {
		return nil
	}
	r.state = finalized
	err := r.Kernels.release()
	ctxlog.FromContext(ctx).Debug("Registry finalized.", "error", err)
	return err
}

// handleKey scopes a handle to the runtime it was registered with.
type handleKey struct {
	rt   device.Runtime
	name string
}
