package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
)

// TilingContext is the input of a tiling function.
type TilingContext struct {
	OpType      string
	Inputs      []tensor.Desc
	Outputs     []tensor.Desc
	CompileInfo any
	// MaxTilingSize bounds len(TilingResult.Data).
	MaxTilingSize int
}

// TilingResult is what a tiling function decides for one invocation.
type TilingResult struct {
	TilingKey  uint64
	BlockDim   uint32
	Data       []byte
	Workspaces []int64
}

type (
	// InferShapeFunc computes output shapes from input descriptors.
	InferShapeFunc func(inputs []tensor.Desc) ([]tensor.Shape, error)
	// TilingFunc computes tiling for the current shapes.
	TilingFunc func(tc *TilingContext) (TilingResult, error)
	// CompileInfoFunc parses the op's compile-time information once per task.
	CompileInfoFunc func(opType string, raw string) (any, error)
)

// OpFuncs are the functions registered for one op type. Any of them may be
// nil; a nil Tiling means the op has no tiling region.
type OpFuncs struct {
	InferShape  InferShapeFunc
	Tiling      TilingFunc
	CompileInfo CompileInfoFunc
	// Aliases maps an output index to the input it is written into in
	// place. Such outputs get no allocation of their own.
	Aliases map[int]int
}

// OpRegistry maps op types to their functions.
type OpRegistry struct {
	mu     sync.RWMutex
	sealed bool
	ops    map[string]OpFuncs
}

// NewOpRegistry creates an empty registry.
func NewOpRegistry() *OpRegistry {
	return &OpRegistry{ops: make(map[string]OpFuncs)}
}

// Register binds funcs to opType.
func (r *OpRegistry) Register(opType string, funcs OpFuncs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic(fmt.Sprintf("op type '%s' registered after registry init", opType))
	}
	if _, exists := r.ops[opType]; exists {
		panic(fmt.Sprintf("op type '%s' already registered", opType))
	}
	slog.Debug("Registering op functions.", "op_type", opType, "tiling", funcs.Tiling != nil)
	r.ops[opType] = funcs
}

// Lookup returns the functions of opType.
func (r *OpRegistry) Lookup(opType string) (OpFuncs, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	funcs, ok := r.ops[opType]
	if !ok {
		return OpFuncs{}, status.Errorf(status.ParamInvalid, "op lookup", "op type %q is not registered", opType)
	}
	return funcs, nil
}

// Len reports how many op types are registered.
func (r *OpRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

func (r *OpRegistry) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}
