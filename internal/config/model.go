package config

import (
	"fmt"
	"time"
)

// Option keys recognised in the runtime options map.
const (
	// OptionInputBatchCopy selects "0" per-tensor input copies or "1" a
	// batched copy with per-tensor fallback.
	OptionInputBatchCopy = "ge.inputBatchCpy"
)

// Model is the unified representation of everything a configuration source
// provides.
type Model struct {
	Runtime Runtime
	Plans   []*Plan
}

// Runtime holds the runtime-wide options.
type Runtime struct {
	DeviceID          int
	StreamSyncTimeout time.Duration
	MaxTilingSize     int
	ExceptionDump     bool
	DumpRingSize      int
	// NumExecutors is the expected pipeline stage count; zero follows the plan.
	NumExecutors      int
	QueueCapacity     int
	Options           map[string]string
}

// DefaultRuntime returns the options used when a source leaves them unset.
func DefaultRuntime() Runtime {
	return Runtime{
		StreamSyncTimeout: 30 * time.Second,
		MaxTilingSize:     256,
		DumpRingSize:      64,
		QueueCapacity:     64,
		Options:           map[string]string{OptionInputBatchCopy: "0"},
	}
}

// InputBatchCopy reports whether batched input copies are enabled.
func (r Runtime) InputBatchCopy() (bool, error) {
	switch v := r.Options[OptionInputBatchCopy]; v {
	case "", "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("option %s must be \"0\" or \"1\", got %q", OptionInputBatchCopy, v)
	}
}

// Plan is the format-agnostic description of one compiled model.
type Plan struct {
	Name         string
	NumStages    int
	IterationEnd int
	Inputs       []TensorSpec
	Constants    []ConstantSpec
	Variables    []ConstantSpec
	Nodes        []NodeSpec
	Outputs      []string
}

// TensorSpec describes one tensor.
type TensorSpec struct {
	Name      string
	DType     string
	Shape     []int64
	Placement string
}

// ConstantSpec is a tensor with initial values. Variables use it too; an
// empty Values list means zero-initialised.
type ConstantSpec struct {
	TensorSpec
	Values []float64
}

// NodeSpec describes one kernel invocation of a plan.
type NodeSpec struct {
	Name   string
	OpType string
	Kind   string
	Kernel string
	// Stage is -1 when the node should be partitioned automatically.
	Stage              int
	Inputs             []string
	Outputs            []TensorSpec
	Workspaces         []int64
	HostMemInputs      []int
	AtomicCleanOutputs []int
	CompileInfo        string
	Overflow           bool
}

// Plan returns the plan called name.
func (m *Model) Plan(name string) (*Plan, error) {
	for _, p := range m.Plans {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no plan named %q", name)
}
