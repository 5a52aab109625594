package hcl

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// fileRoot decodes every top-level block a file may contain.
type fileRoot struct {
	Runtime []*runtimeBlock `hcl:"runtime,block"`
	Models  []*modelBlock   `hcl:"model,block"`
	Remain  hcl.Body        `hcl:",remain"`
}

type runtimeBlock struct {
	DeviceID          *int              `hcl:"device_id,optional"`
	InputBatchCpy     *string           `hcl:"input_batch_cpy,optional"`
	StreamSyncTimeout *string           `hcl:"stream_sync_timeout,optional"`
	MaxTilingSize     *int              `hcl:"max_tiling_size,optional"`
	ExceptionDump     *bool             `hcl:"exception_dump,optional"`
	DumpRingSize      *int              `hcl:"dump_ring_size,optional"`
	NumExecutors      *int              `hcl:"num_executors,optional"`
	QueueCapacity     *int              `hcl:"queue_capacity,optional"`
	Options           map[string]string `hcl:"options,optional"`
}

type modelBlock struct {
	Name         string         `hcl:"name,label"`
	NumStages    *int           `hcl:"num_stages,optional"`
	IterationEnd *int           `hcl:"iteration_end,optional"`
	Inputs       []*tensorBlock `hcl:"input,block"`
	Constants    []*tensorBlock `hcl:"constant,block"`
	Variables    []*tensorBlock `hcl:"variable,block"`
	Nodes        []*nodeBlock   `hcl:"node,block"`
	Outputs      []string       `hcl:"outputs"`
}

type tensorBlock struct {
	Name      string    `hcl:"name,label"`
	DType     string    `hcl:"dtype"`
	Shape     []int64   `hcl:"shape"`
	Placement string    `hcl:"placement,optional"`
	Values    []float64 `hcl:"values,optional"`
}

type outputBlock struct {
	DType     string  `hcl:"dtype"`
	Shape     []int64 `hcl:"shape"`
	Placement string  `hcl:"placement,optional"`
}

type nodeBlock struct {
	Name               string         `hcl:"name,label"`
	OpType             string         `hcl:"op_type"`
	Kind               string         `hcl:"kind,optional"`
	Kernel             string         `hcl:"kernel,optional"`
	Stage              *int           `hcl:"stage,optional"`
	Inputs             []string       `hcl:"inputs,optional"`
	Outputs            []*outputBlock `hcl:"output,block"`
	Workspaces         []int64        `hcl:"workspaces,optional"`
	HostMemInputs      []int          `hcl:"host_mem_inputs,optional"`
	AtomicCleanOutputs []int          `hcl:"atomic_clean_outputs,optional"`
	CompileInfo        cty.Value      `hcl:"compile_info,optional"`
	Overflow           bool           `hcl:"overflow,optional"`
}
