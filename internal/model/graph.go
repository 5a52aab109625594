// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines Graph and its construction from a config.Plan.
package model

import (
	"fmt"
	"strings"

	"github.com/vk/hybridrt/internal/config"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
	"github.com/vk/hybridrt/internal/tensorref"
)

// Role says where a graph-level tensor comes from.
type Role int

const (
	RoleInput Role = iota
	RoleConstant
	RoleVariable
)

func (r Role) String() string {
	switch r {
	case RoleConstant:
		return "constant"
	case RoleVariable:
		return "variable"
	}
	return "input"
}

// GraphTensor is an input, constant or variable of a graph.
type GraphTensor struct {
	Name string
	Role Role
	Desc tensor.Desc
	// Data holds the initial bytes of constants and variables.
	Data []byte
}

// Graph is the immutable plan of one model.
type Graph struct {
	Name         string
	NumStages    int
	IterationEnd int

	Inputs    []*GraphTensor
	Constants []*GraphTensor
	Variables []*GraphTensor
	Nodes     []*Node
	Outputs   []tensorref.Ref

	Param RuntimeParam

	tensors map[string]*GraphTensor
	nodes   map[string]*Node
}

// Tensor looks up a graph-level tensor.
func (g *Graph) Tensor(name string) (*GraphTensor, bool) {
	t, ok := g.tensors[name]
	return t, ok
}

// Node looks up a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Desc returns the static descriptor of the tensor ref points at.
func (g *Graph) Desc(ref tensorref.Ref) (tensor.Desc, error) {
	if !ref.IsNodeOutput() {
		t, ok := g.tensors[ref.Name]
		if !ok {
			return tensor.Desc{}, fmt.Errorf("unknown tensor %q", ref.Name)
		}
		return t.Desc, nil
	}
	n, ok := g.nodes[ref.Name]
	if !ok {
		return tensor.Desc{}, fmt.Errorf("unknown node %q", ref.Name)
	}
	if ref.Index >= len(n.Outputs) {
		return tensor.Desc{}, fmt.Errorf("node %q has %d outputs, %s is out of range", ref.Name, len(n.Outputs), ref)
	}
	return n.Outputs[ref.Index], nil
}

// NeedsLoop reports whether one request runs more than one iteration.
func (g *Graph) NeedsLoop() bool {
	return g.IterationEnd > 1
}

// Stages groups the nodes by stage, keeping their order.
func (g *Graph) Stages() [][]*Node {
	stages := make([][]*Node, g.NumStages)
	for _, n := range g.Nodes {
		stages[n.Stage] = append(stages[n.Stage], n)
	}
	return stages
}

// Build validates plan and turns it into a Graph.
func Build(plan *config.Plan) (*Graph, error) {
	op := "build plan " + plan.Name
	invalid := func(format string, args ...any) error {
		return status.Errorf(status.ParamInvalid, op, format, args...)
	}

	g := &Graph{
		Name:         plan.Name,
		NumStages:    max(plan.NumStages, 1),
		IterationEnd: max(plan.IterationEnd, 1),
		tensors:      make(map[string]*GraphTensor),
		nodes:        make(map[string]*Node),
	}
	taken := func(name string) bool {
		_, t := g.tensors[name]
		_, n := g.nodes[name]
		return t || n
	}

	for _, spec := range plan.Inputs {
		desc, err := descFromSpec(spec)
		if err != nil {
			return nil, invalid("input %q: %v", spec.Name, err)
		}
		if taken(spec.Name) {
			return nil, invalid("duplicate name %q", spec.Name)
		}
		t := &GraphTensor{Name: spec.Name, Role: RoleInput, Desc: desc}
		g.tensors[t.Name] = t
		g.Inputs = append(g.Inputs, t)
	}

	weights := func(specs []config.ConstantSpec, role Role) ([]*GraphTensor, error) {
		var out []*GraphTensor
		for _, spec := range specs {
			t, err := weightFromSpec(spec, role)
			if err != nil {
				return nil, invalid("%s %q: %v", role, spec.Name, err)
			}
			if taken(spec.Name) {
				return nil, invalid("duplicate name %q", spec.Name)
			}
			g.tensors[t.Name] = t
			out = append(out, t)
		}
		return out, nil
	}
	var err error
	if g.Constants, err = weights(plan.Constants, RoleConstant); err != nil {
		return nil, err
	}
	if g.Variables, err = weights(plan.Variables, RoleVariable); err != nil {
		return nil, err
	}

	for i, spec := range plan.Nodes {
		if spec.Name == "" {
			return nil, invalid("node %d has no name", i)
		}
		if taken(spec.Name) {
			return nil, invalid("duplicate name %q", spec.Name)
		}
		n, err := g.nodeFromSpec(i, spec)
		if err != nil {
			return nil, invalid("node %q: %v", spec.Name, err)
		}
		g.nodes[n.Name] = n
		g.Nodes = append(g.Nodes, n)
	}
	if len(g.Nodes) == 0 {
		return nil, invalid("plan has no nodes")
	}

	if err := g.assignStages(); err != nil {
		return nil, invalid("%v", err)
	}
	if err := g.checkDataFlow(); err != nil {
		return nil, invalid("%v", err)
	}

	for _, raw := range plan.Outputs {
		ref, err := tensorref.Parse(raw)
		if err != nil {
			return nil, invalid("output: %v", err)
		}
		if _, err := g.Desc(ref); err != nil {
			return nil, invalid("output %s: %v", raw, err)
		}
		g.Outputs = append(g.Outputs, ref)
	}
	if len(g.Outputs) == 0 {
		return nil, invalid("plan has no outputs")
	}

	g.Param = g.layoutWeights()
	return g, nil
}

func (g *Graph) nodeFromSpec(id int, spec config.NodeSpec) (*Node, error) {
	kind, err := ParseKind(spec.Kind)
	if err != nil {
		return nil, err
	}
	n := &Node{
		ID:                 id,
		Name:               spec.Name,
		OpType:             spec.OpType,
		Kind:               kind,
		Kernel:             spec.Kernel,
		Stage:              spec.Stage,
		Workspaces:         append([]int64(nil), spec.Workspaces...),
		HostMemInputs:      append([]int(nil), spec.HostMemInputs...),
		AtomicCleanOutputs: append([]int(nil), spec.AtomicCleanOutputs...),
		CompileInfo:        spec.CompileInfo,
		Overflow:           spec.Overflow,
	}
	if n.OpType == "" {
		return nil, fmt.Errorf("op_type is required")
	}
	if n.Kernel == "" {
		n.Kernel = strings.ToLower(n.OpType)
	}
	for _, raw := range spec.Inputs {
		ref, err := tensorref.Parse(raw)
		if err != nil {
			return nil, err
		}
		if _, err := g.Desc(ref); err != nil {
			return nil, fmt.Errorf("input %s: %v (producers must precede consumers)", raw, err)
		}
		n.Inputs = append(n.Inputs, ref)
	}
	for j, out := range spec.Outputs {
		desc, err := descFromSpec(out)
		if err != nil {
			return nil, fmt.Errorf("output %d: %v", j, err)
		}
		n.Outputs = append(n.Outputs, desc)
	}
	for _, ws := range n.Workspaces {
		if ws < 0 {
			return nil, fmt.Errorf("negative workspace size %d", ws)
		}
	}
	for _, idx := range n.HostMemInputs {
		if idx < 0 || idx >= len(n.Inputs) {
			return nil, fmt.Errorf("host-mem input index %d out of range", idx)
		}
	}
	for _, idx := range n.AtomicCleanOutputs {
		if idx < 0 || idx >= len(n.Outputs) {
			return nil, fmt.Errorf("atomic-clean output index %d out of range", idx)
		}
	}
	return n, nil
}

// assignStages fills in automatic stages. When no node has an explicit
// stage the nodes are split into contiguous, evenly sized runs; otherwise an
// unassigned node joins the stage of the node before it.
func (g *Graph) assignStages() error {
	auto := true
	for _, n := range g.Nodes {
		if n.Stage >= 0 {
			auto = false
			break
		}
	}
	if auto {
		for i, n := range g.Nodes {
			n.Stage = i * g.NumStages / len(g.Nodes)
		}
	}
	prev := 0
	for _, n := range g.Nodes {
		if n.Stage < 0 {
			n.Stage = prev
		}
		if n.Stage >= g.NumStages {
			return fmt.Errorf("node %q: stage %d outside %d stages", n.Name, n.Stage, g.NumStages)
		}
		prev = n.Stage
	}
	return nil
}

// checkDataFlow enforces that data only flows to the same or a later stage,
// that a variable is touched by a single stage and that host-placed inputs
// are only consumed inline.
func (g *Graph) checkDataFlow() error {
	owner := make(map[string]int)
	for _, n := range g.Nodes {
		for i, ref := range n.Inputs {
			if ref.IsNodeOutput() {
				producer := g.nodes[ref.Name]
				if producer.Stage > n.Stage {
					return fmt.Errorf("node %q in stage %d reads %s from later stage %d", n.Name, n.Stage, ref, producer.Stage)
				}
				continue
			}
			t := g.tensors[ref.Name]
			if t.Role == RoleInput && t.Desc.Placement == tensor.Host && !n.IsHostMemInput(i) {
				return fmt.Errorf("node %q reads host input %q through an address slot", n.Name, t.Name)
			}
			if t.Role != RoleVariable {
				continue
			}
			if s, ok := owner[t.Name]; ok && s != n.Stage {
				return fmt.Errorf("variable %q is used by stages %d and %d", t.Name, s, n.Stage)
			}
			owner[t.Name] = n.Stage
		}
	}
	return nil
}

func (g *Graph) layoutWeights() RuntimeParam {
	p := RuntimeParam{
		LogicMemBase: LogicalBase,
		StreamNum:    g.NumStages,
		EventNum:     g.NumStages,
		offsets:      make(map[string]int64),
	}
	var off int64
	for _, group := range [][]*GraphTensor{g.Constants, g.Variables} {
		for _, t := range group {
			p.offsets[t.Name] = off
			off = alignUp(off+int64(len(t.Data)), WeightAlign)
		}
	}
	p.MemSize = off
	p.WeightSize = off
	return p
}

func descFromSpec(spec config.TensorSpec) (tensor.Desc, error) {
	dt, err := tensor.ParseDataType(spec.DType)
	if err != nil {
		return tensor.Desc{}, err
	}
	pl := tensor.Device
	if spec.Placement != "" {
		if pl, err = tensor.ParsePlacement(spec.Placement); err != nil {
			return tensor.Desc{}, err
		}
	}
	return tensor.Desc{DType: dt, Shape: tensor.Shape(append([]int64(nil), spec.Shape...)), Placement: pl}, nil
}

func weightFromSpec(spec config.ConstantSpec, role Role) (*GraphTensor, error) {
	desc, err := descFromSpec(spec.TensorSpec)
	if err != nil {
		return nil, err
	}
	desc.Placement = tensor.Device
	size, err := desc.ByteSize()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("empty tensor")
	}
	data := make([]byte, size)
	if len(spec.Values) > 0 {
		elems, _ := desc.Shape.NumElements()
		if int64(len(spec.Values)) != elems {
			return nil, fmt.Errorf("%d values for %d elements", len(spec.Values), elems)
		}
		if data, err = tensor.Encode(desc.DType, spec.Values); err != nil {
			return nil, err
		}
	} else if role == RoleConstant {
		return nil, fmt.Errorf("constant has no values")
	}
	return &GraphTensor{Name: spec.Name, Role: role, Desc: desc, Data: data}, nil
}
