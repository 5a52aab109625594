// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines Node, the unit of work of a Graph, and the kernel kinds a
// node can be launched as.
package model

import (
	"fmt"
	"strings"

	"github.com/vk/hybridrt/internal/tensor"
	"github.com/vk/hybridrt/internal/tensorref"
)

// Kind is the kernel kind of a node. It selects the argument layout rules.
type Kind int

const (
	KindTbe Kind = iota
	KindAiCpu
	KindAiCpuCC
	KindMixL2
	KindAtomicAddrClean
)

var kindNames = map[Kind]string{
	KindTbe:             "tbe",
	KindAiCpu:           "aicpu",
	KindAiCpuCC:         "aicpu_cc",
	KindMixL2:           "mix_l2",
	KindAtomicAddrClean: "atomic_addr_clean",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a configuration string. Empty means tbe.
func ParseKind(s string) (Kind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	if want == "" {
		return KindTbe, nil
	}
	for k, n := range kindNames {
		if n == want {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown kernel kind %q", s)
}

// Node is one kernel invocation.
type Node struct {
	// ID is the node's position in Graph.Nodes.
	ID     int
	Name   string
	OpType string
	Kind   Kind
	Kernel string
	Stage  int

	Inputs     []tensorref.Ref
	Outputs    []tensor.Desc
	Workspaces []int64

	// HostMemInputs lists input indices whose values are inlined into the
	// argument buffer.
	HostMemInputs []int
	// AtomicCleanOutputs lists output indices zeroed before the node runs.
	AtomicCleanOutputs []int

	CompileInfo string
	Overflow    bool
}

// IsHostMemInput reports whether input i is inlined.
func (n *Node) IsHostMemInput(i int) bool {
	for _, idx := range n.HostMemInputs {
		if idx == i {
			return true
		}
	}
	return false
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s/%s@%d)", n.Name, n.OpType, n.Kind, n.Stage)
}
