// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines RuntimeParam, the per-model memory layout that every task
// consults to translate logical plan addresses into device addresses.
package model

import (
	"fmt"

	"github.com/vk/hybridrt/internal/status"
)

// LogicalBase is where the weight region starts in the plan's logical
// address space.
const LogicalBase uint64 = 0x1000

// WeightAlign is the alignment of every tensor inside the weight region.
const WeightAlign int64 = 512

// RuntimeParam is the memory layout of one model.
type RuntimeParam struct {
	// MemBase is the device address the weight region is bound to. It is zero
	// until Bind.
	MemBase      uint64
	LogicMemBase uint64
	MemSize      int64

	WeightBase uint64
	WeightSize int64

	StreamNum int
	EventNum  int

	// OverflowAddr is the device address of the overflow diagnostic area.
	OverflowAddr uint64

	offsets map[string]int64
}

// Bind maps the weight region onto a device allocation.
func (p RuntimeParam) Bind(memBase, overflowAddr uint64) RuntimeParam {
	p.MemBase = memBase
	p.WeightBase = memBase
	p.OverflowAddr = overflowAddr
	return p
}

// Bound reports whether Bind has been called.
func (p RuntimeParam) Bound() bool {
	return p.MemBase != 0
}

// LogicalAddr returns the logical address of a constant or variable.
func (p RuntimeParam) LogicalAddr(name string) (uint64, bool) {
	off, ok := p.offsets[name]
	if !ok {
		return 0, false
	}
	return p.LogicMemBase + uint64(off), true
}

// Translate converts a logical address inside the weight region to its
// device address.
func (p RuntimeParam) Translate(logical uint64) (uint64, error) {
	if !p.Bound() {
		return 0, status.Errorf(status.Internal, "translate address", "runtime param is not bound")
	}
	if logical < p.LogicMemBase || logical >= p.LogicMemBase+uint64(p.MemSize) {
		return 0, status.Errorf(status.ParamInvalid, "translate address",
			"logical address %#x outside [%#x, %#x)", logical, p.LogicMemBase, p.LogicMemBase+uint64(p.MemSize))
	}
	return p.MemBase + (logical - p.LogicMemBase), nil
}

// DeviceAddr resolves a constant or variable straight to its device address.
func (p RuntimeParam) DeviceAddr(name string) (uint64, error) {
	logical, ok := p.LogicalAddr(name)
	if !ok {
		return 0, status.Errorf(status.ParamInvalid, "translate address", "%q is not in the weight region", name)
	}
	return p.Translate(logical)
}

func (p RuntimeParam) String() string {
	return fmt.Sprintf("mem_base=%#x logic_base=%#x mem_size=%d streams=%d events=%d",
		p.MemBase, p.LogicMemBase, p.MemSize, p.StreamNum, p.EventNum)
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}
