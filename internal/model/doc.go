// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package model is the immutable, execution-ready form of a compiled plan.
// It is built once from a config.Plan and only read afterwards.
//
// # Core Concepts
//
//   - Graph: the ordered list of nodes plus the graph-level tensors they read
//     (inputs, constants and variables) and the references that form the
//     graph's outputs.
//
//   - Node: one kernel invocation with its static I/O descriptors, workspace
//     sizes, stage assignment, host-mem input indices and atomic-clean output
//     indices.
//
//   - RuntimeParam: the memory layout of the model. Constants and variables
//     share one weight region addressed logically in the plan; binding the
//     region to a device allocation turns logical addresses into device ones.
//
// Why validate here?
//
// Executors run nodes on several streams at once. Every structural rule they
// depend on (producers before consumers, data only flowing to later stages,
// variables owned by a single stage) is checked while building the Graph so
// the executors never have to.
package model
