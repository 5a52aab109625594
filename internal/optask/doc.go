// Package optask turns one graph node into a launchable kernel argument
// buffer. A Task is a tagged variant over the kernel kinds of model.Kind;
// each kind shares the same capability set (build args, update tiling,
// update host-mem inputs, launch) and differs only in its layout rules,
// which are applied by switching on the kind.
//
// The argument buffer is described by a Layout: an ordered list of named
// regions whose order is fixed because the hardware addresses fields by
// offset.
//
//	inputs | outputs | workspaces | tiling addr | tiling data | overflow | host-mem inputs
package optask
