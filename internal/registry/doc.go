// Package registry holds the load-once, read-many lookup tables the runtime
// consults while building tasks: kernel binaries, the device handles they
// were registered under, and per-op-type shape inference and tiling
// functions.
//
// Registries are explicit objects with an Init/Finalize lifecycle. They are
// populated by Modules at start-up and only read afterwards; each table is
// guarded by its own lock, independent of any allocator lock.
package registry
