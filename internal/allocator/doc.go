// Package allocator implements the caching device-memory allocator. Memory
// is pooled per stream: a block freed on a stream is only handed out again
// to work on the same stream, so stream ordering alone keeps reuse safe.
//
// When the hardware refuses an allocation the owning stream is synchronised,
// every cached block is returned to the hardware and the allocation is
// retried exactly once.
package allocator
