// Package valuestore keeps the tensor values produced while a graph runs.
//
// Values are grouped into one Frame per iteration so that pipeline stages
// working on different iterations never see each other's tensors. A Frame
// also remembers the device blocks allocated for it, which are released in
// one go when the iteration is retired.
//
// Frames use sync.Map: the key space of an iteration (graph tensors and node
// outputs) is fixed up front while values are written once and read from
// the stage that consumes them.
package valuestore
