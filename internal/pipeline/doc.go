// Package pipeline runs a partitioned model as a chain of stages, one per
// stream. Each stage loops over the iterations of a request, waits for its
// upstream stage to release the same iteration, launches its nodes and
// releases the iteration to the stage after it. Different iterations of
// different stages overlap.
package pipeline
