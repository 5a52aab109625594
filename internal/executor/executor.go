// Package executor runs graph nodes on a device stream. It owns the loaded
// model (weights bound to device memory and the task builder), the node
// runner shared by every engine and the single-shot engine used when a model
// does not need the pipeline.
package executor

import (
	"context"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/tensor"
)

// Result is what one request produces.
type Result struct {
	// Outputs are host copies of the graph outputs of the last completed
	// iteration.
	Outputs []tensor.Value
	// Iterations is how many iterations completed.
	Iterations int
	// EOS reports that the device ended the sequence before the iteration
	// budget was used up.
	EOS bool
}

// Engine executes one request of a loaded model.
type Engine interface {
	// Execute runs the request on stream s. Inputs of device placement must
	// already live in device memory.
	Execute(ctx context.Context, s device.Stream, inputs []tensor.Value) (*Result, error)
}
