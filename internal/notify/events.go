package notify

import (
	"time"

	"github.com/vk/hybridrt/internal/profiling"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
)

// Event names emitted to every connected client.
const (
	EventComputeDone = "compute_done"
	EventProfiling   = "profiling"
)

// MaxPreview bounds how many values of an output are sent.
const MaxPreview = 16

// OutputSummary describes one output tensor of a request.
type OutputSummary struct {
	DType  string    `json:"dtype"`
	Shape  []int64   `json:"shape"`
	Bytes  int       `json:"bytes"`
	Values []float32 `json:"values,omitempty"`
}

// ComputeDone is the payload of EventComputeDone.
type ComputeDone struct {
	Index   uint64          `json:"index"`
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Outputs []OutputSummary `json:"outputs,omitempty"`
}

// ProfilingEvent is the payload of EventProfiling.
type ProfilingEvent struct {
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Model      string         `json:"model,omitempty"`
	Request    uint64         `json:"request"`
	DurationMS float64        `json:"duration_ms"`
	Iterations int            `json:"iterations,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// NewComputeDone summarises the outcome of one request.
func NewComputeDone(index uint64, err error, outputs []tensor.Value) ComputeDone {
	ev := ComputeDone{Index: index, Status: status.CodeOf(err).String()}
	if err != nil {
		ev.Error = err.Error()
	}
	for _, out := range outputs {
		s := OutputSummary{
			DType: out.Desc.DType.String(),
			Shape: out.Desc.Shape.Clone(),
			Bytes: len(out.Buffer.Data),
		}
		if out.Desc.DType == tensor.Float32 && out.Buffer.IsHost() {
			if vals, decErr := tensor.Decode(out.Desc.DType, out.Buffer.Data); decErr == nil {
				for _, v := range vals[:min(len(vals), MaxPreview)] {
					s.Values = append(s.Values, float32(v))
				}
			}
		}
		ev.Outputs = append(ev.Outputs, s)
	}
	return ev
}

// NewProfilingEvent converts a profiling record.
func NewProfilingEvent(rec profiling.Record) ProfilingEvent {
	return ProfilingEvent{
		Kind:       rec.Kind.String(),
		Name:       rec.Name,
		Model:      rec.Model,
		Request:    rec.Request,
		DurationMS: float64(rec.Duration) / float64(time.Millisecond),
		Iterations: rec.Iterations,
		Error:      rec.Err,
		Attrs:      rec.Attrs,
	}
}
