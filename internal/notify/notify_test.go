package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/hybridrt/internal/profiling"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/tensor"
)

func f32Host(vals ...float64) tensor.Value {
	raw, err := tensor.Encode(tensor.Float32, vals)
	if err != nil {
		panic(err)
	}
	return tensor.Value{
		Desc:   tensor.Desc{DType: tensor.Float32, Shape: tensor.Shape{int64(len(vals))}, Placement: tensor.Host},
		Buffer: tensor.HostBuffer(raw),
	}
}

func TestNewComputeDone(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		err        error
		outputs    []tensor.Value
		wantStatus string
		wantValues []float32
	}{
		{
			name:       "success with preview",
			outputs:    []tensor.Value{f32Host(2, 6, 12, 20)},
			wantStatus: status.Success.String(),
			wantValues: []float32{2, 6, 12, 20},
		},
		{
			name:       "failure without outputs",
			err:        status.Errorf(status.KernelFault, "sync", "boom"),
			wantStatus: status.KernelFault.String(),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ev := NewComputeDone(3, tc.err, tc.outputs)

			assert.Equal(t, uint64(3), ev.Index)
			assert.Equal(t, tc.wantStatus, ev.Status)
			if tc.err != nil {
				assert.Contains(t, ev.Error, "boom")
				assert.Empty(t, ev.Outputs)
				return
			}
			require.Len(t, ev.Outputs, 1)
			assert.Equal(t, []int64{4}, ev.Outputs[0].Shape)
			assert.Equal(t, 16, ev.Outputs[0].Bytes)
			assert.Equal(t, tc.wantValues, ev.Outputs[0].Values)
		})
	}
}

func TestNewComputeDone_PreviewIsBounded(t *testing.T) {
	t.Parallel()

	vals := make([]float64, MaxPreview*2)
	ev := NewComputeDone(0, nil, []tensor.Value{f32Host(vals...)})

	assert.Len(t, ev.Outputs[0].Values, MaxPreview)
}

func TestNewProfilingEvent(t *testing.T) {
	t.Parallel()

	ev := NewProfilingEvent(profiling.Record{
		Kind:     profiling.KindEvent,
		Name:     "end_of_sequence",
		Request:  5,
		Duration: 1500 * time.Microsecond,
		Err:      errors.New("x").Error(),
	})

	assert.Equal(t, "event", ev.Kind)
	assert.Equal(t, "end_of_sequence", ev.Name)
	assert.Equal(t, uint64(5), ev.Request)
	assert.InDelta(t, 1.5, ev.DurationMS, 1e-9)
	assert.Equal(t, "x", ev.Error)
}

func TestPublisher_DeliversToWatcher(t *testing.T) {
	if testing.Short() {
		t.Skip("opens a local socket.io connection")
	}

	// --- Arrange ---
	ctx := context.Background()
	pub := NewPublisher(ctx)
	require.NoError(t, pub.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = pub.Close() })

	done := make(chan ComputeDone, 1)
	profiles := make(chan ProfilingEvent, 1)
	w, err := Watch(ctx, fmt.Sprintf("http://%s%s", pub.Addr(), Path), Handlers{
		ComputeDone: func(ev ComputeDone) { done <- ev },
		Profiling:   func(ev ProfilingEvent) { profiles <- ev },
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	require.Eventually(t, func() bool { return pub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	// --- Act ---
	pub.OnComputeDone(9, nil, []tensor.Value{f32Host(1, 2)})
	pub.Report(profiling.Record{Kind: profiling.KindAPI, Name: "execute", Request: 9})

	// --- Assert ---
	select {
	case ev := <-done:
		assert.Equal(t, uint64(9), ev.Index)
		assert.Equal(t, []float32{1, 2}, ev.Outputs[0].Values)
	case <-time.After(5 * time.Second):
		t.Fatal("compute_done was not delivered")
	}
	select {
	case ev := <-profiles:
		assert.Equal(t, "execute", ev.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("profiling was not delivered")
	}
	assert.Equal(t, int64(2), pub.Emitted())
}
