// Package testutil holds shared helpers for tests that drive the runtime on
// the simulated device.
package testutil

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/device/sim"
	"github.com/vk/hybridrt/internal/registry"
	"github.com/vk/hybridrt/modules/aicpu"
	"github.com/vk/hybridrt/modules/atomicclean"
	"github.com/vk/hybridrt/modules/elementwise"
	"github.com/vk/hybridrt/modules/fused"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Modules returns a fresh instance of every built-in kernel module.
func Modules() []registry.Module {
	return []registry.Module{
		&elementwise.Module{},
		&aicpu.Module{},
		&fused.Module{},
		&atomicclean.Module{},
	}
}

// Harness is a simulated device with every built-in kernel module
// registered and installed.
type Harness struct {
	Dev  *sim.Device
	Reg  *registry.Registry
	Ctx  context.Context
	Logs *SafeBuffer
}

// NewHarness creates a Harness. Its registry is finalized when the test ends.
// Set HYBRIDRT_TEST_LOGS=true to print the captured debug log of each test.
func NewHarness(t *testing.T, opts ...sim.Option) *Harness {
	t.Helper()

	logs := &SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	dev := sim.New(opts...)
	reg := registry.New()
	mods := Modules()
	require.NoError(t, reg.Init(ctx, mods...))
	for _, m := range mods {
		if in, ok := m.(sim.Installer); ok {
			in.Install(dev)
		}
	}

	t.Cleanup(func() {
		_ = reg.Finalize(ctx)
		if os.Getenv("HYBRIDRT_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})
	return &Harness{Dev: dev, Reg: reg, Ctx: ctx, Logs: logs}
}

// Stream creates a stream that is destroyed when the test ends.
func (h *Harness) Stream(t *testing.T) device.Stream {
	t.Helper()
	s, err := h.Dev.CreateStream()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Dev.DestroyStream(s) })
	return s
}
