package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/hybridrt/internal/hcl"
	"github.com/vk/hybridrt/internal/profiling"
	"github.com/vk/hybridrt/internal/testutil"
)

const pipelineHCL = `
runtime {
  stream_sync_timeout = "5s"
  num_executors       = 2
}

model "addmul" {
  num_stages    = 2
  iteration_end = 3

  input "x" {
    dtype = "float32"
    shape = [4]
  }
  constant "c" {
    dtype  = "float32"
    shape  = [4]
    values = [1, 2, 3, 4]
  }

  node "add" {
    op_type = "Add"
    stage   = 0
    inputs  = ["x", "c"]
    output {
      dtype = "float32"
      shape = [4]
    }
  }
  node "mul" {
    op_type = "Mul"
    stage   = 1
    inputs  = ["add:0", "c"]
    output {
      dtype = "float32"
      shape = [4]
    }
  }

  outputs = ["mul:0"]
}

model "accumulate" {
  variable "v" {
    dtype = "float32"
    shape = [4]
  }
  constant "one" {
    dtype  = "float32"
    shape  = [4]
    values = [1, 1, 1, 1]
  }

  node "assign" {
    op_type = "AssignAdd"
    inputs  = ["v", "one"]
    output {
      dtype = "float32"
      shape = [4]
    }
  }

  outputs = ["assign:0"]
}
`

func newTestApp(t *testing.T, content string, cfg Config) (*App, *testutil.SafeBuffer) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "main.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg.ConfigPath = path
	if cfg.LogLevel == "" {
		cfg.LogLevel = "debug"
	}
	appConfig, err := NewConfig(cfg)
	require.NoError(t, err)

	out := &testutil.SafeBuffer{}
	return NewApp(out, appConfig, hcl.NewLoader()), out
}

func TestApp_RunsEveryPlan(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	a, out := newTestApp(t, pipelineHCL, Config{Requests: 3})
	var records atomic.Int64
	a.Reporter().Subscribe("test", profiling.SubscriberFunc(func(profiling.Record) { records.Add(1) }))

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err, "logs:\n%s", out.String())
	logs := out.String()
	assert.Contains(t, logs, "🏁 Execution finished.")
	assert.Contains(t, logs, "pipelined=true")
	assert.Contains(t, logs, "model=accumulate")
	assert.NotContains(t, logs, "❌")

	assert.Equal(t, a.Device().MemInfo().Total, a.Device().MemInfo().Free, "all device memory is returned")
	assert.Equal(t, int64(6), records.Load()+a.Reporter().Dropped(), "one execute record per request")
}

func TestApp_SelectsOneModel(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	a, out := newTestApp(t, pipelineHCL, Config{Requests: 1, Model: "accumulate"})

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "model=addmul")
}

func TestApp_UnknownModel(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	a, _ := newTestApp(t, pipelineHCL, Config{Requests: 1, Model: "missing"})

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no plan named "missing"`)
}

func TestApp_ExecutorCountMismatch(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	content := strings.Replace(pipelineHCL, "num_executors       = 2", "num_executors       = 3", 1)
	a, _ := newTestApp(t, content, Config{Requests: 1, Model: "addmul"})

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model addmul")
}

func TestApp_EmptyConfiguration(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	a, out := newTestApp(t, "runtime {}\n", Config{Requests: 1})

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No models found")
}

func TestNewApp_PanicsOnBadOption(t *testing.T) {
	t.Parallel()

	content := `
runtime {
  input_batch_cpy = "2"
}
`
	assert.Panics(t, func() { newTestApp(t, content, Config{}) })
}

func TestApp_StatsHandler(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	a, _ := newTestApp(t, pipelineHCL, Config{Requests: 2, Model: "addmul"})
	require.NoError(t, a.Run(context.Background()))
	rec := httptest.NewRecorder()

	// --- Act ---
	a.statsHandler(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	// --- Assert ---
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc, "device")
	assert.Contains(t, doc, "memory")
	assert.Contains(t, doc, "pools")
	dev := doc["device"].(map[string]any)
	assert.Positive(t, dev["Launches"])
}

func TestApp_HealthHandler(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, "runtime {}\n", Config{})
	rec := httptest.NewRecorder()
	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}
