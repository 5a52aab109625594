package hcl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/hybridrt/internal/config"
)

const sampleHCL = `
runtime {
  device_id           = 1
  input_batch_cpy     = "1"
  stream_sync_timeout = "5s"
  max_tiling_size     = max(128, 256)
  exception_dump      = true
  num_executors       = tonumber(env.CORES)
}

model "accum" {
  num_stages    = 1
  iteration_end = 1

  input "x" {
    dtype     = lower("FLOAT32")
    shape     = [4]
    placement = "host"
  }
  constant "c" {
    dtype  = "float32"
    shape  = [4]
    values = [1, 1, 1, 1]
  }
  variable "v" {
    dtype = "float32"
    shape = [4]
  }

  node "acc" {
    op_type = "AssignAdd"
    kernel  = "assign_add"
    inputs  = ["v", "c"]
    output {
      dtype = "float32"
      shape = [4]
    }
  }

  outputs = ["acc:0"]
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Load(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := t.TempDir()
	writeFile(t, dir, "main.hcl", sampleHCL)
	loader := NewLoader().WithEnviron(func() []string { return []string{"CORES=3"} })

	// --- Act ---
	model, err := loader.Load(context.Background(), dir)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 1, model.Runtime.DeviceID)
	assert.Equal(t, 5*time.Second, model.Runtime.StreamSyncTimeout)
	assert.Equal(t, 256, model.Runtime.MaxTilingSize)
	assert.Equal(t, 3, model.Runtime.NumExecutors)
	assert.True(t, model.Runtime.ExceptionDump)
	batch, err := model.Runtime.InputBatchCopy()
	require.NoError(t, err)
	assert.True(t, batch)

	plan, err := model.Plan("accum")
	require.NoError(t, err)
	require.Len(t, plan.Inputs, 1)
	assert.Equal(t, "float32", plan.Inputs[0].DType)
	assert.Equal(t, "host", plan.Inputs[0].Placement)
	assert.Equal(t, []float64{1, 1, 1, 1}, plan.Constants[0].Values)
	require.Len(t, plan.Nodes, 1)
	node := plan.Nodes[0]
	assert.Equal(t, -1, node.Stage)
	assert.Equal(t, []string{"v", "c"}, node.Inputs)
	assert.Equal(t, []config.TensorSpec{{Name: "acc:0", DType: "float32", Shape: []int64{4}}}, node.Outputs)
	assert.Equal(t, []string{"acc:0"}, plan.Outputs)
}

func TestLoader_CompileInfoForms(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		expr string
		want string
	}{
		{"string", `"{\"block_dim\":8}"`, `{"block_dim":8}`},
		{"number", `32`, "32"},
		{"bool", `true`, "true"},
		{"object", `{ block_dim = 8, mode = upper("fast") }`, `{"block_dim":8,"mode":"FAST"}`},
		{"tuple", `[1, "a"]`, `[1,"a"]`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			dir := t.TempDir()
			writeFile(t, dir, "main.hcl", `
model "m" {
  node "n" {
    op_type      = "Add"
    compile_info = `+tc.expr+`
  }
  outputs = []
}
`)

			// --- Act ---
			model, err := NewLoader().WithEnviron(func() []string { return nil }).Load(context.Background(), dir)

			// --- Assert ---
			require.NoError(t, err)
			plan, err := model.Plan("m")
			require.NoError(t, err)
			require.Len(t, plan.Nodes, 1)
			assert.Equal(t, tc.want, plan.Nodes[0].CompileInfo)
		})
	}
}

func TestLoader_CompileInfoOmitted(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := t.TempDir()
	writeFile(t, dir, "main.hcl", `
model "m" {
  node "n" { op_type = "Add" }
  outputs = []
}
`)

	// --- Act ---
	model, err := NewLoader().WithEnviron(func() []string { return nil }).Load(context.Background(), dir)

	// --- Assert ---
	require.NoError(t, err)
	plan, err := model.Plan("m")
	require.NoError(t, err)
	assert.Empty(t, plan.Nodes[0].CompileInfo)
}

func TestLoader_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		files map[string]string
	}{
		{"syntax error", map[string]string{"a.hcl": `model "m" {`}},
		{"bad duration", map[string]string{"a.hcl": `runtime { stream_sync_timeout = "soon" }`}},
		{"bad batch option", map[string]string{"a.hcl": `runtime { input_batch_cpy = "2" }`}},
		{"two runtime blocks", map[string]string{"a.hcl": `runtime {}`, "b.hcl": `runtime {}`}},
		{"duplicate model", map[string]string{"a.hcl": `model "m" { outputs = [] }`, "b.hcl": `model "m" { outputs = [] }`}},
		{"no files", map[string]string{"a.txt": ``}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tc.files {
				writeFile(t, dir, name, content)
			}
			_, err := NewLoader().WithEnviron(func() []string { return nil }).Load(context.Background(), dir)
			require.Error(t, err)
		})
	}
}
