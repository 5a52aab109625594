package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to set up test file")
	return path
}

func TestRun_PanicRecovery(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// A missing closing brace makes the loader fail inside app.NewApp.
	path := writeConfig(t, `
model "broken" {
  node "a" {
`)
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(out, []string{path})

	// --- Assert ---
	require.Error(t, err)
	assert.Contains(t, err.Error(), "application startup panicked")
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(out, []string{"-h"})

	// --- Assert ---
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Usage:")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(out, []string{"--this-is-not-a-valid-flag"})

	// --- Assert ---
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
}

func TestRun_ExecutesModel(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	path := writeConfig(t, `
model "double" {
  input "x" {
    dtype = "float32"
    shape = [2]
  }
  node "add" {
    op_type = "Add"
    inputs  = ["x", "x"]
    output {
      dtype = "float32"
      shape = [2]
    }
  }
  outputs = ["add:0"]
}
`)
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(out, []string{"-requests", "2", "-log-format", "text", path})

	// --- Assert ---
	require.NoError(t, err, "logs:\n%s", out.String())
	assert.Contains(t, out.String(), "✅ Request completed.")
	assert.Contains(t, out.String(), "🏁 Execution finished.")
}
