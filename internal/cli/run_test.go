package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: counter
description: "A single scene writes a transform every frame"
frames: 3
scenes:
  - name: plaza
    base: { x: 0, y: 0, z: 0 }
    script: |
      local n = 0
      function onUpdate(dt)
        n = n + 1
        crdt.put(512, component.Transform, codec.transform(n, 0, 0))
      end
assertions:
  - { type: status, scene: plaza, expect: running }
  - { type: suspended }
  - { type: converges, scene: plaza }
`

const failingScenario = `
name: wrong_status
description: "Expects a healthy scene to be suspended"
frames: 2
scenes:
  - name: plaza
    base: { x: 0, y: 0, z: 0 }
    script: "x = 1"
assertions:
  - { type: status, scene: plaza, expect: suspended }
`

func writeScenarios(t *testing.T, docs map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, doc := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644))
	}
	return dir
}

func executeRun(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRun_PassingScenario(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"counter.yaml": passingScenario})

	out, err := executeRun(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ counter")
	assert.Contains(t, out, "Summary: 1 passed, 0 failed, 1 total")
}

func TestRun_FailingScenario(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"counter.yaml":      passingScenario,
		"wrong_status.yaml": failingScenario,
	})

	out, err := executeRun(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_status")
	assert.Contains(t, out, "Summary: 1 passed, 1 failed, 2 total")
}

func TestRun_Filter(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"counter.yaml":      passingScenario,
		"wrong_status.yaml": failingScenario,
	})

	out, err := executeRun(t, "text", dir, "--filter", "count*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 total")
}

func TestRun_GoldenUpdateThenCompare(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"counter.yaml": passingScenario})
	file := filepath.Join(dir, "counter.yaml")

	_, err := executeRun(t, "text", file, "--update")
	require.NoError(t, err)
	golden := filepath.Join(dir, "golden", "counter.golden")
	require.FileExists(t, golden)

	_, err = executeRun(t, "text", file)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0o644))
	out, err := executeRun(t, "text", file)
	require.Error(t, err)
	assert.Contains(t, out, "does not match golden file")
}

func TestRun_JSON(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"wrong_status.yaml": failingScenario})

	out, err := executeRun(t, "json", dir)
	require.Error(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
		Error  *CLIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenarioFailed, resp.Error.Code)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.False(t, resp.Data.Scenarios[0].Pass)
	assert.NotEmpty(t, resp.Data.Scenarios[0].Errors)
}

func TestRun_MissingPath(t *testing.T) {
	_, err := executeRun(t, "text", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
