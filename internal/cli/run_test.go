package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const failingScenario = `name: failing
description: "Asserts a title the rename never sets"
backend:
  dashboards:
    - dashboard: {id: d1, title: Sales, version: 1}
setup:
  - dispatch: dashboard.load
    args: {dashboard_id: d1}
flow:
  - dispatch: dashboard.rename
    args: {dashboard_id: d1, title: Q3}
assertions:
  - type: final_state
    entity: dashboard
    id: d1
    expect: {title: Q4}
`

func TestRunCommand_Text(t *testing.T) {
	out, err := execute(t, "run", filepath.Join(scenariosPath, "rename_and_save.yaml"))
	require.NoError(t, err)

	assert.Contains(t, out, "Scenario: rename_and_save (PASS)")
	assert.Contains(t, out, "Trace:")
	assert.Contains(t, out, "command:dashboard.rename")
	assert.Contains(t, out, "dashboard.saved")
	assert.Contains(t, out, "flow[1] dashboard.save (flow-2): completed")
	assert.NotContains(t, out, "Errors:")
}

func TestRunCommand_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "run", filepath.Join(scenariosPath, "rename_and_save.yaml"))
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "rename_and_save", resp.Data.Scenario)
	assert.True(t, resp.Data.Pass)
	assert.Len(t, resp.Data.Outcomes, 2)
	assert.NotEmpty(t, resp.Data.Trace)
	assert.Empty(t, resp.Data.Errors)
}

func TestRunCommand_FailingScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(failingScenario), 0644))

	out, err := execute(t, "run", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Scenario: failing (FAIL)")
	assert.Contains(t, out, "Errors:")
}

func TestRunCommand_MissingFile(t *testing.T) {
	_, err := execute(t, "run", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load scenario")
}

func TestRunCommand_RequiresArg(t *testing.T) {
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}
