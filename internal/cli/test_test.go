package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: passing
description: "Renames the inline dashboard"
backend:
  dashboards:
    - dashboard: {id: d1, title: Sales, version: 1}
setup:
  - dispatch: dashboard.load
    args: {dashboard_id: d1}
flow:
  - dispatch: dashboard.rename
    args: {dashboard_id: d1, title: Q3}
    expect: {state: completed}
assertions:
  - type: trace_contains
    event: dashboard.renamed
    fields: {title: Q3}
`

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestTestCommand_ScenarioDirectory(t *testing.T) {
	out, err := execute(t, "test", scenariosPath)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ rename_and_save")
	assert.Contains(t, out, "✓ search_supersedes")
	assert.Contains(t, out, "Test Summary: 5 passed, 0 failed, 5 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommand_Filter(t *testing.T) {
	out, err := execute(t, "--format", "json", "test", scenariosPath, "--filter", "save_*")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "save_conflict", resp.Data.Scenarios[0].Name)
}

func TestTestCommand_FilterMatchesNothing(t *testing.T) {
	out, err := execute(t, "test", scenariosPath, "--filter", "nope*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_Failures(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a_passing", passingScenario)
	writeScenario(t, dir, "b_failing", failingScenario)

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ a_passing")
	assert.Contains(t, out, "✗ failing")
	assert.Contains(t, out, "Test Summary: 1 passed, 1 failed, 2 total")
}

func TestTestCommand_EmptyDirectory(t *testing.T) {
	_, err := execute(t, "test", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to find scenarios")
}

func TestTestCommand_MissingPath(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "nowhere"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")
}

func TestTestCommand_Golden(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "passing", passingScenario)

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ passing (golden updated)")

	golden, err := os.ReadFile(goldenFilePath(path))
	require.NoError(t, err)
	assert.Contains(t, string(golden), "dashboard.renamed")

	_, err = execute(t, "test", dir)
	require.NoError(t, err, "a fresh golden file must match the next run")

	require.NoError(t, os.WriteFile(goldenFilePath(path), []byte("{}\n"), 0644))
	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "does not match")
	assert.Contains(t, out, "--update")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("testdata", "scenarios", "golden", "rename_and_save.golden"),
		goldenFilePath(filepath.Join("testdata", "scenarios", "rename_and_save.yaml")))
	assert.Equal(t, filepath.Join("golden", "x.golden"), goldenFilePath("x.yml"))
}

func TestFilterScenarios(t *testing.T) {
	paths := []string{"s/load_dashboard.yaml", "s/save_conflict.yaml", "s/search_supersedes.yaml"}

	got, err := filterScenarios(paths, "")
	require.NoError(t, err)
	assert.Equal(t, paths, got)

	got, err = filterScenarios(paths, "s*")
	require.NoError(t, err)
	assert.Equal(t, []string{"s/save_conflict.yaml", "s/search_supersedes.yaml"}, got)

	_, err = filterScenarios(paths, "[")
	require.Error(t, err)
}
