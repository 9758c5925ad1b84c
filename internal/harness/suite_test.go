package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	for _, name := range []string{"b.yaml", "a.yml", "nested/c.YAML", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644))
	}

	paths, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "nested/c.YAML"),
	}, paths)

	single, err := Discover(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "notes.txt")}, single)
}

func TestDiscover_Errors(t *testing.T) {
	_, err := Discover("/nonexistent/scenarios")
	require.Error(t, err)

	_, err = Discover(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenario files")
}

func TestRunSuite(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)

	scenarios := map[string]string{
		"1_pass.yaml": `
name: pass
description: loads
fixture: backend.yaml
flow:
  - dispatch: dashboard.load
    args: {dashboard_id: d1}
assertions:
  - type: entity_count
    entity: dashboard
    count: 1
`,
		"2_fail.yaml": `
name: fail
description: wrong count
fixture: backend.yaml
flow:
  - dispatch: dashboard.load
    args: {dashboard_id: d1}
assertions:
  - type: entity_count
    entity: dashboard
    count: 5
`,
		"3_invalid.yaml": "name: invalid\n",
	}
	for name, doc := range scenarios {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0644))
	}
	paths, err := Discover(dir)
	require.NoError(t, err)
	// backend.yaml is discovered too and fails to load as a scenario.
	require.Len(t, paths, 4)

	var ran []string
	result := RunSuite(context.Background(), paths, func(_ string, s *Scenario, _ *Result) {
		ran = append(ran, s.Name)
	})

	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 3, result.Failed)
	assert.False(t, result.OK())
	assert.Equal(t, []string{"pass", "fail"}, ran)

	require.Len(t, result.Failures, 3)
	assert.Equal(t, "fail", result.Failures[0].Scenario)
	assert.Contains(t, result.Failures[0].Errors[0], "5 dashboard records")
	assert.Contains(t, result.Failures[1].Errors[0], "failed to load scenario")
	assert.Contains(t, result.Failures[2].Errors[0], "failed to load scenario")
}

func TestRunSuite_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := RunSuite(ctx, []string{"a.yaml", "b.yaml"}, nil)
	assert.Equal(t, 0, result.Total)
	assert.True(t, result.OK())
}
