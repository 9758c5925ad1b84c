package harness

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_RenameAndSave(t *testing.T) {
	scenario, err := LoadScenario("../../testdata/scenarios/rename_and_save.yaml")
	require.NoError(t, err)

	// Regenerate with:
	//   go test ./internal/harness -run TestRunWithGolden_RenameAndSave -update
	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunWithGolden_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("../../testdata/scenarios/save_conflict.yaml")
	require.NoError(t, err)

	var snapshots [][]byte
	for range 3 {
		result, err := Run(t.Context(), scenario)
		require.NoError(t, err)
		require.True(t, result.Pass, "errors: %v", result.Errors)

		data, err := MarshalSnapshot(scenario.Name, result)
		require.NoError(t, err)
		snapshots = append(snapshots, data)
	}
	assert.Equal(t, string(snapshots[0]), string(snapshots[1]))
	assert.Equal(t, string(snapshots[0]), string(snapshots[2]))
}

func TestMarshalSnapshot(t *testing.T) {
	result := NewResult()
	result.Outcomes = []StepOutcome{{Step: 0, Command: "dashboard.save", CorrelationID: "flow-1", State: "failed", Kind: "BACKEND"}}
	result.Trace = []TraceEntry{
		{Seq: 1, Kind: TraceEvent, Type: "dashboard.save_failed", CorrelationID: "flow-1",
			Fields: map[string]any{"reason": "conflict", "dashboard_id": "d1"}},
	}

	data, err := MarshalSnapshot("save_conflict", result)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	var snapshot TraceSnapshot
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, "save_conflict", snapshot.ScenarioName)
	assert.Equal(t, result.Outcomes, snapshot.Outcomes)
	require.Len(t, snapshot.Trace, 1)
	assert.Equal(t, "conflict", snapshot.Trace[0].Fields["reason"])

	// Map keys render sorted.
	assert.Less(t,
		strings.Index(string(data), `"dashboard_id"`),
		strings.Index(string(data), `"reason"`))
}
