package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchResponse struct {
	Status string         `json:"status"`
	Data   DispatchResult `json:"data"`
	Error  *CLIError      `json:"error"`
}

func dispatchJSON(t *testing.T, args ...string) (dispatchResponse, error) {
	t.Helper()
	out, err := execute(t, append([]string{"--format", "json", "dispatch"}, args...)...)
	var resp dispatchResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp, err
}

func eventTypes(events []DispatchedEvent) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestDispatchCommand_Load(t *testing.T) {
	resp, err := dispatchJSON(t, "dashboard.load", `{"dashboard_id":"d1"}`, "--fixture", salesFixture)
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "dashboard.load", resp.Data.Command)
	assert.Equal(t, "completed", resp.Data.State)
	assert.NotEmpty(t, resp.Data.CorrelationID)
	assert.Empty(t, resp.Data.JournalSession)

	types := eventTypes(resp.Data.Events)
	assert.Contains(t, types, "command.started")
	assert.Contains(t, types, "dashboard.loaded")
	assert.Contains(t, types, "command.completed")
	assert.NotContains(t, types, "store.entity_put", "store events are filtered out")

	for _, ev := range resp.Data.Events {
		if ev.Type == "dashboard.loaded" {
			assert.Equal(t, "d1", ev.Fields["dashboard_id"])
			assert.NotContains(t, ev.Fields, "correlation_id")
		}
	}
}

func TestDispatchCommand_Text(t *testing.T) {
	out, err := execute(t, "dispatch", "dashboard.load", `{"dashboard_id":"d1"}`, "--fixture", salesFixture)
	require.NoError(t, err)
	assert.Contains(t, out, "dashboard.load (")
	assert.Contains(t, out, "): completed")
	assert.Contains(t, out, "Events:")
	assert.Contains(t, out, "dashboard.loaded")
}

func TestDispatchCommand_SaveWithSetup(t *testing.T) {
	resp, err := dispatchJSON(t, "dashboard.save", `{"dashboard_id":"d1"}`,
		"--fixture", salesFixture,
		"--setup", `dashboard.load={"dashboard_id":"d1"}`)
	require.NoError(t, err)
	assert.Equal(t, "completed", resp.Data.State)
	assert.Contains(t, eventTypes(resp.Data.Events), "dashboard.saved")
}

func TestDispatchCommand_Rejected(t *testing.T) {
	resp, err := dispatchJSON(t, "dashboard.load", `{}`, "--fixture", salesFixture)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "rejected", resp.Data.State)
	assert.Equal(t, "VALIDATION", resp.Data.Kind)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotComplete, resp.Error.Code)
}

func TestDispatchCommand_MissingDashboardFails(t *testing.T) {
	resp, err := dispatchJSON(t, "dashboard.load", `{"dashboard_id":"nope"}`, "--fixture", salesFixture)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "failed", resp.Data.State)
	assert.Contains(t, eventTypes(resp.Data.Events), "dashboard.load_failed")
}

func TestDispatchCommand_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "invalid_json",
			args:    []string{"dashboard.load", `{"dashboard_id":`, "--fixture", salesFixture},
			wantErr: "payload is not valid JSON",
		},
		{
			name:    "unknown_command",
			args:    []string{"dashboard.publish", `{}`, "--fixture", salesFixture},
			wantErr: "failed to decode command",
		},
		{
			name:    "missing_fixture",
			args:    []string{"dashboard.load", `{}`, "--fixture", "missing.yaml"},
			wantErr: "failed to load fixture",
		},
		{
			name:    "setup_failure",
			args:    []string{"dashboard.save", `{"dashboard_id":"d1"}`, "--fixture", salesFixture, "--setup", "dashboard.publish"},
			wantErr: "setup failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"dispatch"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDispatchCommand_RequiresFixture(t *testing.T) {
	_, err := execute(t, "dispatch", "dashboard.load")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
