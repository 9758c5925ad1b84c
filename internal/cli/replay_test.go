package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashflow/internal/journal"
)

func TestReplayCommand_Deterministic(t *testing.T) {
	path, correlationID := journalLoad(t)

	out, err := execute(t, "--format", "json", "replay", "--journal", path, "--fixture", salesFixture)
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   ReplaySummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Deterministic)
	assert.Empty(t, resp.Data.Divergences)
	assert.Equal(t, []ReplayCommandResult{
		{CorrelationID: correlationID, Command: "dashboard.load", State: "completed"},
	}, resp.Data.Commands)
}

func TestReplayCommand_Text(t *testing.T) {
	path, _ := journalLoad(t)

	out, err := execute(t, "-v", "replay", "--journal", path, "--fixture", salesFixture)
	require.NoError(t, err)
	assert.Contains(t, out, "Replay Summary: session")
	assert.Contains(t, out, "1 command(s)")
	assert.Contains(t, out, "dashboard.load (")
	assert.Contains(t, out, "✓ All outcomes match the recording")
}

func TestReplayCommand_Divergence(t *testing.T) {
	path, _ := journalLoad(t)

	// Against a backend without d1 the load fails.
	empty := filepath.Join(t.TempDir(), "empty.yaml")
	writeFile(t, empty, "dashboards: []\n")

	out, err := execute(t, "replay", "--journal", path, "--fixture", empty)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗")
	assert.Contains(t, out, "dashboard.load")
}

func TestReplayCommand_EmptyJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	j, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = execute(t, "replay", "--journal", path, "--fixture", salesFixture)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "journal has no sessions")
}

func TestReplayCommand_RequiredFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no_flags", []string{"replay"}},
		{"no_fixture", []string{"replay", "--journal", "x.db"}},
		{"no_journal", []string{"replay", "--fixture", salesFixture}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "required flag")
		})
	}
}
