package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
)

func TestRecorder_RecordsCommandsAndEvents(t *testing.T) {
	j := createTestJournal(t)
	e := startEngine(t, false)
	ctx := context.Background()

	r, err := Attach(ctx, j, e, "ping session", WithNow(fixedNow))
	require.NoError(t, err)

	out := run(t, e, pingCmd{Name: "a"})
	r.Close()

	entries, err := j.ReadSession(ctx, r.SessionID())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"command:test.ping",
		"event:command.started",
		"event:test.pinged",
		"event:command.completed",
	}, types(entries))
	for _, e := range entries {
		assert.Equal(t, out.CorrelationID, e.CorrelationID)
	}

	sessions, err := j.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "ping session", sessions[0].Label)
	assert.Equal(t, 4, sessions[0].Entries)
	assert.True(t, epoch.Equal(sessions[0].StartedAt))
}

func TestRecorder_FollowUpsKeepCausation(t *testing.T) {
	j := createTestJournal(t)
	e := startEngine(t, false)
	ctx := context.Background()

	r, err := Attach(ctx, j, e, "")
	require.NoError(t, err)
	root := run(t, e, pingCmd{Name: "chain"})
	r.Close()

	entries, err := j.ReadCorrelation(ctx, root.CorrelationID)
	require.NoError(t, err)

	var child *Entry
	for i := range entries {
		if entries[i].Kind == KindCommand && entries[i].CausationID == root.CorrelationID {
			child = &entries[i]
		}
	}
	require.NotNil(t, child, "follow-up command is part of the root's trace")
	assert.JSONEq(t, `{"name":"child"}`, child.Payload)

	roots, err := j.RootCommands(ctx, r.SessionID())
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, root.CorrelationID, roots[0].CorrelationID)
}

func TestRecorder_EventFilter(t *testing.T) {
	j := createTestJournal(t)
	e := startEngine(t, false)
	ctx := context.Background()

	r, err := Attach(ctx, j, e, "", WithEventFilter(engine.IsTerminal))
	require.NoError(t, err)
	run(t, e, pingCmd{Name: "a"})
	r.Close()

	entries, err := j.ReadSession(ctx, r.SessionID())
	require.NoError(t, err)
	assert.Equal(t, []string{"command:test.ping", "event:command.completed"}, types(entries))
}

func TestRecorder_RejectedCommandsOnlyJournalTheirEvent(t *testing.T) {
	j := createTestJournal(t)
	e := startEngine(t, false)
	ctx := context.Background()

	r, err := Attach(ctx, j, e, "")
	require.NoError(t, err)
	out := run(t, e, unknownCmd{})
	r.Close()
	require.Equal(t, engine.StateRejected, out.State)

	entries, err := j.ReadSession(ctx, r.SessionID())
	require.NoError(t, err)
	assert.Equal(t, []string{"event:command.rejected"}, types(entries))
}

func TestRecorder_RejectionsBypassEventFilter(t *testing.T) {
	j := createTestJournal(t)
	e := startEngine(t, false)
	ctx := context.Background()

	r, err := Attach(ctx, j, e, "", WithEventFilter(event.OfType("test.pinged")))
	require.NoError(t, err)
	rejected := run(t, e, unknownCmd{})
	run(t, e, pingCmd{Name: "a"})
	r.Close()
	require.Equal(t, engine.StateRejected, rejected.State)

	entries, err := j.ReadSession(ctx, r.SessionID())
	require.NoError(t, err)
	assert.Equal(t, []string{"event:command.rejected", "command:test.ping", "event:test.pinged"}, types(entries))
	assert.Equal(t, rejected.CorrelationID, entries[0].CorrelationID)
	assert.Contains(t, entries[0].Payload, "test.unknown")
}

type unknownCmd struct{}

func (unknownCmd) CommandType() engine.CommandType { return "test.unknown" }

func TestRecorder_StopsAtClose(t *testing.T) {
	j := createTestJournal(t)
	e := startEngine(t, false)
	ctx := context.Background()

	r, err := Attach(ctx, j, e, "")
	require.NoError(t, err)
	r.Close()
	r.Close()

	run(t, e, pingCmd{Name: "late"})
	entries, err := j.ReadSession(ctx, r.SessionID())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecorder_SmallBufferKeepsEverything(t *testing.T) {
	j := createTestJournal(t)
	e := startEngine(t, false)
	ctx := context.Background()

	r, err := Attach(ctx, j, e, "", WithBuffer(1), WithEventFilter(event.OfType("test.pinged")))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		run(t, e, pingCmd{Name: "n"})
	}
	r.Close()

	entries, err := j.ReadSession(ctx, r.SessionID())
	require.NoError(t, err)
	assert.Len(t, entries, 40)
}
