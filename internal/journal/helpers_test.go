package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/testutil"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func fixedNow() time.Time { return epoch }

type pingCmd struct {
	Name string `json:"name"`
}

func (pingCmd) CommandType() engine.CommandType { return "test.ping" }

type failCmd struct {
	Reason string `json:"reason"`
}

func (failCmd) CommandType() engine.CommandType { return "test.fail" }

type pinged struct {
	event.Meta
	Name string `json:"name"`
}

func (pinged) Type() event.Type { return "test.pinged" }

func testCodec() *engine.Codec {
	c := engine.NewCodec()
	engine.RegisterCommand[pingCmd](c)
	engine.RegisterCommand[failCmd](c)
	return c
}

// createTestJournal opens a journal in a temp dir.
func createTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// startEngine runs an engine with the ping and fail handlers. A ping named
// "chain" dispatches a follow-up ping named "child". With failPings every
// ping fails.
func startEngine(t *testing.T, failPings bool) *engine.Engine {
	t.Helper()
	e := engine.New(engine.WithCorrelationGenerator(testutil.NewSeqGenerator("")))

	require.NoError(t, e.Register("test.ping", engine.Handle(func(in *engine.Instance, cmd pingCmd) error {
		if failPings {
			return errors.New("ping refused")
		}
		in.Publish(pinged{Meta: in.Meta(), Name: cmd.Name})
		if cmd.Name == "chain" {
			in.Dispatch(pingCmd{Name: "child"})
		}
		return nil
	})))
	require.NoError(t, e.Register("test.fail", engine.Handle(func(in *engine.Instance, cmd failCmd) error {
		return errors.New(cmd.Reason)
	})))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-e.Stopped():
		case <-time.After(testutil.WaitTimeout):
			t.Errorf("engine did not stop")
		}
	})
	return e
}

func run(t *testing.T, e *engine.Engine, cmd engine.Command) engine.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	out, _ := e.DispatchAndWait(ctx, cmd)
	require.True(t, out.State.Terminal(), "no outcome for %s", cmd.CommandType())
	require.NoError(t, e.WaitIdle(ctx))
	return out
}

func types(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Kind) + ":" + e.Type
	}
	return out
}
