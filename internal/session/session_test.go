package session

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashflow/internal/config"
	"github.com/roach88/dashflow/internal/dashboard"
	"github.com/roach88/dashflow/internal/elements"
	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/journal"
	"github.com/roach88/dashflow/internal/model"
	"github.com/roach88/dashflow/internal/testutil"
)

const fixtureYAML = `
dashboards:
  - dashboard: {id: d1, title: Sales, version: 1, filter_ids: [f1], widget_ids: [w1, w2]}
    filters:
      - {id: f1, display_form: df.region, title: Region, selection: {negative: true}}
    widgets:
      - {id: w1, dashboard_id: d1, insight_id: i1, title: Revenue}
      - {id: w2, dashboard_id: d1, insight_id: i1, title: Revenue again}
insights:
  - {id: i1, title: Revenue, measures: [m.revenue]}
elements:
  df.region:
    - {uri: r1, title: East}
    - {uri: r2, title: West}
results:
  - insight: i1
    headers: [revenue]
    rows: [["17"]]
`

func newFake(t *testing.T) *gateway.Fake {
	t.Helper()
	f, err := gateway.ParseFixture([]byte(fixtureYAML))
	require.NoError(t, err)
	return gateway.NewFake(f)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Retry = engine.NoRetry()
	return cfg
}

func openSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Gateway == nil {
		opts.Gateway = newFake(t)
	}
	if opts.Correlation == nil {
		opts.Correlation = testutil.NewSeqGenerator("")
	}
	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
		defer cancel()
		assert.NoError(t, s.Close(ctx))
	})
	return s
}

func run(t *testing.T, s *Session, cmd engine.Command) engine.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	out, _ := s.DispatchAndWait(ctx, cmd)
	require.True(t, out.State.Terminal(), "no outcome for %s", cmd.CommandType())
	require.NoError(t, s.WaitIdle(ctx))
	return out
}

func TestSession_LoadDashboardAndFilterElements(t *testing.T) {
	s := openSession(t, Options{Config: testConfig()})

	out := run(t, s, dashboard.LoadDashboard{DashboardID: "d1"})
	require.Equal(t, engine.StateCompleted, out.State, out.Message)

	c := s.Collections()
	assert.Len(t, c.Widgets.All(), 2)
	for _, id := range []string{"w1", "w2"} {
		res, ok := c.Results.Get(model.ResultID(id))
		require.True(t, ok, "widget %s executed", id)
		assert.Equal(t, [][]string{{"17"}}, res.Rows)
	}

	out = run(t, s, elements.LoadInitialElementsPage{FilterID: "f1"})
	require.Equal(t, engine.StateCompleted, out.State, out.Message)
	assert.Len(t, c.ElementsOf("f1"), 2)
}

func TestSession_JournalsCommandsAndFollowUps(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	s, err := New(context.Background(), Options{
		Config:      testConfig(),
		Gateway:     newFake(t),
		Journal:     j,
		Label:       "journal test",
		Correlation: testutil.NewSeqGenerator(""),
	})
	require.NoError(t, err)
	sid := s.JournalSessionID()
	require.NotEmpty(t, sid)

	root := run(t, s, dashboard.LoadDashboard{DashboardID: "d1"})

	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	roots, err := j.RootCommands(ctx, sid)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, root.CorrelationID, roots[0].CorrelationID)

	records, err := j.Commands(ctx, sid)
	require.NoError(t, err)
	var executions int
	for _, r := range records {
		if r.Command.Type == string(dashboard.TypeExecuteWidget) {
			executions++
			assert.Equal(t, root.CorrelationID, r.Command.CausationID)
			assert.Equal(t, engine.StateCompleted, r.State())
		}
	}
	assert.Equal(t, 2, executions)
}

func TestSession_OwnsJournalFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owned.db")
	cfg := testConfig()
	cfg.Journal.Path = path

	s, err := New(context.Background(), Options{Config: cfg, Gateway: newFake(t), Label: "owned"})
	require.NoError(t, err)
	run(t, s, dashboard.LoadDashboard{DashboardID: "d1"})
	require.NoError(t, s.Close(context.Background()))

	j, err := journal.Open(path)
	require.NoError(t, err)
	defer j.Close()
	last, err := j.LastSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "owned", last.Label)
	assert.Positive(t, last.Entries)
}

func TestSession_CloseCancelsInFlightWithoutTerminal(t *testing.T) {
	fake := newFake(t)
	started := make(chan struct{})
	var held atomic.Bool
	fake.SetHook(func(ctx context.Context, call gateway.Call) error {
		if call.Op != gateway.OpExecute || !held.CompareAndSwap(false, true) {
			return nil
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	s, err := New(context.Background(), Options{Config: testConfig(), Gateway: fake, Journal: j})
	require.NoError(t, err)
	rec := testutil.Record(s.Engine().Bus())

	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	_, err = s.DispatchAndWait(ctx, dashboard.LoadDashboard{DashboardID: "d1"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("execution never reached the gateway")
	}
	// The other widget is not held; let it finish first.
	rec.WaitFor(t, event.OfType(dashboard.TypeWidgetExecuted))
	require.NoError(t, s.Close(ctx))

	cancelled := testutil.Only[engine.CommandCancelled](rec)
	assert.Empty(t, cancelled, "teardown publishes no terminal events")

	unfinished, err := j.Unfinished(ctx, s.JournalSessionID())
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, string(dashboard.TypeExecuteWidget), unfinished[0].Command.Type)

	// Dispatches after Close are dropped.
	before := len(fake.Calls())
	s.Dispatch(dashboard.LoadDashboard{DashboardID: "d1"})
	assert.Len(t, fake.Calls(), before)
}

func TestSession_DispatchEncoded(t *testing.T) {
	s := openSession(t, Options{Config: testConfig()})
	rec := testutil.Record(s.Engine().Bus())

	id, err := s.DispatchEncoded(string(dashboard.TypeLoadDashboard), []byte(`{"dashboard_id":"d1"}`))
	require.NoError(t, err)
	ev := rec.WaitFor(t, event.And(engine.IsTerminal, event.ForCorrelation(id)))
	assert.Equal(t, engine.TypeCommandCompleted, ev.Type())

	_, err = s.DispatchEncoded("dashboard.explode", nil)
	require.Error(t, err)
	assert.Equal(t, engine.KindUnknownCommand, engine.KindOf(err))

	_, err = s.DispatchEncoded(string(dashboard.TypeLoadDashboard), []byte(`{"dashboard_id":`))
	require.Error(t, err)
	assert.True(t, engine.IsValidationError(err))
}

func TestSession_SessionsAreIsolated(t *testing.T) {
	a := openSession(t, Options{Config: testConfig()})
	b := openSession(t, Options{Config: testConfig()})

	run(t, a, dashboard.LoadDashboard{DashboardID: "d1"})

	_, ok := a.Collections().Dashboards.Get("d1")
	assert.True(t, ok)
	_, ok = b.Collections().Dashboards.Get("d1")
	assert.False(t, ok, "stores are per session")
}

func TestSession_CodecKnowsEveryHandler(t *testing.T) {
	s := openSession(t, Options{Config: testConfig()})
	assert.ElementsMatch(t, s.Engine().Registry().Types(), s.Codec().Types())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), Options{Config: testConfig()})
	require.ErrorContains(t, err, "gateway is required")

	bad := testConfig()
	bad.Elements.PageSize = 0
	_, err = New(context.Background(), Options{Config: bad, Gateway: newFake(t)})
	require.ErrorContains(t, err, "elements.page_size")

	withJournal := testConfig()
	withJournal.Journal.Path = filepath.Join(t.TempDir(), "missing", "journal.db")
	_, err = New(context.Background(), Options{Config: withJournal, Gateway: newFake(t)})
	require.Error(t, err)
}

func TestDecorate_RateLimitStopsWaitingCallers(t *testing.T) {
	fake := newFake(t)
	gw := decorate(fake, config.GatewayConfig{RateLimit: 0.001, Burst: 1})

	q := model.Query{InsightID: "i1"}
	_, err := gw.Execute(context.Background(), q)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = gw.Execute(ctx, q)
	require.Error(t, err)
	assert.Len(t, fake.CallsTo(gateway.OpExecute), 1, "a caller that gave up never reaches the backend")
}
