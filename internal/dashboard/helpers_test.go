package dashboard

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/model"
	"github.com/roach88/dashflow/internal/testutil"
)

const fixtureYAML = `
dashboards:
  - dashboard: {id: d1, title: Sales, version: 3, filter_ids: [f1, f2], widget_ids: [w1, w2], created_by: u1}
    filters:
      - {id: f1, display_form: df.region, title: Region, selection: {negative: true}}
      - {id: f2, display_form: df.product, title: Product, selection: {negative: true}}
    widgets:
      - {id: w1, dashboard_id: d1, insight_id: i1, title: Revenue}
      - {id: w2, dashboard_id: d1, insight_id: i2, title: Units, ignored_filters: [f1]}
insights:
  - {id: i1, title: Revenue, measures: [m.revenue], attributes: [a.region]}
  - {id: i2, title: Units, measures: [m.units]}
users:
  - {id: u1, login: ada, name: Ada}
permissions:
  - {dashboard_id: d1, can_view: true, can_edit: true}
results:
  - insight: i1
    headers: [region, revenue]
    rows: [[east, "10"], [west, "7"]]
  - insight: i1
    fingerprint: "i1|df.region=r1"
    headers: [region, revenue]
    rows: [[east, "10"]]
  - insight: i2
    headers: [units]
    rows: [["5"]]
`

type harness struct {
	e   *engine.Engine
	c   *model.Collections
	gw  *gateway.Fake
	rec *testutil.Recorder
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, Config{Retry: engine.NoRetry()})
}

func newHarnessWith(t *testing.T, cfg Config) *harness {
	t.Helper()
	f, err := gateway.ParseFixture([]byte(fixtureYAML))
	require.NoError(t, err)
	gw := gateway.NewFake(f)

	e := engine.New(engine.WithCorrelationGenerator(testutil.NewSeqGenerator("")))
	c, err := model.Define(e.Store())
	require.NoError(t, err)
	require.NoError(t, Register(e, c, gw, cfg))
	rec := testutil.Record(e.Bus())

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
	return &harness{e: e, c: c, gw: gw, rec: rec}
}

// run dispatches cmd, waits for it and for every follow-up command, and
// returns its outcome.
func (h *harness) run(t *testing.T, cmd engine.Command) engine.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	out, _ := h.e.DispatchAndWait(ctx, cmd)
	require.NotZero(t, out.State, "no outcome for %s", cmd.CommandType())
	require.NoError(t, h.e.WaitIdle(ctx))
	return out
}

func (h *harness) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	require.NoError(t, h.e.WaitIdle(ctx))
}

func (h *harness) load(t *testing.T) {
	t.Helper()
	out := h.run(t, LoadDashboard{DashboardID: "d1"})
	require.Equal(t, engine.StateCompleted, out.State, out.Message)
}

// terminal waits for the terminal event of correlationID.
func (h *harness) terminal(t *testing.T, correlationID string) event.Event {
	t.Helper()
	return h.rec.WaitFor(t, event.And(engine.IsTerminal, event.ForCorrelation(correlationID)))
}

// gate makes the first call matching op and key block until release is
// closed, and reports its arrival on started.
func gate(gw *gateway.Fake, op gateway.Op, key string) (started <-chan struct{}, release chan struct{}) {
	s := make(chan struct{})
	release = make(chan struct{})
	var fired atomic.Bool
	gw.SetHook(func(ctx context.Context, call gateway.Call) error {
		if call.Op != op || call.Key != key || !fired.CompareAndSwap(false, true) {
			return nil
		}
		close(s)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return s, release
}

func recvSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("timed out waiting for gateway call")
	}
}
