package elements

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dashflow/internal/dashboard"
	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/model"
	"github.com/roach88/dashflow/internal/testutil"
)

// regionCount elements are served for f1, enough for several pages.
const regionCount = 120

var shops = []gateway.Element{
	{URI: "s1", Title: "Abbey"},
	{URI: "s2", Title: "ABC Corner"},
	{URI: "s3", Title: "Boston"},
	{URI: "s4", Title: "Tabby Cove"},
	{URI: "s5", Title: "Cabaret"},
}

type harness struct {
	e   *engine.Engine
	c   *model.Collections
	gw  *gateway.Fake
	rec *testutil.Recorder
}

func newHarness(t *testing.T) *harness {
	cfg := DefaultConfig()
	cfg.Retry = engine.NoRetry()
	return newHarnessWith(t, cfg)
}

func newHarnessWith(t *testing.T, cfg Config) *harness {
	t.Helper()
	gw := gateway.NewFake(gateway.Fixture{})
	regions := make([]gateway.Element, regionCount)
	for i := range regions {
		regions[i] = gateway.Element{URI: fmt.Sprintf("r%03d", i), Title: fmt.Sprintf("Region %03d", i)}
	}
	gw.SetElements("df.region", regions)
	gw.SetElements("df.shop", shops)

	e := engine.New(engine.WithCorrelationGenerator(testutil.NewSeqGenerator("")))
	c, err := model.Define(e.Store())
	require.NoError(t, err)
	require.NoError(t, Register(e, c, gw, cfg))
	require.NoError(t, dashboard.Register(e, c, gw, dashboard.Config{Retry: engine.NoRetry()}))

	all := model.Selection{Negative: true}
	require.NoError(t, c.Dashboards.Put(model.Dashboard{ID: "d1", Title: "Sales", FilterIDs: []string{"f1", "f2"}}))
	require.NoError(t, c.Filters.Put(model.AttributeFilter{ID: "f1", DisplayForm: "df.region", Title: "Region", Selection: all}))
	require.NoError(t, c.Filters.Put(model.AttributeFilter{ID: "f2", DisplayForm: "df.shop", Title: "Shop", Selection: all}))

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

// run dispatches cmd and waits for it and every follow-up command.
func (h *harness) run(t *testing.T, cmd engine.Command) engine.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	out, _ := h.e.DispatchAndWait(ctx, cmd)
	require.NotZero(t, out.State, "no outcome for %s", cmd.CommandType())
	require.NoError(t, h.e.WaitIdle(ctx))
	return out
}

func (h *harness) terminal(t *testing.T, correlationID string) event.Event {
	t.Helper()
	return h.rec.WaitFor(t, event.And(engine.IsTerminal, event.ForCorrelation(correlationID)))
}

func (h *harness) loader(t *testing.T, filterID string) model.ElementLoader {
	t.Helper()
	l, ok := h.c.Loaders.Get(model.LoaderID(filterID))
	require.True(t, ok, "no loader for %s", filterID)
	return l
}

func (h *harness) uris(filterID string) []string {
	var out []string
	for _, e := range h.c.ElementsOf(filterID) {
		out = append(out, e.URI)
	}
	return out
}

// await dispatches cmd and waits for its outcome only, leaving other
// workflows running.
func (h *harness) await(t *testing.T, cmd engine.Command) engine.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	out, _ := h.e.DispatchAndWait(ctx, cmd)
	require.NotZero(t, out.State, "no outcome for %s", cmd.CommandType())
	return out
}

// lastFetch returns the request of the most recent element fetch.
func (h *harness) lastFetch(t *testing.T) gateway.ElementsRequest {
	t.Helper()
	calls := h.gw.CallsTo(gateway.OpFetchElements)
	require.NotEmpty(t, calls)
	return calls[len(calls)-1].Request.(gateway.ElementsRequest)
}

// holdSearch blocks the first element fetch searching for term until
// release is closed and reports its arrival on started.
func holdSearch(gw *gateway.Fake, term string) (started chan struct{}, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	// One token: only the first matching call is held.
	token := make(chan struct{}, 1)
	token <- struct{}{}
	gw.SetHook(func(ctx context.Context, call gateway.Call) error {
		req, ok := call.Request.(gateway.ElementsRequest)
		if !ok || req.Search != term {
			return nil
		}
		select {
		case <-token:
		default:
			return nil
		}
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return started, release
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("timed out waiting for gateway call")
	}
}
