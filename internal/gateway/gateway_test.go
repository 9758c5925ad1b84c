package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roach88/dashflow/internal/model"
)

const fixtureYAML = `
dashboards:
  - dashboard: {id: d1, title: Sales, version: 3, filter_ids: [f1], widget_ids: [w1]}
    filters:
      - {id: f1, display_form: df.region, title: Region, selection: {negative: true}}
    widgets:
      - {id: w1, dashboard_id: d1, insight_id: i1, title: Revenue}
insights:
  - {id: i1, title: Revenue, measures: [m.revenue], attributes: [a.region]}
users:
  - {id: u1, login: ada, name: Ada}
permissions:
  - {dashboard_id: d1, can_view: true, can_edit: true}
elements:
  df.region:
    - {uri: r1, title: Abbey}
    - {uri: r2, title: ABC Corner}
    - {uri: r3, title: Boston}
    - {uri: r4, title: Tabby Cove}
results:
  - insight: i1
    headers: [region, revenue]
    rows: [[east, "10"]]
failures:
  - {op: persist, key: dashboard/d2, kind: server, times: 1}
`

func newFake(t *testing.T) *Fake {
	t.Helper()
	f, err := ParseFixture([]byte(fixtureYAML))
	require.NoError(t, err)
	return NewFake(f)
}

func TestParseFixture_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseFixture([]byte("dashboards: []\nwidgets: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "widgets")

	_, err = ParseFixture([]byte("failures: [{op: execute, kind: teapot}]\n"))
	assert.ErrorContains(t, err, "teapot")
}

func TestFake_FetchElements(t *testing.T) {
	g := newFake(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   ElementsRequest
		uris  []string
		total int
		more  bool
	}{
		{"first page", ElementsRequest{DisplayForm: "df.region", Limit: 3}, []string{"r1", "r2", "r3"}, 4, true},
		{"last page", ElementsRequest{DisplayForm: "df.region", Limit: 3, Page: 1}, []string{"r4"}, 4, false},
		{"past the end", ElementsRequest{DisplayForm: "df.region", Limit: 3, Page: 5}, []string{}, 4, false},
		{"search folds case", ElementsRequest{DisplayForm: "df.region", Limit: 10, Search: "ab"}, []string{"r1", "r2", "r4"}, 3, false},
		{"narrower search", ElementsRequest{DisplayForm: "df.region", Limit: 10, Search: "ABC"}, []string{"r2"}, 1, false},
		{"descending", ElementsRequest{DisplayForm: "df.region", Limit: 2, Order: model.OrderDesc}, []string{"r4", "r3"}, 4, true},
		{"unknown display form", ElementsRequest{DisplayForm: "df.none", Limit: 2}, []string{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := g.FetchElements(ctx, tt.req)
			require.NoError(t, err)
			uris := []string{}
			for _, e := range page.Elements {
				uris = append(uris, e.URI)
			}
			assert.Equal(t, tt.uris, uris)
			assert.Equal(t, tt.total, page.TotalCount)
			assert.Equal(t, tt.more, page.HasMore)
		})
	}
}

func TestFake_Metadata(t *testing.T) {
	g := newFake(t)
	ctx := context.Background()

	obj, err := g.GetMetadataObject(ctx, Ref{Type: ObjectDashboard, ID: "d1"})
	require.NoError(t, err)
	require.NotNil(t, obj.Dashboard)
	assert.Equal(t, 3, obj.Ref.Version)
	assert.Equal(t, "Sales", obj.Dashboard.Dashboard.Title)
	assert.Len(t, obj.Dashboard.Widgets, 1)

	obj, err = g.GetMetadataObject(ctx, Ref{Type: ObjectPermissions, ID: "d1"})
	require.NoError(t, err)
	assert.True(t, obj.Permissions.CanEdit)

	_, err = g.GetMetadataObject(ctx, Ref{Type: ObjectInsight, ID: "nope"})
	assert.True(t, IsKind(err, KindNotFound))
}

func TestFake_Execute(t *testing.T) {
	g := newFake(t)
	ctx := context.Background()

	res, err := g.Execute(ctx, model.Query{InsightID: "i1"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"east", "10"}}, res.Rows)

	_, err = g.Execute(ctx, model.Query{InsightID: "missing"})
	assert.True(t, IsKind(err, KindNotFound))
}

func TestFake_PersistOptimisticConcurrency(t *testing.T) {
	g := newFake(t)
	ctx := context.Background()

	obj, err := g.GetMetadataObject(ctx, Ref{Type: ObjectDashboard, ID: "d1"})
	require.NoError(t, err)
	obj.Dashboard.Dashboard.Title = "Renamed"

	ref, err := g.Persist(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, 4, ref.Version)

	// Saving the same stale copy again conflicts.
	_, err = g.Persist(ctx, obj)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConflict))
	assert.False(t, err.(*Error).Retryable())

	stored, _ := g.Dashboard("d1")
	assert.Equal(t, "Renamed", stored.Dashboard.Title)
	assert.Equal(t, 4, stored.Dashboard.Version)
}

func TestFake_FailureRulesAreCounted(t *testing.T) {
	g := newFake(t)
	ctx := context.Background()
	obj := MetadataObject{
		Ref:       Ref{Type: ObjectDashboard, ID: "d2"},
		Dashboard: &DashboardObject{Dashboard: model.Dashboard{ID: "d2"}},
	}

	_, err := g.Persist(ctx, obj)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindServer))
	assert.True(t, err.(*Error).Retryable())

	_, err = g.Persist(ctx, obj)
	assert.NoError(t, err, "rule with times: 1 fires once")
	assert.Len(t, g.CallsTo(OpPersist), 2)
}

func TestFake_HookGatesCalls(t *testing.T) {
	g := newFake(t)
	gate := make(chan struct{})
	g.SetHook(func(ctx context.Context, call Call) error {
		if call.Op != OpFetchElements {
			return nil
		}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := g.FetchElements(ctx, ElementsRequest{FilterID: "f1", DisplayForm: "df.region", Limit: 1})
		errs <- err
	}()

	require.Eventually(t, func() bool { return len(g.Calls()) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.Equal(t, "f1", g.Calls()[0].Key)
}

func TestError(t *testing.T) {
	err := fmt.Errorf("load: %w", NewError(KindNetwork, "execute", "connection reset"))

	assert.Equal(t, KindNetwork, KindOf(err))
	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "network", ge.BackendKind())
	assert.Equal(t, "gateway execute: network: connection reset", ge.Error())
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.True(t, ValidKind(KindConflict))
	assert.False(t, ValidKind("nope"))
}

func TestDedupMetadata_SharesInFlightRequests(t *testing.T) {
	fake := newFake(t)
	release := make(chan struct{})
	fake.SetHook(func(ctx context.Context, call Call) error {
		<-release
		return nil
	})
	g := Chain(fake, DedupMetadata())

	const callers = 5
	var wg sync.WaitGroup
	results := make([]MetadataObject, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obj, err := g.GetMetadataObject(context.Background(), Ref{Type: ObjectInsight, ID: "i1"})
			assert.NoError(t, err)
			results[i] = obj
		}()
	}

	require.Eventually(t, func() bool { return len(fake.Calls()) == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the flight.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Len(t, fake.Calls(), 1)
	for _, r := range results {
		assert.Equal(t, "Revenue", r.Insight.Title)
	}
}

func TestDedupMetadata_CallerCancellation(t *testing.T) {
	fake := newFake(t)
	release := make(chan struct{})
	defer close(release)
	fake.SetHook(func(ctx context.Context, call Call) error {
		<-release
		return nil
	})
	g := Chain(fake, DedupMetadata())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.GetMetadataObject(ctx, Ref{Type: ObjectUser, ID: "u1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimited_CancelledWhileWaiting(t *testing.T) {
	fake := newFake(t)
	// One token, refilled once an hour.
	g := Chain(fake, RateLimited(rate.NewLimiter(rate.Every(time.Hour), 1)))

	_, err := g.Execute(context.Background(), model.Query{InsightID: "i1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Execute(ctx, model.Query{InsightID: "i1"})
	assert.Error(t, err)
	assert.Len(t, fake.Calls(), 1, "the limited call never reached the backend")
}

func TestObserved_CountsResults(t *testing.T) {
	fake := newFake(t)
	g := Chain(fake, Observed())
	ctx := context.Background()

	okBefore := promtest.ToFloat64(callsTotal.WithLabelValues(string(OpGetMetadata), "ok"))
	nfBefore := promtest.ToFloat64(callsTotal.WithLabelValues(string(OpGetMetadata), string(KindNotFound)))

	_, err := g.GetMetadataObject(ctx, Ref{Type: ObjectUser, ID: "u1"})
	require.NoError(t, err)
	_, err = g.GetMetadataObject(ctx, Ref{Type: ObjectUser, ID: "ghost"})
	require.Error(t, err)

	assert.Equal(t, okBefore+1, promtest.ToFloat64(callsTotal.WithLabelValues(string(OpGetMetadata), "ok")))
	assert.Equal(t, nfBefore+1, promtest.ToFloat64(callsTotal.WithLabelValues(string(OpGetMetadata), string(KindNotFound))))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Gateway) Gateway {
			order = append(order, name)
			return next
		}
	}
	Chain(newFake(t), mw("outer"), mw("inner"))
	assert.Equal(t, []string{"inner", "outer"}, order, "innermost wraps first")
}
