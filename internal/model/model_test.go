package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashflow/internal/store"
)

func TestNormalizeSearch(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims", "  abc ", "abc"},
		{"composes combining marks", "cafe\u0301", "caf\u00e9"},
		{"already composed", "caf\u00e9", "caf\u00e9"},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSearch(tt.in))
		})
	}
}

func TestSelection(t *testing.T) {
	a := Selection{Keys: []string{"x", "y"}}
	b := Selection{Keys: []string{"y", "x"}}

	assert.True(t, a.Equal(b), "order does not matter")
	assert.False(t, a.Equal(a.Inverted()))
	assert.True(t, Selection{Negative: true}.All())
	assert.False(t, a.All())

	c := a.Clone()
	c.Keys[0] = "z"
	assert.Equal(t, "x", a.Keys[0])
}

func TestQuery_FingerprintSkipsAllSelections(t *testing.T) {
	q := Query{
		InsightID: "ins",
		Filters: []FilterSelection{
			{DisplayForm: "df.region", Selection: Selection{Negative: true}},
			{DisplayForm: "df.country", Selection: Selection{Keys: []string{"us", "cz"}}},
		},
	}
	assert.Equal(t, "ins|df.country=cz,us", q.Fingerprint())
}

func TestElementLoader_Status(t *testing.T) {
	l := NewElementLoader("f1", 50, Selection{Keys: []string{"a"}})
	assert.Equal(t, -1, l.LastPage)
	assert.Equal(t, StatusIdle, l.Status(OpSearch))

	l = l.WithStatus(OpSearch, StatusPending)
	assert.Equal(t, StatusPending, l.Searched)
	assert.False(t, l.Dirty())

	l.Working = l.Working.Inverted()
	assert.True(t, l.Dirty())
}

func TestCollections(t *testing.T) {
	s := store.New(nil)
	c, err := Define(s)
	require.NoError(t, err)

	require.NoError(t, c.Dashboards.Put(Dashboard{ID: "d1", FilterIDs: []string{"f1", "f2"}, WidgetIDs: []string{"w2", "w1"}}))
	require.NoError(t, c.Filters.Put(AttributeFilter{ID: "f1", DisplayForm: "df.region", Selection: Selection{Keys: []string{"east"}}}))
	require.NoError(t, c.Filters.Put(AttributeFilter{ID: "f2", DisplayForm: "df.year", Selection: Selection{Negative: true}}))
	require.NoError(t, c.Widgets.Put(Widget{ID: "w1", DashboardID: "d1", InsightID: "i1", IgnoredFilters: []string{"f2"}}))
	require.NoError(t, c.Widgets.Put(Widget{ID: "w2", DashboardID: "d1", InsightID: "missing"}))
	require.NoError(t, c.Insights.Put(Insight{ID: "i1", Measures: []string{"m.revenue"}}))

	d, _ := c.Dashboards.Get("d1")
	var ids []string
	for _, w := range c.WidgetsOf(d) {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"w2", "w1"}, ids)

	w1, _ := c.Widgets.Get("w1")
	q, ok := c.QueryFor(w1)
	require.True(t, ok)
	assert.Equal(t, []FilterSelection{{DisplayForm: "df.region", Selection: Selection{Keys: []string{"east"}}}}, q.Filters)

	w2, _ := c.Widgets.Get("w2")
	_, ok = c.QueryFor(w2)
	assert.False(t, ok)

	// Derived ids never collide with the owning entity.
	require.NoError(t, c.Results.Put(ExecutionResult{WidgetID: "w1"}))
	require.NoError(t, c.Loaders.Put(NewElementLoader("f1", 10, Selection{})))
}

func TestCollections_ElementOrder(t *testing.T) {
	s := store.New(nil)
	c, err := Define(s)
	require.NoError(t, err)

	for i, uri := range []string{"z", "a", "m"} {
		require.NoError(t, c.Elements.Put(AttributeElement{FilterID: "f1", URI: uri, Index: i}))
	}
	require.NoError(t, c.Elements.Put(AttributeElement{FilterID: "f0", URI: "q", Index: 0}))

	var uris []string
	for _, e := range c.ElementsOf("f1") {
		uris = append(uris, e.URI)
	}
	assert.Equal(t, []string{"z", "a", "m"}, uris, "elements keep load order, not id order")
	assert.Equal(t, 4, c.Elements.Len())
}
