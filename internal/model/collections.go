package model

import (
	"cmp"

	"github.com/roach88/dashflow/internal/store"
)

// Collections is the typed schema of a session store.
type Collections struct {
	Dashboards  *store.Collection[Dashboard]
	Filters     *store.Collection[AttributeFilter]
	Widgets     *store.Collection[Widget]
	Insights    *store.Collection[Insight]
	Results     *store.Collection[ExecutionResult]
	Permissions *store.Collection[PermissionSet]
	Users       *store.Collection[User]
	Elements    *store.Collection[AttributeElement]
	Loaders     *store.Collection[ElementLoader]
}

// Define registers every entity type on s.
func Define(s *store.Store) (*Collections, error) {
	c := &Collections{}
	var err error

	if c.Dashboards, err = store.Define(s, TypeDashboard, func(d Dashboard) string { return d.ID }); err != nil {
		return nil, err
	}
	if c.Filters, err = store.Define(s, TypeFilter, func(f AttributeFilter) string { return f.ID }); err != nil {
		return nil, err
	}
	if c.Widgets, err = store.Define(s, TypeWidget, func(w Widget) string { return w.ID }); err != nil {
		return nil, err
	}
	if c.Insights, err = store.Define(s, TypeInsight, func(i Insight) string { return i.ID }); err != nil {
		return nil, err
	}
	if c.Results, err = store.Define(s, TypeResult, func(r ExecutionResult) string { return ResultID(r.WidgetID) }); err != nil {
		return nil, err
	}
	if c.Permissions, err = store.Define(s, TypePermissions, func(p PermissionSet) string { return PermissionsID(p.DashboardID) }); err != nil {
		return nil, err
	}
	if c.Users, err = store.Define(s, TypeUser, func(u User) string { return u.ID }); err != nil {
		return nil, err
	}
	c.Elements, err = store.Define(s, TypeElement,
		func(e AttributeElement) string { return ElementID(e.FilterID, e.URI) },
		store.OrderBy(func(a, b AttributeElement) int {
			return cmp.Or(cmp.Compare(a.FilterID, b.FilterID), cmp.Compare(a.Index, b.Index))
		}),
	)
	if err != nil {
		return nil, err
	}
	if c.Loaders, err = store.Define(s, TypeLoader, func(l ElementLoader) string { return LoaderID(l.FilterID) }); err != nil {
		return nil, err
	}
	return c, nil
}

// ElementsOf returns the loaded elements of filterID in list order.
func (c *Collections) ElementsOf(filterID string) []AttributeElement {
	return c.Elements.Where(func(e AttributeElement) bool { return e.FilterID == filterID })
}

// WidgetsOf returns the widgets of dashboardID in dashboard order.
func (c *Collections) WidgetsOf(d Dashboard) []Widget {
	out := make([]Widget, 0, len(d.WidgetIDs))
	for _, id := range d.WidgetIDs {
		if w, ok := c.Widgets.Get(id); ok {
			out = append(out, w)
		}
	}
	return out
}

// QueryFor builds the execution query of w from its insight and the
// dashboard's committed filters. It reports false when the insight is not
// loaded.
func (c *Collections) QueryFor(w Widget) (Query, bool) {
	ins, ok := c.Insights.Get(w.InsightID)
	if !ok {
		return Query{}, false
	}
	q := Query{InsightID: ins.ID, Measures: ins.Measures, Attributes: ins.Attributes}

	var filterIDs []string
	if d, ok := c.Dashboards.Get(w.DashboardID); ok {
		filterIDs = d.FilterIDs
	}
	for _, id := range filterIDs {
		f, ok := c.Filters.Get(id)
		if !ok || !w.UsesFilter(id) {
			continue
		}
		q.Filters = append(q.Filters, FilterSelection{DisplayForm: f.DisplayForm, Selection: f.Selection.Clone()})
	}
	return q, true
}
