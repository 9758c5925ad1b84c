// Package model defines the dashboard session's entity records and the
// store collections that hold them.
//
// Ids are unique across every entity type of a store. Records that are
// naturally keyed by another entity's id (execution results by widget,
// permissions by dashboard, element loaders by filter) use the derived id
// helpers in this package so they never collide with their owner.
package model

import (
	"slices"
	"strings"
)

// Entity type names.
const (
	TypeDashboard   = "dashboard"
	TypeFilter      = "attribute_filter"
	TypeWidget      = "widget"
	TypeInsight     = "insight"
	TypeResult      = "execution_result"
	TypePermissions = "permission_set"
	TypeUser        = "user"
	TypeElement     = "attribute_element"
	TypeLoader      = "element_loader"
)

// ResultID returns the id of the execution result for widgetID.
func ResultID(widgetID string) string { return "result:" + widgetID }

// PermissionsID returns the id of the permission set for dashboardID.
func PermissionsID(dashboardID string) string { return "permissions:" + dashboardID }

// LoaderID returns the id of the element loader for filterID.
func LoaderID(filterID string) string { return "loader:" + filterID }

// ElementID returns the id of one loaded element of filterID.
func ElementID(filterID, uri string) string { return "element:" + filterID + "/" + uri }

// Resource keys scope generations and latest-wins supersession.

// ElementsKey is the resource key of filterID's element list.
func ElementsKey(filterID string) string { return "elements/" + filterID }

// CustomElementsKey is the resource key of a custom element load of
// filterID. Loads with different correlations run in parallel.
func CustomElementsKey(filterID, correlation string) string {
	return "elements-custom/" + filterID + "/" + correlation
}

// DashboardKey is the resource key of loading dashboardID.
func DashboardKey(dashboardID string) string { return "dashboard/" + dashboardID }

// InsightKey is the resource key of loading insightID.
func InsightKey(insightID string) string { return "insight/" + insightID }

// WidgetKey is the resource key of executing widgetID.
func WidgetKey(widgetID string) string { return "widget/" + widgetID }

// Dashboard is a saved dashboard: an ordered set of filters and widgets.
type Dashboard struct {
	ID        string   `json:"id" yaml:"id"`
	Title     string   `json:"title" yaml:"title"`
	Version   int      `json:"version" yaml:"version"`
	FilterIDs []string `json:"filter_ids,omitempty" yaml:"filter_ids"`
	WidgetIDs []string `json:"widget_ids,omitempty" yaml:"widget_ids"`
	CreatedBy string   `json:"created_by,omitempty" yaml:"created_by"`
}

// WithoutFilter returns a copy of d with filterID removed.
func (d Dashboard) WithoutFilter(filterID string) Dashboard {
	d.FilterIDs = slices.DeleteFunc(slices.Clone(d.FilterIDs), func(id string) bool { return id == filterID })
	return d
}

// WithFilter returns a copy of d with filterID appended if missing.
func (d Dashboard) WithFilter(filterID string) Dashboard {
	if slices.Contains(d.FilterIDs, filterID) {
		return d
	}
	d.FilterIDs = append(slices.Clone(d.FilterIDs), filterID)
	return d
}

// Selection is the set of chosen element URIs of an attribute filter.
// A negative selection lists the excluded elements; an empty negative
// selection means "all".
type Selection struct {
	Keys     []string `json:"keys,omitempty" yaml:"keys"`
	Negative bool     `json:"negative,omitempty" yaml:"negative"`
}

// All reports whether s selects every element.
func (s Selection) All() bool {
	return s.Negative && len(s.Keys) == 0
}

// Equal reports whether s and o select the same elements.
func (s Selection) Equal(o Selection) bool {
	if s.Negative != o.Negative || len(s.Keys) != len(o.Keys) {
		return false
	}
	a, b := slices.Clone(s.Keys), slices.Clone(o.Keys)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// Clone returns a deep copy of s.
func (s Selection) Clone() Selection {
	return Selection{Keys: slices.Clone(s.Keys), Negative: s.Negative}
}

// Inverted returns the complement of s.
func (s Selection) Inverted() Selection {
	return Selection{Keys: slices.Clone(s.Keys), Negative: !s.Negative}
}

// AttributeFilter is a dashboard filter over one attribute's display form.
type AttributeFilter struct {
	ID          string    `json:"id" yaml:"id"`
	DisplayForm string    `json:"display_form" yaml:"display_form"`
	Title       string    `json:"title" yaml:"title"`
	Selection   Selection `json:"selection" yaml:"selection"`
}

// Widget places an insight on a dashboard.
type Widget struct {
	ID             string   `json:"id" yaml:"id"`
	DashboardID    string   `json:"dashboard_id" yaml:"dashboard_id"`
	InsightID      string   `json:"insight_id" yaml:"insight_id"`
	Title          string   `json:"title" yaml:"title"`
	IgnoredFilters []string `json:"ignored_filters,omitempty" yaml:"ignored_filters"`
}

// UsesFilter reports whether filterID applies to w.
func (w Widget) UsesFilter(filterID string) bool {
	return !slices.Contains(w.IgnoredFilters, filterID)
}

// Insight is a saved visualization definition.
type Insight struct {
	ID         string   `json:"id" yaml:"id"`
	Title      string   `json:"title" yaml:"title"`
	Measures   []string `json:"measures,omitempty" yaml:"measures"`
	Attributes []string `json:"attributes,omitempty" yaml:"attributes"`
}

// FilterSelection is one filter applied to an execution.
type FilterSelection struct {
	DisplayForm string    `json:"display_form" yaml:"display_form"`
	Selection   Selection `json:"selection" yaml:"selection"`
}

// Query is an analytical execution request built from an insight and the
// filters that apply to its widget.
type Query struct {
	InsightID  string            `json:"insight_id" yaml:"insight_id"`
	Measures   []string          `json:"measures,omitempty" yaml:"measures"`
	Attributes []string          `json:"attributes,omitempty" yaml:"attributes"`
	Filters    []FilterSelection `json:"filters,omitempty" yaml:"filters"`
}

// Fingerprint returns a stable description of q, used to key fixtures.
func (q Query) Fingerprint() string {
	var b strings.Builder
	b.WriteString(q.InsightID)
	for _, f := range q.Filters {
		if f.Selection.All() {
			continue
		}
		keys := slices.Clone(f.Selection.Keys)
		slices.Sort(keys)
		b.WriteString("|")
		b.WriteString(f.DisplayForm)
		if f.Selection.Negative {
			b.WriteString("!")
		}
		b.WriteString("=")
		b.WriteString(strings.Join(keys, ","))
	}
	return b.String()
}

// ExecutionResult is the data computed for one widget.
type ExecutionResult struct {
	WidgetID    string     `json:"widget_id" yaml:"widget_id"`
	Fingerprint string     `json:"fingerprint" yaml:"fingerprint"`
	Headers     []string   `json:"headers,omitempty" yaml:"headers"`
	Rows        [][]string `json:"rows,omitempty" yaml:"rows"`
}

// PermissionSet is the current user's rights on a dashboard.
type PermissionSet struct {
	DashboardID string `json:"dashboard_id" yaml:"dashboard_id"`
	CanView     bool   `json:"can_view" yaml:"can_view"`
	CanEdit     bool   `json:"can_edit" yaml:"can_edit"`
	CanShare    bool   `json:"can_share" yaml:"can_share"`
}

// User is a workspace user referenced by dashboards.
type User struct {
	ID    string `json:"id" yaml:"id"`
	Login string `json:"login" yaml:"login"`
	Name  string `json:"name" yaml:"name"`
}

// AttributeElement is one loaded value of a filter's attribute.
type AttributeElement struct {
	FilterID string `json:"filter_id" yaml:"filter_id"`
	URI      string `json:"uri" yaml:"uri"`
	Title    string `json:"title" yaml:"title"`
	// Index is the element's position in the filter's loaded list.
	Index int `json:"index" yaml:"index"`
}
