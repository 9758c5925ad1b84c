package model

import (
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// LoadStatus is the state of one element loader operation.
type LoadStatus string

const (
	StatusIdle      LoadStatus = "idle"
	StatusPending   LoadStatus = "pending"
	StatusLoaded    LoadStatus = "loaded"
	StatusFailed    LoadStatus = "failed"
	StatusCancelled LoadStatus = "cancelled"
)

// Operation identifies an element loader operation.
type Operation string

const (
	OpInitial  Operation = "initial"
	OpNextPage Operation = "next_page"
	OpSearch   Operation = "search"

	// OpCustom is a custom load. It has no status on the loader.
	OpCustom Operation = "custom"
)

// Element sort orders.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// ElementLoader is the state of an attribute filter's element list: the
// loading options, per-operation status and the working and committed
// selections.
type ElementLoader struct {
	FilterID string `json:"filter_id"`

	Limit  int    `json:"limit"`
	Order  string `json:"order"`
	Search string `json:"search,omitempty"`

	// Limiting options narrow the list to elements related to other
	// filters, measures or date ranges.
	LimitingAttributeFilters []LimitingFilter `json:"limiting_attribute_filters,omitempty"`
	LimitingMeasures         []string         `json:"limiting_measures,omitempty"`
	LimitingDateFilters      []DateRange      `json:"limiting_date_filters,omitempty"`

	// LastPage is the last page loaded, -1 before the first load.
	LastPage   int  `json:"last_page"`
	Loaded     int  `json:"loaded"`
	TotalCount int  `json:"total_count"`
	HasMore    bool `json:"has_more"`

	Initial  LoadStatus `json:"initial"`
	NextPage LoadStatus `json:"next_page"`
	Searched LoadStatus `json:"searched"`
	Error    string     `json:"error,omitempty"`

	Working   Selection `json:"working"`
	Committed Selection `json:"committed"`
}

// LimitingFilter restricts an element list to elements that co-occur with
// the selection of another attribute's display form.
type LimitingFilter struct {
	DisplayForm string    `json:"display_form" yaml:"display_form"`
	Selection   Selection `json:"selection" yaml:"selection"`
}

// DateRange is a relative date filter: From and To count Granularity units
// from today, so {day, -6, 0} is the last seven days.
type DateRange struct {
	Dataset     string `json:"dataset" yaml:"dataset"`
	Granularity string `json:"granularity" yaml:"granularity"`
	From        int    `json:"from" yaml:"from"`
	To          int    `json:"to" yaml:"to"`
}

// CloneLimitingFilters deep-copies fs.
func CloneLimitingFilters(fs []LimitingFilter) []LimitingFilter {
	if fs == nil {
		return nil
	}
	out := make([]LimitingFilter, len(fs))
	for i, f := range fs {
		out[i] = LimitingFilter{DisplayForm: f.DisplayForm, Selection: f.Selection.Clone()}
	}
	return out
}

// NewElementLoader returns an idle loader for filterID whose selections
// start at committed.
func NewElementLoader(filterID string, limit int, committed Selection) ElementLoader {
	return ElementLoader{
		FilterID:  filterID,
		Limit:     limit,
		Order:     OrderAsc,
		LastPage:  -1,
		Initial:   StatusIdle,
		NextPage:  StatusIdle,
		Searched:  StatusIdle,
		Working:   committed.Clone(),
		Committed: committed.Clone(),
	}
}

// Status returns the status of op.
func (l ElementLoader) Status(op Operation) LoadStatus {
	switch op {
	case OpInitial:
		return l.Initial
	case OpNextPage:
		return l.NextPage
	case OpSearch:
		return l.Searched
	}
	return ""
}

// WithStatus returns a copy of l with op set to s.
func (l ElementLoader) WithStatus(op Operation, s LoadStatus) ElementLoader {
	switch op {
	case OpInitial:
		l.Initial = s
	case OpNextPage:
		l.NextPage = s
	case OpSearch:
		l.Searched = s
	}
	return l
}

// Clone returns a deep copy of l.
func (l ElementLoader) Clone() ElementLoader {
	l.LimitingAttributeFilters = CloneLimitingFilters(l.LimitingAttributeFilters)
	l.LimitingMeasures = slices.Clone(l.LimitingMeasures)
	l.LimitingDateFilters = slices.Clone(l.LimitingDateFilters)
	l.Working = l.Working.Clone()
	l.Committed = l.Committed.Clone()
	return l
}

// Dirty reports whether the working selection differs from the committed
// one.
func (l ElementLoader) Dirty() bool {
	return !l.Working.Equal(l.Committed)
}

// NormalizeSearch trims term and puts it in Unicode NFC form, so that
// visually identical terms produce the same request.
func NormalizeSearch(term string) string {
	return norm.NFC.String(strings.TrimSpace(term))
}
