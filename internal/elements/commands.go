package elements

import (
	"slices"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/model"
)

// Command types.
const (
	TypeLoadInitialPage engine.CommandType = "elements.load_initial_page"
	TypeLoadNextPage    engine.CommandType = "elements.load_next_page"
	TypeSearch          engine.CommandType = "elements.search"
	TypeCancelSearch    engine.CommandType = "elements.cancel_search"
	TypeSetLimit        engine.CommandType = "elements.set_limit"
	TypeSetOrder        engine.CommandType = "elements.set_order"
	TypeChangeSelection engine.CommandType = "elements.change_selection"
	TypeInvertSelection engine.CommandType = "elements.invert_selection"
	TypeRevertSelection engine.CommandType = "elements.revert_selection"
	TypeCommitSelection engine.CommandType = "elements.commit_selection"

	TypeLoadCustom       engine.CommandType = "elements.load_custom"
	TypeCancelCustomLoad engine.CommandType = "elements.cancel_custom_load"

	TypeSetLimitingAttributeFilters engine.CommandType = "elements.set_limiting_attribute_filters"
	TypeSetLimitingMeasures         engine.CommandType = "elements.set_limiting_measures"
	TypeSetLimitingDateFilters      engine.CommandType = "elements.set_limiting_date_filters"
)

// MaxLimit bounds the page size a caller may request.
const MaxLimit = 1000

// Command is implemented by every element loading command.
type Command interface {
	engine.Command
	elementsCommand()
}

// ResourceKey returns the resource key of filterID's element list.
func ResourceKey(filterID string) string {
	return model.ElementsKey(filterID)
}

type filterRef struct {
	FilterID string `json:"filter_id"`
}

func (f filterRef) validate() error {
	if f.FilterID == "" {
		return engine.NewValidationError("filter_id is required")
	}
	return nil
}

// LoadInitialElementsPage reloads page 0 with the loader's current limit,
// order and search.
type LoadInitialElementsPage struct {
	FilterID string `json:"filter_id"`
}

func (LoadInitialElementsPage) CommandType() engine.CommandType { return TypeLoadInitialPage }
func (LoadInitialElementsPage) elementsCommand()                {}
func (c LoadInitialElementsPage) ResourceKey() string           { return ResourceKey(c.FilterID) }
func (c LoadInitialElementsPage) Validate() error               { return filterRef{c.FilterID}.validate() }

// LoadNextElementsPage loads one page. Page 0 replaces the filter's loaded
// elements; later pages append. Prefetch loads that many following pages
// as child workflows.
type LoadNextElementsPage struct {
	FilterID string `json:"filter_id"`
	Page     int    `json:"page"`
	Prefetch int    `json:"prefetch,omitempty"`
}

func (LoadNextElementsPage) CommandType() engine.CommandType { return TypeLoadNextPage }
func (LoadNextElementsPage) elementsCommand()                {}
func (c LoadNextElementsPage) ResourceKey() string           { return ResourceKey(c.FilterID) }

func (c LoadNextElementsPage) Validate() error {
	if err := (filterRef{c.FilterID}).validate(); err != nil {
		return err
	}
	if c.Page < 0 {
		return engine.NewValidationError("page must not be negative, got %d", c.Page)
	}
	if c.Prefetch < 0 {
		return engine.NewValidationError("prefetch must not be negative, got %d", c.Prefetch)
	}
	return nil
}

// SearchElements reloads page 0 restricted to elements matching Term.
type SearchElements struct {
	FilterID string `json:"filter_id"`
	Term     string `json:"term"`
}

func (SearchElements) CommandType() engine.CommandType { return TypeSearch }
func (SearchElements) elementsCommand()                {}
func (c SearchElements) ResourceKey() string           { return ResourceKey(c.FilterID) }
func (c SearchElements) Validate() error               { return filterRef{c.FilterID}.validate() }

// CancelCurrentSearch cancels the filter's in-flight load or search.
type CancelCurrentSearch struct {
	FilterID string `json:"filter_id"`
}

func (CancelCurrentSearch) CommandType() engine.CommandType { return TypeCancelSearch }
func (CancelCurrentSearch) elementsCommand()                {}
func (c CancelCurrentSearch) Validate() error               { return filterRef{c.FilterID}.validate() }

// SetElementsLimit changes the page size and reloads page 0.
type SetElementsLimit struct {
	FilterID string `json:"filter_id"`
	Limit    int    `json:"limit"`
}

func (SetElementsLimit) CommandType() engine.CommandType { return TypeSetLimit }
func (SetElementsLimit) elementsCommand()                {}

func (c SetElementsLimit) Validate() error {
	if err := (filterRef{c.FilterID}).validate(); err != nil {
		return err
	}
	if c.Limit < 1 || c.Limit > MaxLimit {
		return engine.NewValidationError("limit must be between 1 and %d, got %d", MaxLimit, c.Limit)
	}
	return nil
}

// SetElementsOrder changes the sort order and reloads page 0.
type SetElementsOrder struct {
	FilterID string `json:"filter_id"`
	Order    string `json:"order"`
}

func (SetElementsOrder) CommandType() engine.CommandType { return TypeSetOrder }
func (SetElementsOrder) elementsCommand()                {}

func (c SetElementsOrder) Validate() error {
	if err := (filterRef{c.FilterID}).validate(); err != nil {
		return err
	}
	if c.Order != model.OrderAsc && c.Order != model.OrderDesc {
		return engine.NewValidationError("order must be %q or %q, got %q", model.OrderAsc, model.OrderDesc, c.Order)
	}
	return nil
}

// SetLimitingAttributeFilters replaces the attribute filters limiting the
// element list and reloads page 0.
type SetLimitingAttributeFilters struct {
	FilterID string                 `json:"filter_id"`
	Filters  []model.LimitingFilter `json:"filters"`
}

func (SetLimitingAttributeFilters) CommandType() engine.CommandType {
	return TypeSetLimitingAttributeFilters
}
func (SetLimitingAttributeFilters) elementsCommand() {}

func (c SetLimitingAttributeFilters) Validate() error {
	if err := (filterRef{c.FilterID}).validate(); err != nil {
		return err
	}
	return validateLimitingFilters(c.Filters)
}

// SetLimitingMeasures replaces the measures limiting the element list to
// elements with data, and reloads page 0.
type SetLimitingMeasures struct {
	FilterID string   `json:"filter_id"`
	Measures []string `json:"measures"`
}

func (SetLimitingMeasures) CommandType() engine.CommandType { return TypeSetLimitingMeasures }
func (SetLimitingMeasures) elementsCommand()                {}

func (c SetLimitingMeasures) Validate() error {
	if err := (filterRef{c.FilterID}).validate(); err != nil {
		return err
	}
	return validateMeasures(c.Measures)
}

// SetLimitingDateFilters replaces the date ranges limiting the element list
// and reloads page 0.
type SetLimitingDateFilters struct {
	FilterID string            `json:"filter_id"`
	Filters  []model.DateRange `json:"filters"`
}

func (SetLimitingDateFilters) CommandType() engine.CommandType { return TypeSetLimitingDateFilters }
func (SetLimitingDateFilters) elementsCommand()                {}

func (c SetLimitingDateFilters) Validate() error {
	if err := (filterRef{c.FilterID}).validate(); err != nil {
		return err
	}
	return validateDateRanges(c.Filters)
}

func validateLimitingFilters(fs []model.LimitingFilter) error {
	for i, f := range fs {
		if f.DisplayForm == "" {
			return engine.NewValidationError("filters[%d].display_form is required", i)
		}
	}
	return nil
}

func validateMeasures(ms []string) error {
	for i, m := range ms {
		if m == "" {
			return engine.NewValidationError("measures[%d] is empty", i)
		}
	}
	return nil
}

func validateDateRanges(rs []model.DateRange) error {
	for i, r := range rs {
		if r.Dataset == "" || r.Granularity == "" {
			return engine.NewValidationError("filters[%d] needs a dataset and a granularity", i)
		}
		if r.From > r.To {
			return engine.NewValidationError("filters[%d]: from %d is after to %d", i, r.From, r.To)
		}
	}
	return nil
}

// LoadCustomElements loads one page of elements with its own options,
// independent of the loader's. The result is published as
// ElementsCustomLoaded and never replaces the filter's element list.
// Loads with different correlations run in parallel; a load supersedes
// the previous one with the same correlation.
//
// A zero Limit uses the configured page size and an empty Order sorts
// ascending.
type LoadCustomElements struct {
	FilterID    string `json:"filter_id"`
	Correlation string `json:"correlation"`
	Page        int    `json:"page,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Order       string `json:"order,omitempty"`
	Search      string `json:"search,omitempty"`

	LimitingAttributeFilters []model.LimitingFilter `json:"limiting_attribute_filters,omitempty"`
	LimitingMeasures         []string               `json:"limiting_measures,omitempty"`
	LimitingDateFilters      []model.DateRange      `json:"limiting_date_filters,omitempty"`
}

func (LoadCustomElements) CommandType() engine.CommandType { return TypeLoadCustom }
func (LoadCustomElements) elementsCommand()                {}

func (c LoadCustomElements) ResourceKey() string {
	return model.CustomElementsKey(c.FilterID, c.Correlation)
}

func (c LoadCustomElements) Validate() error {
	if err := (filterRef{c.FilterID}).validate(); err != nil {
		return err
	}
	if c.Correlation == "" {
		return engine.NewValidationError("correlation is required")
	}
	if c.Page < 0 {
		return engine.NewValidationError("page must not be negative, got %d", c.Page)
	}
	if c.Limit < 0 || c.Limit > MaxLimit {
		return engine.NewValidationError("limit must be between 0 and %d, got %d", MaxLimit, c.Limit)
	}
	if c.Order != "" && c.Order != model.OrderAsc && c.Order != model.OrderDesc {
		return engine.NewValidationError("order must be %q or %q, got %q", model.OrderAsc, model.OrderDesc, c.Order)
	}
	if err := validateLimitingFilters(c.LimitingAttributeFilters); err != nil {
		return err
	}
	if err := validateMeasures(c.LimitingMeasures); err != nil {
		return err
	}
	return validateDateRanges(c.LimitingDateFilters)
}

// CancelCustomElementsLoad cancels the custom load running under
// Correlation, if any.
type CancelCustomElementsLoad struct {
	FilterID    string `json:"filter_id"`
	Correlation string `json:"correlation"`
}

func (CancelCustomElementsLoad) CommandType() engine.CommandType { return TypeCancelCustomLoad }
func (CancelCustomElementsLoad) elementsCommand()                {}

func (c CancelCustomElementsLoad) Validate() error {
	if err := (filterRef{c.FilterID}).validate(); err != nil {
		return err
	}
	if c.Correlation == "" {
		return engine.NewValidationError("correlation is required")
	}
	return nil
}

// ChangeSelection replaces the working selection.
type ChangeSelection struct {
	FilterID string   `json:"filter_id"`
	Keys     []string `json:"keys"`
	Negative bool     `json:"negative,omitempty"`
}

func (ChangeSelection) CommandType() engine.CommandType { return TypeChangeSelection }
func (ChangeSelection) elementsCommand()                {}

func (c ChangeSelection) Validate() error {
	if err := (filterRef{c.FilterID}).validate(); err != nil {
		return err
	}
	for i, k := range c.Keys {
		if k == "" {
			return engine.NewValidationError("keys[%d] is empty", i)
		}
		if slices.Contains(c.Keys[:i], k) {
			return engine.NewValidationError("duplicate key %q", k)
		}
	}
	return nil
}

// InvertSelection replaces the working selection with its complement.
type InvertSelection struct {
	FilterID string `json:"filter_id"`
}

func (InvertSelection) CommandType() engine.CommandType { return TypeInvertSelection }
func (InvertSelection) elementsCommand()                {}
func (c InvertSelection) Validate() error               { return filterRef{c.FilterID}.validate() }

// RevertSelection resets the working selection to the committed one.
type RevertSelection struct {
	FilterID string `json:"filter_id"`
}

func (RevertSelection) CommandType() engine.CommandType { return TypeRevertSelection }
func (RevertSelection) elementsCommand()                {}
func (c RevertSelection) Validate() error               { return filterRef{c.FilterID}.validate() }

// CommitSelection makes the working selection the committed one and applies
// it to the dashboard filter.
type CommitSelection struct {
	FilterID string `json:"filter_id"`
}

func (CommitSelection) CommandType() engine.CommandType { return TypeCommitSelection }
func (CommitSelection) elementsCommand()                {}
func (c CommitSelection) Validate() error               { return filterRef{c.FilterID}.validate() }

// RegisterCodec teaches codec every element loading command.
func RegisterCodec(codec *engine.Codec) {
	engine.RegisterCommand[LoadInitialElementsPage](codec)
	engine.RegisterCommand[LoadNextElementsPage](codec)
	engine.RegisterCommand[SearchElements](codec)
	engine.RegisterCommand[CancelCurrentSearch](codec)
	engine.RegisterCommand[SetElementsLimit](codec)
	engine.RegisterCommand[SetElementsOrder](codec)
	engine.RegisterCommand[ChangeSelection](codec)
	engine.RegisterCommand[InvertSelection](codec)
	engine.RegisterCommand[RevertSelection](codec)
	engine.RegisterCommand[CommitSelection](codec)
	engine.RegisterCommand[LoadCustomElements](codec)
	engine.RegisterCommand[CancelCustomElementsLoad](codec)
	engine.RegisterCommand[SetLimitingAttributeFilters](codec)
	engine.RegisterCommand[SetLimitingMeasures](codec)
	engine.RegisterCommand[SetLimitingDateFilters](codec)
}
