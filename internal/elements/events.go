package elements

import (
	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/model"
)

// Event types.
const (
	TypePageLoaded         event.Type = "elements.page_loaded"
	TypeLoadFailed         event.Type = "elements.load_failed"
	TypeSearchFailed       event.Type = "elements.search_failed"
	TypeLoadCancelled      event.Type = "elements.load_cancelled"
	TypeSettingsChanged    event.Type = "elements.settings_changed"
	TypeSelectionChanged   event.Type = "elements.selection_changed"
	TypeSelectionCommitted event.Type = "elements.selection_committed"
	TypeCustomLoaded       event.Type = "elements.custom_loaded"
	TypeCustomLoadFailed   event.Type = "elements.custom_load_failed"
)

// ElementsPageLoaded is published after a page was applied to the store.
type ElementsPageLoaded struct {
	event.Meta
	FilterID   string `json:"filter_id"`
	Page       int    `json:"page"`
	Count      int    `json:"count"`
	TotalCount int    `json:"total_count"`
	Search     string `json:"search,omitempty"`
}

func (ElementsPageLoaded) Type() event.Type { return TypePageLoaded }

// ElementsLoadFailed is published when a page load fails.
type ElementsLoadFailed struct {
	event.Meta
	FilterID string       `json:"filter_id"`
	Page     int          `json:"page"`
	Kind     gateway.Kind `json:"kind"`
	Message  string       `json:"message"`
}

func (ElementsLoadFailed) Type() event.Type { return TypeLoadFailed }

// ElementsSearchFailed is published when a search fails.
type ElementsSearchFailed struct {
	event.Meta
	FilterID string       `json:"filter_id"`
	Term     string       `json:"term"`
	Kind     gateway.Kind `json:"kind"`
	Message  string       `json:"message"`
}

func (ElementsSearchFailed) Type() event.Type { return TypeSearchFailed }

// ElementsLoadCancelled is published by a load or search workflow that
// observed its cancellation.
type ElementsLoadCancelled struct {
	event.Meta
	FilterID  string              `json:"filter_id"`
	Operation model.Operation     `json:"operation"`
	Reason    engine.CancelReason `json:"reason"`

	// CustomCorrelation is set for custom loads.
	CustomCorrelation string `json:"correlation,omitempty"`
}

func (ElementsLoadCancelled) Type() event.Type { return TypeLoadCancelled }

// ElementsSettingsChanged is published when the loader's options change.
type ElementsSettingsChanged struct {
	event.Meta
	FilterID string `json:"filter_id"`
	Limit    int    `json:"limit"`
	Order    string `json:"order"`

	LimitingAttributeFilters []model.LimitingFilter `json:"limiting_attribute_filters,omitempty"`
	LimitingMeasures         []string               `json:"limiting_measures,omitempty"`
	LimitingDateFilters      []model.DateRange      `json:"limiting_date_filters,omitempty"`
}

func (ElementsSettingsChanged) Type() event.Type { return TypeSettingsChanged }

// SelectionChanged is published when the working selection changes.
type SelectionChanged struct {
	event.Meta
	FilterID  string          `json:"filter_id"`
	Selection model.Selection `json:"selection"`
	Dirty     bool            `json:"dirty"`
}

func (SelectionChanged) Type() event.Type { return TypeSelectionChanged }

// SelectionCommitted is published when the working selection is committed.
type SelectionCommitted struct {
	event.Meta
	FilterID  string          `json:"filter_id"`
	Selection model.Selection `json:"selection"`
}

func (SelectionCommitted) Type() event.Type { return TypeSelectionCommitted }

// ElementsCustomLoaded carries the result of a custom load. The elements
// are not stored.
type ElementsCustomLoaded struct {
	event.Meta
	FilterID          string            `json:"filter_id"`
	CustomCorrelation string            `json:"correlation"`
	Page              int               `json:"page"`
	Elements          []gateway.Element `json:"elements"`
	TotalCount        int               `json:"total_count"`
	HasMore           bool              `json:"has_more"`
}

func (ElementsCustomLoaded) Type() event.Type { return TypeCustomLoaded }

// ElementsCustomLoadFailed is published when a custom load fails.
type ElementsCustomLoadFailed struct {
	event.Meta
	FilterID          string       `json:"filter_id"`
	CustomCorrelation string       `json:"correlation"`
	Kind              gateway.Kind `json:"kind"`
	Message           string       `json:"message"`
}

func (ElementsCustomLoadFailed) Type() event.Type { return TypeCustomLoadFailed }
