package dashboard

import (
	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/model"
)

// Event types.
const (
	TypeDashboardLoaded       event.Type = "dashboard.loaded"
	TypeDashboardLoadFailed   event.Type = "dashboard.load_failed"
	TypeInsightLoaded         event.Type = "dashboard.insight_loaded"
	TypeInsightLoadFailed     event.Type = "dashboard.insight_load_failed"
	TypeFilterApplied         event.Type = "dashboard.filter_applied"
	TypeFilterAdded           event.Type = "dashboard.filter_added"
	TypeFilterRemoved         event.Type = "dashboard.filter_removed"
	TypeWidgetExecuted        event.Type = "dashboard.widget_executed"
	TypeWidgetExecutionFailed event.Type = "dashboard.widget_execution_failed"
	TypeDashboardSaved        event.Type = "dashboard.saved"
	TypeDashboardSaveFailed   event.Type = "dashboard.save_failed"
	TypeDashboardRenamed      event.Type = "dashboard.renamed"
)

// DashboardLoaded is published once a dashboard and its dependencies are
// in the store.
type DashboardLoaded struct {
	event.Meta
	DashboardID string `json:"dashboard_id"`
	Version     int    `json:"version"`
	Filters     int    `json:"filters"`
	Widgets     int    `json:"widgets"`
}

func (DashboardLoaded) Type() event.Type { return TypeDashboardLoaded }

// DashboardLoadFailed is published when a dashboard cannot be loaded.
type DashboardLoadFailed struct {
	event.Meta
	DashboardID string       `json:"dashboard_id"`
	Kind        gateway.Kind `json:"kind"`
	Message     string       `json:"message"`
}

func (DashboardLoadFailed) Type() event.Type { return TypeDashboardLoadFailed }

// InsightLoaded is published when an insight definition is stored.
type InsightLoaded struct {
	event.Meta
	InsightID string `json:"insight_id"`
	Title     string `json:"title"`
}

func (InsightLoaded) Type() event.Type { return TypeInsightLoaded }

// InsightLoadFailed is published when an insight cannot be loaded.
type InsightLoadFailed struct {
	event.Meta
	InsightID string       `json:"insight_id"`
	Kind      gateway.Kind `json:"kind"`
	Message   string       `json:"message"`
}

func (InsightLoadFailed) Type() event.Type { return TypeInsightLoadFailed }

// FilterApplied is published when a filter's committed selection changes.
type FilterApplied struct {
	event.Meta
	FilterID  string          `json:"filter_id"`
	Selection model.Selection `json:"selection"`
	// Widgets lists the widgets re-executed because of the change.
	Widgets []string `json:"widgets,omitempty"`
}

func (FilterApplied) Type() event.Type { return TypeFilterApplied }

// FilterAdded is published when a filter joins a dashboard.
type FilterAdded struct {
	event.Meta
	DashboardID string `json:"dashboard_id"`
	FilterID    string `json:"filter_id"`
}

func (FilterAdded) Type() event.Type { return TypeFilterAdded }

// FilterRemoved is published when a filter leaves a dashboard.
type FilterRemoved struct {
	event.Meta
	DashboardID string `json:"dashboard_id"`
	FilterID    string `json:"filter_id"`
}

func (FilterRemoved) Type() event.Type { return TypeFilterRemoved }

// WidgetExecuted is published when a widget's result is stored.
type WidgetExecuted struct {
	event.Meta
	WidgetID    string `json:"widget_id"`
	Fingerprint string `json:"fingerprint"`
	Rows        int    `json:"rows"`
}

func (WidgetExecuted) Type() event.Type { return TypeWidgetExecuted }

// WidgetExecutionFailed is published when a widget cannot be computed.
type WidgetExecutionFailed struct {
	event.Meta
	WidgetID string       `json:"widget_id"`
	Kind     gateway.Kind `json:"kind"`
	Message  string       `json:"message"`
}

func (WidgetExecutionFailed) Type() event.Type { return TypeWidgetExecutionFailed }

// DashboardSaved is published after a successful save.
type DashboardSaved struct {
	event.Meta
	DashboardID string `json:"dashboard_id"`
	Version     int    `json:"version"`
}

func (DashboardSaved) Type() event.Type { return TypeDashboardSaved }

// DashboardSaveFailed is published when a save fails. The dashboard record
// is left untouched.
type DashboardSaveFailed struct {
	event.Meta
	DashboardID string       `json:"dashboard_id"`
	Reason      gateway.Kind `json:"reason"`
	Message     string       `json:"message"`
}

func (DashboardSaveFailed) Type() event.Type { return TypeDashboardSaveFailed }

// DashboardRenamed is published when a dashboard's title changes.
type DashboardRenamed struct {
	event.Meta
	DashboardID string `json:"dashboard_id"`
	Title       string `json:"title"`
}

func (DashboardRenamed) Type() event.Type { return TypeDashboardRenamed }
