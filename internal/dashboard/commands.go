package dashboard

import (
	"strings"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/model"
)

// Command types.
const (
	TypeLoadDashboard         engine.CommandType = "dashboard.load"
	TypeLoadInsight           engine.CommandType = "dashboard.load_insight"
	TypeApplyFilter           engine.CommandType = "dashboard.apply_filter"
	TypeAddAttributeFilter    engine.CommandType = "dashboard.add_attribute_filter"
	TypeRemoveAttributeFilter engine.CommandType = "dashboard.remove_attribute_filter"
	TypeExecuteWidget         engine.CommandType = "dashboard.execute_widget"
	TypeSaveDashboard         engine.CommandType = "dashboard.save"
	TypeRenameDashboard       engine.CommandType = "dashboard.rename"
)

// Command is implemented by every dashboard command.
type Command interface {
	engine.Command
	dashboardCommand()
}

func required(field, value string) error {
	if value == "" {
		return engine.NewValidationError("%s is required", field)
	}
	return nil
}

// LoadDashboard loads a dashboard with its filters, widgets, insights and
// permissions, then executes every widget.
type LoadDashboard struct {
	DashboardID string `json:"dashboard_id"`
}

func (LoadDashboard) CommandType() engine.CommandType { return TypeLoadDashboard }
func (LoadDashboard) dashboardCommand()               {}
func (c LoadDashboard) ResourceKey() string           { return model.DashboardKey(c.DashboardID) }
func (c LoadDashboard) Validate() error               { return required("dashboard_id", c.DashboardID) }

// LoadInsight loads or refreshes one insight definition.
type LoadInsight struct {
	InsightID string `json:"insight_id"`
}

func (LoadInsight) CommandType() engine.CommandType { return TypeLoadInsight }
func (LoadInsight) dashboardCommand()               {}
func (c LoadInsight) ResourceKey() string           { return model.InsightKey(c.InsightID) }
func (c LoadInsight) Validate() error               { return required("insight_id", c.InsightID) }

// ApplyFilter commits a selection to a dashboard filter and re-executes the
// widgets it affects.
type ApplyFilter struct {
	FilterID  string          `json:"filter_id"`
	Selection model.Selection `json:"selection"`
}

func (ApplyFilter) CommandType() engine.CommandType { return TypeApplyFilter }
func (ApplyFilter) dashboardCommand()               {}
func (c ApplyFilter) Validate() error               { return required("filter_id", c.FilterID) }

// AddAttributeFilter adds a filter to a dashboard.
type AddAttributeFilter struct {
	DashboardID string                `json:"dashboard_id"`
	Filter      model.AttributeFilter `json:"filter"`
}

func (AddAttributeFilter) CommandType() engine.CommandType { return TypeAddAttributeFilter }
func (AddAttributeFilter) dashboardCommand()               {}

func (c AddAttributeFilter) Validate() error {
	if err := required("dashboard_id", c.DashboardID); err != nil {
		return err
	}
	if err := required("filter.id", c.Filter.ID); err != nil {
		return err
	}
	return required("filter.display_form", c.Filter.DisplayForm)
}

// RemoveAttributeFilter removes a filter, its loaded elements and its
// element loader from a dashboard.
type RemoveAttributeFilter struct {
	DashboardID string `json:"dashboard_id"`
	FilterID    string `json:"filter_id"`
}

func (RemoveAttributeFilter) CommandType() engine.CommandType { return TypeRemoveAttributeFilter }
func (RemoveAttributeFilter) dashboardCommand()               {}

func (c RemoveAttributeFilter) Validate() error {
	if err := required("dashboard_id", c.DashboardID); err != nil {
		return err
	}
	return required("filter_id", c.FilterID)
}

// ExecuteWidget computes a widget's data with the current filters.
type ExecuteWidget struct {
	WidgetID string `json:"widget_id"`
}

func (ExecuteWidget) CommandType() engine.CommandType { return TypeExecuteWidget }
func (ExecuteWidget) dashboardCommand()               {}
func (c ExecuteWidget) ResourceKey() string           { return model.WidgetKey(c.WidgetID) }
func (c ExecuteWidget) Validate() error               { return required("widget_id", c.WidgetID) }

// SaveDashboard persists the dashboard as currently held in the store.
// It has no resource key: a persist that reached the backend is a side
// effect, so saves of one dashboard queue behind each other instead of
// superseding.
type SaveDashboard struct {
	DashboardID string `json:"dashboard_id"`
}

func (SaveDashboard) CommandType() engine.CommandType { return TypeSaveDashboard }
func (SaveDashboard) dashboardCommand()               {}
func (c SaveDashboard) Validate() error               { return required("dashboard_id", c.DashboardID) }

// RenameDashboard changes a dashboard's title locally. SaveDashboard
// persists it.
type RenameDashboard struct {
	DashboardID string `json:"dashboard_id"`
	Title       string `json:"title"`
}

func (RenameDashboard) CommandType() engine.CommandType { return TypeRenameDashboard }
func (RenameDashboard) dashboardCommand()               {}

func (c RenameDashboard) Validate() error {
	if err := required("dashboard_id", c.DashboardID); err != nil {
		return err
	}
	return required("title", strings.TrimSpace(c.Title))
}

// RegisterCodec teaches codec every dashboard command.
func RegisterCodec(codec *engine.Codec) {
	engine.RegisterCommand[LoadDashboard](codec)
	engine.RegisterCommand[LoadInsight](codec)
	engine.RegisterCommand[ApplyFilter](codec)
	engine.RegisterCommand[AddAttributeFilter](codec)
	engine.RegisterCommand[RemoveAttributeFilter](codec)
	engine.RegisterCommand[ExecuteWidget](codec)
	engine.RegisterCommand[SaveDashboard](codec)
	engine.RegisterCommand[RenameDashboard](codec)
}
