// Package gateway defines the backend capability the dashboard workflows
// call for network I/O, plus an in-memory fake and composable decorators.
//
// Every call takes a context. A cancelled caller stops waiting; whether the
// backend aborts the request is up to the implementation.
package gateway

import (
	"context"
	"fmt"

	"github.com/roach88/dashflow/internal/model"
)

// Gateway is the backend used by workflows.
type Gateway interface {
	// Execute computes the data of an analytical query.
	Execute(ctx context.Context, q model.Query) (Result, error)

	// FetchElements returns one page of an attribute's elements.
	FetchElements(ctx context.Context, req ElementsRequest) (ElementsPage, error)

	// GetMetadataObject loads a metadata object by reference.
	GetMetadataObject(ctx context.Context, ref Ref) (MetadataObject, error)

	// Persist saves a metadata object and returns its new reference.
	Persist(ctx context.Context, obj MetadataObject) (Ref, error)
}

// ObjectType is the kind of a metadata object.
type ObjectType string

const (
	ObjectDashboard   ObjectType = "dashboard"
	ObjectInsight     ObjectType = "insight"
	ObjectUser        ObjectType = "user"
	ObjectPermissions ObjectType = "permissions"
)

// Ref identifies a metadata object. Version is set on references returned
// by Persist.
type Ref struct {
	Type    ObjectType `json:"type" yaml:"type"`
	ID      string     `json:"id" yaml:"id"`
	Version int        `json:"version,omitempty" yaml:"version"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// MetadataObject is a loaded metadata object. Exactly the field matching
// Ref.Type is set.
type MetadataObject struct {
	Ref Ref `json:"ref"`

	Dashboard   *DashboardObject     `json:"dashboard,omitempty"`
	Insight     *model.Insight       `json:"insight,omitempty"`
	User        *model.User          `json:"user,omitempty"`
	Permissions *model.PermissionSet `json:"permissions,omitempty"`
}

// DashboardObject is a dashboard with its filters and widgets inlined, as
// the backend stores it.
type DashboardObject struct {
	Dashboard model.Dashboard         `json:"dashboard" yaml:"dashboard"`
	Filters   []model.AttributeFilter `json:"filters,omitempty" yaml:"filters"`
	Widgets   []model.Widget          `json:"widgets,omitempty" yaml:"widgets"`
}

// Result is the data returned by Execute.
type Result struct {
	Headers []string   `json:"headers,omitempty" yaml:"headers"`
	Rows    [][]string `json:"rows,omitempty" yaml:"rows"`
}

// ElementsRequest asks for one page of elements.
type ElementsRequest struct {
	FilterID    string `json:"filter_id"`
	DisplayForm string `json:"display_form"`
	Page        int    `json:"page"`
	Limit       int    `json:"limit"`
	Search      string `json:"search,omitempty"`
	Order       string `json:"order,omitempty"`

	LimitingAttributeFilters []model.LimitingFilter `json:"limiting_attribute_filters,omitempty"`
	LimitingMeasures         []string               `json:"limiting_measures,omitempty"`
	LimitingDateFilters      []model.DateRange      `json:"limiting_date_filters,omitempty"`
}

// Element is one attribute element as the backend returns it.
type Element struct {
	URI   string `json:"uri" yaml:"uri"`
	Title string `json:"title" yaml:"title"`
}

// ElementsPage is one page of elements.
type ElementsPage struct {
	Elements   []Element `json:"elements"`
	Page       int       `json:"page"`
	TotalCount int       `json:"total_count"`
	HasMore    bool      `json:"has_more"`
}
