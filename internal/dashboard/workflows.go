// Package dashboard implements the dashboard command handlers: loading a
// dashboard and its dependencies, editing its filters, executing widgets
// and saving.
//
// Loads and executions are keyed per object and registered latest-wins, so
// reloading a dashboard or re-executing a widget supersedes the previous
// request. Saves of one dashboard run one at a time, each persisting the
// version the previous one wrote.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/model"
	"github.com/roach88/dashflow/internal/store"
)

// Config tunes the dashboard handlers.
type Config struct {
	Retry engine.RetryPolicy

	// MaxParallelFetches bounds the concurrent metadata requests a load
	// makes for its insights. 0 means unbounded.
	MaxParallelFetches int
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		Retry:              engine.FixedRetry(2, 100*time.Millisecond),
		MaxParallelFetches: 8,
	}
}

type handlers struct {
	c   *model.Collections
	gw  gateway.Gateway
	cfg Config

	// saving holds, per dashboard, a channel closed when the running save
	// ends. Only touched by workflows holding the loop.
	saving map[string]chan struct{}
}

// Register installs the dashboard handlers on e.
func Register(e *engine.Engine, c *model.Collections, gw gateway.Gateway, cfg Config) error {
	h := &handlers{c: c, gw: gw, cfg: cfg, saving: make(map[string]chan struct{})}

	loads := []engine.HandlerOption{engine.LatestWins(), engine.Retry(cfg.Retry)}
	regs := []struct {
		typ  engine.CommandType
		f    engine.Factory
		opts []engine.HandlerOption
	}{
		{TypeLoadDashboard, engine.Handle(h.loadDashboard), loads},
		{TypeLoadInsight, engine.Handle(h.loadInsight), loads},
		{TypeExecuteWidget, engine.Handle(h.executeWidget), loads},
		{TypeApplyFilter, engine.Handle(h.applyFilter), nil},
		{TypeAddAttributeFilter, engine.Handle(h.addFilter), nil},
		{TypeRemoveAttributeFilter, engine.Handle(h.removeFilter), nil},
		{TypeSaveDashboard, engine.Handle(h.save), []engine.HandlerOption{engine.Retry(cfg.Retry)}},
		{TypeRenameDashboard, engine.Handle(h.rename), nil},
	}
	for _, r := range regs {
		if err := e.Register(r.typ, r.f, r.opts...); err != nil {
			return fmt.Errorf("register %s: %w", r.typ, err)
		}
	}
	return nil
}

// dependencies are the objects a dashboard refers to.
type dependencies struct {
	insights    []model.Insight
	permissions *model.PermissionSet
	creator     *model.User
}

func (h *handlers) loadDashboard(in *engine.Instance, cmd LoadDashboard) error {
	ref := gateway.Ref{Type: gateway.ObjectDashboard, ID: cmd.DashboardID}
	obj, err := engine.CallRetry(in, func(ctx context.Context) (gateway.MetadataObject, error) {
		return h.gw.GetMetadataObject(ctx, ref)
	})
	if err != nil {
		return h.loadFailed(in, cmd.DashboardID, err)
	}
	if obj.Dashboard == nil {
		return h.loadFailed(in, cmd.DashboardID, gateway.NewError(gateway.KindUnknown, string(gateway.OpGetMetadata), "%s has no dashboard body", ref))
	}
	d := *obj.Dashboard

	deps, err := engine.CallRetry(in, func(ctx context.Context) (dependencies, error) {
		return h.fetchDependencies(ctx, d)
	})
	if err != nil {
		return h.loadFailed(in, cmd.DashboardID, err)
	}

	var removed []string
	applied, err := in.Apply(func() error {
		return in.Store().Transaction(func(tx *store.Tx) error {
			removed = h.applyDashboard(tx, d, deps)
			return nil
		}, in.Correlated())
	})
	if err != nil || !applied {
		return err
	}

	for _, id := range removed {
		in.CancelResource(model.ElementsKey(id), engine.ReasonScopeClosed)
	}
	in.Publish(DashboardLoaded{
		Meta:        in.Meta(),
		DashboardID: d.Dashboard.ID,
		Version:     d.Dashboard.Version,
		Filters:     len(d.Filters),
		Widgets:     len(d.Widgets),
	})
	for _, w := range d.Widgets {
		in.Dispatch(ExecuteWidget{WidgetID: w.ID})
	}
	return nil
}

// fetchDependencies loads the insights, permissions and creator of d in
// parallel. Missing permissions or a missing creator are not errors.
func (h *handlers) fetchDependencies(ctx context.Context, d gateway.DashboardObject) (dependencies, error) {
	var ids []string
	for _, w := range d.Widgets {
		if !slices.Contains(ids, w.InsightID) {
			ids = append(ids, w.InsightID)
		}
	}

	var deps dependencies
	deps.insights = make([]model.Insight, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	if h.cfg.MaxParallelFetches > 0 {
		g.SetLimit(h.cfg.MaxParallelFetches)
	}
	for i, id := range ids {
		g.Go(func() error {
			obj, err := h.gw.GetMetadataObject(ctx, gateway.Ref{Type: gateway.ObjectInsight, ID: id})
			if err != nil {
				return err
			}
			if obj.Insight == nil {
				return gateway.NewError(gateway.KindUnknown, string(gateway.OpGetMetadata), "insight %s has no body", id)
			}
			deps.insights[i] = *obj.Insight
			return nil
		})
	}
	g.Go(func() error {
		obj, err := h.gw.GetMetadataObject(ctx, gateway.Ref{Type: gateway.ObjectPermissions, ID: d.Dashboard.ID})
		if gateway.IsKind(err, gateway.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		deps.permissions = obj.Permissions
		return nil
	})
	if d.Dashboard.CreatedBy != "" {
		g.Go(func() error {
			obj, err := h.gw.GetMetadataObject(ctx, gateway.Ref{Type: gateway.ObjectUser, ID: d.Dashboard.CreatedBy})
			if gateway.IsKind(err, gateway.KindNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			deps.creator = obj.User
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dependencies{}, err
	}
	return deps, nil
}

// applyDashboard stages a loaded dashboard, replacing whatever the store
// held for it. It returns the ids of filters the dashboard no longer has.
func (h *handlers) applyDashboard(tx *store.Tx, d gateway.DashboardObject, deps dependencies) []string {
	dashboards := h.c.Dashboards.In(tx)
	filters := h.c.Filters.In(tx)
	widgets := h.c.Widgets.In(tx)
	loaders := h.c.Loaders.In(tx)

	id := d.Dashboard.ID
	var removed []string
	if prev, ok := dashboards.Get(id); ok {
		for _, fid := range prev.FilterIDs {
			if !slices.Contains(d.Dashboard.FilterIDs, fid) {
				removed = append(removed, fid)
				h.stageFilterRemoval(tx, fid)
			}
		}
	}
	for _, w := range widgets.All() {
		if w.DashboardID == id && !slices.Contains(d.Dashboard.WidgetIDs, w.ID) {
			widgets.Remove(w.ID)
			h.c.Results.In(tx).Remove(model.ResultID(w.ID))
		}
	}

	dashboards.Put(d.Dashboard)
	for _, f := range d.Filters {
		filters.Put(f)
		if l, ok := loaders.Get(model.LoaderID(f.ID)); ok {
			l.Committed = f.Selection.Clone()
			l.Working = f.Selection.Clone()
			loaders.Put(l)
		}
	}
	for _, w := range d.Widgets {
		w.DashboardID = id
		widgets.Put(w)
	}
	for _, ins := range deps.insights {
		h.c.Insights.In(tx).Put(ins)
	}
	if deps.permissions != nil {
		p := *deps.permissions
		p.DashboardID = id
		h.c.Permissions.In(tx).Put(p)
	}
	if deps.creator != nil {
		h.c.Users.In(tx).Put(*deps.creator)
	}
	return removed
}

// stageFilterRemoval stages removing a filter with its loader and elements.
func (h *handlers) stageFilterRemoval(tx *store.Tx, filterID string) {
	h.c.Filters.In(tx).Remove(filterID)
	h.c.Loaders.In(tx).Remove(model.LoaderID(filterID))
	h.c.Elements.In(tx).RemoveWhere(func(e model.AttributeElement) bool { return e.FilterID == filterID })
}

func (h *handlers) loadInsight(in *engine.Instance, cmd LoadInsight) error {
	obj, err := engine.CallRetry(in, func(ctx context.Context) (gateway.MetadataObject, error) {
		return h.gw.GetMetadataObject(ctx, gateway.Ref{Type: gateway.ObjectInsight, ID: cmd.InsightID})
	})
	if err == nil && obj.Insight == nil {
		err = gateway.NewError(gateway.KindUnknown, string(gateway.OpGetMetadata), "insight %s has no body", cmd.InsightID)
	}
	if err != nil {
		return h.failed(in, err, func(kind gateway.Kind, msg string) {
			in.Publish(InsightLoadFailed{Meta: in.Meta(), InsightID: cmd.InsightID, Kind: kind, Message: msg})
		})
	}

	ins := *obj.Insight
	applied, err := in.Apply(func() error {
		return h.c.Insights.Put(ins, in.Correlated())
	})
	if err != nil || !applied {
		return err
	}
	in.Publish(InsightLoaded{Meta: in.Meta(), InsightID: ins.ID, Title: ins.Title})
	for _, w := range h.c.Widgets.Where(func(w model.Widget) bool { return w.InsightID == ins.ID }) {
		in.Dispatch(ExecuteWidget{WidgetID: w.ID})
	}
	return nil
}

func (h *handlers) executeWidget(in *engine.Instance, cmd ExecuteWidget) error {
	w, ok := h.c.Widgets.Get(cmd.WidgetID)
	if !ok {
		return engine.NewValidationError("unknown widget %q", cmd.WidgetID)
	}
	publishFailure := func(kind gateway.Kind, msg string) {
		in.Publish(WidgetExecutionFailed{Meta: in.Meta(), WidgetID: w.ID, Kind: kind, Message: msg})
	}

	if _, ok := h.c.Insights.Get(w.InsightID); !ok {
		obj, err := engine.CallRetry(in, func(ctx context.Context) (gateway.MetadataObject, error) {
			return h.gw.GetMetadataObject(ctx, gateway.Ref{Type: gateway.ObjectInsight, ID: w.InsightID})
		})
		if err == nil && obj.Insight == nil {
			err = gateway.NewError(gateway.KindUnknown, string(gateway.OpGetMetadata), "insight %s has no body", w.InsightID)
		}
		if err != nil {
			return h.failed(in, err, publishFailure)
		}
		applied, err := in.Apply(func() error { return h.c.Insights.Put(*obj.Insight, in.Correlated()) })
		if err != nil || !applied {
			return err
		}
	}

	// The query is built after any suspension so it sees the filters as
	// they are when the request is made.
	q, ok := h.c.QueryFor(w)
	if !ok {
		return engine.NewValidationError("insight %q of widget %q is not loaded", w.InsightID, w.ID)
	}
	res, err := engine.CallRetry(in, func(ctx context.Context) (gateway.Result, error) {
		return h.gw.Execute(ctx, q)
	})
	if err != nil {
		return h.failed(in, err, publishFailure)
	}

	r := model.ExecutionResult{WidgetID: w.ID, Fingerprint: q.Fingerprint(), Headers: res.Headers, Rows: res.Rows}
	applied, err := in.Apply(func() error {
		return h.c.Results.Put(r, in.Correlated())
	})
	if err != nil || !applied {
		return err
	}
	in.Publish(WidgetExecuted{Meta: in.Meta(), WidgetID: w.ID, Fingerprint: r.Fingerprint, Rows: len(r.Rows)})
	return nil
}

func (h *handlers) applyFilter(in *engine.Instance, cmd ApplyFilter) error {
	f, ok := h.c.Filters.Get(cmd.FilterID)
	if !ok {
		return engine.NewValidationError("unknown attribute filter %q", cmd.FilterID)
	}
	changed := !f.Selection.Equal(cmd.Selection)
	f.Selection = cmd.Selection.Clone()

	if _, err := in.Apply(func() error {
		return in.Store().Transaction(func(tx *store.Tx) error {
			h.c.Filters.In(tx).Put(f)
			loaders := h.c.Loaders.In(tx)
			if l, ok := loaders.Get(model.LoaderID(f.ID)); ok {
				l.Committed = f.Selection.Clone()
				l.Working = f.Selection.Clone()
				loaders.Put(l)
			}
			return nil
		}, in.Correlated())
	}); err != nil {
		return err
	}

	var affected []string
	if changed {
		affected = h.reexecute(in, f.ID)
	}
	in.Publish(FilterApplied{Meta: in.Meta(), FilterID: f.ID, Selection: f.Selection.Clone(), Widgets: affected})
	return nil
}

// reexecute dispatches ExecuteWidget for every widget filterID applies to
// and returns their ids.
func (h *handlers) reexecute(in *engine.Instance, filterID string) []string {
	var ids []string
	for _, d := range h.c.Dashboards.Where(func(d model.Dashboard) bool { return slices.Contains(d.FilterIDs, filterID) }) {
		for _, w := range h.c.WidgetsOf(d) {
			if w.UsesFilter(filterID) {
				ids = append(ids, w.ID)
			}
		}
	}
	for _, id := range ids {
		in.Dispatch(ExecuteWidget{WidgetID: id})
	}
	return ids
}

func (h *handlers) addFilter(in *engine.Instance, cmd AddAttributeFilter) error {
	d, ok := h.c.Dashboards.Get(cmd.DashboardID)
	if !ok {
		return engine.NewValidationError("unknown dashboard %q", cmd.DashboardID)
	}
	if slices.Contains(d.FilterIDs, cmd.Filter.ID) {
		return engine.NewValidationError("dashboard %q already has filter %q", d.ID, cmd.Filter.ID)
	}
	f := cmd.Filter
	if f.Selection.Keys == nil && !f.Selection.Negative {
		// A new filter starts unrestricted.
		f.Selection = model.Selection{Negative: true}
	}

	if _, err := in.Apply(func() error {
		return in.Store().Transaction(func(tx *store.Tx) error {
			h.c.Filters.In(tx).Put(f)
			h.c.Dashboards.In(tx).Put(d.WithFilter(f.ID))
			return nil
		}, in.Correlated())
	}); err != nil {
		return err
	}

	in.Publish(FilterAdded{Meta: in.Meta(), DashboardID: d.ID, FilterID: f.ID})
	if !f.Selection.All() {
		h.reexecute(in, f.ID)
	}
	return nil
}

func (h *handlers) removeFilter(in *engine.Instance, cmd RemoveAttributeFilter) error {
	d, ok := h.c.Dashboards.Get(cmd.DashboardID)
	if !ok {
		return engine.NewValidationError("unknown dashboard %q", cmd.DashboardID)
	}
	if !slices.Contains(d.FilterIDs, cmd.FilterID) {
		return engine.NewValidationError("dashboard %q has no filter %q", d.ID, cmd.FilterID)
	}
	f, _ := h.c.Filters.Get(cmd.FilterID)

	// Widgets are collected before the filter leaves the dashboard.
	var affected []model.Widget
	if !f.Selection.All() {
		for _, w := range h.c.WidgetsOf(d) {
			if w.UsesFilter(cmd.FilterID) {
				affected = append(affected, w)
			}
		}
	}

	in.CancelResource(model.ElementsKey(cmd.FilterID), engine.ReasonUserCancelled)
	if _, err := in.Apply(func() error {
		return in.Store().Transaction(func(tx *store.Tx) error {
			h.c.Dashboards.In(tx).Put(d.WithoutFilter(cmd.FilterID))
			h.stageFilterRemoval(tx, cmd.FilterID)
			return nil
		}, in.Correlated())
	}); err != nil {
		return err
	}

	in.Publish(FilterRemoved{Meta: in.Meta(), DashboardID: d.ID, FilterID: cmd.FilterID})
	for _, w := range affected {
		in.Dispatch(ExecuteWidget{WidgetID: w.ID})
	}
	return nil
}

func (h *handlers) save(in *engine.Instance, cmd SaveDashboard) error {
	release, err := h.acquireSave(in, cmd.DashboardID)
	if err != nil {
		return err
	}
	defer release()

	d, ok := h.c.Dashboards.Get(cmd.DashboardID)
	if !ok {
		return engine.NewValidationError("unknown dashboard %q", cmd.DashboardID)
	}
	publishFailure := func(kind gateway.Kind, msg string) {
		in.Publish(DashboardSaveFailed{Meta: in.Meta(), DashboardID: d.ID, Reason: kind, Message: msg})
	}

	if p, ok := h.c.Permissions.Get(model.PermissionsID(d.ID)); ok && !p.CanEdit {
		err := gateway.NewError(gateway.KindForbidden, string(gateway.OpPersist), "no edit permission on dashboard %s", d.ID)
		return h.failed(in, err, publishFailure)
	}

	obj := gateway.MetadataObject{
		Ref:       gateway.Ref{Type: gateway.ObjectDashboard, ID: d.ID, Version: d.Version},
		Dashboard: h.dashboardObject(d),
	}
	ref, err := engine.CallRetry(in, func(ctx context.Context) (gateway.Ref, error) {
		return h.gw.Persist(ctx, obj)
	})
	if err != nil {
		return h.failed(in, err, publishFailure)
	}

	// Edits made while the save was in flight are kept; only the version
	// moves, and never backwards.
	var saved model.Dashboard
	if _, err := in.Apply(func() error {
		saved, ok = h.c.Dashboards.Get(d.ID)
		if !ok {
			saved = d
		}
		saved.Version = max(saved.Version, ref.Version)
		return h.c.Dashboards.Put(saved, in.Correlated())
	}); err != nil {
		return err
	}
	in.Publish(DashboardSaved{Meta: in.Meta(), DashboardID: d.ID, Version: saved.Version})
	return nil
}

// acquireSave waits until no other save of dashboardID is running and
// claims the slot. The returned func frees it.
func (h *handlers) acquireSave(in *engine.Instance, dashboardID string) (func(), error) {
	for {
		running, busy := h.saving[dashboardID]
		if !busy {
			break
		}
		err := in.Await(func(ctx context.Context) error {
			select {
			case <-running:
				return nil
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	done := make(chan struct{})
	h.saving[dashboardID] = done
	return func() {
		delete(h.saving, dashboardID)
		close(done)
	}, nil
}

// dashboardObject assembles the backend form of d from the store.
func (h *handlers) dashboardObject(d model.Dashboard) *gateway.DashboardObject {
	obj := &gateway.DashboardObject{Dashboard: d}
	for _, id := range d.FilterIDs {
		if f, ok := h.c.Filters.Get(id); ok {
			obj.Filters = append(obj.Filters, f)
		}
	}
	obj.Widgets = h.c.WidgetsOf(d)
	return obj
}

func (h *handlers) rename(in *engine.Instance, cmd RenameDashboard) error {
	d, ok := h.c.Dashboards.Get(cmd.DashboardID)
	if !ok {
		return engine.NewValidationError("unknown dashboard %q", cmd.DashboardID)
	}
	d.Title = strings.TrimSpace(cmd.Title)
	if _, err := in.Apply(func() error {
		return h.c.Dashboards.Put(d, in.Correlated())
	}); err != nil {
		return err
	}
	in.Publish(DashboardRenamed{Meta: in.Meta(), DashboardID: d.ID, Title: d.Title})
	return nil
}

func (h *handlers) loadFailed(in *engine.Instance, dashboardID string, err error) error {
	return h.failed(in, err, func(kind gateway.Kind, msg string) {
		in.Publish(DashboardLoadFailed{Meta: in.Meta(), DashboardID: dashboardID, Kind: kind, Message: msg})
	})
}

// failed publishes a failure event through publish and returns err.
// Cancellation publishes nothing here, and a failure of a superseded
// generation is dropped like any stale result.
func (h *handlers) failed(in *engine.Instance, err error, publish func(gateway.Kind, string)) error {
	if engine.IsCancelled(err) {
		return err
	}
	current, aerr := in.Apply(func() error { return nil })
	if aerr != nil {
		return aerr
	}
	if !current {
		return nil
	}

	kind := gateway.KindOf(err)
	if kind == "" {
		kind = gateway.KindUnknown
	}
	slog.Debug("dashboard command failed",
		"command", in.Envelope().Type,
		"correlation_id", in.CorrelationID(),
		"kind", kind,
		"error", err,
	)
	publish(kind, err.Error())
	return err
}
