// Package elements implements attribute-filter element loading: paginated,
// searchable element lists per filter, and working-selection editing.
//
// Page loads and searches for a filter share the resource key
// ResourceKey(filterID) and are registered latest-wins, so a new load or
// search cancels the previous one and only the newest generation's results
// reach the store.
//
// Custom loads fetch a page with their own options under
// CustomElementsKey(filterID, correlation). They publish their result
// instead of storing it, so they never race with the filter's list.
package elements

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/dashflow/internal/dashboard"
	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/model"
	"github.com/roach88/dashflow/internal/store"
)

// Config tunes element loading.
type Config struct {
	// PageSize is the limit of new loaders.
	PageSize int

	// SearchDebounce delays a search so that rapid keystrokes supersede
	// each other before any request is made. 0 disables it.
	SearchDebounce time.Duration

	// MaxPrefetch caps LoadNextElementsPage.Prefetch.
	MaxPrefetch int

	Retry engine.RetryPolicy
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		PageSize:    50,
		MaxPrefetch: 4,
		Retry:       engine.FixedRetry(2, 100*time.Millisecond),
	}
}

type handlers struct {
	c   *model.Collections
	gw  gateway.Gateway
	cfg Config

	// pending holds the generation that last marked each operation
	// pending. Only touched while holding the baton.
	pending map[pendingOp]int64
}

type pendingOp struct {
	filterID string
	op       model.Operation
}

// Register installs the element loading handlers on e.
func Register(e *engine.Engine, c *model.Collections, gw gateway.Gateway, cfg Config) error {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	h := &handlers{c: c, gw: gw, cfg: cfg, pending: make(map[pendingOp]int64)}

	loads := []engine.HandlerOption{engine.LatestWins(), engine.Retry(cfg.Retry)}
	regs := []struct {
		typ  engine.CommandType
		f    engine.Factory
		opts []engine.HandlerOption
	}{
		{TypeLoadInitialPage, engine.Handle(h.loadInitialPage), loads},
		{TypeLoadNextPage, engine.Handle(h.loadNextPage), loads},
		{TypeSearch, engine.Handle(h.search), loads},
		{TypeCancelSearch, engine.Handle(h.cancelSearch), nil},
		{TypeSetLimit, engine.Handle(h.setLimit), nil},
		{TypeSetOrder, engine.Handle(h.setOrder), nil},
		{TypeChangeSelection, engine.Handle(h.changeSelection), nil},
		{TypeInvertSelection, engine.Handle(h.invertSelection), nil},
		{TypeRevertSelection, engine.Handle(h.revertSelection), nil},
		{TypeCommitSelection, engine.Handle(h.commitSelection), nil},
		{TypeSetLimitingAttributeFilters, engine.Handle(h.setLimitingAttributeFilters), nil},
		{TypeSetLimitingMeasures, engine.Handle(h.setLimitingMeasures), nil},
		{TypeSetLimitingDateFilters, engine.Handle(h.setLimitingDateFilters), nil},
		{TypeLoadCustom, engine.Handle(h.loadCustom), loads},
		{TypeCancelCustomLoad, engine.Handle(h.cancelCustomLoad), nil},
	}
	for _, r := range regs {
		if err := e.Register(r.typ, r.f, r.opts...); err != nil {
			return fmt.Errorf("register %s: %w", r.typ, err)
		}
	}
	return nil
}

// pageRequest describes one page load.
type pageRequest struct {
	filterID string
	page     int
	op       model.Operation
	prefetch int
	// search replaces the loader's search term when set.
	search *string
}

func (h *handlers) loadInitialPage(in *engine.Instance, cmd LoadInitialElementsPage) error {
	return h.loadPage(in, pageRequest{filterID: cmd.FilterID, op: model.OpInitial})
}

func (h *handlers) loadNextPage(in *engine.Instance, cmd LoadNextElementsPage) error {
	return h.loadPage(in, pageRequest{
		filterID: cmd.FilterID,
		page:     cmd.Page,
		op:       model.OpNextPage,
		prefetch: min(cmd.Prefetch, h.cfg.MaxPrefetch),
	})
}

func (h *handlers) search(in *engine.Instance, cmd SearchElements) error {
	if h.cfg.SearchDebounce > 0 {
		// A newer search supersedes this one while it waits, before any
		// request is made.
		if err := in.Sleep(h.cfg.SearchDebounce); err != nil {
			return h.cancelled(in, cmd.FilterID, model.OpSearch, err)
		}
	}
	term := model.NormalizeSearch(cmd.Term)
	return h.loadPage(in, pageRequest{filterID: cmd.FilterID, op: model.OpSearch, search: &term})
}

// loadPage fetches one page and applies it if the instance is still the
// newest generation for the filter.
func (h *handlers) loadPage(in *engine.Instance, r pageRequest) error {
	f, ok := h.c.Filters.Get(r.filterID)
	if !ok {
		return unknownFilter(r.filterID)
	}

	var loader model.ElementLoader
	applied, err := in.Apply(func() error {
		var err error
		loader, err = h.updateLoader(in, f, func(l *model.ElementLoader) {
			if r.search != nil {
				l.Search = *r.search
			}
			*l = l.WithStatus(r.op, model.StatusPending)
		})
		h.pending[pendingOp{r.filterID, r.op}] = in.Generation()
		return err
	})
	if err != nil {
		return h.cancelled(in, r.filterID, r.op, err)
	}
	if !applied {
		return nil
	}

	loader = loader.Clone()
	req := gateway.ElementsRequest{
		FilterID:                 f.ID,
		DisplayForm:              f.DisplayForm,
		Page:                     r.page,
		Limit:                    loader.Limit,
		Search:                   loader.Search,
		Order:                    loader.Order,
		LimitingAttributeFilters: loader.LimitingAttributeFilters,
		LimitingMeasures:         loader.LimitingMeasures,
		LimitingDateFilters:      loader.LimitingDateFilters,
	}
	page, err := engine.CallRetry(in, func(ctx context.Context) (gateway.ElementsPage, error) {
		return h.gw.FetchElements(ctx, req)
	})
	if err != nil {
		return h.failed(in, r, req, err)
	}

	applied, err = in.Apply(func() error {
		return in.Store().Transaction(func(tx *store.Tx) error {
			return h.applyPage(tx, r, loader.Limit, page)
		}, in.Correlated())
	})
	if err != nil {
		return h.cancelled(in, r.filterID, r.op, err)
	}
	if !applied {
		return nil
	}

	in.Publish(ElementsPageLoaded{
		Meta:       in.Meta(),
		FilterID:   r.filterID,
		Page:       r.page,
		Count:      len(page.Elements),
		TotalCount: page.TotalCount,
		Search:     req.Search,
	})

	if r.prefetch > 0 && page.HasMore {
		return h.prefetch(in, r)
	}
	return nil
}

// prefetch loads the pages after r.page as children of in. Cancelling in
// cancels them.
func (h *handlers) prefetch(in *engine.Instance, r pageRequest) error {
	var kids []*engine.Instance
	for p := r.page + 1; p <= r.page+r.prefetch; p++ {
		child, err := in.Spawn(fmt.Sprintf("prefetch %s page %d", r.filterID, p), func(ci *engine.Instance) error {
			return h.loadPage(ci, pageRequest{filterID: r.filterID, page: p, op: model.OpNextPage})
		})
		if err != nil {
			return err
		}
		kids = append(kids, child)
	}
	return in.Join(kids...)
}

// applyPage stages a loaded page. Page 0 replaces the filter's elements.
func (h *handlers) applyPage(tx *store.Tx, r pageRequest, limit int, page gateway.ElementsPage) error {
	elements := h.c.Elements.In(tx)
	loaders := h.c.Loaders.In(tx)

	l, ok := loaders.Get(model.LoaderID(r.filterID))
	if !ok {
		return fmt.Errorf("element loader for %s disappeared", r.filterID)
	}

	if r.page == 0 {
		elements.RemoveWhere(func(e model.AttributeElement) bool { return e.FilterID == r.filterID })
		l.LastPage = -1
	}
	for i, el := range page.Elements {
		elements.Put(model.AttributeElement{
			FilterID: r.filterID,
			URI:      el.URI,
			Title:    el.Title,
			Index:    r.page*limit + i,
		})
	}

	if r.page >= l.LastPage {
		l.LastPage = r.page
		l.HasMore = page.HasMore
	}
	l.TotalCount = page.TotalCount
	l.Loaded = 0
	for _, e := range elements.All() {
		if e.FilterID == r.filterID {
			l.Loaded++
		}
	}
	l = l.WithStatus(r.op, model.StatusLoaded)
	l.Error = ""
	loaders.Put(l)
	return nil
}

// failed records a failed fetch. Cancellation is reported as such, and a
// failure of a superseded generation is dropped like any stale result.
func (h *handlers) failed(in *engine.Instance, r pageRequest, req gateway.ElementsRequest, err error) error {
	if engine.IsCancelled(err) {
		return h.cancelled(in, r.filterID, r.op, err)
	}

	f, _ := h.c.Filters.Get(r.filterID)
	applied, aerr := in.Apply(func() error {
		_, uerr := h.updateLoader(in, f, func(l *model.ElementLoader) {
			*l = l.WithStatus(r.op, model.StatusFailed)
			l.Error = err.Error()
		})
		return uerr
	})
	if aerr != nil {
		return h.cancelled(in, r.filterID, r.op, aerr)
	}
	if !applied {
		return nil
	}

	kind := gateway.KindOf(err)
	if kind == "" {
		kind = gateway.KindUnknown
	}
	if r.op == model.OpSearch {
		in.Publish(ElementsSearchFailed{Meta: in.Meta(), FilterID: r.filterID, Term: req.Search, Kind: kind, Message: err.Error()})
	} else {
		in.Publish(ElementsLoadFailed{Meta: in.Meta(), FilterID: r.filterID, Page: r.page, Kind: kind, Message: err.Error()})
	}
	return err
}

// cancelled publishes ElementsLoadCancelled for cancellation errors and
// returns err unchanged. A superseded or user-cancelled operation that this
// generation left pending is marked cancelled; the instance is no longer
// current, so the write bypasses Apply.
func (h *handlers) cancelled(in *engine.Instance, filterID string, op model.Operation, err error) error {
	if !engine.IsCancelled(err) {
		return err
	}
	reason := engine.CancelReasonOf(err)
	slog.Debug("element load cancelled", "filter", filterID, "operation", op, "reason", reason)
	// Teardown publishes nothing.
	if reason == engine.ReasonSessionClosed {
		return err
	}
	if reason == engine.ReasonSuperseded || reason == engine.ReasonUserCancelled {
		h.markCancelled(in, filterID, op)
	}
	in.Publish(ElementsLoadCancelled{Meta: in.Meta(), FilterID: filterID, Operation: op, Reason: reason})
	return err
}

// markCancelled moves op from pending to cancelled if in's generation is
// the one that marked it pending. A newer load of the same operation keeps
// its own pending status.
func (h *handlers) markCancelled(in *engine.Instance, filterID string, op model.Operation) {
	k := pendingOp{filterID, op}
	gen, ok := h.pending[k]
	if !ok || gen != in.Generation() {
		return
	}
	delete(h.pending, k)
	l, ok := h.c.Loaders.Get(model.LoaderID(filterID))
	if !ok || l.Status(op) != model.StatusPending {
		return
	}
	if err := h.c.Loaders.Put(l.WithStatus(op, model.StatusCancelled), in.Correlated()); err != nil {
		slog.Warn("mark element load cancelled", "filter", filterID, "operation", op, "error", err)
	}
}

// updateLoader applies fn to the filter's loader, creating it from the
// filter's committed selection if needed, and stores the result.
func (h *handlers) updateLoader(in *engine.Instance, f model.AttributeFilter, fn func(*model.ElementLoader)) (model.ElementLoader, error) {
	l, ok := h.c.Loaders.Get(model.LoaderID(f.ID))
	if !ok {
		l = model.NewElementLoader(f.ID, h.cfg.PageSize, f.Selection)
	}
	fn(&l)
	return l, h.c.Loaders.Put(l, in.Correlated())
}

func (h *handlers) cancelSearch(in *engine.Instance, cmd CancelCurrentSearch) error {
	if !in.CancelResource(ResourceKey(cmd.FilterID), engine.ReasonUserCancelled) {
		return nil
	}
	f, ok := h.c.Filters.Get(cmd.FilterID)
	if !ok {
		return nil
	}
	_, err := in.Apply(func() error {
		_, err := h.updateLoader(in, f, func(l *model.ElementLoader) {
			for _, op := range []model.Operation{model.OpInitial, model.OpNextPage, model.OpSearch} {
				if l.Status(op) == model.StatusPending {
					*l = l.WithStatus(op, model.StatusCancelled)
				}
			}
		})
		return err
	})
	return err
}

func (h *handlers) setLimit(in *engine.Instance, cmd SetElementsLimit) error {
	return h.changeSettings(in, cmd.FilterID, func(l *model.ElementLoader) { l.Limit = cmd.Limit })
}

func (h *handlers) setOrder(in *engine.Instance, cmd SetElementsOrder) error {
	return h.changeSettings(in, cmd.FilterID, func(l *model.ElementLoader) { l.Order = cmd.Order })
}

func (h *handlers) setLimitingAttributeFilters(in *engine.Instance, cmd SetLimitingAttributeFilters) error {
	return h.changeSettings(in, cmd.FilterID, func(l *model.ElementLoader) {
		l.LimitingAttributeFilters = model.CloneLimitingFilters(cmd.Filters)
	})
}

func (h *handlers) setLimitingMeasures(in *engine.Instance, cmd SetLimitingMeasures) error {
	return h.changeSettings(in, cmd.FilterID, func(l *model.ElementLoader) {
		l.LimitingMeasures = slices.Clone(cmd.Measures)
	})
}

func (h *handlers) setLimitingDateFilters(in *engine.Instance, cmd SetLimitingDateFilters) error {
	return h.changeSettings(in, cmd.FilterID, func(l *model.ElementLoader) {
		l.LimitingDateFilters = slices.Clone(cmd.Filters)
	})
}

// changeSettings updates the loader options and reloads page 0.
func (h *handlers) changeSettings(in *engine.Instance, filterID string, fn func(*model.ElementLoader)) error {
	f, ok := h.c.Filters.Get(filterID)
	if !ok {
		return unknownFilter(filterID)
	}
	var l model.ElementLoader
	if _, err := in.Apply(func() error {
		var err error
		l, err = h.updateLoader(in, f, fn)
		return err
	}); err != nil {
		return err
	}
	l = l.Clone()
	in.Publish(ElementsSettingsChanged{
		Meta:                     in.Meta(),
		FilterID:                 filterID,
		Limit:                    l.Limit,
		Order:                    l.Order,
		LimitingAttributeFilters: l.LimitingAttributeFilters,
		LimitingMeasures:         l.LimitingMeasures,
		LimitingDateFilters:      l.LimitingDateFilters,
	})
	in.Dispatch(LoadInitialElementsPage{FilterID: filterID})
	return nil
}

// loadCustom fetches one page with the command's own options and publishes
// it. The loader and the stored elements are left alone.
func (h *handlers) loadCustom(in *engine.Instance, cmd LoadCustomElements) error {
	f, ok := h.c.Filters.Get(cmd.FilterID)
	if !ok {
		return unknownFilter(cmd.FilterID)
	}
	req := gateway.ElementsRequest{
		FilterID:                 f.ID,
		DisplayForm:              f.DisplayForm,
		Page:                     cmd.Page,
		Limit:                    cmp.Or(cmd.Limit, h.cfg.PageSize),
		Search:                   model.NormalizeSearch(cmd.Search),
		Order:                    cmp.Or(cmd.Order, model.OrderAsc),
		LimitingAttributeFilters: model.CloneLimitingFilters(cmd.LimitingAttributeFilters),
		LimitingMeasures:         slices.Clone(cmd.LimitingMeasures),
		LimitingDateFilters:      slices.Clone(cmd.LimitingDateFilters),
	}
	page, err := engine.CallRetry(in, func(ctx context.Context) (gateway.ElementsPage, error) {
		return h.gw.FetchElements(ctx, req)
	})

	var applied bool
	if err == nil {
		// Nothing is stored; Apply only drops a result that a newer load
		// with the same correlation replaced.
		applied, err = in.Apply(func() error { return nil })
	}
	switch {
	case engine.IsCancelled(err):
		return h.customCancelled(in, cmd, err)
	case err != nil:
		return h.customFailed(in, cmd, err)
	case !applied:
		return nil
	}

	in.Publish(ElementsCustomLoaded{
		Meta:              in.Meta(),
		FilterID:          cmd.FilterID,
		CustomCorrelation: cmd.Correlation,
		Page:              page.Page,
		Elements:          slices.Clone(page.Elements),
		TotalCount:        page.TotalCount,
		HasMore:           page.HasMore,
	})
	return nil
}

func (h *handlers) customCancelled(in *engine.Instance, cmd LoadCustomElements, err error) error {
	reason := engine.CancelReasonOf(err)
	slog.Debug("custom element load cancelled", "filter", cmd.FilterID, "correlation", cmd.Correlation, "reason", reason)
	if reason != engine.ReasonSessionClosed {
		in.Publish(ElementsLoadCancelled{
			Meta:              in.Meta(),
			FilterID:          cmd.FilterID,
			Operation:         model.OpCustom,
			Reason:            reason,
			CustomCorrelation: cmd.Correlation,
		})
	}
	return err
}

// customFailed publishes the failure unless a newer load with the same
// correlation replaced this one.
func (h *handlers) customFailed(in *engine.Instance, cmd LoadCustomElements, err error) error {
	applied, aerr := in.Apply(func() error { return nil })
	if aerr != nil {
		return h.customCancelled(in, cmd, aerr)
	}
	if !applied {
		return nil
	}
	kind := gateway.KindOf(err)
	if kind == "" {
		kind = gateway.KindUnknown
	}
	in.Publish(ElementsCustomLoadFailed{
		Meta:              in.Meta(),
		FilterID:          cmd.FilterID,
		CustomCorrelation: cmd.Correlation,
		Kind:              kind,
		Message:           err.Error(),
	})
	return err
}

func (h *handlers) cancelCustomLoad(in *engine.Instance, cmd CancelCustomElementsLoad) error {
	in.CancelResource(model.CustomElementsKey(cmd.FilterID, cmd.Correlation), engine.ReasonUserCancelled)
	return nil
}

func (h *handlers) changeSelection(in *engine.Instance, cmd ChangeSelection) error {
	return h.editSelection(in, cmd.FilterID, func(l *model.ElementLoader) {
		l.Working = model.Selection{Keys: cmd.Keys, Negative: cmd.Negative}.Clone()
	})
}

func (h *handlers) invertSelection(in *engine.Instance, cmd InvertSelection) error {
	return h.editSelection(in, cmd.FilterID, func(l *model.ElementLoader) {
		l.Working = l.Working.Inverted()
	})
}

func (h *handlers) revertSelection(in *engine.Instance, cmd RevertSelection) error {
	return h.editSelection(in, cmd.FilterID, func(l *model.ElementLoader) {
		l.Working = l.Committed.Clone()
	})
}

func (h *handlers) editSelection(in *engine.Instance, filterID string, fn func(*model.ElementLoader)) error {
	f, ok := h.c.Filters.Get(filterID)
	if !ok {
		return unknownFilter(filterID)
	}
	var l model.ElementLoader
	if _, err := in.Apply(func() error {
		var err error
		l, err = h.updateLoader(in, f, fn)
		return err
	}); err != nil {
		return err
	}
	in.Publish(SelectionChanged{Meta: in.Meta(), FilterID: filterID, Selection: l.Working.Clone(), Dirty: l.Dirty()})
	return nil
}

// commitSelection commits the working selection and applies it to the
// dashboard filter through a follow-up command.
func (h *handlers) commitSelection(in *engine.Instance, cmd CommitSelection) error {
	f, ok := h.c.Filters.Get(cmd.FilterID)
	if !ok {
		return unknownFilter(cmd.FilterID)
	}
	var l model.ElementLoader
	if _, err := in.Apply(func() error {
		var err error
		l, err = h.updateLoader(in, f, func(l *model.ElementLoader) {
			l.Committed = l.Working.Clone()
		})
		return err
	}); err != nil {
		return err
	}
	in.Publish(SelectionCommitted{Meta: in.Meta(), FilterID: cmd.FilterID, Selection: l.Committed.Clone()})
	in.Dispatch(dashboard.ApplyFilter{FilterID: cmd.FilterID, Selection: l.Committed.Clone()})
	return nil
}

func unknownFilter(id string) error {
	return &engine.Error{Kind: engine.KindValidation, Message: fmt.Sprintf("unknown attribute filter %q", id)}
}
