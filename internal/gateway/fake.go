package gateway

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/roach88/dashflow/internal/model"
)

// Op names a gateway operation.
type Op string

const (
	OpExecute       Op = "execute"
	OpFetchElements Op = "fetch_elements"
	OpGetMetadata   Op = "get_metadata_object"
	OpPersist       Op = "persist"
)

// Call records one request made to a Fake. Key identifies the target: the
// filter id for element fetches, the query fingerprint for executions and
// the ref for metadata calls.
type Call struct {
	Op      Op     `json:"op"`
	Key     string `json:"key"`
	Request any    `json:"-"`
}

// Hook runs before a Fake serves a call. It may block, which is how tests
// stage races, and a non-nil error fails the call.
type Hook func(ctx context.Context, call Call) error

// Fixture is the backend content served by a Fake.
type Fixture struct {
	Dashboards  []DashboardObject     `yaml:"dashboards"`
	Insights    []model.Insight       `yaml:"insights"`
	Users       []model.User          `yaml:"users"`
	Permissions []model.PermissionSet `yaml:"permissions"`
	Elements    map[string][]Element  `yaml:"elements"`
	Results     []ResultFixture       `yaml:"results"`
	Failures    []FailureRule         `yaml:"failures"`

	// Extra catches unknown keys so they can be reported.
	Extra map[string]any `yaml:",inline"`
}

// ResultFixture is the data returned for executions matching Fingerprint,
// or any execution of Insight when Fingerprint is empty.
type ResultFixture struct {
	Insight     string     `yaml:"insight"`
	Fingerprint string     `yaml:"fingerprint"`
	Headers     []string   `yaml:"headers"`
	Rows        [][]string `yaml:"rows"`
}

// FailureRule makes matching calls fail with Kind. Times limits how many
// calls fail; 0 fails every match.
type FailureRule struct {
	Op      Op     `yaml:"op"`
	Key     string `yaml:"key"`
	Kind    Kind   `yaml:"kind"`
	Message string `yaml:"message"`
	Times   int    `yaml:"times"`
}

// ParseFixture decodes a YAML fixture.
func ParseFixture(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture: %w", err)
	}
	return f, nil
}

// Validate rejects unknown keys and failure rules with unknown kinds.
func (f Fixture) Validate() error {
	if len(f.Extra) > 0 {
		keys := make([]string, 0, len(f.Extra))
		for k := range f.Extra {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return fmt.Errorf("unknown keys %s", strings.Join(keys, ", "))
	}
	for i, r := range f.Failures {
		if !ValidKind(r.Kind) {
			return fmt.Errorf("failures[%d]: unknown kind %q", i, r.Kind)
		}
	}
	return nil
}

// LoadFixture reads a YAML fixture file.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

// Fake is an in-memory Gateway serving a Fixture.
//
// Thread-safety: all methods are safe for concurrent use.
type Fake struct {
	mu         sync.Mutex
	dashboards map[string]DashboardObject
	insights   map[string]model.Insight
	users      map[string]model.User
	perms      map[string]model.PermissionSet
	elements   map[string][]Element
	results    []ResultFixture
	failures   []FailureRule
	hook       Hook
	calls      []Call
}

var _ Gateway = (*Fake)(nil)

// NewFake creates a fake serving f.
func NewFake(f Fixture) *Fake {
	g := &Fake{
		dashboards: make(map[string]DashboardObject),
		insights:   make(map[string]model.Insight),
		users:      make(map[string]model.User),
		perms:      make(map[string]model.PermissionSet),
		elements:   make(map[string][]Element),
		results:    slices.Clone(f.Results),
		failures:   slices.Clone(f.Failures),
	}
	for _, d := range f.Dashboards {
		g.dashboards[d.Dashboard.ID] = d
	}
	for _, i := range f.Insights {
		g.insights[i.ID] = i
	}
	for _, u := range f.Users {
		g.users[u.ID] = u
	}
	for _, p := range f.Permissions {
		g.perms[p.DashboardID] = p
	}
	for df, els := range f.Elements {
		g.elements[df] = slices.Clone(els)
	}
	return g
}

// SetHook installs h for subsequent calls. A nil h removes the hook.
func (g *Fake) SetHook(h Hook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hook = h
}

// Fail adds a failure rule.
func (g *Fake) Fail(rule FailureRule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, rule)
}

// SetElements replaces the elements served for displayForm.
func (g *Fake) SetElements(displayForm string, els []Element) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.elements[displayForm] = slices.Clone(els)
}

// Calls returns every call received so far, in arrival order.
func (g *Fake) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

// CallsTo returns the calls received for op.
func (g *Fake) CallsTo(op Op) []Call {
	var out []Call
	for _, c := range g.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Dashboard returns the stored version of a dashboard.
func (g *Fake) Dashboard(id string) (DashboardObject, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.dashboards[id]
	return d, ok
}

// enter records call, runs the hook and applies failure rules.
func (g *Fake) enter(ctx context.Context, call Call) error {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	hook := g.hook
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.failures {
		r := &g.failures[i]
		if r.Op != call.Op || (r.Key != "" && r.Key != call.Key) || r.Times < 0 {
			continue
		}
		if r.Times > 0 {
			r.Times--
			if r.Times == 0 {
				r.Times = -1
			}
		}
		msg := r.Message
		if msg == "" {
			msg = "injected failure"
		}
		return NewError(r.Kind, string(call.Op), "%s", msg)
	}
	return nil
}

// Execute implements Gateway.
func (g *Fake) Execute(ctx context.Context, q model.Query) (Result, error) {
	fp := q.Fingerprint()
	if err := g.enter(ctx, Call{Op: OpExecute, Key: fp, Request: q}); err != nil {
		return Result{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var fallback *ResultFixture
	for i := range g.results {
		r := &g.results[i]
		if r.Fingerprint == fp {
			return Result{Headers: slices.Clone(r.Headers), Rows: slices.Clone(r.Rows)}, nil
		}
		if r.Fingerprint == "" && r.Insight == q.InsightID && fallback == nil {
			fallback = r
		}
	}
	if fallback != nil {
		return Result{Headers: slices.Clone(fallback.Headers), Rows: slices.Clone(fallback.Rows)}, nil
	}
	if _, ok := g.insights[q.InsightID]; !ok {
		return Result{}, NewError(KindNotFound, string(OpExecute), "insight %s not found", q.InsightID)
	}
	return Result{Headers: append(slices.Clone(q.Attributes), q.Measures...)}, nil
}

// FetchElements implements Gateway. Search matches titles by case-folded
// substring. Limiting options are recorded in the call but not applied.
func (g *Fake) FetchElements(ctx context.Context, req ElementsRequest) (ElementsPage, error) {
	if err := g.enter(ctx, Call{Op: OpFetchElements, Key: req.FilterID, Request: req}); err != nil {
		return ElementsPage{}, err
	}

	g.mu.Lock()
	all := slices.Clone(g.elements[req.DisplayForm])
	g.mu.Unlock()

	if req.Search != "" {
		fold := cases.Fold()
		term := fold.String(req.Search)
		all = slices.DeleteFunc(all, func(e Element) bool {
			return !strings.Contains(fold.String(e.Title), term)
		})
	}
	if req.Order == model.OrderDesc {
		slices.Reverse(all)
	}

	page := ElementsPage{Page: req.Page, TotalCount: len(all)}
	if req.Limit <= 0 {
		if req.Page == 0 {
			page.Elements = all
		}
		return page, nil
	}
	start := min(req.Page*req.Limit, len(all))
	end := min(start+req.Limit, len(all))
	page.Elements = all[start:end]
	page.HasMore = end < len(all)
	return page, nil
}

// GetMetadataObject implements Gateway.
func (g *Fake) GetMetadataObject(ctx context.Context, ref Ref) (MetadataObject, error) {
	if err := g.enter(ctx, Call{Op: OpGetMetadata, Key: ref.String(), Request: ref}); err != nil {
		return MetadataObject{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	obj := MetadataObject{Ref: ref}
	found := false
	switch ref.Type {
	case ObjectDashboard:
		if d, ok := g.dashboards[ref.ID]; ok {
			d = cloneDashboard(d)
			obj.Dashboard, obj.Ref.Version, found = &d, d.Dashboard.Version, true
		}
	case ObjectInsight:
		if i, ok := g.insights[ref.ID]; ok {
			obj.Insight, found = &i, true
		}
	case ObjectUser:
		if u, ok := g.users[ref.ID]; ok {
			obj.User, found = &u, true
		}
	case ObjectPermissions:
		if p, ok := g.perms[ref.ID]; ok {
			obj.Permissions, found = &p, true
		}
	}
	if !found {
		return MetadataObject{}, NewError(KindNotFound, string(OpGetMetadata), "%s not found", ref)
	}
	return obj, nil
}

// Persist implements Gateway. Dashboards are saved with optimistic
// concurrency: the object's version must match the stored one.
func (g *Fake) Persist(ctx context.Context, obj MetadataObject) (Ref, error) {
	if err := g.enter(ctx, Call{Op: OpPersist, Key: obj.Ref.String(), Request: obj}); err != nil {
		return Ref{}, err
	}
	if obj.Ref.Type != ObjectDashboard || obj.Dashboard == nil {
		return Ref{}, NewError(KindForbidden, string(OpPersist), "%s objects are read-only", obj.Ref.Type)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	d := cloneDashboard(*obj.Dashboard)
	if prev, ok := g.dashboards[d.Dashboard.ID]; ok && prev.Dashboard.Version != d.Dashboard.Version {
		return Ref{}, NewError(KindConflict, string(OpPersist),
			"dashboard %s is at version %d, not %d", d.Dashboard.ID, prev.Dashboard.Version, d.Dashboard.Version)
	}
	d.Dashboard.Version++
	g.dashboards[d.Dashboard.ID] = d
	return Ref{Type: ObjectDashboard, ID: d.Dashboard.ID, Version: d.Dashboard.Version}, nil
}

func cloneDashboard(d DashboardObject) DashboardObject {
	d.Dashboard.FilterIDs = slices.Clone(d.Dashboard.FilterIDs)
	d.Dashboard.WidgetIDs = slices.Clone(d.Dashboard.WidgetIDs)
	d.Filters = slices.Clone(d.Filters)
	d.Widgets = slices.Clone(d.Widgets)
	return d
}
