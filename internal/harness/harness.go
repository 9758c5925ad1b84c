package harness

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dashflow/internal/config"
	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/session"
	"github.com/roach88/dashflow/internal/store"
	"github.com/roach88/dashflow/internal/testutil"
)

// Correlation id prefixes. Setup and flow commands are numbered separately
// so that adding a setup step does not renumber the trace.
const (
	setupPrefix = "setup"
	flowPrefix  = "flow"
)

// StepTimeout bounds each synchronous step and every idle wait.
var StepTimeout = 10 * time.Second

// Harness is one scenario execution: a fresh session against a fake
// backend, with deterministic correlation ids.
type Harness struct {
	scenario *Scenario
	fake     *gateway.Fake
	session  *session.Session
	ids      *testutil.SeqGenerator
	tracer   *tracer
	logger   *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
// 1. Build the fake backend and the session configuration
// 2. Run setup steps, each of which must complete
// 3. Start tracing and run flow steps, checking expect clauses
// 4. Wait for the session to go idle and evaluate assertions
//
// The returned error reports a scenario that could not be executed at all;
// assertion and expectation failures are reported in Result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	if err := h.executeSetup(ctx); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	h.ids.Restart(flowPrefix)
	stop, err := h.tracer.attach(h.session)
	if err != nil {
		return nil, err
	}
	flowErr := h.executeFlow(ctx, result)
	idleErr := h.waitIdle(ctx)
	stop()
	if flowErr != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", flowErr)
	}
	if idleErr != nil {
		return nil, fmt.Errorf("session did not settle: %w", idleErr)
	}

	result.Trace = h.tracer.trace()
	actx := &AssertionContext{
		Store:   h.session.Engine().Store(),
		Gateway: h.fake,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, s *Scenario) (*Harness, error) {
	fixture, err := s.fixture()
	if err != nil {
		return nil, err
	}
	cfg, err := s.config()
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: s,
		fake:     gateway.NewFake(fixture),
		ids:      testutil.NewSeqGenerator(setupPrefix),
		tracer:   newTracer(),
		logger:   slog.Default().With("scenario", s.Name),
	}
	h.session, err = session.New(ctx, session.Options{
		Config:      cfg,
		Gateway:     h.fake,
		Label:       "scenario " + s.Name,
		Correlation: h.ids,
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return h, nil
}

func (s *Scenario) fixture() (gateway.Fixture, error) {
	if s.Backend != nil {
		return *s.Backend, nil
	}
	return gateway.LoadFixture(s.fixturePath())
}

// config layers the scenario's config section over the defaults, going
// through the same schema checks as a config file.
func (s *Scenario) config() (config.Config, error) {
	if len(s.Config) == 0 {
		return config.Default(), nil
	}
	doc, err := yaml.Marshal(s.Config)
	if err != nil {
		return config.Config{}, fmt.Errorf("scenario config: %w", err)
	}
	cfg, err := config.Parse(doc)
	if err != nil {
		return config.Config{}, fmt.Errorf("scenario config: %w", err)
	}
	return cfg, nil
}

func (h *Harness) close() {
	ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
	defer cancel()
	if err := h.session.Close(ctx); err != nil {
		h.logger.Warn("session close failed", "error", err)
	}
}

func (h *Harness) waitIdle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	return h.session.WaitIdle(ctx)
}

func (h *Harness) decode(step Step) (engine.Command, error) {
	var payload any
	if step.Args != nil {
		payload = step.Args
	}
	return h.session.Codec().DecodeValue(engine.CommandType(step.Dispatch), payload)
}

// executeSetup runs setup steps in order. Each must complete, and the
// session must be idle before the next one starts.
func (h *Harness) executeSetup(ctx context.Context) error {
	for i, step := range h.scenario.Setup {
		cmd, err := h.decode(step)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		out, err := h.dispatchAndWait(ctx, cmd)
		if err != nil {
			return fmt.Errorf("setup[%d] %s: %w", i, step.Dispatch, err)
		}
		if err := h.waitIdle(ctx); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		h.logger.Debug("setup step completed",
			"step", i,
			"command", step.Dispatch,
			"correlation_id", out.CorrelationID,
		)
	}
	return nil
}

func (h *Harness) dispatchAndWait(ctx context.Context, cmd engine.Command) (engine.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	out, err := h.session.DispatchAndWait(ctx, cmd)
	if !out.State.Terminal() {
		return out, fmt.Errorf("no outcome: %w", err)
	}
	return out, err
}

// executeFlow runs flow steps and validates expect clauses against the
// outcome the engine actually produced.
func (h *Harness) executeFlow(ctx context.Context, result *Result) error {
	for i, step := range h.scenario.Flow {
		cmd, err := h.decode(step)
		if err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}

		if step.Async {
			id := h.session.Dispatch(cmd)
			h.logger.Debug("flow step dispatched", "step", i, "command", step.Dispatch, "correlation_id", id)
			continue
		}

		out, _ := h.dispatchAndWait(ctx, cmd)
		if !out.State.Terminal() {
			return fmt.Errorf("flow[%d] %s: no outcome within %s", i, step.Dispatch, StepTimeout)
		}
		result.Outcomes = append(result.Outcomes, StepOutcome{
			Step:          i,
			Command:       step.Dispatch,
			CorrelationID: out.CorrelationID,
			State:         out.State.String(),
			Kind:          string(out.Kind),
		})
		if step.Expect != nil {
			if msg := checkExpect(i, step, out); msg != "" {
				result.AddError(msg)
			}
		}
		if err := h.waitIdle(ctx); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}

		h.logger.Debug("flow step completed",
			"step", i,
			"command", step.Dispatch,
			"correlation_id", out.CorrelationID,
			"state", out.State,
		)
	}
	return nil
}

func checkExpect(i int, step Step, out engine.Outcome) string {
	want := step.Expect
	var diffs []string
	if out.State.String() != want.State {
		diffs = append(diffs, fmt.Sprintf("state %s, want %s", out.State, want.State))
	}
	if want.Kind != "" && string(out.Kind) != want.Kind {
		diffs = append(diffs, fmt.Sprintf("kind %q, want %q", out.Kind, want.Kind))
	}
	if want.Reason != "" && string(out.Reason) != want.Reason {
		diffs = append(diffs, fmt.Sprintf("reason %q, want %q", out.Reason, want.Reason))
	}
	if want.Stale && !out.Stale {
		diffs = append(diffs, "outcome not stale")
	}
	if want.Message != "" && !strings.Contains(out.Message, want.Message) {
		diffs = append(diffs, fmt.Sprintf("message %q does not contain %q", out.Message, want.Message))
	}
	if len(diffs) == 0 {
		return ""
	}
	return fmt.Sprintf("flow[%d] %s (%s): %s", i, step.Dispatch, out.CorrelationID, strings.Join(diffs, "; "))
}

// tracer records commands that reach a workflow and every non-store event.
type tracer struct {
	mu      sync.Mutex
	entries []TraceEntry
}

func newTracer() *tracer { return &tracer{} }

func (t *tracer) attach(s *session.Session) (stop func(), err error) {
	remove, err := s.Engine().RegisterInterceptor(engine.PhaseBefore, nil, func(env engine.Envelope, _ *engine.Outcome) error {
		t.add(TraceEntry{
			Kind:          TraceCommand,
			Type:          string(env.Type),
			CorrelationID: env.CorrelationID,
			CausationID:   env.CausationID,
			Fields:        fieldsOf(env.Command),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trace commands: %w", err)
	}
	unsubscribe := s.Subscribe(notStoreEvent, func(ev event.Event) {
		t.add(TraceEntry{
			Kind:          TraceEvent,
			Type:          string(ev.Type()),
			CorrelationID: ev.Correlation(),
			Fields:        fieldsOf(ev),
		})
	})
	return func() {
		remove()
		unsubscribe()
	}, nil
}

func notStoreEvent(ev event.Event) bool {
	switch ev.Type() {
	case store.TypeEntityPut, store.TypeEntityRemoved, store.TypeTransactionCommitted:
		return false
	}
	return true
}

func (t *tracer) add(e TraceEntry) {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
}

// trace returns the recorded entries grouped by correlation id, groups in
// dispatch order, and numbered from 1. Within a group entries keep their
// recording order. Concurrent workflows interleave differently from run to
// run; their grouped form does not.
func (t *tracer) trace() []TraceEntry {
	t.mu.Lock()
	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	t.mu.Unlock()

	slices.SortStableFunc(out, func(a, b TraceEntry) int {
		return cmp.Compare(dispatchRank(a.CorrelationID), dispatchRank(b.CorrelationID))
	})
	for i := range out {
		out[i].Seq = i + 1
	}
	return out
}

// dispatchRank orders correlation ids "<prefix>-<n>" by n. Anything else
// sorts last.
func dispatchRank(id string) int {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return math.MaxInt
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return math.MaxInt
	}
	return n
}

// fieldsOf renders v's JSON form as a map, without the correlation id that
// the entry already carries.
func fieldsOf(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	delete(fields, "correlation_id")
	if len(fields) == 0 {
		return nil
	}
	return fields
}
