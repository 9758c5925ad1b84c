package harness

import (
	"github.com/roach88/dashflow/internal/gateway"
)

// Scenario defines a test scenario loaded from YAML.
//
// A scenario runs a fresh session against an in-memory backend built from
// Fixture (a path relative to the scenario file) or Backend (inline). Setup
// commands run first and must complete; they are not part of the trace.
// Flow commands are dispatched one by one and their commands and events
// form the trace that assertions and golden files look at.
type Scenario struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Fixture     string           `yaml:"fixture,omitempty"`
	Backend     *gateway.Fixture `yaml:"backend,omitempty"`
	Config      map[string]any   `yaml:"config,omitempty"`
	Setup       []Step           `yaml:"setup,omitempty"`
	Flow        []Step           `yaml:"flow"`
	Assertions  []Assertion      `yaml:"assertions"`

	// dir is the directory Fixture is resolved against.
	dir string
}

// Step dispatches one command.
type Step struct {
	Dispatch string         `yaml:"dispatch"`
	Args     map[string]any `yaml:"args"`

	// Async dispatches without waiting for the outcome. The next step
	// starts immediately, which is how scenarios stage supersession.
	Async bool `yaml:"async,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the expected outcome of a synchronous step.
type Expect struct {
	State   string `yaml:"state"`
	Kind    string `yaml:"kind,omitempty"`
	Reason  string `yaml:"reason,omitempty"`
	Stale   bool   `yaml:"stale,omitempty"`
	Message string `yaml:"message,omitempty"`
}

// Assertion defines a property checked after the flow has settled.
type Assertion struct {
	Type string `yaml:"type"`

	// trace_contains, trace_count
	Event  string         `yaml:"event,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
	Count  int            `yaml:"count,omitempty"`

	// trace_order
	Events []string `yaml:"events,omitempty"`

	// final_state
	Entity string         `yaml:"entity,omitempty"`
	ID     string         `yaml:"id,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
	Absent bool           `yaml:"absent,omitempty"`

	// calls
	Op string `yaml:"op,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertEntityCount   = "entity_count"
	AssertCalls         = "calls"
)

// Trace entry kinds.
const (
	TraceCommand = "command"
	TraceEvent   = "event"
)

// TraceEntry is one dispatched command or published event.
//
// Type is the command or event type. Assertions address events by their
// type and commands as "command:<type>". Commands appear once they pass
// validation; a rejected command is visible only through its
// command.rejected event.
type TraceEntry struct {
	Seq           int            `json:"seq"`
	Kind          string         `json:"kind"`
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Label is the name trace_order uses for e.
func (e TraceEntry) Label() string {
	if e.Kind == TraceCommand {
		return TraceCommand + ":" + e.Type
	}
	return e.Type
}

// StepOutcome is the observed outcome of one synchronous flow step.
type StepOutcome struct {
	Step          int    `json:"step"`
	Command       string `json:"command"`
	CorrelationID string `json:"correlation_id"`
	State         string `json:"state"`
	Kind          string `json:"kind,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	Pass     bool          `json:"pass"`
	Trace    []TraceEntry  `json:"trace"`
	Outcomes []StepOutcome `json:"outcomes,omitempty"`
	Errors   []string      `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEntry{}}
}

// AddError records a failure and marks the result as failing.
func (r *Result) AddError(msg string) {
	r.Pass = false
	r.Errors = append(r.Errors, msg)
}
