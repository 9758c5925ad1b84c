package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEntry // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, entry := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %v\n", entry.Seq, entry.CorrelationID, entry.Label(), entry.Fields)
		}
	}
	return buf.String()
}

// matches reports whether entry is addressed by name and carries fields.
func matches(entry TraceEntry, name string, fields map[string]any) bool {
	return entry.Label() == name && matchFields(entry.Fields, fields)
}

// assertTraceContains checks that some entry matches the name and fields
// (subset match).
func assertTraceContains(trace []TraceEntry, a Assertion) error {
	for _, entry := range trace {
		if matches(entry, a.Event, a.Fields) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with fields %v", a.Event, a.Fields),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the named entries appear as a subsequence
// of the trace. Intervening entries are allowed and a name may repeat.
func assertTraceOrder(trace []TraceEntry, a Assertion) error {
	next := 0
	last := 0
	for _, want := range a.Events {
		found := false
		for ; next < len(trace); next++ {
			if trace[next].Label() == want {
				last = trace[next].Seq
				next++
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("in order: %v", a.Events),
				Actual:   fmt.Sprintf("no %s after position %d", want, last),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count entries match the name and
// fields.
func assertTraceCount(trace []TraceEntry, a Assertion) error {
	count := 0
	for _, entry := range trace {
		if matches(entry, a.Event, a.Fields) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks one store record against the expected values
// using subset semantics on its JSON form.
func assertFinalState(s *store.Store, a Assertion) error {
	rec, ok := s.Get(store.EntityType(a.Entity), a.ID)
	if a.Absent {
		if ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("no %s %q", a.Entity, a.ID),
				Actual:   fmt.Sprintf("%+v", rec),
			}
		}
		return nil
	}
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %q", a.Entity, a.ID),
			Actual:   "record not found",
		}
	}

	actual := fieldsOf(rec)
	for key, want := range a.Expect {
		got, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist on %s %q", key, a.Entity, a.ID),
				Actual:   fmt.Sprintf("fields: %v", actual),
			}
		}
		if !valuesEqual(got, normalize(want)) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s %q field %q = %v", a.Entity, a.ID, key, want),
				Actual:   fmt.Sprintf("field %q = %v", key, got),
			}
		}
	}
	return nil
}

// assertEntityCount checks how many records of a type the store holds.
func assertEntityCount(s *store.Store, a Assertion) error {
	if n := s.Len(store.EntityType(a.Entity)); n != a.Count {
		return &AssertionError{
			Type:     AssertEntityCount,
			Expected: fmt.Sprintf("%d %s records", a.Count, a.Entity),
			Actual:   fmt.Sprintf("%d records", n),
		}
	}
	return nil
}

// assertCalls checks how many backend calls of an operation were made.
func assertCalls(g *gateway.Fake, a Assertion) error {
	if n := len(g.CallsTo(gateway.Op(a.Op))); n != a.Count {
		return &AssertionError{
			Type:     AssertCalls,
			Expected: fmt.Sprintf("%d %s calls", a.Count, a.Op),
			Actual:   fmt.Sprintf("%d calls", n),
		}
	}
	return nil
}

// matchFields checks if actual contains all expected fields (subset match).
// Nested maps are matched the same way; other values must be equal.
// Extra keys in actual are ignored.
func matchFields(actual, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	for key, want := range expected {
		got, exists := actual[key]
		if !exists {
			return false
		}
		if !valuesEqual(got, normalize(want)) {
			return false
		}
	}
	return true
}

// valuesEqual compares a JSON-decoded actual value with a normalized
// expected value. Maps use subset semantics.
func valuesEqual(actual, expected any) bool {
	if em, ok := expected.(map[string]any); ok {
		am, ok := actual.(map[string]any)
		return ok && matchFields(am, em)
	}
	return reflect.DeepEqual(actual, expected)
}

// normalize gives a YAML-decoded value the shape encoding/json would give
// it: integers become float64 and maps have string keys.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// AssertionContext provides the session state assertions are evaluated
// against.
type AssertionContext struct {
	Store   *store.Store
	Gateway *gateway.Fake
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState, AssertEntityCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a session store", i, a.Type)
			} else if a.Type == AssertFinalState {
				err = assertFinalState(actx.Store, a)
			} else {
				err = assertEntityCount(actx.Store, a)
			}
		case AssertCalls:
			if actx == nil || actx.Gateway == nil {
				err = fmt.Errorf("assertion[%d]: calls requires the fake gateway", i)
			} else {
				err = assertCalls(actx.Gateway, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
