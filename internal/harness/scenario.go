package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/model"
)

// LoadScenario reads and parses a scenario YAML file. A relative fixture
// path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario parses a scenario document. dir is the directory a relative
// fixture path is resolved against.
func ParseScenario(data []byte, dir string) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	scenario.dir = dir

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// fixturePath returns the absolute or scenario-relative fixture path.
func (s *Scenario) fixturePath() string {
	if s.Fixture == "" || filepath.IsAbs(s.Fixture) || s.dir == "" {
		return s.Fixture
	}
	return filepath.Join(s.dir, s.Fixture)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}

	switch {
	case s.Fixture != "" && s.Backend != nil:
		return errors.New("fixture and backend are mutually exclusive")
	case s.Fixture == "" && s.Backend == nil:
		return errors.New("one of fixture or backend is required")
	case s.Backend != nil:
		if err := s.Backend.Validate(); err != nil {
			return fmt.Errorf("backend: %w", err)
		}
	default:
		if _, err := os.Stat(s.fixturePath()); err != nil {
			return fmt.Errorf("fixture file not found: %s", s.fixturePath())
		}
	}

	if len(s.Flow) == 0 {
		return errors.New("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if step.Dispatch == "" {
			return fmt.Errorf("setup[%d]: dispatch is required", i)
		}
		if step.Async {
			return fmt.Errorf("setup[%d]: setup steps cannot be async", i)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps always expect completed", i)
		}
	}

	for i, step := range s.Flow {
		if step.Dispatch == "" {
			return fmt.Errorf("flow[%d]: dispatch is required", i)
		}
		if step.Expect == nil {
			continue
		}
		if step.Async {
			return fmt.Errorf("flow[%d]: async steps cannot have expect", i)
		}
		if err := validateExpect(step.Expect); err != nil {
			return fmt.Errorf("flow[%d].expect: %w", i, err)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

var stateNames = map[string]engine.State{
	engine.StateCompleted.String(): engine.StateCompleted,
	engine.StateFailed.String():    engine.StateFailed,
	engine.StateCancelled.String(): engine.StateCancelled,
	engine.StateRejected.String():  engine.StateRejected,
}

func validateExpect(e *Expect) error {
	if e.State == "" {
		return errors.New("state is required")
	}
	if _, ok := stateNames[e.State]; !ok {
		return fmt.Errorf("unknown state %q", e.State)
	}
	return nil
}

var entityTypes = []string{
	model.TypeDashboard,
	model.TypeFilter,
	model.TypeWidget,
	model.TypeInsight,
	model.TypeResult,
	model.TypePermissions,
	model.TypeUser,
	model.TypeElement,
	model.TypeLoader,
}

func knownEntity(typ string) bool {
	return slices.Contains(entityTypes, typ)
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("assertions[%d]: events list needs at least two entries for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if !knownEntity(a.Entity) {
			return fmt.Errorf("assertions[%d]: unknown entity %q for final_state", index, a.Entity)
		}
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for final_state", index)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	case AssertEntityCount:
		if !knownEntity(a.Entity) {
			return fmt.Errorf("assertions[%d]: unknown entity %q for entity_count", index, a.Entity)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for entity_count", index)
		}
	case AssertCalls:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for calls", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for calls", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
