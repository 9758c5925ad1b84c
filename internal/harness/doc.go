// Package harness runs YAML scenarios against a real dashflow session.
//
// Each scenario gets a fresh session wired to an in-memory gateway.Fake,
// so the commands it dispatches go through the actual dispatcher,
// scheduler and workflows. Only the backend is simulated.
//
// # Scenario Format
//
//	name: rename_and_save
//	description: "Renaming then saving bumps the dashboard version"
//	fixture: ../fixtures/sales.yaml     # or an inline backend: section
//	config:                             # optional, same schema as dashflow.yaml
//	  retry: {max_retries: 0}
//	setup:
//	  - dispatch: dashboard.load
//	    args: {dashboard_id: d1}
//	flow:
//	  - dispatch: dashboard.rename
//	    args: {dashboard_id: d1, title: "Q3 Sales"}
//	  - dispatch: dashboard.save
//	    args: {dashboard_id: d1}
//	    expect: {state: completed}
//	assertions:
//	  - type: trace_order
//	    events: [dashboard.renamed, dashboard.saved]
//	  - type: final_state
//	    entity: dashboard
//	    id: d1
//	    expect: {title: "Q3 Sales", version: 2}
//
// Setup steps must complete. Flow steps wait for their outcome and then for
// the session to go idle, unless marked async: true, in which case the next
// step is dispatched immediately.
//
// # Assertion Types
//
//   - trace_contains: an entry with the name and a superset of fields exists
//   - trace_order: the names appear in this order, gaps allowed
//   - trace_count: exactly count entries match the name and fields
//   - final_state: a store record's fields, or its absence
//   - entity_count: number of store records of an entity type
//   - calls: number of backend calls of an operation, setup included
//
// Events are named by their type, commands as "command:<type>".
//
// # Deterministic Traces
//
// Correlation ids come from testutil.SeqGenerator: setup commands are
// setup-1, setup-2, ... and flow commands flow-1, flow-2, ... in dispatch
// order. The trace groups entries by correlation id in that order, so
// concurrently running workflows produce the same trace on every run.
// Entries of one workflow tree keep their recording order; scenarios whose
// workflows spawn racing children should use trace_count rather than
// golden files.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/rename_and_save.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//
// In tests, RunWithGolden additionally compares the trace with
// testdata/golden/<name>.golden (regenerate with go test -update).
package harness
