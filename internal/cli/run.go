package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/dashflow/internal/harness"
)

// RunResult is the JSON payload of the run command.
type RunResult struct {
	Scenario string                `json:"scenario"`
	Pass     bool                  `json:"pass"`
	Outcomes []harness.StepOutcome `json:"outcomes,omitempty"`
	Trace    []harness.TraceEntry  `json:"trace"`
	Errors   []string              `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run one scenario and print its trace",
		Long: `Run a scenario against its fixture backend and print the resulting
trace of commands and events, the outcome of each flow step and any failed
assertions.

Exit codes:
  0 - Scenario passed
  1 - Scenario ran but an expectation or assertion failed
  2 - Scenario could not be loaded or executed

Examples:
  dashflow run testdata/scenarios/rename_and_save.yaml
  dashflow run testdata/scenarios/search_supersedes.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runScenario(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	ctx, stop, err := commandContext(cmd, opts)
	if err != nil {
		return err
	}
	defer stop()

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, "failed to load scenario", err)
	}
	f.VerboseLog("Running scenario %s: %s", scenario.Name, scenario.Description)

	result, err := harness.Run(ctx, scenario)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, "scenario execution failed", err)
	}

	if f.JSON() {
		out := RunResult{
			Scenario: scenario.Name,
			Pass:     result.Pass,
			Outcomes: result.Outcomes,
			Trace:    result.Trace,
			Errors:   result.Errors,
		}
		var cliErr *CLIError
		if !result.Pass {
			cliErr = &CLIError{Code: ErrCodeTestFailed, Message: fmt.Sprintf("%d check(s) failed", len(result.Errors))}
		}
		if err := f.Respond(out, cliErr); err != nil {
			return err
		}
	} else {
		writeRunText(f.Writer, scenario, result)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

func writeRunText(w io.Writer, s *harness.Scenario, r *harness.Result) {
	status := "PASS"
	if !r.Pass {
		status = "FAIL"
	}
	fmt.Fprintf(w, "Scenario: %s (%s)\n", s.Name, status)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Trace:")
	for _, e := range r.Trace {
		fmt.Fprintf(w, "  [%d] %-8s %s", e.Seq, e.CorrelationID, e.Label())
		if len(e.Fields) > 0 {
			fmt.Fprintf(w, " %s", compactJSON(e.Fields))
		}
		fmt.Fprintln(w)
	}

	if len(r.Outcomes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Outcomes:")
		for _, o := range r.Outcomes {
			fmt.Fprintf(w, "  flow[%d] %s (%s): %s", o.Step, o.Command, o.CorrelationID, o.State)
			if o.Kind != "" {
				fmt.Fprintf(w, " %s", o.Kind)
			}
			fmt.Fprintln(w)
		}
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Errors:")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}

// compactJSON renders v on one line with sorted keys.
func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
