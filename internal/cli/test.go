package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dashflow/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <path>",
		Short: "Run scenario files and report pass/fail",
		Long: `Run every scenario under path (a file or a directory) and report which
passed. A scenario whose directory holds golden/<name>.golden must also
reproduce that trace exactly.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  dashflow test testdata/scenarios
  dashflow test testdata/scenarios --filter "save_*"
  dashflow test testdata/scenarios --update
  dashflow test testdata/scenarios --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern on the file name")

	return cmd
}

func runTests(opts *TestOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if _, err := os.Stat(path); err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("scenario path not found: %s", path), nil)
	}
	paths, err := harness.Discover(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, "failed to find scenarios", err)
	}
	paths, err = filterScenarios(paths, opts.Filter)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid filter", err)
	}

	if len(paths) == 0 {
		if f.JSON() {
			return f.Respond(TestResult{Scenarios: []ScenarioResult{}}, nil)
		}
		fmt.Fprintln(f.Writer, "No scenarios found.")
		return nil
	}

	ctx, stop, err := commandContext(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer stop()

	// Golden comparison runs in the callback so a mismatch counts as a
	// failure in the suite summary.
	suite := harness.RunSuite(ctx, paths, func(p string, s *harness.Scenario, r *harness.Result) {
		if err := checkGolden(p, s, r, opts.Update); err != nil {
			r.AddError(err.Error())
		}
	})

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, suite.Total),
		Total:     suite.Total,
		Passed:    suite.Passed,
		Failed:    suite.Failed,
	}
	failures := make(map[string]harness.ScenarioFailure, len(suite.Failures))
	for _, fail := range suite.Failures {
		failures[fail.Path] = fail
	}
	for _, p := range paths[:suite.Total] {
		sr := ScenarioResult{Name: scenarioName(p), Path: p, Pass: true}
		if fail, ok := failures[p]; ok {
			sr.Pass = false
			sr.Errors = fail.Errors
			if fail.Scenario != "" {
				sr.Name = fail.Scenario
			}
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if f.JSON() {
		return outputTestJSON(f, result)
	}
	return outputTestText(f, result, opts.Update)
}

func filterScenarios(paths []string, filter string) ([]string, error) {
	if filter == "" {
		return paths, nil
	}
	var out []string
	for _, p := range paths {
		matched, err := filepath.Match(filter, scenarioName(p))
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
		if matched {
			out = append(out, p)
		}
	}
	return out, nil
}

func scenarioName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	return filepath.Join(filepath.Dir(scenarioFile), "golden", scenarioName(scenarioFile)+".golden")
}

// checkGolden compares r's trace with the scenario's golden file, or
// rewrites the file when update is set. Scenarios without a golden file
// are judged by their assertions alone.
func checkGolden(path string, s *harness.Scenario, r *harness.Result, update bool) error {
	data, err := harness.MarshalSnapshot(s.Name, r)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	goldenPath := goldenFilePath(path)

	if update {
		if err := os.MkdirAll(filepath.Dir(goldenPath), 0755); err != nil {
			return fmt.Errorf("failed to create golden directory: %w", err)
		}
		if err := os.WriteFile(goldenPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write golden file: %w", err)
		}
		return nil
	}

	golden, err := os.ReadFile(goldenPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read golden file: %w", err)
	}
	if !bytes.Equal(golden, data) {
		return fmt.Errorf("trace does not match %s (run with --update to regenerate)", goldenPath)
	}
	return nil
}

// outputTestJSON outputs the test result as JSON.
func outputTestJSON(f *OutputFormatter, result TestResult) error {
	var cliErr *CLIError
	if result.Failed > 0 {
		cliErr = &CLIError{
			Code:    ErrCodeTestFailed,
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}
	if err := f.Respond(result, cliErr); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// outputTestText outputs the test result as text.
func outputTestText(f *OutputFormatter, result TestResult, updated bool) error {
	w := f.Writer

	for _, s := range result.Scenarios {
		if s.Pass {
			if updated {
				fmt.Fprintf(w, "✓ %s (golden updated)\n", s.Name)
			} else {
				fmt.Fprintf(w, "✓ %s\n", s.Name)
			}
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
