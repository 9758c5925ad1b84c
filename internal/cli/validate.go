package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/dashflow/internal/config"
)

// ValidationIssue is one problem found in a config file.
type ValidationIssue struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	File   string            `json:"file"`
	Valid  bool              `json:"valid"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a config file",
		Long: `Validate a dashflow config file against the CUE schema (unknown keys,
types, duration syntax) and the cross-field rules applied at startup.

Exit codes:
  0 - Config is valid
  1 - Config has errors
  2 - File could not be read`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	data, err := os.ReadFile(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to read config", err)
	}
	f.VerboseLog("Validating %s against schema", path)

	result := ValidationResult{File: path, Valid: true}
	if _, err := config.Parse(data); err != nil {
		result.Valid = false
		result.Errors = issuesOf(err)
	}

	if result.Valid {
		if f.JSON() {
			return f.Respond(result, nil)
		}
		fmt.Fprintf(f.Writer, "✓ %s is valid\n", path)
		return nil
	}
	return outputValidationErrors(f, result)
}

// issuesOf flattens schema and field errors into one issue each.
func issuesOf(err error) []ValidationIssue {
	var schemaErr *config.SchemaError
	if errors.As(err, &schemaErr) {
		issues := make([]ValidationIssue, 0, len(schemaErr.Issues))
		for _, msg := range schemaErr.Issues {
			issues = append(issues, ValidationIssue{Message: msg})
		}
		return issues
	}

	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	issues := make([]ValidationIssue, 0, len(errs))
	for _, e := range errs {
		var fieldErr *config.FieldError
		if errors.As(e, &fieldErr) {
			issues = append(issues, ValidationIssue{Field: fieldErr.Field, Message: fieldErr.Message})
			continue
		}
		issues = append(issues, ValidationIssue{Message: e.Error()})
	}
	return issues
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(f *OutputFormatter, result ValidationResult) error {
	msg := fmt.Sprintf("validation failed with %d error(s)", len(result.Errors))

	if f.JSON() {
		if err := f.Respond(result, &CLIError{Code: ErrCodeConfig, Message: msg}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	fmt.Fprintf(f.Writer, "✗ %s: %s\n", result.File, msg)
	fmt.Fprintln(f.Writer)
	for _, issue := range result.Errors {
		if issue.Field != "" {
			fmt.Fprintf(f.Writer, "  %s: %s\n", issue.Field, issue.Message)
		} else {
			fmt.Fprintf(f.Writer, "  %s\n", issue.Message)
		}
	}
	return NewExitError(ExitFailure, msg)
}
