package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/journal"
	"github.com/roach88/dashflow/internal/session"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Journal string
	Fixture string
	Session string // optional - defaults to the last recorded session
}

// ReplayCommandResult is one re-dispatched root command.
type ReplayCommandResult struct {
	CorrelationID string `json:"correlation_id"`
	Command       string `json:"command"`
	State         string `json:"state"`
}

// ReplaySummary holds the replay result.
type ReplaySummary struct {
	SessionID     string                `json:"session_id"`
	Commands      []ReplayCommandResult `json:"commands"`
	Skipped       int                   `json:"skipped"`
	Divergences   []journal.Divergence  `json:"divergences"`
	Deterministic bool                  `json:"deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a journaled session and verify outcomes",
		Long: `Re-dispatch the root commands of a journaled session, one at a time and
under their original correlation ids, into a fresh session against a
fixture backend. Each outcome is compared with the recorded one.

Commands that never finished in the recorded session are replayed but not
compared. Recorded races (a search superseded by a newer one) replay
without the race and are reported as divergences.

Exit codes:
  0 - Every compared command ended the same way
  1 - At least one outcome diverged
  2 - Command error (journal not found, unknown session, etc.)

Examples:
  dashflow replay --journal ./dashflow.db --fixture testdata/fixtures/sales.yaml
  dashflow replay --journal ./dashflow.db --fixture testdata/fixtures/sales.yaml --session <id>
  dashflow replay --journal ./dashflow.db --fixture testdata/fixtures/sales.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("journal")
	cmd.Flags().StringVar(&opts.Fixture, "fixture", "", "backend fixture YAML (required)")
	_ = cmd.MarkFlagRequired("fixture")
	cmd.Flags().StringVar(&opts.Session, "session", "", "journal session to replay (default: last)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	fixture, err := gateway.LoadFixture(opts.Fixture)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeFixture, "failed to load fixture", err)
	}
	j, err := journal.Open(opts.Journal)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "failed to open journal", err)
	}
	defer j.Close()

	ctx, stop, err := commandContext(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer stop()

	sessionID := opts.Session
	if sessionID == "" {
		last, err := j.LastSession(ctx)
		if errors.Is(err, journal.ErrNoSessions) {
			return f.Fail(ExitCommandError, ErrCodeJournal, "journal has no sessions", nil)
		}
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeJournal, "failed to list sessions", err)
		}
		sessionID = last.ID
	}
	f.VerboseLog("Replaying session %s", sessionID)

	// The replaying session is not journaled: it must not append to the
	// journal being read.
	cfg := opts.Config
	cfg.Journal.Path = ""
	sess, err := session.New(ctx, session.Options{
		Config:  cfg,
		Gateway: gateway.NewFake(fixture),
		Label:   "replay " + sessionID,
	})
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to start session", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			f.VerboseLog("session close: %v", err)
		}
	}()

	res, err := journal.Replay(ctx, j, sessionID, sess.Codec(), sess)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, fmt.Sprintf("failed to replay session %s", sessionID), err)
	}

	summary := ReplaySummary{
		SessionID:     res.SessionID,
		Commands:      make([]ReplayCommandResult, 0, len(res.Replayed)),
		Skipped:       res.Skipped,
		Divergences:   res.Divergences,
		Deterministic: res.Deterministic(),
	}
	if summary.Divergences == nil {
		summary.Divergences = []journal.Divergence{}
	}
	for _, out := range res.Replayed {
		summary.Commands = append(summary.Commands, ReplayCommandResult{
			CorrelationID: out.CorrelationID,
			Command:       string(out.Command),
			State:         out.State.String(),
		})
	}

	if f.JSON() {
		return outputReplayJSON(f, summary)
	}
	return outputReplayText(f.Writer, summary, opts.Verbose)
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(f *OutputFormatter, summary ReplaySummary) error {
	var cliErr *CLIError
	if !summary.Deterministic {
		cliErr = &CLIError{
			Code:    ErrCodeDivergence,
			Message: fmt.Sprintf("%d outcome(s) diverged", len(summary.Divergences)),
		}
	}
	if err := f.Respond(summary, cliErr); err != nil {
		return err
	}
	if cliErr != nil {
		return NewExitError(ExitFailure, cliErr.Message)
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(w io.Writer, summary ReplaySummary, verbose bool) error {
	fmt.Fprintf(w, "Replay Summary: session %s, %d command(s)", summary.SessionID, len(summary.Commands))
	if summary.Skipped > 0 {
		fmt.Fprintf(w, ", %d unfinished in the recording", summary.Skipped)
	}
	fmt.Fprintln(w)

	if verbose {
		fmt.Fprintln(w)
		for _, c := range summary.Commands {
			fmt.Fprintf(w, "  %s (%s): %s\n", c.Command, c.CorrelationID, c.State)
		}
	}

	if summary.Deterministic {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "✓ All outcomes match the recording")
		return nil
	}

	fmt.Fprintln(w)
	for _, d := range summary.Divergences {
		fmt.Fprintf(w, "✗ %s\n", d)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d outcome(s) diverged", len(summary.Divergences)))
}
