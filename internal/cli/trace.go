package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Journal string
	Type    string // optional - filter to entries of one type
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	CorrelationID string          `json:"correlation_id"`
	Timeline      []journal.Entry `json:"timeline"`
	Stats         TraceStats      `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEntries int    `json:"total_entries"`
	Commands     int    `json:"commands"`
	Events       int    `json:"events"`
	FollowUps    int    `json:"follow_ups"`
	State        string `json:"state"`
}

// terminalStates maps lifecycle events to the state they report.
var terminalStates = map[event.Type]engine.State{
	engine.TypeCommandCompleted: engine.StateCompleted,
	engine.TypeCommandFailed:    engine.StateFailed,
	engine.TypeCommandCancelled: engine.StateCancelled,
	engine.TypeCommandRejected:  engine.StateRejected,
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <correlation-id>",
		Short: "Print the journaled entries of one command",
		Long: `Print every journal entry bound to a correlation id: the command, its
lifecycle and domain events, and the follow-up commands it dispatched.

The state is that of the command's terminal event, or "pending" when the
journal holds none (the session closed while it ran).

Examples:
  dashflow trace 0190a6c2-7b4e-7c11-9a55-3f1d2e4b5a60 --journal ./dashflow.db
  dashflow trace flow-1 --journal ./dashflow.db --type dashboard.saved
  dashflow trace flow-1 --journal ./dashflow.db --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("journal")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter to one command or event type")

	return cmd
}

func runTrace(opts *TraceOptions, correlationID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	j, err := journal.Open(opts.Journal)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "failed to open journal", err)
	}
	defer j.Close()

	entries, err := j.ReadCorrelation(cmd.Context(), correlationID)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "failed to read journal", err)
	}
	if len(entries) == 0 {
		return f.Fail(ExitCommandError, ErrCodeJournal, fmt.Sprintf("no entries for correlation id %s", correlationID), nil)
	}

	result := TraceResult{
		CorrelationID: correlationID,
		Timeline:      filterEntries(entries, opts.Type),
		Stats:         traceStats(correlationID, entries),
	}

	if f.JSON() {
		return f.Respond(result, nil)
	}
	writeTraceText(f.Writer, result, opts.Verbose)
	return nil
}

func filterEntries(entries []journal.Entry, typ string) []journal.Entry {
	if typ == "" {
		return entries
	}
	out := []journal.Entry{}
	for _, e := range entries {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// traceStats counts over the unfiltered entries.
func traceStats(correlationID string, entries []journal.Entry) TraceStats {
	stats := TraceStats{TotalEntries: len(entries), State: engine.StatePending.String()}
	for _, e := range entries {
		switch e.Kind {
		case journal.KindCommand:
			stats.Commands++
			if e.CausationID == correlationID {
				stats.FollowUps++
			}
		case journal.KindEvent:
			stats.Events++
			if state, ok := terminalStates[event.Type(e.Type)]; ok && e.CorrelationID == correlationID {
				stats.State = state.String()
			}
		}
	}
	return stats
}

func writeTraceText(w io.Writer, r TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace: %s (%s)\n", r.CorrelationID, r.Stats.State)
	fmt.Fprintln(w)

	for _, e := range r.Timeline {
		label := e.Type
		if e.Kind == journal.KindCommand {
			label = "command:" + e.Type
		}
		fmt.Fprintf(w, "  [%d] %s", e.Seq, label)
		if e.CorrelationID != r.CorrelationID {
			fmt.Fprintf(w, " -> %s", e.CorrelationID)
		}
		if e.ResourceKey != "" {
			fmt.Fprintf(w, " key=%s", e.ResourceKey)
		}
		fmt.Fprintln(w)
		if verbose && e.Payload != "" && e.Payload != "{}" {
			fmt.Fprintf(w, "      %s\n", strings.TrimSpace(e.Payload))
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Stats: %d entries, %d command(s), %d event(s), %d follow-up(s)\n",
		r.Stats.TotalEntries, r.Stats.Commands, r.Stats.Events, r.Stats.FollowUps)
}
