package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/session"
	"github.com/roach88/dashflow/internal/store"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	Fixture string
	Journal string
	Setup   []string // "<type>=<json>" commands that must complete first
	Timeout time.Duration
}

// DispatchedEvent is one event published while the command ran.
type DispatchedEvent struct {
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields,omitempty"`
}

// DispatchResult is the outcome of the dispatch command.
type DispatchResult struct {
	CorrelationID  string            `json:"correlation_id"`
	Command        string            `json:"command"`
	State          string            `json:"state"`
	Kind           string            `json:"kind,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Backend        string            `json:"backend,omitempty"`
	Message        string            `json:"message,omitempty"`
	Stale          bool              `json:"stale,omitempty"`
	Events         []DispatchedEvent `json:"events"`
	JournalSession string            `json:"journal_session,omitempty"`
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch <command-type> [payload-json]",
		Short: "Dispatch one command against a fixture backend",
		Long: `Start a session against a fixture backend, dispatch a single command and
wait for it and every follow-up to finish. Prints the outcome and the
events published under its correlation id.

Setup commands run first and must complete; most commands need the
dashboard loaded.

Exit codes:
  0 - Command completed
  1 - Command failed, was cancelled or was rejected
  2 - Command error (bad payload, missing fixture, etc.)

Examples:
  dashflow dispatch dashboard.load '{"dashboard_id":"d1"}' --fixture testdata/fixtures/sales.yaml
  dashflow dispatch dashboard.save '{"dashboard_id":"d1"}' --fixture testdata/fixtures/sales.yaml \
    --setup 'dashboard.load={"dashboard_id":"d1"}' --journal ./dashflow.db`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := "{}"
			if len(args) == 2 {
				payload = args[1]
			}
			return dispatchCommand(opts, args[0], payload, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Fixture, "fixture", "", "backend fixture YAML (required)")
	_ = cmd.MarkFlagRequired("fixture")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "record the session to this SQLite journal (overrides journal.path)")
	cmd.Flags().StringArrayVar(&opts.Setup, "setup", nil, "setup command as <type>=<json>, repeatable")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for the command and its follow-ups")

	return cmd
}

func dispatchCommand(opts *DispatchOptions, typ, payload string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if !json.Valid([]byte(payload)) {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "payload is not valid JSON", nil)
	}
	fixture, err := gateway.LoadFixture(opts.Fixture)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeFixture, "failed to load fixture", err)
	}

	ctx, stop, err := commandContext(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer stop()

	cfg := opts.Config
	if opts.Journal != "" {
		cfg.Journal.Path = opts.Journal
	}
	sess, err := session.New(ctx, session.Options{
		Config:  cfg,
		Gateway: gateway.NewFake(fixture),
		Label:   "dispatch " + typ,
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

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	for _, spec := range opts.Setup {
		if err := runSetup(ctx, sess, spec); err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "setup failed", err)
		}
		f.VerboseLog("setup %s completed", spec)
	}

	command, err := sess.Codec().Decode(engine.CommandType(typ), []byte(payload))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to decode command", err)
	}

	rec := &eventLog{}
	unsubscribe := sess.Subscribe(notStoreEvent, rec.add)
	out, _ := sess.DispatchAndWait(ctx, command)
	if !out.State.Terminal() {
		unsubscribe()
		return f.Fail(ExitFailure, ErrCodeNotComplete, fmt.Sprintf("%s did not finish within %s", typ, opts.Timeout), nil)
	}
	if err := sess.WaitIdle(ctx); err != nil {
		f.VerboseLog("follow-ups still running: %v", err)
	}
	unsubscribe()

	result := DispatchResult{
		CorrelationID:  out.CorrelationID,
		Command:        typ,
		State:          out.State.String(),
		Kind:           string(out.Kind),
		Reason:         string(out.Reason),
		Backend:        out.Backend,
		Message:        out.Message,
		Stale:          out.Stale,
		Events:         rec.correlated(out.CorrelationID),
		JournalSession: sess.JournalSessionID(),
	}

	var cliErr *CLIError
	if out.State != engine.StateCompleted {
		cliErr = &CLIError{Code: ErrCodeNotComplete, Message: fmt.Sprintf("%s %s", typ, out.State)}
	}
	if f.JSON() {
		if err := f.Respond(result, cliErr); err != nil {
			return err
		}
	} else {
		writeDispatchText(f.Writer, result)
	}
	if cliErr != nil {
		return NewExitError(ExitFailure, cliErr.Message)
	}
	return nil
}

// runSetup dispatches one "<type>=<json>" setup command and requires it
// to complete.
func runSetup(ctx context.Context, sess *session.Session, spec string) error {
	typ, payload, ok := strings.Cut(spec, "=")
	if !ok {
		payload = "{}"
	}
	command, err := sess.Codec().Decode(engine.CommandType(typ), []byte(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	if _, err := sess.DispatchAndWait(ctx, command); err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	return sess.WaitIdle(ctx)
}

func notStoreEvent(ev event.Event) bool {
	switch ev.Type() {
	case store.TypeEntityPut, store.TypeEntityRemoved, store.TypeTransactionCommitted:
		return false
	}
	return true
}

// eventLog collects events from the bus. Handlers run on publishing
// goroutines, so appends are locked.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) add(ev event.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) correlated(id string) []DispatchedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []DispatchedEvent{}
	for _, ev := range l.events {
		if ev.Correlation() != id {
			continue
		}
		out = append(out, DispatchedEvent{Type: string(ev.Type()), Fields: eventFields(ev)})
	}
	return out
}

// eventFields renders an event's payload without its correlation id.
func eventFields(ev event.Event) map[string]any {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	delete(fields, "correlation_id")
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func writeDispatchText(w io.Writer, r DispatchResult) {
	fmt.Fprintf(w, "%s (%s): %s", r.Command, r.CorrelationID, r.State)
	if r.Stale {
		fmt.Fprint(w, " (stale)")
	}
	fmt.Fprintln(w)
	if r.Kind != "" {
		fmt.Fprintf(w, "  kind: %s\n", r.Kind)
	}
	if r.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", r.Reason)
	}
	if r.Backend != "" {
		fmt.Fprintf(w, "  backend: %s\n", r.Backend)
	}
	if r.Message != "" {
		fmt.Fprintf(w, "  message: %s\n", r.Message)
	}
	if r.JournalSession != "" {
		fmt.Fprintf(w, "  journal session: %s\n", r.JournalSession)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Events:")
	for _, ev := range r.Events {
		if len(ev.Fields) == 0 {
			fmt.Fprintf(w, "  %s\n", ev.Type)
			continue
		}
		fmt.Fprintf(w, "  %s %s\n", ev.Type, compactJSON(ev.Fields))
	}
}
