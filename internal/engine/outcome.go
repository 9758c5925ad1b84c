package engine

import (
	"fmt"

	"github.com/roach88/dashflow/internal/event"
)

// State is a workflow instance lifecycle state.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
	// StateRejected only appears in outcomes of commands that never
	// reached a workflow.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders s by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Outcome is the terminal result of a command.
type Outcome struct {
	CorrelationID string
	Command       CommandType
	State         State

	// Stale is set on completed workflows whose result was discarded by
	// the generation check.
	Stale bool

	// Reason is set for cancelled workflows.
	Reason CancelReason

	// Kind, Backend and Message describe failures and rejections.
	Kind    Kind
	Backend string
	Message string
}

// Err returns nil for completed outcomes and a categorized error otherwise.
func (o Outcome) Err() error {
	switch o.State {
	case StateCompleted:
		return nil
	case StateCancelled:
		return &CancelledError{Reason: o.Reason}
	default:
		return &Error{Kind: o.Kind, Message: o.Message, CorrelationID: o.CorrelationID, Command: o.Command}
	}
}

func outcomeFromEvent(ev event.Event) Outcome {
	out := Outcome{CorrelationID: ev.Correlation()}
	switch e := ev.(type) {
	case CommandCompleted:
		out.Command, out.State, out.Stale = e.Command, StateCompleted, e.Stale
	case CommandFailed:
		out.Command, out.State = e.Command, StateFailed
		out.Kind, out.Backend, out.Message = e.Kind, e.Backend, e.Message
	case CommandCancelled:
		out.Command, out.State, out.Reason = e.Command, StateCancelled, e.Reason
	case CommandRejected:
		out.Command, out.State = e.Command, StateRejected
		out.Kind, out.Message = e.Kind, e.Reason
	}
	return out
}

// terminalEvent renders a root outcome as its lifecycle event.
func terminalEvent(o Outcome) event.Event {
	meta := event.Meta{CorrelationID: o.CorrelationID}
	switch o.State {
	case StateCompleted:
		return CommandCompleted{Meta: meta, Command: o.Command, Stale: o.Stale}
	case StateCancelled:
		return CommandCancelled{Meta: meta, Command: o.Command, Reason: o.Reason}
	default:
		return CommandFailed{Meta: meta, Command: o.Command, Kind: o.Kind, Backend: o.Backend, Message: o.Message}
	}
}
