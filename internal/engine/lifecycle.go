package engine

import "github.com/roach88/dashflow/internal/event"

// Command lifecycle event types. Every dispatched command yields exactly
// one of CommandCompleted, CommandFailed, CommandCancelled or
// CommandRejected, unless it was cancelled by session teardown.
const (
	TypeCommandStarted   event.Type = "command.started"
	TypeCommandCompleted event.Type = "command.completed"
	TypeCommandFailed    event.Type = "command.failed"
	TypeCommandCancelled event.Type = "command.cancelled"
	TypeCommandRejected  event.Type = "command.rejected"
)

// CommandStarted is published when the dispatcher spawns a command's
// workflow.
type CommandStarted struct {
	event.Meta
	Command     CommandType `json:"command"`
	ResourceKey string      `json:"resource_key,omitempty"`
	Generation  int64       `json:"generation,omitempty"`
}

func (CommandStarted) Type() event.Type { return TypeCommandStarted }

// CommandCompleted is published when a workflow returns without error.
// Stale is set when the workflow's outcome was discarded because a newer
// generation exists for its resource key.
type CommandCompleted struct {
	event.Meta
	Command CommandType `json:"command"`
	Stale   bool        `json:"stale,omitempty"`
}

func (CommandCompleted) Type() event.Type { return TypeCommandCompleted }

// CommandFailed is published when a workflow returns an error.
type CommandFailed struct {
	event.Meta
	Command CommandType `json:"command"`
	Kind    Kind        `json:"kind"`
	Backend string      `json:"backend,omitempty"`
	Message string      `json:"message"`
}

func (CommandFailed) Type() event.Type { return TypeCommandFailed }

// CommandCancelled is published when a workflow ends because it was
// cancelled.
type CommandCancelled struct {
	event.Meta
	Command CommandType  `json:"command"`
	Reason  CancelReason `json:"reason"`
}

func (CommandCancelled) Type() event.Type { return TypeCommandCancelled }

// CommandRejected is published when a command never reaches a workflow:
// it has no handler, fails validation or is vetoed by an interceptor.
type CommandRejected struct {
	event.Meta
	Command CommandType `json:"command"`
	Kind    Kind        `json:"kind"`
	Reason  string      `json:"reason"`
}

func (CommandRejected) Type() event.Type { return TypeCommandRejected }

// TerminalTypes lists the event types that end a command.
var TerminalTypes = []event.Type{
	TypeCommandCompleted,
	TypeCommandFailed,
	TypeCommandCancelled,
	TypeCommandRejected,
}

// IsTerminal matches command-terminal events.
var IsTerminal = event.OfType(TerminalTypes...)
