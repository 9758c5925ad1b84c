package engine

import "time"

// CommandType identifies a command variant, e.g. "elements.load_next_page".
type CommandType string

// Command is an immutable intent dispatched into the engine.
//
// Command families close their variant set with an unexported marker
// method, so a switch over a family's commands is checked against a fixed
// list of types.
type Command interface {
	CommandType() CommandType
}

// Validator is implemented by commands that can check their own payload.
// A non-nil error rejects the command with VALIDATION before any I/O.
type Validator interface {
	Validate() error
}

// ResourceKeyed is implemented by commands that target a logical resource.
// Dispatching such a command issues a new generation for the key.
type ResourceKeyed interface {
	ResourceKey() string
}

// Envelope is a dispatched command plus the metadata the dispatcher
// assigned to it. Envelopes are values and never change after the
// dispatch tick that filled them in.
type Envelope struct {
	Command       Command       `json:"-"`
	Type          CommandType   `json:"type"`
	CorrelationID string        `json:"correlation_id"`
	CausationID   string        `json:"causation_id,omitempty"`
	ResourceKey   string        `json:"resource_key,omitempty"`
	Generation    int64         `json:"generation,omitempty"`
	Seq           int64         `json:"seq"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// DispatchOption configures a single dispatch.
type DispatchOption func(*Envelope)

// WithCorrelationID dispatches the command under a caller-chosen id instead
// of a generated one.
func WithCorrelationID(id string) DispatchOption {
	return func(env *Envelope) {
		env.CorrelationID = id
	}
}

// WithCausation records the correlation id of the command whose workflow
// caused this dispatch.
func WithCausation(id string) DispatchOption {
	return func(env *Envelope) {
		env.CausationID = id
	}
}

// WithTimeout overrides the handler's timeout for this dispatch.
func WithTimeout(d time.Duration) DispatchOption {
	return func(env *Envelope) {
		env.Timeout = d
	}
}
