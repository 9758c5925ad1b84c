package engine

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes engine errors. It is carried by CommandFailed and
// CommandRejected events.
type Kind string

const (
	// KindValidation indicates a malformed command payload.
	KindValidation Kind = "VALIDATION"

	// KindUnknownCommand indicates no handler is registered for the type.
	KindUnknownCommand Kind = "UNKNOWN_COMMAND"

	// KindVetoed indicates a before-interceptor refused the command.
	KindVetoed Kind = "VETOED"

	// KindBackend indicates a gateway call failed.
	KindBackend Kind = "BACKEND"

	// KindStaleResult indicates a superseded outcome was dropped. It is
	// never surfaced as a failure.
	KindStaleResult Kind = "STALE_RESULT_DISCARDED"

	// KindCancelled indicates the workflow was cancelled.
	KindCancelled Kind = "CANCELLED"

	// KindObserver indicates an event subscriber faulted.
	KindObserver Kind = "OBSERVER"

	// KindQuotaExceeded indicates a workflow tree spawned too many children.
	KindQuotaExceeded Kind = "QUOTA_EXCEEDED"

	// KindInternal indicates a workflow fault that fits no other kind,
	// including recovered panics.
	KindInternal Kind = "INTERNAL"
)

// Error is a categorized engine error.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Message is a human-readable description.
	Message string

	// CorrelationID identifies the affected command, when known.
	CorrelationID string

	// Command is the affected command type, when known.
	Command CommandType

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation=%s)", e.Kind, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError creates a VALIDATION error. Command validators return
// it to reject a payload before any I/O.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ErrStaleResult marks an outcome discarded because a newer generation
// exists for its resource key.
var ErrStaleResult = &Error{Kind: KindStaleResult, Message: "result superseded by a newer generation"}

// CancelReason explains why a workflow was cancelled.
type CancelReason string

const (
	// ReasonUserCancelled is explicit cancellation by a caller or command.
	ReasonUserCancelled CancelReason = "UserCancelled"

	// ReasonTimeout is cancellation by the scheduler after the workflow's
	// timeout elapsed.
	ReasonTimeout CancelReason = "Timeout"

	// ReasonSuperseded is latest-wins cancellation by a newer workflow for
	// the same resource key.
	ReasonSuperseded CancelReason = "Superseded"

	// ReasonScopeClosed is cancellation of a child whose parent reached a
	// terminal state without joining it.
	ReasonScopeClosed CancelReason = "ScopeClosed"

	// ReasonSessionClosed is engine teardown. Terminal events are
	// suppressed for workflows cancelled this way.
	ReasonSessionClosed CancelReason = "SessionClosed"
)

// CancelledError is returned from suspension points of a cancelled workflow
// and used as the cancellation cause of its context.
type CancelledError struct {
	Reason CancelReason
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s: %s", KindCancelled, e.Reason)
}

// Unwrap lets errors.Is(err, context.Canceled) hold for cancelled workflows.
func (e *CancelledError) Unwrap() error {
	return context.Canceled
}

// DuplicateHandlerError is returned when a second factory is registered
// for a command type.
type DuplicateHandlerError struct {
	Type CommandType
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("handler already registered for command type %q", e.Type)
}

// backendKinded is implemented by gateway errors. The engine only needs the
// tag, not the gateway package.
type backendKinded interface {
	error
	BackendKind() string
}

// BackendKindOf returns the gateway error tag carried by err, or "".
func BackendKindOf(err error) string {
	var bk backendKinded
	if errors.As(err, &bk) {
		return bk.BackendKind()
	}
	return ""
}

// KindOf classifies err. Unclassified errors are INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *CancelledError
	if errors.As(err, &ce) {
		return KindCancelled
	}
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return KindQuotaExceeded
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if BackendKindOf(err) != "" {
		return KindBackend
	}
	return KindInternal
}

// IsCancelled returns true if err is a workflow cancellation.
// Uses errors.As to handle wrapped errors.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// CancelReasonOf returns the reason carried by a cancellation error, or "".
func CancelReasonOf(err error) CancelReason {
	var ce *CancelledError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// IsValidationError returns true if err is a VALIDATION error.
func IsValidationError(err error) bool {
	return KindOf(err) == KindValidation
}

// IsDuplicateHandler returns true if err is a DuplicateHandlerError.
func IsDuplicateHandler(err error) bool {
	var de *DuplicateHandlerError
	return errors.As(err, &de)
}

// causeReason derives the cancellation reason of a done context.
func causeReason(ctx context.Context) CancelReason {
	cause := context.Cause(ctx)
	var ce *CancelledError
	if errors.As(cause, &ce) {
		return ce.Reason
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonUserCancelled
}
