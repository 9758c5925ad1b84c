package gateway

import (
	"errors"
	"fmt"
)

// Kind categorizes backend failures.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindServer       Kind = "server"
	KindUnknown      Kind = "unknown"
)

// Error is a failed gateway call.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// NewError creates a gateway error for op.
func NewError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("gateway %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BackendKind returns the kind tag carried into failure events.
func (e *Error) BackendKind() string {
	return string(e.Kind)
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// KindOf returns the kind of the gateway error wrapped in err, or "".
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// IsKind reports whether err is a gateway error of kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ValidKind reports whether k is a known kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindNetwork, KindUnauthorized, KindForbidden, KindNotFound, KindConflict, KindServer, KindUnknown:
		return true
	}
	return false
}
