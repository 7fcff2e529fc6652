package engine

import (
	"errors"
	"fmt"
)

// ErrMissingPrimaryKeyColumn is returned when a row does not contain the
// column named as its primary key.
var ErrMissingPrimaryKeyColumn = errors.New("engine: row missing primary key column")

// EngineError wraps a structured failure with the operation and reason
// that produced it, so callers can branch on Code/Unwrap without
// parsing error strings.
type EngineError struct {
	op     string
	reason string
	err    error
}

func newEngineError(op, reason string, cause error) error {
	return &EngineError{op: op, reason: reason, err: cause}
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s.%s", e.op, e.reason)
	}
	return fmt.Sprintf("%s.%s: %v", e.op, e.reason, e.err)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *EngineError) Unwrap() error {
	return e.err
}

// Code returns the "<op>.<reason>" identifier for this error.
func (e *EngineError) Code() string {
	return fmt.Sprintf("%s.%s", e.op, e.reason)
}

// Sentinel error kinds. No function in this module returns an error
// that wraps one of them, so errors.Is against these kinds does not
// match errors returned by the engine's components.
var (
	ErrStore        = errors.New("store error")
	ErrAuth         = errors.New("authentication error")
	ErrValidation   = errors.New("validation error")
	ErrProtocol     = errors.New("protocol error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrClock        = errors.New("clock error")
	ErrTransport    = errors.New("transport error")
	ErrMalformed    = errors.New("malformed payload")
)
