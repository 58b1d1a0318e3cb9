// Package errors provides the engine error taxonomy. Callers branch on
// error kind, never on message text.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Engine error kinds. Hard compliance vetoes and state-machine violations
// are never retried automatically; AllocationConflict is the only kind the
// engine retries internally.
const (
	KindValidation             = "ValidationError"
	KindRiskRejected           = "RiskRejected"
	KindAllocationConflict     = "AllocationConflict"
	KindInvalidStateTransition = "InvalidStateTransition"
	KindTokenExpired           = "TokenExpired"
	KindNegotiationExpired     = "NegotiationExpired"
	KindNotFound               = "NotFound"
	KindUnknown                = "Unknown"
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message)
}

func NewFieldError(kind, field, reason string) FieldError {
	return FieldError{Kind: kind, Field: field, Message: reason}
}

// Error is the engine error type carrying a kind, a human readable message,
// the specific rule that triggered a rejection, and optional field errors.
type Error struct {
	Kind    string       `json:"kind"`
	Message string       `json:"message"`
	Rule    string       `json:"rule,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: KindUnknown, Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

func Wrap(err error) *Error {
	return &Error{Kind: KindUnknown, cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.Rule != "" {
		str += fmt.Sprintf(" rule=%s", e.Rule)
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap sets the error cause
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithRule returns a copy of the error naming the rule that triggered it.
func (e *Error) WithRule(rule string) *Error {
	err := *e
	err.Rule = rule
	return &err
}

// WithField returns a copy of the error with an extra field error appended.
func (e *Error) WithField(kind, field, message string) *Error {
	err := *e
	err.Fields = append(err.Fields, NewFieldError(kind, field, message))
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	e.trace = stack[:n]
	return e
}

// Is implements the needed interface for errors.Is: two engine errors match
// when their kinds match.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// KindOf returns the engine kind of err, or KindUnknown for foreign errors.
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Validation(message string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(message, args...)}
}

func RiskRejected(rule, message string) *Error {
	return &Error{Kind: KindRiskRejected, Rule: rule, Message: message}
}

func AllocationConflict(message string, args ...any) *Error {
	return &Error{Kind: KindAllocationConflict, Message: fmt.Sprintf(message, args...)}
}

func InvalidStateTransition(message string, args ...any) *Error {
	return &Error{Kind: KindInvalidStateTransition, Message: fmt.Sprintf(message, args...)}
}

func TokenExpired(message string) *Error {
	return &Error{Kind: KindTokenExpired, Message: message}
}

func NegotiationExpired(message string) *Error {
	return &Error{Kind: KindNegotiationExpired, Message: message}
}

func NotFound(message string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(message, args...)}
}

func IsValidation(err error) bool          { return KindOf(err) == KindValidation }
func IsRiskRejected(err error) bool        { return KindOf(err) == KindRiskRejected }
func IsAllocationConflict(err error) bool  { return KindOf(err) == KindAllocationConflict }
func IsInvalidTransition(err error) bool   { return KindOf(err) == KindInvalidStateTransition }
func IsTokenExpired(err error) bool        { return KindOf(err) == KindTokenExpired }
func IsNegotiationExpired(err error) bool  { return KindOf(err) == KindNegotiationExpired }
func IsNotFound(err error) bool            { return KindOf(err) == KindNotFound }
