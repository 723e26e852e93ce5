// Package apperr defines the error kinds carried across module boundaries.
// Errors are tagged values: callers branch on Kind, never on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing and retry decisions.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuth               Kind = "auth"
	KindPermission         Kind = "permission"
	KindRateLimited        Kind = "rate_limited"
	KindSandbox            Kind = "sandbox"
	KindTimeout            Kind = "timeout"
	KindValidationPipeline Kind = "validation_pipeline"
	KindInfrastructure     Kind = "infrastructure"
	KindClientDisconnect   Kind = "client_disconnect"
)

// Error is a tagged error with an optional machine-readable code and a
// retry-prompt hint for the recovery phase.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	RetryPrompt string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a tagged error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// WithCode sets a machine-readable code, returning the same error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithRetryPrompt records a hint fed back into the next LLM turn when the
// recovery phase re-plans a failed step.
func (e *Error) WithRetryPrompt(prompt string) *Error {
	e.RetryPrompt = prompt
	return e
}

// KindOf extracts the kind of err, or "" if err carries no kind.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// CodeOf extracts the machine-readable code of err, if any.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryPromptOf extracts the retry-prompt hint, if any.
func RetryPromptOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryPrompt
	}
	return ""
}

// Retryable reports whether a phase-level retry is worthwhile for err.
// Auth, permission and validation failures never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindPermission, KindValidation, KindValidationPipeline, KindClientDisconnect:
		return false
	}
	return true
}
