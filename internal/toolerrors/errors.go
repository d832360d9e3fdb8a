// Package toolerrors provides the structured error taxonomy used across the
// strategy orchestration core. A CodedError carries a symbolic Code from
// the taxonomy, a human-readable Message, structured Details for the
// tool-trace payload the UI renders, and an optional Cause so error chains
// survive retries and cross-component hops (graph -> tool surface -> event
// pipeline).
package toolerrors

import (
	"errors"
	"fmt"
)

// Code is a symbolic error code from the error taxonomy. Codes are
// conceptual kinds, not Go types, so they travel as plain strings across the
// tool surface and the wire.
type Code string

// Validation errors: user/model input violates a precondition.
const (
	CodeInvalidInputRef       Code = "INVALID_INPUT_REF"
	CodeInvalidKind           Code = "INVALID_KIND"
	CodeConfirmationRequired  Code = "CONFIRMATION_REQUIRED"
	CodeWouldEmptyGraph       Code = "WOULD_EMPTY_GRAPH"
	CodeNoRoots               Code = "NO_ROOTS"
	CodeMultipleRoots         Code = "MULTIPLE_ROOTS"
	CodeDelegationPlanInvalid Code = "DELEGATION_PLAN_INVALID"
	CodeMissingCombineInputs  Code = "MISSING_COMBINE_INPUTS"
	CodeInvalidStrategy       Code = "INVALID_STRATEGY"
)

// Not-found errors: referenced entity absent.
const (
	CodeGraphNotFound  Code = "GRAPH_NOT_FOUND"
	CodeStepNotFound   Code = "STEP_NOT_FOUND"
	CodeSearchNotFound Code = "SEARCH_NOT_FOUND"
)

// Other taxonomy kinds.
const (
	CodeExternal  Code = "EXTERNAL_ERROR"
	CodeCancelled Code = "CANCELLED"
	CodeFatal     Code = "FATAL"
)

// CodedError is a structured failure carrying a taxonomy Code, a message, and
// optional Details for the tool-trace payload. Cause links to a wrapped
// CodedError so errors.Is/errors.As can walk the chain.
type CodedError struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   *CodedError
}

// New constructs a CodedError with no details.
func New(code Code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Newf formats message like fmt.Sprintf.
func Newf(code Code, format string, args ...any) *CodedError {
	return New(code, fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of e with Details merged in.
func (e *CodedError) WithDetails(details map[string]any) *CodedError {
	if e == nil {
		return nil
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		if v != nil {
			merged[k] = v
		}
	}
	return &CodedError{Code: e.Code, Message: e.Message, Details: merged, Cause: e.Cause}
}

// WithCause returns a copy of e wrapping cause, converted into a CodedError
// chain so the original error's message survives serialization.
func (e *CodedError) WithCause(cause error) *CodedError {
	if e == nil {
		return nil
	}
	return &CodedError{Code: e.Code, Message: e.Message, Details: e.Details, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a CodedError chain, preserving
// an existing CodedError's code/details or falling back to CodeFatal.
func FromError(err error) *CodedError {
	if err == nil {
		return nil
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce
	}
	return &CodedError{Code: CodeFatal, Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the wrapped cause to support errors.Is/errors.As.
func (e *CodedError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// ToPayload renders the error as the JSON-shaped tool_error payload the tool
// surface emits to clients: {code, message, ...details}.
func (e *CodedError) ToPayload() map[string]any {
	if e == nil {
		return nil
	}
	payload := make(map[string]any, len(e.Details)+2)
	for k, v := range e.Details {
		payload[k] = v
	}
	payload["code"] = string(e.Code)
	payload["message"] = e.Message
	return payload
}

// ExternalError wraps a failure returned by the external query platform,
// carrying the HTTP status code and response body when available.
type ExternalError struct {
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *ExternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("external platform error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("external platform error (status %d): %s", e.StatusCode, e.Body)
}

// Unwrap returns the underlying transport error, if any.
func (e *ExternalError) Unwrap() error { return e.Err }

// AsCoded converts an ExternalError into a CodedError suitable for the tool
// surface, carrying the status code in Details.
func (e *ExternalError) AsCoded() *CodedError {
	return New(CodeExternal, e.Error()).WithDetails(map[string]any{
		"statusCode": e.StatusCode,
		"body":       e.Body,
	})
}
