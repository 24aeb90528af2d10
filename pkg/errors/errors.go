// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Praxis.
// Every engine failure carries a code so the recovery coordinator and the
// telemetry layer can act on it without string matching.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Praxis errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeDuplicateName indicates a registration name collision.
	CodeDuplicateName ErrorCode = "DUPLICATE_NAME"

	// CodeLoadFailure indicates a lazy component factory failed.
	CodeLoadFailure ErrorCode = "LOAD_FAILURE"

	// CodePlanInvalid indicates a plan failed pre-execution validation.
	CodePlanInvalid ErrorCode = "PLAN_INVALID"

	// CodePlannerFailure indicates the planner boundary failed to produce a plan.
	CodePlannerFailure ErrorCode = "PLANNER_FAILURE"

	// CodeCapabilityFailure indicates a capability raised during dispatch.
	CodeCapabilityFailure ErrorCode = "CAPABILITY_FAILURE"

	// CodeMissingContext indicates a required context entry is absent.
	CodeMissingContext ErrorCode = "MISSING_CONTEXT"

	// CodeUnsatisfiable indicates the current plan cannot succeed as written.
	CodeUnsatisfiable ErrorCode = "UNSATISFIABLE"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeRateLimit indicates rate limiting was triggered.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeUnavailable indicates a dependency was temporarily unreachable.
	CodeUnavailable ErrorCode = "UNAVAILABLE"

	// CodeConflict indicates the operation collides with the thread's current state.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeCancelled indicates the run was cancelled before completion.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeInvariant indicates the engine's own invariants were violated.
	CodeInvariant ErrorCode = "INVARIANT_VIOLATION"

	// CodeStoreFailure indicates a checkpoint or audit store error.
	CodeStoreFailure ErrorCode = "STORE_FAILURE"

	// CodeModelFailure indicates a model provider error.
	CodeModelFailure ErrorCode = "MODEL_FAILURE"
)

// EngineError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type EngineError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *EngineError) MarshalJSON() ([]byte, error) {
	type Alias EngineError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new EngineError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *EngineError {
	return &EngineError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *EngineError) WithAttribute(key, value string) *EngineError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *EngineError) WithRecoverable(recoverable bool) *EngineError {
	e.Recoverable = recoverable
	return e
}

// AsEngineError attempts to convert an error to an EngineError.
// Returns the error as EngineError if it is one, or wraps it otherwise.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*EngineError); ok {
		return ee
	}
	return New(CodeInternal, "wrapped error", err)
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *EngineError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to HTTP-shaped status codes so hosts
// embedding the engine behind an API can surface them directly.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodeInvalidInput, CodePlanInvalid:
		return 400
	case CodeDuplicateName, CodeConflict:
		return 409
	case CodeTimeout:
		return 408
	case CodeRateLimit:
		return 429
	case CodeUnavailable:
		return 503
	case CodeCancelled:
		return 499
	default:
		return 500
	}
}
