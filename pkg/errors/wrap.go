// SPDX-License-Identifier: Apache-2.0

package errors

import stderrors "errors"

// WrapModelError wraps a model provider error with appropriate context.
func WrapModelError(err error, provider, model string) *EngineError {
	if err == nil {
		return nil
	}
	return New(CodeModelFailure, "model call failed", err).
		WithContext("provider", provider).
		WithContext("model", model).
		WithAttribute("model.provider", provider).
		WithRecoverable(true)
}

// WrapCapabilityError wraps a capability execution error with step context.
func WrapCapabilityError(err error, capability, stepKey string) *EngineError {
	if err == nil {
		return nil
	}
	return New(CodeCapabilityFailure, "capability execution failed", err).
		WithContext("capability", capability).
		WithContext("step_key", stepKey).
		WithAttribute("capability.name", capability)
}

// WrapPlannerError wraps a planner boundary error with the attempt number.
func WrapPlannerError(err error, attempt int) *EngineError {
	if err == nil {
		return nil
	}
	return New(CodePlannerFailure, "plan construction failed", err).
		WithContext("plan_attempt", attempt).
		WithRecoverable(false)
}

// WrapStoreError wraps a checkpoint or audit store error.
func WrapStoreError(err error, backend, operation string) *EngineError {
	if err == nil {
		return nil
	}
	return New(CodeStoreFailure, "store operation failed", err).
		WithContext("backend", backend).
		WithContext("operation", operation).
		WithRecoverable(true)
}

// NewInvalidInputError creates a new invalid input error.
func NewInvalidInputError(msg string) *EngineError {
	return New(CodeInvalidInput, msg, nil).
		WithRecoverable(false)
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(resource, name string) *EngineError {
	return New(CodeNotFound, resource+" not found", nil).
		WithContext("resource", resource).
		WithContext("name", name).
		WithRecoverable(false)
}

// NewConflictError creates a new conflict error for thread-state collisions.
func NewConflictError(msg string) *EngineError {
	return New(CodeConflict, msg, nil).
		WithRecoverable(false)
}

// NewInvariantError creates a bug-class error for broken engine invariants.
func NewInvariantError(msg string) *EngineError {
	return New(CodeInvariant, msg, nil).
		WithRecoverable(false)
}

// NewCancelledError creates the error recorded when a run is cancelled.
func NewCancelledError(cause error) *EngineError {
	return New(CodeCancelled, "run cancelled", cause).
		WithRecoverable(false)
}

// HasCode reports whether err carries the given engine error code anywhere
// in its chain.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ee, ok := err.(*EngineError); ok && ee.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}
