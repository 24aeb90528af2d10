// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	stderrors "errors"
	"fmt"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
)

// ClassifiedError carries an explicit severity attached at the failure
// site. It wins over every other classification rule.
type ClassifiedError struct {
	Severity    core.Severity
	Code        errors.ErrorCode
	UserMessage string
	Err         error
}

// NewClassifiedError attaches a severity and code to an error.
func NewClassifiedError(severity core.Severity, code errors.ErrorCode, userMessage string, cause error) *ClassifiedError {
	return &ClassifiedError{
		Severity:    severity,
		Code:        code,
		UserMessage: userMessage,
		Err:         cause,
	}
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %v", e.Severity, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Severity, e.UserMessage)
}

// Unwrap implements errors.Unwrap.
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classified returns the explicit classification attached to err, or nil.
func Classified(err error) *ClassifiedError {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce
	}
	return nil
}

func (e *ClassifiedError) classification(step StepContext) core.Classification {
	code := e.Code
	if code == "" {
		var ee *errors.EngineError
		if stderrors.As(e.Err, &ee) {
			code = ee.Code
		} else {
			code = errors.CodeInternal
		}
	}
	message := e.UserMessage
	if message == "" {
		message = defaultUserMessage(e.Severity)
	}
	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	return core.Classification{
		Severity:    e.Severity,
		Code:        code,
		UserMessage: message,
		Detail:      detail,
		StepKey:     step.StepKey,
		Capability:  step.Capability,
	}
}
