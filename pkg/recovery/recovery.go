// SPDX-License-Identifier: Apache-2.0
// Package recovery decides what happens after a step fails: retry the step,
// replan the run, or stop. The coordinator classifies errors into severities
// and owns the retry policies; the router acts on the verdicts.
package recovery

import (
	"context"
	stderrors "errors"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
)

// StepContext identifies the failing step for classification. Classifier
// carries the capability's own override when it implements one; it is
// consulted for ordinary steps only.
type StepContext struct {
	StepKey        string
	Capability     string
	Infrastructure bool
	Request        core.Request
	Classifier     core.ErrorClassifier
}

// Coordinator classifies step failures and owns retry policies.
type Coordinator struct {
	ordinary core.RetryPolicy
	infra    core.RetryPolicy
}

// NewCoordinator returns a coordinator with the default retry policies.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		ordinary: DefaultOrdinaryPolicy(),
		infra:    DefaultInfrastructurePolicy(),
	}
}

// WithOrdinaryPolicy overrides the default policy for ordinary steps.
func (c *Coordinator) WithOrdinaryPolicy(p core.RetryPolicy) *Coordinator {
	c.ordinary = p
	return c
}

// WithInfrastructurePolicy overrides the default policy for engine-internal steps.
func (c *Coordinator) WithInfrastructurePolicy(p core.RetryPolicy) *Coordinator {
	c.infra = p
	return c
}

// Classify turns a step failure into a recovery verdict. Precedence:
//
//  1. an explicit severity attached by the failing code (ClassifiedError),
//  2. the capability's own ClassifyError override (ordinary steps only),
//  3. the code-derived mapping from *errors.EngineError,
//  4. the conservative fallback: critical.
//
// Bare context cancellation maps to critical with code CANCELLED and is
// never retried. Infrastructure steps skip capability overrides so that
// engine-internal failures stay fail-fast.
func (c *Coordinator) Classify(err error, step StepContext) core.Classification {
	if ce := Classified(err); ce != nil {
		return ce.classification(step)
	}

	var ee *errors.EngineError
	isEngine := stderrors.As(err, &ee)

	if !isEngine && (stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)) {
		return core.Classification{
			Severity:    core.SeverityCritical,
			Code:        errors.CodeCancelled,
			UserMessage: "The request was cancelled before it finished.",
			Detail:      err.Error(),
			StepKey:     step.StepKey,
			Capability:  step.Capability,
		}
	}

	if !step.Infrastructure && step.Classifier != nil {
		if cls, ok := step.Classifier.ClassifyError(err, step.Request); ok {
			if cls.StepKey == "" {
				cls.StepKey = step.StepKey
			}
			if cls.Capability == "" {
				cls.Capability = step.Capability
			}
			if cls.UserMessage == "" {
				cls.UserMessage = defaultUserMessage(cls.Severity)
			}
			return cls
		}
	}

	severity := core.SeverityCritical
	code := errors.CodeInternal
	if isEngine {
		code = ee.Code
		severity = severityFromCode(ee.Code)
	}

	return core.Classification{
		Severity:    severity,
		Code:        code,
		UserMessage: defaultUserMessage(severity),
		Detail:      err.Error(),
		StepKey:     step.StepKey,
		Capability:  step.Capability,
	}
}

// severityFromCode is the conservative code → severity mapping used when
// nothing closer to the failure claimed a severity.
func severityFromCode(code errors.ErrorCode) core.Severity {
	switch code {
	case errors.CodeTimeout, errors.CodeRateLimit, errors.CodeUnavailable:
		return core.SeverityRetriable
	case errors.CodeMissingContext, errors.CodeUnsatisfiable:
		return core.SeverityReplanning
	case errors.CodeInvariant:
		return core.SeverityFatal
	default:
		return core.SeverityCritical
	}
}

func defaultUserMessage(severity core.Severity) string {
	switch severity {
	case core.SeverityRetriable:
		return "A temporary issue interrupted the request; retrying."
	case core.SeverityReplanning:
		return "Adjusting the approach to complete your request."
	case core.SeverityFatal:
		return "An internal error ended this request."
	default:
		return "Something went wrong while completing your request."
	}
}
