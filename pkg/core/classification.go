// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"fmt"
	"math"
	"time"

	"github.com/praxislabs/praxis/pkg/errors"
)

// Severity is the recovery-strategy tag assigned to a step failure.
type Severity string

const (
	// SeverityRetriable marks transient failures where a same-step retry is
	// expected to succeed (network blips, rate limits).
	SeverityRetriable Severity = "retriable"

	// SeverityReplanning marks failures where the plan itself is unworkable
	// given what was learned; control routes back to the planner.
	SeverityReplanning Severity = "replanning"

	// SeverityCritical marks failures where the step cannot succeed and the
	// run should end with a clear explanation, while the system stays healthy.
	SeverityCritical Severity = "critical"

	// SeverityFatal marks violations of the engine's own invariants:
	// immediate termination, no retry, no replan.
	SeverityFatal Severity = "fatal"
)

// Classification is the recovery coordinator's verdict on one failure.
// Created fresh per failure and never persisted beyond the recovery
// decision; terminal failure reports are derived from it.
type Classification struct {
	Severity    Severity
	Code        errors.ErrorCode
	UserMessage string
	Detail      string
	StepKey     string
	Capability  string
}

// RetryPolicy bounds same-step retries for one capability.
type RetryPolicy struct {
	MaxAttempts   int
	Delay         time.Duration
	BackoffFactor float64
}

// DelayFor computes the wait before the n-th redispatch (n is 1-based):
// Delay × BackoffFactor^(n-1).
func (p RetryPolicy) DelayFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	return time.Duration(float64(p.Delay) * math.Pow(factor, float64(n-1)))
}

// ApprovalRequiredError signals that a step needs human sign-off before it
// may run. It takes precedence over error classification: a step that
// raises it suspends the run instead of entering retry.
type ApprovalRequiredError struct {
	Action string
	Reason string
}

// Error implements the error interface.
func (e *ApprovalRequiredError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("approval required for %s: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("approval required for %s", e.Action)
}
