// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"strings"

	"github.com/praxislabs/praxis/pkg/checkpoint"
	"github.com/praxislabs/praxis/pkg/errors"
)

// The caller-facing result types are aliases of the persisted checkpoint
// types: what Run returns is exactly what a restarted process reloads.
type (
	Status          = checkpoint.Status
	RunResult       = checkpoint.RunResult
	Failure         = checkpoint.Failure
	StepReport      = checkpoint.StepReport
	ApprovalRequest = checkpoint.ApprovalRequest
)

// Run statuses, re-exported for callers that only import the router.
const (
	StatusRunning   = checkpoint.StatusRunning
	StatusSuspended = checkpoint.StatusSuspended
	StatusDone      = checkpoint.StatusDone
	StatusFailed    = checkpoint.StatusFailed
)

// Per-step report statuses.
const (
	StepCompleted = checkpoint.StepCompleted
	StepFailed    = checkpoint.StepFailed
	StepSuspended = checkpoint.StepSuspended
	StepSkipped   = checkpoint.StepSkipped
)

// DecisionKind is the verb of a resume call.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionDeny    DecisionKind = "deny"
	DecisionEdit    DecisionKind = "edit"
)

// Decision resolves a pending approval. Inputs and Parameters are consumed
// by edit decisions only: when set they replace the suspended step's
// declarations wholesale before the plan is re-validated.
type Decision struct {
	Kind       DecisionKind
	Reason     string
	Inputs     map[string]string
	Parameters map[string]any
}

// Approve builds an approval decision.
func Approve(reason string) Decision {
	return Decision{Kind: DecisionApprove, Reason: reason}
}

// Deny builds a denial decision.
func Deny(reason string) Decision {
	return Decision{Kind: DecisionDeny, Reason: reason}
}

// Edit builds an edit decision. An edit implies approval of the modified
// step; passing nil for either map keeps the step's current value.
func Edit(inputs map[string]string, parameters map[string]any, reason string) Decision {
	return Decision{Kind: DecisionEdit, Reason: reason, Inputs: inputs, Parameters: parameters}
}

func (d Decision) validate() error {
	switch d.Kind {
	case DecisionApprove, DecisionDeny:
		return nil
	case DecisionEdit:
		if d.Inputs == nil && d.Parameters == nil {
			return errors.NewInvalidInputError("edit decision carries no changes")
		}
		return nil
	default:
		return errors.NewInvalidInputError("unknown decision kind " + strings.TrimSpace(string(d.Kind)))
	}
}

// DenyBehavior selects what a denial does to the run.
type DenyBehavior string

const (
	// DenyReplan hands the denial to the planner as feedback and builds a
	// plan that routes around the denied step.
	DenyReplan DenyBehavior = "replan"

	// DenyFail ends the run with a failure naming the denied step.
	DenyFail DenyBehavior = "fail"
)
