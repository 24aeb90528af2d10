// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for Praxis engine telemetry.
// These follow OpenTelemetry naming conventions where applicable.
const (
	// Thread and turn attributes
	AttrThreadID = "praxis.thread.id"
	AttrTurnID   = "praxis.turn.id"

	// Task attributes
	AttrTaskObjective = "praxis.task.objective"
	AttrTaskStatus    = "praxis.task.status"

	// Plan attributes
	AttrPlanAttempt = "praxis.plan.attempt"
	AttrPlanSteps   = "praxis.plan.steps"

	// Step attributes
	AttrStepKey     = "praxis.step.key"
	AttrStepAttempt = "praxis.step.attempt"
	AttrStepStatus  = "praxis.step.status"

	// Capability attributes
	AttrCapabilityName = "praxis.capability.name"
	AttrCapabilityKind = "praxis.capability.kind"

	// Recovery attributes
	AttrSeverity  = "praxis.recovery.severity"
	AttrErrorCode = "praxis.recovery.error_code"

	// Approval attributes
	AttrApprovalID     = "praxis.approval.id"
	AttrApprovalAction = "praxis.approval.action"
	AttrDecisionKind   = "praxis.approval.decision"

	// Data source attributes
	AttrSourceName  = "praxis.source.name"
	AttrSourceCount = "praxis.source.count"

	// Run attributes
	AttrRunStatus = "praxis.run.status"

	// Event attributes
	AttrEventType = "praxis.event.type"
)

// ThreadAttributes returns common attributes for run-scoped spans.
func ThreadAttributes(threadID, turnID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrThreadID, threadID),
	}
	if turnID != "" {
		attrs = append(attrs, attribute.String(AttrTurnID, turnID))
	}
	return attrs
}

// TaskAttributes returns attributes for task tracking.
func TaskAttributes(objective, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if objective != "" {
		// Truncate long objectives
		if len(objective) > 200 {
			objective = objective[:200] + "..."
		}
		attrs = append(attrs, attribute.String(AttrTaskObjective, objective))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrTaskStatus, status))
	}
	return attrs
}

// PlanAttributes returns attributes for plan construction spans.
func PlanAttributes(attempt, steps int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrPlanAttempt, attempt),
	}
	if steps > 0 {
		attrs = append(attrs, attribute.Int(AttrPlanSteps, steps))
	}
	return attrs
}

// StepAttributes returns attributes for a step dispatch span.
func StepAttributes(stepKey, capability string, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrStepKey, stepKey),
		attribute.String(AttrCapabilityName, capability),
	}
	if attempt > 0 {
		attrs = append(attrs, attribute.Int(AttrStepAttempt, attempt))
	}
	return attrs
}

// RecoveryAttributes returns attributes for error classification.
func RecoveryAttributes(severity, errorCode string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSeverity, severity),
	}
	if errorCode != "" {
		attrs = append(attrs, attribute.String(AttrErrorCode, errorCode))
	}
	return attrs
}

// ApprovalAttributes returns attributes for suspension and resume spans.
func ApprovalAttributes(approvalID, action, decision string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if approvalID != "" {
		attrs = append(attrs, attribute.String(AttrApprovalID, approvalID))
	}
	if action != "" {
		// Truncate long action descriptions
		if len(action) > 200 {
			action = action[:200] + "..."
		}
		attrs = append(attrs, attribute.String(AttrApprovalAction, action))
	}
	if decision != "" {
		attrs = append(attrs, attribute.String(AttrDecisionKind, decision))
	}
	return attrs
}

// SourceAttributes returns attributes for data source fan-out spans.
func SourceAttributes(name string, count int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if name != "" {
		attrs = append(attrs, attribute.String(AttrSourceName, name))
	}
	if count > 0 {
		attrs = append(attrs, attribute.Int(AttrSourceCount, count))
	}
	return attrs
}
