// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"time"
)

// Audit event names recorded by the router and the approval sweeper.
const (
	AuditPlanAccepted    = "plan.accepted"
	AuditPlanRejected    = "plan.rejected"
	AuditStepCompleted   = "step.completed"
	AuditStepRetry       = "step.retry"
	AuditStepFailed      = "step.failed"
	AuditRunSuspended    = "run.suspended"
	AuditRunResumed      = "run.resumed"
	AuditRunReplanned    = "run.replanned"
	AuditRunCompleted    = "run.completed"
	AuditRunFailed       = "run.failed"
	AuditRunCancelled    = "run.cancelled"
	AuditApprovalExpired = "approval.expired"
)

// AuditRecord is one immutable line in a thread's history. Severity is
// empty for non-failure events.
type AuditRecord struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	TurnID     string    `json:"turn_id,omitempty"`
	StepKey    string    `json:"step_key,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Event      string    `json:"event"`
	Severity   string    `json:"severity,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditStore is an append-only event log per thread. Append fills a
// missing ID and timestamp. ListByThread returns records in chronological
// order; a positive limit keeps only the most recent ones.
type AuditStore interface {
	Append(ctx context.Context, record AuditRecord) error
	ListByThread(ctx context.Context, threadID string, limit int) ([]*AuditRecord, error)
}
