// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint persists the durable slice of a run: enough state to
// resume a suspended thread after a process restart and to replay the
// terminal result of a finished one. The router is the only writer; stores
// only copy, never interpret.
package checkpoint

import (
	"context"
	"time"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
	"github.com/praxislabs/praxis/pkg/plan"
	"github.com/praxislabs/praxis/pkg/state"
)

// Status is the lifecycle position of a thread's most recent run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ApprovalRequest describes the decision a suspended run is waiting on.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	StepKey     string    `json:"step_key"`
	Capability  string    `json:"capability"`
	Description string    `json:"description,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Failure is the dual-channel account of a failed run: a message fit for
// the end user and the technical detail an operator needs.
type Failure struct {
	UserMessage     string           `json:"user_message"`
	TechnicalDetail string           `json:"technical_detail,omitempty"`
	FailingStep     string           `json:"failing_step,omitempty"`
	Severity        core.Severity    `json:"severity"`
	Code            errors.ErrorCode `json:"code"`
}

// StepReport summarizes one plan step's execution for the caller.
type StepReport struct {
	Key        string `json:"key"`
	Capability string `json:"capability"`
	Attempts   int    `json:"attempts"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

// Step report statuses.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSuspended = "suspended"
	StepSkipped   = "skipped"
)

// RunResult is what an invocation hands back: exactly one of done, failed
// or suspended, with the channel for that outcome populated.
type RunResult struct {
	ThreadID     string           `json:"thread_id"`
	TurnID       string           `json:"turn_id"`
	Status       Status           `json:"status"`
	Response     string           `json:"response,omitempty"`
	ResponseType string           `json:"response_type,omitempty"`
	Failure      *Failure         `json:"failure,omitempty"`
	Pending      *ApprovalRequest `json:"pending,omitempty"`
	Context      state.Partition  `json:"context,omitempty"`
	Steps        []StepReport     `json:"steps,omitempty"`
}

// Checkpoint is the persisted record for one thread. Suspended runs carry
// everything needed to continue after a restart; terminal runs carry the
// result so a late Resume can replay it unchanged.
type Checkpoint struct {
	ThreadID     string           `json:"thread_id"`
	TurnID       string           `json:"turn_id"`
	Status       Status           `json:"status"`
	Task         string           `json:"task,omitempty"`
	Active       []string         `json:"active,omitempty"`
	Cursor       int              `json:"cursor"`
	PlanAttempts int              `json:"plan_attempts"`
	Dispatches   int              `json:"dispatches"`
	StepRetries  map[string]int   `json:"step_retries,omitempty"`
	Approvals    map[string]bool  `json:"approvals,omitempty"`
	Context      state.Partition  `json:"context,omitempty"`
	Plan         *plan.Plan       `json:"plan,omitempty"`
	Pending      *ApprovalRequest `json:"pending,omitempty"`
	Result       *RunResult       `json:"result,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Clone returns a deep copy sharing no maps, slices or pointers with the
// receiver. Stores hand out clones so callers can mutate freely.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	if c.Active != nil {
		out.Active = append([]string(nil), c.Active...)
	}
	out.StepRetries = cloneCounts(c.StepRetries)
	out.Approvals = cloneFlags(c.Approvals)
	if c.Context != nil {
		out.Context = c.Context.Clone()
	}
	out.Plan = c.Plan.Clone()
	out.Pending = c.Pending.Clone()
	out.Result = c.Result.clone()
	return &out
}

func (r *RunResult) clone() *RunResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.Failure != nil {
		failure := *r.Failure
		out.Failure = &failure
	}
	out.Pending = r.Pending.Clone()
	if r.Context != nil {
		out.Context = r.Context.Clone()
	}
	if r.Steps != nil {
		out.Steps = make([]StepReport, len(r.Steps))
		copy(out.Steps, r.Steps)
	}
	return &out
}

// Clone returns a copy of the request, nil for nil.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

func cloneCounts(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneFlags(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Store persists checkpoints keyed by thread. Save replaces the record for
// the checkpoint's thread. Load returns a NOT_FOUND error for threads
// never checkpointed; IsNotFound distinguishes that from real failures.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
	List(ctx context.Context) ([]*Checkpoint, error)

	// ExpirePending transitions every suspended checkpoint whose pending
	// approval deadline is at or before the given instant to failed,
	// recording the canonical expiry failure, and returns the updated
	// records. A second sweep over the same instant finds nothing.
	ExpirePending(ctx context.Context, before time.Time) ([]*Checkpoint, error)
}

// IsNotFound reports whether err is a store miss rather than a failure. A
// fresh thread has no checkpoint; callers treat a miss as empty state.
func IsNotFound(err error) bool {
	return errors.HasCode(err, errors.CodeNotFound)
}

// ExpiredFailure is the failure recorded when a pending approval passes
// its deadline with no decision.
func ExpiredFailure(stepKey string) *Failure {
	return &Failure{
		UserMessage:     "The approval request expired before a decision was made.",
		TechnicalDetail: "pending approval passed its deadline with no decision",
		FailingStep:     stepKey,
		Severity:        core.SeverityCritical,
		Code:            errors.CodeTimeout,
	}
}

// expire flips a suspended checkpoint to failed in place. The pending
// request stays on the record so the audit trail keeps what expired.
func expire(cp *Checkpoint, now time.Time) {
	stepKey := ""
	if cp.Pending != nil {
		stepKey = cp.Pending.StepKey
	}
	cp.Status = StatusFailed
	cp.Result = &RunResult{
		ThreadID: cp.ThreadID,
		TurnID:   cp.TurnID,
		Status:   StatusFailed,
		Failure:  ExpiredFailure(stepKey),
		Context:  cp.Context.Clone(),
		Pending:  cp.Pending.Clone(),
	}
	cp.UpdatedAt = now
}

// expirable reports whether a checkpoint matches an expiry sweep at the
// given instant.
func expirable(cp *Checkpoint, before time.Time) bool {
	return cp.Status == StatusSuspended &&
		cp.Pending != nil &&
		!cp.Pending.ExpiresAt.IsZero() &&
		!cp.Pending.ExpiresAt.After(before)
}
