// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/praxislabs/praxis/pkg/checkpoint"
	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
	"github.com/praxislabs/praxis/pkg/plan"
	"github.com/praxislabs/praxis/pkg/policy"
	"github.com/praxislabs/praxis/pkg/recovery"
	"github.com/praxislabs/praxis/pkg/state"
	"github.com/praxislabs/praxis/pkg/telemetry"
)

// outcomeKind is the loop-level verdict of one dispatch.
type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeRetry
	outcomeReplan
	outcomeSuspend
	outcomeFail
)

type stepOutcome struct {
	kind    outcomeKind
	cls     core.Classification
	trigger string
	// approval is set for outcomeSuspend.
	approval approvalNeed
}

type approvalNeed struct {
	description string
	reason      string
}

// loop walks the plan from the state's cursor until the run reaches a
// terminal status or suspends. Every transition is checkpointed before the
// next dispatch, so a crash resumes at the last completed step.
func (r *Router) loop(ctx context.Context, st *state.RunState, pl *plan.Plan, start time.Time) (*RunResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return r.finishFailed(ctx, st, pl, &Failure{
				UserMessage:     "The request was cancelled before it finished.",
				TechnicalDetail: err.Error(),
				FailingStep:     cursorKey(pl, st.Cursor),
				Severity:        core.SeverityCritical,
				Code:            errors.CodeCancelled,
			}, start)
		}
		if st.Cursor >= pl.Len() {
			return r.finishDone(ctx, st, pl, start)
		}
		step := pl.Steps[st.Cursor]

		// The dispatch budget is a hard ceiling across retries and
		// replans; reaching it always fails the run.
		if st.Dispatches >= r.maxSteps {
			return r.finishFailed(ctx, st, pl, &Failure{
				UserMessage:     "This request needed more work than a single run allows.",
				TechnicalDetail: fmt.Sprintf("step budget exhausted: %d dispatches (limit %d)", st.Dispatches, r.maxSteps),
				FailingStep:     step.ContextKey,
				Severity:        core.SeverityCritical,
				Code:            errors.CodeUnsatisfiable,
			}, start)
		}

		outcome := r.dispatch(ctx, st, step)
		switch outcome.kind {
		case outcomeCompleted:
			st.Cursor++
			if err := r.persist(ctx, st, pl, checkpoint.StatusRunning, nil, nil); err != nil {
				return nil, err
			}
		case outcomeRetry:
			// Same step, next attempt. Nothing to persist: the retry
			// counter is rebuilt from the attempt that follows.
		case outcomeReplan:
			newPl, failure := r.replan(ctx, st, outcome.cls, outcome.trigger)
			if failure != nil {
				return r.finishFailed(ctx, st, pl, failure, start)
			}
			pl = newPl
		case outcomeSuspend:
			return r.suspendRun(ctx, st, pl, step, outcome.approval, start)
		case outcomeFail:
			return r.finishFailed(ctx, st, pl, failureFrom(outcome.cls), start)
		}
	}
}

// dispatch runs one step once: policy gate, input gathering, capability
// execution, delta application, and failure classification.
func (r *Router) dispatch(ctx context.Context, st *state.RunState, step plan.Step) stepOutcome {
	log := slog.Default()

	decision := r.rules.Evaluate(step.Capability)
	if decision.Denied() {
		return stepOutcome{kind: outcomeReplan, trigger: "policy_denied", cls: core.Classification{
			Severity:   core.SeverityReplanning,
			Code:       errors.CodeUnsatisfiable,
			Detail:     fmt.Sprintf("policy %q denies capability %q: %s", decision.Pattern, step.Capability, decision.Reason),
			StepKey:    step.ContextKey,
			Capability: step.Capability,
		}}
	}
	if decision.RequiresApproval() && !st.IsApproved(step.ContextKey) {
		need := approvalNeed{description: describeStep(step), reason: decision.Reason}
		if r.hook == nil {
			return stepOutcome{kind: outcomeSuspend, approval: need}
		}
		outcome, ok := r.hook.Resolve(ctx, policy.Approval{
			ThreadID:    st.ThreadID,
			StepKey:     step.ContextKey,
			Capability:  step.Capability,
			Description: need.description,
			Reason:      need.reason,
		})
		switch {
		case !ok:
			return stepOutcome{kind: outcomeSuspend, approval: need}
		case outcome.Approved:
			st.Approve(step.ContextKey)
		default:
			return r.denyOutcome(step, outcome.Reason)
		}
	}

	capability, err := r.registry.Resolve(ctx, step.Capability)
	if err != nil {
		// Validation pinned every capability; losing one mid-run breaks
		// the engine's own invariants.
		return stepOutcome{kind: outcomeFail, cls: core.Classification{
			Severity:    core.SeverityFatal,
			Code:        errors.CodeInvariant,
			UserMessage: "An internal error ended this request.",
			Detail:      fmt.Sprintf("capability %q vanished between validation and dispatch: %v", step.Capability, err),
			StepKey:     step.ContextKey,
			Capability:  step.Capability,
		}}
	}
	descriptor, _ := r.registry.Describe(step.Capability)

	inputs, err := gatherInputs(st, step)
	if err != nil {
		return stepOutcome{kind: outcomeFail, cls: core.Classification{
			Severity:    core.SeverityFatal,
			Code:        errors.CodeInvariant,
			UserMessage: "An internal error ended this request.",
			Detail:      err.Error(),
			StepKey:     step.ContextKey,
			Capability:  step.Capability,
		}}
	}

	attempt := st.RecordAttempt(step.ContextKey)
	req := core.Request{
		ThreadID:   st.ThreadID,
		TurnID:     st.TurnID,
		StepKey:    step.ContextKey,
		Objective:  step.Objective,
		OutputType: step.OutputType,
		Criteria:   step.Criteria,
		Inputs:     inputs,
		Parameters: step.Parameters,
		Attempt:    attempt,
		Approved:   st.IsApproved(step.ContextKey),
	}

	stepCtx, span := r.tracer.Start(ctx, "Engine.Step",
		trace.WithAttributes(telemetry.StepAttributes(step.ContextKey, step.Capability, attempt)...))
	defer span.End()

	event := core.NewEvent(core.EventStepStarted, st.ThreadID, st.TurnID,
		map[string]any{"capability": step.Capability, "attempt": attempt})
	event.StepKey = step.ContextKey
	r.events.Emit(ctx, event)
	log.Info("engine.step.start",
		slog.String("thread_id", st.ThreadID),
		slog.String("step_key", step.ContextKey),
		slog.String("capability", step.Capability),
		slog.Int("attempt", attempt),
	)

	stepStart := time.Now()
	delta, err := execute(stepCtx, capability, req, st.View())
	elapsed := time.Since(stepStart).Seconds()

	if err == nil {
		if violation := deltaViolation(delta, step); violation != "" {
			r.metrics.RecordStep(ctx, step.Capability, "failed", elapsed)
			return stepOutcome{kind: outcomeFail, cls: core.Classification{
				Severity:    core.SeverityCritical,
				Code:        errors.CodeCapabilityFailure,
				UserMessage: "Something went wrong while completing your request.",
				Detail:      violation,
				StepKey:     step.ContextKey,
				Capability:  step.Capability,
			}}
		}
		st.Apply(delta)
		r.metrics.RecordStep(ctx, step.Capability, "completed", elapsed)
		r.auditRecord(ctx, checkpoint.AuditRecord{
			ThreadID:   st.ThreadID,
			TurnID:     st.TurnID,
			StepKey:    step.ContextKey,
			Capability: step.Capability,
			Event:      checkpoint.AuditStepCompleted,
			Detail:     fmt.Sprintf("attempt=%d", attempt),
		})
		done := core.NewEvent(core.EventStepCompleted, st.ThreadID, st.TurnID,
			map[string]any{"capability": step.Capability, "attempt": attempt})
		done.StepKey = step.ContextKey
		r.events.Emit(ctx, done)
		log.Info("engine.step.completed",
			slog.String("thread_id", st.ThreadID),
			slog.String("step_key", step.ContextKey),
			slog.String("capability", step.Capability),
			slog.Int("attempt", attempt),
		)
		return stepOutcome{kind: outcomeCompleted}
	}

	span.RecordError(err)

	// Approval requests outrank error classification: a step that both
	// fails and asks for sign-off suspends rather than retries. A step
	// that asks again after being granted approval is broken, and failing
	// it closes off an endless suspend loop.
	var approvalErr *core.ApprovalRequiredError
	if stderrors.As(err, &approvalErr) {
		if req.Approved {
			r.metrics.RecordStep(ctx, step.Capability, "failed", elapsed)
			return stepOutcome{kind: outcomeFail, cls: core.Classification{
				Severity:    core.SeverityCritical,
				Code:        errors.CodeCapabilityFailure,
				UserMessage: "Something went wrong while completing your request.",
				Detail:      fmt.Sprintf("capability %q demanded approval again after it was granted: %s", step.Capability, approvalErr.Error()),
				StepKey:     step.ContextKey,
				Capability:  step.Capability,
			}}
		}
		return stepOutcome{kind: outcomeSuspend, approval: approvalNeed{
			description: approvalErr.Action,
			reason:      approvalErr.Reason,
		}}
	}

	classifier, _ := capability.(core.ErrorClassifier)
	cls := r.coordinator.Classify(err, recovery.StepContext{
		StepKey:        step.ContextKey,
		Capability:     step.Capability,
		Infrastructure: descriptor.Kind == core.KindInfrastructure,
		Request:        req,
		Classifier:     classifier,
	})
	span.SetAttributes(telemetry.RecoveryAttributes(string(cls.Severity), string(cls.Code))...)
	r.metrics.RecordFailure(ctx, err, string(cls.Severity))
	r.metrics.RecordStep(ctx, step.Capability, "failed", elapsed)
	log.Warn("engine.step.failed",
		slog.String("thread_id", st.ThreadID),
		slog.String("step_key", step.ContextKey),
		slog.String("capability", step.Capability),
		slog.Int("attempt", attempt),
		slog.String("severity", string(cls.Severity)),
		slog.String("error", err.Error()),
	)

	switch cls.Severity {
	case core.SeverityRetriable:
		retryPolicy := r.coordinator.PolicyFor(capability, descriptor.Kind)
		if attempt < retryPolicy.MaxAttempts {
			r.auditRecord(ctx, checkpoint.AuditRecord{
				ThreadID:   st.ThreadID,
				TurnID:     st.TurnID,
				StepKey:    step.ContextKey,
				Capability: step.Capability,
				Event:      checkpoint.AuditStepRetry,
				Severity:   string(cls.Severity),
				Detail:     fmt.Sprintf("attempt=%d max=%d: %s", attempt, retryPolicy.MaxAttempts, cls.Detail),
			})
			r.metrics.RecordRetry(ctx, step.Capability)
			retry := core.NewEvent(core.EventStepRetry, st.ThreadID, st.TurnID,
				map[string]any{"capability": step.Capability, "attempt": attempt, "error": cls.Detail})
			retry.StepKey = step.ContextKey
			r.events.Emit(ctx, retry)
			if waitErr := recovery.Wait(ctx, retryPolicy, attempt); waitErr != nil {
				return stepOutcome{kind: outcomeFail, cls: core.Classification{
					Severity:    core.SeverityCritical,
					Code:        errors.CodeCancelled,
					UserMessage: "The request was cancelled before it finished.",
					Detail:      waitErr.Error(),
					StepKey:     step.ContextKey,
					Capability:  step.Capability,
				}}
			}
			return stepOutcome{kind: outcomeRetry}
		}
		cls.Detail = fmt.Sprintf("%s (retries exhausted after %d attempts)", cls.Detail, attempt)
		r.auditStepFailed(ctx, st, step, cls)
		return stepOutcome{kind: outcomeFail, cls: cls}
	case core.SeverityReplanning:
		r.auditStepFailed(ctx, st, step, cls)
		return stepOutcome{kind: outcomeReplan, trigger: "step_failure", cls: cls}
	default:
		r.auditStepFailed(ctx, st, step, cls)
		return stepOutcome{kind: outcomeFail, cls: cls}
	}
}

func (r *Router) denyOutcome(step plan.Step, reason string) stepOutcome {
	detail := fmt.Sprintf("approval denied for %s (step %s)", step.Capability, step.ContextKey)
	if reason != "" {
		detail += ": " + reason
	}
	if r.denyBehavior == DenyFail {
		return stepOutcome{kind: outcomeFail, cls: core.Classification{
			Severity:    core.SeverityCritical,
			Code:        errors.CodeUnsatisfiable,
			UserMessage: "The requested action was not approved.",
			Detail:      detail,
			StepKey:     step.ContextKey,
			Capability:  step.Capability,
		}}
	}
	return stepOutcome{kind: outcomeReplan, trigger: "approval_denied", cls: core.Classification{
		Severity:   core.SeverityReplanning,
		Code:       errors.CodeUnsatisfiable,
		Detail:     detail,
		StepKey:    step.ContextKey,
		Capability: step.Capability,
	}}
}

func (r *Router) auditStepFailed(ctx context.Context, st *state.RunState, step plan.Step, cls core.Classification) {
	r.auditRecord(ctx, checkpoint.AuditRecord{
		ThreadID:   st.ThreadID,
		TurnID:     st.TurnID,
		StepKey:    step.ContextKey,
		Capability: step.Capability,
		Event:      checkpoint.AuditStepFailed,
		Severity:   string(cls.Severity),
		Detail:     cls.Detail,
	})
	failed := core.NewEvent(core.EventStepFailed, st.ThreadID, st.TurnID,
		map[string]any{"capability": step.Capability, "severity": string(cls.Severity), "error": cls.Detail})
	failed.StepKey = step.ContextKey
	r.events.Emit(ctx, failed)
}

// execute invokes the capability, converting a panic into a fatal invariant
// error instead of taking the process down.
func execute(ctx context.Context, capability core.Capability, req core.Request, view core.StateView) (delta *core.Delta, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			delta = nil
			err = errors.NewInvariantError(
				fmt.Sprintf("capability %q panicked: %v", capability.Name(), rec)).
				WithContext("step_key", req.StepKey)
		}
	}()
	return capability.Execute(ctx, req, view)
}

// gatherInputs resolves the step's declared inputs against the persistent
// partition, keyed by context type the way capabilities consume them. The
// validator proved each one exists, so a miss here is an engine bug.
func gatherInputs(st *state.RunState, step plan.Step) (map[string]core.Entry, error) {
	if len(step.Inputs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]core.Entry, len(step.Inputs))
	for contextType, contextKey := range step.Inputs {
		entry, ok := st.Context.Get(contextType, contextKey)
		if !ok {
			return nil, errors.NewInvariantError(
				fmt.Sprintf("validated input %s/%s missing at dispatch of step %q", contextType, contextKey, step.ContextKey))
		}
		inputs[contextType] = entry
	}
	return inputs, nil
}

// deltaViolation checks the write discipline: a step writes exactly its
// declared (output type, context key) and nothing else.
func deltaViolation(delta *core.Delta, step plan.Step) string {
	if delta == nil || len(delta.Entries) == 0 {
		return fmt.Sprintf("capability %q wrote nothing; step %q declares output %s/%s",
			step.Capability, step.ContextKey, step.OutputType, step.ContextKey)
	}
	for _, entry := range delta.Entries {
		if entry.Type != step.OutputType || entry.Key != step.ContextKey {
			return fmt.Sprintf("capability %q wrote %s/%s outside its declared output %s/%s",
				step.Capability, entry.Type, entry.Key, step.OutputType, step.ContextKey)
		}
	}
	return ""
}

func (r *Router) finishDone(ctx context.Context, st *state.RunState, pl *plan.Plan, start time.Time) (*RunResult, error) {
	result := &RunResult{
		ThreadID: st.ThreadID,
		TurnID:   st.TurnID,
		Status:   StatusDone,
		Context:  st.Context.Clone(),
		Steps:    stepReports(pl, st, "", ""),
	}
	if final, ok := pl.Final(); ok {
		if entry, found := st.Context.Get(final.OutputType, final.ContextKey); found {
			result.Response = responseText(entry.Value)
			result.ResponseType = final.OutputType
		}
	}

	if err := r.persist(ctx, st, pl, checkpoint.StatusDone, nil, result); err != nil {
		return nil, err
	}
	r.auditRecord(ctx, checkpoint.AuditRecord{
		ThreadID: st.ThreadID,
		TurnID:   st.TurnID,
		Event:    checkpoint.AuditRunCompleted,
		Detail:   fmt.Sprintf("steps=%d dispatches=%d", pl.Len(), st.Dispatches),
	})
	r.events.Emit(ctx, core.NewEvent(core.EventRunCompleted, st.ThreadID, st.TurnID,
		map[string]any{"response_type": result.ResponseType, "dispatches": st.Dispatches}))
	r.metrics.RecordRun(ctx, "done", time.Since(start).Seconds())
	slog.Default().Info("engine.run.done",
		slog.String("thread_id", st.ThreadID),
		slog.String("turn_id", st.TurnID),
		slog.Int("dispatches", st.Dispatches),
		slog.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (r *Router) finishFailed(ctx context.Context, st *state.RunState, pl *plan.Plan, failure *Failure, start time.Time) (*RunResult, error) {
	result := &RunResult{
		ThreadID: st.ThreadID,
		TurnID:   st.TurnID,
		Status:   StatusFailed,
		Failure:  failure,
		Context:  st.Context.Clone(),
		Steps:    stepReports(pl, st, failure.FailingStep, StepFailed),
	}

	// The run already failed; a checkpointing error must not mask the
	// report the caller needs.
	if err := r.persist(ctx, st, pl, checkpoint.StatusFailed, nil, result); err != nil {
		slog.Default().Error("engine.run.failed_unpersisted",
			slog.String("thread_id", st.ThreadID),
			slog.String("error", err.Error()),
		)
	}
	r.auditRecord(ctx, checkpoint.AuditRecord{
		ThreadID:   st.ThreadID,
		TurnID:     st.TurnID,
		StepKey:    failure.FailingStep,
		Event:      checkpoint.AuditRunFailed,
		Severity:   string(failure.Severity),
		Detail:     failure.TechnicalDetail,
		Capability: capabilityOf(pl, failure.FailingStep),
	})
	r.events.Emit(ctx, core.NewEvent(core.EventRunFailed, st.ThreadID, st.TurnID, map[string]any{
		"step_key": failure.FailingStep,
		"severity": string(failure.Severity),
		"code":     string(failure.Code),
	}))
	r.metrics.RecordRun(ctx, "failed", time.Since(start).Seconds())
	slog.Default().Error("engine.run.failed",
		slog.String("thread_id", st.ThreadID),
		slog.String("turn_id", st.TurnID),
		slog.String("step_key", failure.FailingStep),
		slog.String("severity", string(failure.Severity)),
		slog.String("code", string(failure.Code)),
		slog.String("detail", failure.TechnicalDetail),
	)
	return result, nil
}

// suspendRun checkpoints the approval request and hands control back to the
// caller. The suspension must be durable before it is reported, so a store
// failure here surfaces as an error rather than a suspended result.
func (r *Router) suspendRun(ctx context.Context, st *state.RunState, pl *plan.Plan, step plan.Step, need approvalNeed, start time.Time) (*RunResult, error) {
	description := need.description
	if description == "" {
		description = describeStep(step)
	}
	now := time.Now().UTC()
	pending := &ApprovalRequest{
		ID:          uuid.NewString(),
		ThreadID:    st.ThreadID,
		StepKey:     step.ContextKey,
		Capability:  step.Capability,
		Description: description,
		Reason:      need.reason,
		RequestedAt: now,
		ExpiresAt:   now.Add(r.approvalTTL),
	}
	if err := r.persist(ctx, st, pl, checkpoint.StatusSuspended, pending, nil); err != nil {
		return nil, err
	}

	r.metrics.RecordSuspension(ctx, step.Capability)
	r.auditRecord(ctx, checkpoint.AuditRecord{
		ThreadID:   st.ThreadID,
		TurnID:     st.TurnID,
		StepKey:    step.ContextKey,
		Capability: step.Capability,
		Event:      checkpoint.AuditRunSuspended,
		Detail:     need.reason,
	})
	suspended := core.NewEvent(core.EventRunSuspended, st.ThreadID, st.TurnID, map[string]any{
		"capability":  step.Capability,
		"approval_id": pending.ID,
		"expires_at":  pending.ExpiresAt,
	})
	suspended.StepKey = step.ContextKey
	r.events.Emit(ctx, suspended)
	r.metrics.RecordRun(ctx, "suspended", time.Since(start).Seconds())
	slog.Default().Info("engine.run.suspended",
		slog.String("thread_id", st.ThreadID),
		slog.String("turn_id", st.TurnID),
		slog.String("step_key", step.ContextKey),
		slog.String("capability", step.Capability),
		slog.Time("expires_at", pending.ExpiresAt),
	)

	return &RunResult{
		ThreadID: st.ThreadID,
		TurnID:   st.TurnID,
		Status:   StatusSuspended,
		Pending:  pending.Clone(),
		Context:  st.Context.Clone(),
		Steps:    stepReports(pl, st, step.ContextKey, StepSuspended),
	}, nil
}

// stepReports summarizes plan progress for a result. markKey/markStatus tag
// the step the run stopped on; completed steps are everything behind the
// cursor.
func stepReports(pl *plan.Plan, st *state.RunState, markKey, markStatus string) []StepReport {
	if pl == nil {
		return nil
	}
	reports := make([]StepReport, 0, pl.Len())
	for i, step := range pl.Steps {
		status := StepSkipped
		switch {
		case markStatus != "" && step.ContextKey == markKey:
			status = markStatus
		case i < st.Cursor:
			status = StepCompleted
		}
		reports = append(reports, StepReport{
			Key:        step.ContextKey,
			Capability: step.Capability,
			Attempts:   st.StepRetries[step.ContextKey],
			Status:     status,
		})
	}
	return reports
}

func failureFrom(cls core.Classification) *Failure {
	message := cls.UserMessage
	if message == "" {
		message = "Something went wrong while completing your request."
	}
	return &Failure{
		UserMessage:     message,
		TechnicalDetail: cls.Detail,
		FailingStep:     cls.StepKey,
		Severity:        cls.Severity,
		Code:            cls.Code,
	}
}

func describeStep(step plan.Step) string {
	if step.Objective != "" {
		return fmt.Sprintf("%s: %s", step.Capability, step.Objective)
	}
	return step.Capability
}

func cursorKey(pl *plan.Plan, cursor int) string {
	if pl == nil || cursor >= pl.Len() {
		return ""
	}
	return pl.Steps[cursor].ContextKey
}

func capabilityOf(pl *plan.Plan, stepKey string) string {
	if pl == nil || stepKey == "" {
		return ""
	}
	if step, ok := pl.StepByKey(stepKey); ok {
		return step.Capability
	}
	return ""
}

func responseText(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case fmt.Stringer:
		return value.String()
	default:
		return fmt.Sprintf("%v", value)
	}
}
