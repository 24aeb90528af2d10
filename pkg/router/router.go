// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

// Package router implements the execution loop: it walks a validated plan,
// dispatches steps to their capabilities, applies the resulting context
// deltas, and decides every transition — advance, retry, replan, suspend
// for approval, or terminate. It is the only component that mutates run
// state, and it checkpoints the run at every transition so a suspended
// thread survives a process restart.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/praxislabs/praxis/pkg/checkpoint"
	"github.com/praxislabs/praxis/pkg/config"
	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
	"github.com/praxislabs/praxis/pkg/plan"
	"github.com/praxislabs/praxis/pkg/planner"
	"github.com/praxislabs/praxis/pkg/policy"
	"github.com/praxislabs/praxis/pkg/recovery"
	"github.com/praxislabs/praxis/pkg/registry"
	"github.com/praxislabs/praxis/pkg/state"
	"github.com/praxislabs/praxis/pkg/telemetry"
)

const (
	defaultMaxSteps        = 32
	defaultMaxPlanAttempts = 3
	defaultApprovalTTL     = 24 * time.Hour
)

// Router drives runs through the plan state machine. All methods are safe
// for concurrent use; runs on different threads proceed in parallel while
// invocations on the same thread serialize.
type Router struct {
	registry    *registry.Registry
	planner     planner.Planner
	store       checkpoint.Store
	audit       checkpoint.AuditStore
	coordinator *recovery.Coordinator
	rules       *policy.RuleSet
	hook        policy.Hook
	events      core.EventEmitter
	metrics     *telemetry.EngineMetrics
	tracer      trace.Tracer

	maxSteps        int
	maxPlanAttempts int
	denyBehavior    DenyBehavior
	approvalTTL     time.Duration

	mu      sync.Mutex
	threads map[string]*thread
}

// thread serializes invocations per thread id and tracks the in-flight
// run's cancel function.
type thread struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option configures a Router.
type Option func(*Router)

// WithCoordinator replaces the default recovery coordinator.
func WithCoordinator(c *recovery.Coordinator) Option {
	return func(r *Router) { r.coordinator = c }
}

// WithRules installs the policy rule set evaluated before every dispatch.
func WithRules(rs *policy.RuleSet) Option {
	return func(r *Router) { r.rules = rs }
}

// WithApprovalHook installs a synchronous approval resolver. Without one,
// every approval-gated step suspends the run.
func WithApprovalHook(h policy.Hook) Option {
	return func(r *Router) { r.hook = h }
}

// WithAuditStore replaces the default in-memory audit trail.
func WithAuditStore(a checkpoint.AuditStore) Option {
	return func(r *Router) { r.audit = a }
}

// WithEventEmitter installs the semantic event sink.
func WithEventEmitter(e core.EventEmitter) Option {
	return func(r *Router) { r.events = e }
}

// WithMetrics installs the engine metric set. A nil set records nothing.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithEngineConfig applies the step, plan-attempt and deny-behavior
// settings from configuration.
func WithEngineConfig(cfg config.EngineConfig) Option {
	return func(r *Router) {
		if cfg.MaxSteps > 0 {
			r.maxSteps = cfg.MaxSteps
		}
		if cfg.MaxPlanAttempts > 0 {
			r.maxPlanAttempts = cfg.MaxPlanAttempts
		}
		if cfg.DenyBehavior != "" {
			r.denyBehavior = DenyBehavior(cfg.DenyBehavior)
		}
	}
}

// WithApprovalTTL sets how long a pending approval stays resumable before
// the sweeper fails the run.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(r *Router) {
		if ttl > 0 {
			r.approvalTTL = ttl
		}
	}
}

// New builds a Router over a registry, a planner and a checkpoint store. A
// nil store falls back to an in-memory one.
func New(reg *registry.Registry, p planner.Planner, store checkpoint.Store, opts ...Option) (*Router, error) {
	if reg == nil {
		return nil, errors.NewInvalidInputError("router requires a registry")
	}
	if p == nil {
		return nil, errors.NewInvalidInputError("router requires a planner")
	}
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	r := &Router{
		registry:        reg,
		planner:         p,
		store:           store,
		audit:           checkpoint.NewMemoryAuditStore(),
		coordinator:     recovery.NewCoordinator(),
		rules:           policy.NewRuleSet(),
		events:          core.NoopEventEmitter{},
		tracer:          otel.Tracer("praxis/router"),
		maxSteps:        defaultMaxSteps,
		maxPlanAttempts: defaultMaxPlanAttempts,
		denyBehavior:    DenyReplan,
		approvalTTL:     defaultApprovalTTL,
		threads:         make(map[string]*thread),
	}
	for _, opt := range opts {
		opt(r)
	}
	switch r.denyBehavior {
	case DenyReplan, DenyFail:
	default:
		return nil, errors.NewInvalidInputError(
			fmt.Sprintf("unknown deny behavior %q", r.denyBehavior))
	}
	return r, nil
}

// RunOption adjusts a single invocation.
type RunOption func(*runSettings)

type runSettings struct {
	capabilities []string
}

// WithActiveCapabilities restricts the run to the named capabilities plus
// the terminal ones, which always stay in scope. An empty list means every
// registered capability.
func WithActiveCapabilities(names ...string) RunOption {
	return func(s *runSettings) { s.capabilities = names }
}

// lockThread returns the per-thread lock, locked. The caller unlocks it.
func (r *Router) lockThread(threadID string) *thread {
	r.mu.Lock()
	t, ok := r.threads[threadID]
	if !ok {
		t = &thread{}
		r.threads[threadID] = t
	}
	r.mu.Unlock()
	t.mu.Lock()
	return t
}

func (r *Router) setActive(threadID string, cancel context.CancelFunc) {
	r.mu.Lock()
	if t, ok := r.threads[threadID]; ok {
		t.cancel = cancel
	}
	r.mu.Unlock()
}

func (r *Router) activeCancel(threadID string) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.threads[threadID]; ok {
		return t.cancel
	}
	return nil
}

// Run executes one conversation turn on a thread: it builds a plan for the
// task, walks it step by step, and returns a done, failed or suspended
// result. Persistent context from the thread's earlier turns is visible to
// the new plan; running a thread that is currently suspended is a conflict.
func (r *Router) Run(ctx context.Context, threadID, task string, opts ...RunOption) (*RunResult, error) {
	if threadID == "" {
		return nil, errors.NewInvalidInputError("thread id is required")
	}
	if strings.TrimSpace(task) == "" {
		return nil, errors.NewInvalidInputError("task is required")
	}
	var settings runSettings
	for _, opt := range opts {
		opt(&settings)
	}

	t := r.lockThread(threadID)
	defer t.mu.Unlock()

	ctx = core.WithThreadID(ctx, threadID)
	ctx, turnID := core.EnsureTurnID(ctx)
	ctx, span := r.tracer.Start(ctx, "Engine.Run",
		trace.WithAttributes(telemetry.ThreadAttributes(threadID, turnID)...))
	defer span.End()
	start := time.Now()
	log := slog.Default()
	traceID, spanID := traceIDs(span)

	log.Info("engine.run.start",
		slog.String("thread_id", threadID),
		slog.String("turn_id", turnID),
		slog.String("trace_id", traceID),
		slog.String("span_id", spanID),
		slog.String("task", truncate(task, 200)),
	)

	prior, err := r.store.Load(ctx, threadID)
	if err != nil && !checkpoint.IsNotFound(err) {
		span.RecordError(err)
		return nil, err
	}
	if prior != nil && prior.Status == checkpoint.StatusSuspended {
		return nil, errors.NewConflictError("thread is suspended awaiting a decision; resume or cancel it first").
			WithContext("thread_id", threadID)
	}

	var priorContext state.Partition
	if prior != nil {
		priorContext = prior.Context
	}
	st := state.NewRunState(task, priorContext)
	st.ThreadID = threadID
	st.TurnID = turnID
	st.ActiveCapabilities = settings.capabilities

	r.events.Emit(ctx, core.NewEvent(core.EventRunStarted, threadID, turnID,
		map[string]any{"task": task}))

	pl, failure := r.plan(ctx, st, false)
	if failure != nil {
		return r.finishFailed(ctx, st, nil, failure, start)
	}
	if err := r.persist(ctx, st, pl, checkpoint.StatusRunning, nil, nil); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.setActive(threadID, cancel)
	defer func() {
		cancel()
		r.setActive(threadID, nil)
	}()
	return r.loop(runCtx, st, pl, start)
}

// Resume applies a decision to a suspended thread and continues the run.
// Resuming a thread whose run already finished returns the stored terminal
// result unchanged, so repeated resume calls are idempotent.
func (r *Router) Resume(ctx context.Context, threadID string, decision Decision) (*RunResult, error) {
	if threadID == "" {
		return nil, errors.NewInvalidInputError("thread id is required")
	}
	if err := decision.validate(); err != nil {
		return nil, err
	}

	t := r.lockThread(threadID)
	defer t.mu.Unlock()

	cp, err := r.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp.Status.Terminal() {
		if cp.Result != nil {
			return cp.Result, nil
		}
		return nil, errors.NewConflictError("thread already finished").
			WithContext("thread_id", threadID).
			WithContext("status", string(cp.Status))
	}
	if cp.Status != checkpoint.StatusSuspended || cp.Pending == nil {
		return nil, errors.NewConflictError("thread has no pending approval").
			WithContext("thread_id", threadID).
			WithContext("status", string(cp.Status))
	}

	ctx = core.WithThreadID(ctx, threadID)
	ctx = core.WithTurnID(ctx, cp.TurnID)
	ctx, span := r.tracer.Start(ctx, "Engine.Resume", trace.WithAttributes(
		append(telemetry.ThreadAttributes(threadID, cp.TurnID),
			telemetry.ApprovalAttributes(cp.Pending.ID, cp.Pending.Capability, string(decision.Kind))...)...))
	defer span.End()
	start := time.Now()
	log := slog.Default()

	pending := cp.Pending
	pl := cp.Plan

	// Invalid edits must leave the suspension untouched, so they are
	// checked before any state transition.
	if decision.Kind == DecisionEdit {
		edited, err := r.applyEdit(cp, decision)
		if err != nil {
			log.Warn("engine.resume.edit_rejected",
				slog.String("thread_id", threadID),
				slog.String("step_key", pending.StepKey),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		pl = edited
	}

	r.metrics.RecordDecision(ctx, string(decision.Kind))
	r.events.Emit(ctx, core.NewEvent(core.EventRunResumed, threadID, cp.TurnID, map[string]any{
		"decision":   string(decision.Kind),
		"step_key":   pending.StepKey,
		"capability": pending.Capability,
		"reason":     decision.Reason,
	}))
	r.auditRecord(ctx, checkpoint.AuditRecord{
		ThreadID:   threadID,
		TurnID:     cp.TurnID,
		StepKey:    pending.StepKey,
		Capability: pending.Capability,
		Event:      checkpoint.AuditRunResumed,
		Detail:     fmt.Sprintf("decision=%s reason=%s", decision.Kind, decision.Reason),
	})
	log.Info("engine.run.resumed",
		slog.String("thread_id", threadID),
		slog.String("turn_id", cp.TurnID),
		slog.String("step_key", pending.StepKey),
		slog.String("decision", string(decision.Kind)),
	)

	st := restoreState(cp)

	if decision.Kind == DecisionDeny {
		if r.denyBehavior == DenyFail {
			failure := &Failure{
				UserMessage:     "The requested action was not approved.",
				TechnicalDetail: denialDetail(pending, decision.Reason),
				FailingStep:     pending.StepKey,
				Severity:        core.SeverityCritical,
				Code:            errors.CodeUnsatisfiable,
			}
			return r.finishFailed(ctx, st, pl, failure, start)
		}
		cls := core.Classification{
			Severity:   core.SeverityReplanning,
			Code:       errors.CodeUnsatisfiable,
			Detail:     denialDetail(pending, decision.Reason),
			StepKey:    pending.StepKey,
			Capability: pending.Capability,
		}
		newPl, failure := r.replan(ctx, st, cls, "approval_denied")
		if failure != nil {
			return r.finishFailed(ctx, st, pl, failure, start)
		}
		pl = newPl
	} else {
		// Approve and edit both authorize the pending step; the grant
		// survives retries of that step.
		st.Approve(pending.StepKey)
	}

	if err := r.persist(ctx, st, pl, checkpoint.StatusRunning, nil, nil); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.setActive(threadID, cancel)
	defer func() {
		cancel()
		r.setActive(threadID, nil)
	}()
	return r.loop(runCtx, st, pl, start)
}

// Cancel aborts a thread. An in-flight run is interrupted at its next
// cancellation point and fails with a cancellation report; a suspended
// thread fails immediately. Returns false when there was nothing to
// cancel.
func (r *Router) Cancel(ctx context.Context, threadID string) bool {
	if cancel := r.activeCancel(threadID); cancel != nil {
		cancel()
		return true
	}

	t := r.lockThread(threadID)
	defer t.mu.Unlock()

	cp, err := r.store.Load(ctx, threadID)
	if err != nil || cp.Status != checkpoint.StatusSuspended {
		return false
	}

	stepKey := ""
	if cp.Pending != nil {
		stepKey = cp.Pending.StepKey
	}
	failure := &Failure{
		UserMessage:     "The run was cancelled.",
		TechnicalDetail: "cancelled while suspended awaiting approval",
		FailingStep:     stepKey,
		Severity:        core.SeverityCritical,
		Code:            errors.CodeCancelled,
	}
	cp.Status = checkpoint.StatusFailed
	cp.Result = &RunResult{
		ThreadID: cp.ThreadID,
		TurnID:   cp.TurnID,
		Status:   StatusFailed,
		Failure:  failure,
		Context:  cp.Context,
	}
	cp.UpdatedAt = time.Now().UTC()
	if err := r.store.Save(ctx, cp); err != nil {
		slog.Default().Error("engine.cancel.store_error",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
		return false
	}

	r.auditRecord(ctx, checkpoint.AuditRecord{
		ThreadID: threadID,
		TurnID:   cp.TurnID,
		StepKey:  stepKey,
		Event:    checkpoint.AuditRunCancelled,
		Severity: string(core.SeverityCritical),
		Detail:   "cancelled while suspended",
	})
	r.events.Emit(ctx, core.NewEvent(core.EventRunFailed, threadID, cp.TurnID,
		map[string]any{"reason": "cancelled"}))
	slog.Default().Info("engine.run.cancelled",
		slog.String("thread_id", threadID),
		slog.String("turn_id", cp.TurnID),
	)
	return true
}

// ExpireApprovals fails every suspended run whose pending approval passed
// its deadline, and returns how many it expired. The approval sweeper
// calls this on a timer.
func (r *Router) ExpireApprovals(ctx context.Context) (int, error) {
	expired, err := r.store.ExpirePending(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	log := slog.Default()
	for _, cp := range expired {
		stepKey, capability := "", ""
		if cp.Pending != nil {
			stepKey = cp.Pending.StepKey
			capability = cp.Pending.Capability
		}
		r.auditRecord(ctx, checkpoint.AuditRecord{
			ThreadID:   cp.ThreadID,
			TurnID:     cp.TurnID,
			StepKey:    stepKey,
			Capability: capability,
			Event:      checkpoint.AuditApprovalExpired,
			Severity:   string(core.SeverityCritical),
			Detail:     "pending approval passed its deadline",
		})
		r.events.Emit(ctx, core.NewEvent(core.EventApprovalExpired, cp.ThreadID, cp.TurnID,
			map[string]any{"step_key": stepKey, "capability": capability}))
		log.Info("engine.approval.expired",
			slog.String("thread_id", cp.ThreadID),
			slog.String("step_key", stepKey),
			slog.String("capability", capability),
		)
	}
	if len(expired) > 0 {
		r.metrics.RecordApprovalExpired(ctx, int64(len(expired)))
	}
	return len(expired), nil
}

// Checkpoints exposes the backing store for hosts that list threads.
func (r *Router) Checkpoints() checkpoint.Store { return r.store }

// Audit exposes the audit trail for hosts that display run history.
func (r *Router) Audit() checkpoint.AuditStore { return r.audit }

// plan asks the planner for a plan and validates it, retrying with the
// validation error as feedback while plan attempts remain. Planner errors
// end the run: as a precondition failure on the first build, as exhausted
// replanning afterwards.
func (r *Router) plan(ctx context.Context, st *state.RunState, replanning bool) (*plan.Plan, *Failure) {
	log := slog.Default()
	catalog := r.catalog(st.ActiveCapabilities)

	for {
		if st.PlanAttempts >= r.maxPlanAttempts {
			return nil, &Failure{
				UserMessage:     "I could not put together a workable plan for this request.",
				TechnicalDetail: fmt.Sprintf("plan attempts exhausted after %d builds: %s", st.PlanAttempts, st.LastError),
				Severity:        core.SeverityReplanning,
				Code:            errors.CodePlanInvalid,
			}
		}
		st.PlanAttempts++
		attempt := st.PlanAttempts

		planCtx, span := r.tracer.Start(ctx, "Engine.Plan",
			trace.WithAttributes(telemetry.PlanAttributes(attempt, 0)...))
		pl, err := r.planner.BuildPlan(planCtx, planner.PlanRequest{
			ThreadID:     st.ThreadID,
			Task:         st.Task,
			Capabilities: r.capabilitySummaries(st.ActiveCapabilities),
			Context:      planner.SummarizeContext(st.View()),
			PriorFailure: st.LastError,
			Profile:      r.plannerProfile(),
		})
		if err != nil {
			span.RecordError(err)
			span.End()
			log.Error("engine.plan.failed",
				slog.String("thread_id", st.ThreadID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			wrapped := errors.WrapPlannerError(err, attempt)
			if replanning {
				return nil, &Failure{
					UserMessage:     "I could not put together a workable plan for this request.",
					TechnicalDetail: wrapped.Error(),
					Severity:        core.SeverityReplanning,
					Code:            errors.CodePlannerFailure,
				}
			}
			return nil, &Failure{
				UserMessage:     "Planning failed before any work started.",
				TechnicalDetail: wrapped.Error(),
				Severity:        core.SeverityCritical,
				Code:            errors.CodePlannerFailure,
			}
		}

		if err := pl.Validate(catalog, state.ViewOf(st.Context)); err != nil {
			span.RecordError(err)
			span.End()
			log.Warn("engine.plan.rejected",
				slog.String("thread_id", st.ThreadID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			r.auditRecord(ctx, checkpoint.AuditRecord{
				ThreadID: st.ThreadID,
				TurnID:   st.TurnID,
				Event:    checkpoint.AuditPlanRejected,
				Detail:   err.Error(),
			})
			r.events.Emit(ctx, core.NewEvent(core.EventPlanRejected, st.ThreadID, st.TurnID,
				map[string]any{"attempt": attempt, "error": err.Error()}))
			st.LastError = err.Error()
			replanning = true
			continue
		}
		span.End()

		r.auditRecord(ctx, checkpoint.AuditRecord{
			ThreadID: st.ThreadID,
			TurnID:   st.TurnID,
			Event:    checkpoint.AuditPlanAccepted,
			Detail:   fmt.Sprintf("attempt=%d steps=%d", attempt, pl.Len()),
		})
		r.events.Emit(ctx, core.NewEvent(core.EventPlanBuilt, st.ThreadID, st.TurnID,
			map[string]any{"attempt": attempt, "steps": pl.Len(), "keys": pl.Keys()}))
		log.Info("engine.plan.accepted",
			slog.String("thread_id", st.ThreadID),
			slog.Int("attempt", attempt),
			slog.Int("steps", pl.Len()),
		)
		return pl, nil
	}
}

// replan discards the current plan and asks for a new one, carrying the
// classification detail as planner feedback. The persistent partition and
// the budget counters survive.
func (r *Router) replan(ctx context.Context, st *state.RunState, cls core.Classification, trigger string) (*plan.Plan, *Failure) {
	st.LastError = replanFeedback(cls)
	st.ResetPlan()

	r.metrics.RecordReplan(ctx, trigger)
	r.events.Emit(ctx, core.NewEvent(core.EventReplan, st.ThreadID, st.TurnID, map[string]any{
		"trigger":  trigger,
		"step_key": cls.StepKey,
		"detail":   cls.Detail,
	}))
	r.auditRecord(ctx, checkpoint.AuditRecord{
		ThreadID:   st.ThreadID,
		TurnID:     st.TurnID,
		StepKey:    cls.StepKey,
		Capability: cls.Capability,
		Event:      checkpoint.AuditRunReplanned,
		Severity:   string(cls.Severity),
		Detail:     st.LastError,
	})
	slog.Default().Info("engine.run.replan",
		slog.String("thread_id", st.ThreadID),
		slog.String("trigger", trigger),
		slog.String("step_key", cls.StepKey),
	)

	newPl, failure := r.plan(ctx, st, true)
	if failure != nil {
		return nil, failure
	}
	if err := r.persist(ctx, st, newPl, checkpoint.StatusRunning, nil, nil); err != nil {
		return nil, &Failure{
			UserMessage:     "Something went wrong while saving progress.",
			TechnicalDetail: err.Error(),
			Severity:        core.SeverityCritical,
			Code:            errors.CodeStoreFailure,
		}
	}
	return newPl, nil
}

// catalog returns the capability catalog scoped to the run's active set.
// Terminal capabilities always stay in scope so a restricted run can still
// produce a valid plan.
func (r *Router) catalog(active []string) core.Catalog {
	if len(active) == 0 {
		return r.registry
	}
	allowed := make(map[string]bool, len(active))
	for _, name := range active {
		allowed[name] = true
	}
	return scopedCatalog{inner: r.registry, allowed: allowed}
}

type scopedCatalog struct {
	inner   core.Catalog
	allowed map[string]bool
}

func (c scopedCatalog) Describe(name string) (core.Descriptor, bool) {
	d, ok := c.inner.Describe(name)
	if !ok {
		return core.Descriptor{}, false
	}
	if c.allowed[name] || d.Terminal() {
		return d, true
	}
	return core.Descriptor{}, false
}

func (r *Router) capabilitySummaries(active []string) []planner.CapabilitySummary {
	descriptors := r.registry.Capabilities()
	if len(active) == 0 {
		return planner.SummarizeAll(descriptors)
	}
	allowed := make(map[string]bool, len(active))
	for _, name := range active {
		allowed[name] = true
	}
	scoped := make([]core.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if allowed[d.Name] || d.Terminal() {
			scoped = append(scoped, d)
		}
	}
	return planner.SummarizeAll(scoped)
}

func (r *Router) plannerProfile() string {
	if profile, ok := r.registry.PromptProfile("default"); ok {
		return profile.System
	}
	return ""
}

// applyEdit clones the stored plan, swaps the suspended step's inputs and
// parameters, and re-validates. The stored checkpoint is never touched, so
// a rejected edit leaves the suspension exactly as it was.
func (r *Router) applyEdit(cp *checkpoint.Checkpoint, decision Decision) (*plan.Plan, error) {
	edited := cp.Plan.Clone()
	if edited == nil {
		return nil, errors.NewInvariantError("suspended checkpoint has no plan")
	}
	found := false
	for i := range edited.Steps {
		if edited.Steps[i].ContextKey != cp.Pending.StepKey {
			continue
		}
		if decision.Inputs != nil {
			edited.Steps[i].Inputs = decision.Inputs
		}
		if decision.Parameters != nil {
			edited.Steps[i].Parameters = decision.Parameters
		}
		found = true
		break
	}
	if !found {
		return nil, errors.NewInvariantError(
			fmt.Sprintf("pending step %q is not in the stored plan", cp.Pending.StepKey))
	}
	if err := edited.Validate(r.catalog(cp.Active), state.ViewOf(cp.Context)); err != nil {
		return nil, errors.New(errors.CodePlanInvalid, "edited step failed validation", err).
			WithContext("step_key", cp.Pending.StepKey)
	}
	return edited, nil
}

// persist checkpoints the run in its current position.
func (r *Router) persist(ctx context.Context, st *state.RunState, pl *plan.Plan, status checkpoint.Status, pending *ApprovalRequest, result *RunResult) error {
	cp := &checkpoint.Checkpoint{
		ThreadID:     st.ThreadID,
		TurnID:       st.TurnID,
		Status:       status,
		Task:         st.Task,
		Active:       st.ActiveCapabilities,
		Cursor:       st.Cursor,
		PlanAttempts: st.PlanAttempts,
		Dispatches:   st.Dispatches,
		StepRetries:  st.StepRetries,
		Approvals:    st.Approvals,
		Context:      st.Context,
		Plan:         pl,
		Pending:      pending,
		Result:       result,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := r.store.Save(ctx, cp); err != nil {
		slog.Default().Error("engine.checkpoint.store_error",
			slog.String("thread_id", st.ThreadID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// restoreState rebuilds run state from a suspended checkpoint.
func restoreState(cp *checkpoint.Checkpoint) *state.RunState {
	st := state.NewRunState(cp.Task, cp.Context)
	st.ThreadID = cp.ThreadID
	st.TurnID = cp.TurnID
	st.ActiveCapabilities = cp.Active
	st.Cursor = cp.Cursor
	st.PlanAttempts = cp.PlanAttempts
	st.Dispatches = cp.Dispatches
	for k, v := range cp.StepRetries {
		st.StepRetries[k] = v
	}
	for k, v := range cp.Approvals {
		if v {
			st.Approvals[k] = true
		}
	}
	return st
}

// auditRecord appends to the audit trail, logging instead of failing the
// run when the trail itself is down.
func (r *Router) auditRecord(ctx context.Context, record checkpoint.AuditRecord) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Append(ctx, record); err != nil {
		slog.Default().Warn("engine.audit.append_error",
			slog.String("thread_id", record.ThreadID),
			slog.String("event", record.Event),
			slog.String("error", err.Error()),
		)
	}
}

func denialDetail(pending *ApprovalRequest, reason string) string {
	detail := fmt.Sprintf("approval denied for %s (step %s)", pending.Capability, pending.StepKey)
	if reason != "" {
		detail += ": " + reason
	}
	return detail
}

func replanFeedback(cls core.Classification) string {
	if cls.StepKey == "" {
		return cls.Detail
	}
	return fmt.Sprintf("step %s (%s) failed: %s", cls.StepKey, cls.Capability, cls.Detail)
}

func traceIDs(span trace.Span) (string, string) {
	sc := span.SpanContext()
	return sc.TraceID().String(), sc.SpanID().String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
