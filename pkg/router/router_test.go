// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/praxislabs/praxis/pkg/checkpoint"
	"github.com/praxislabs/praxis/pkg/config"
	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
	"github.com/praxislabs/praxis/pkg/plan"
	"github.com/praxislabs/praxis/pkg/policy"
	"github.com/praxislabs/praxis/pkg/recovery"
	"github.com/praxislabs/praxis/pkg/testkit"
)

func step(key, capability, output string) plan.Step {
	return plan.Step{ContextKey: key, Capability: capability, OutputType: output}
}

// fastRetries keeps retry-path tests from sleeping through real backoff.
func fastRetries() *recovery.Coordinator {
	return recovery.NewCoordinator().
		WithOrdinaryPolicy(core.RetryPolicy{MaxAttempts: 3, Delay: 0, BackoffFactor: 1.0}).
		WithInfrastructurePolicy(core.RetryPolicy{MaxAttempts: 2, Delay: 0, BackoffFactor: 1.0})
}

func buildRouter(t *testing.T, p *testkit.ScriptedPlanner, store checkpoint.Store, caps []*testkit.Capability, opts ...Option) *Router {
	t.Helper()
	reg, err := testkit.BuildRegistry(caps...)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	r, err := New(reg, p, store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRunHappyPath(t *testing.T) {
	fetch := testkit.NewCapability("fetch_data").Provides("record").WithValue("order #42, status shipped")
	summarize := testkit.NewCapability("summarize").Provides("summary").Requires("record").WithValue("order is on its way")
	respond := testkit.Terminal("respond").Provides("response").Requires("summary").WithValue("Your order is on its way.")

	pl := &plan.Plan{Steps: []plan.Step{
		step("fetch", "fetch_data", "record"),
		{ContextKey: "sum", Capability: "summarize", OutputType: "summary", Inputs: map[string]string{"record": "fetch"}},
		{ContextKey: "reply", Capability: "respond", OutputType: "response", Inputs: map[string]string{"summary": "sum"}},
	}}
	planner := testkit.NewPlanner().AddPlan(pl)
	store := checkpoint.NewMemoryStore()
	events := testkit.NewEventCollector()
	r := buildRouter(t, planner, store, []*testkit.Capability{fetch, summarize, respond},
		WithEventEmitter(events))

	result, err := r.Run(context.Background(), "th-happy", "where is my order?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusDone {
		t.Fatalf("expected done, got %s (failure: %+v)", result.Status, result.Failure)
	}
	if result.Response != "Your order is on its way." {
		t.Errorf("unexpected response %q", result.Response)
	}
	if result.ResponseType != "response" {
		t.Errorf("unexpected response type %q", result.ResponseType)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("expected 3 step reports, got %d", len(result.Steps))
	}
	for _, report := range result.Steps {
		if report.Status != StepCompleted || report.Attempts != 1 {
			t.Errorf("step %s: expected one completed attempt, got %+v", report.Key, report)
		}
	}

	// Inputs flow from earlier outputs, keyed by context type.
	req := summarize.LastRequest()
	if req == nil {
		t.Fatal("summarize was never dispatched")
	}
	if got := req.Inputs["record"].Value; got != "order #42, status shipped" {
		t.Errorf("summarize input: expected fetch output, got %v", got)
	}

	cp, err := store.Load(context.Background(), "th-happy")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Status != checkpoint.StatusDone || cp.Result == nil {
		t.Errorf("checkpoint should hold the terminal result, got status=%s result=%v", cp.Status, cp.Result)
	}
	if cp.Dispatches != 3 || cp.PlanAttempts != 1 {
		t.Errorf("expected 3 dispatches and 1 plan attempt, got %d and %d", cp.Dispatches, cp.PlanAttempts)
	}

	for _, want := range []core.EventType{
		core.EventRunStarted, core.EventPlanBuilt, core.EventStepStarted,
		core.EventStepCompleted, core.EventRunCompleted,
	} {
		if !events.HasEvent(want) {
			t.Errorf("missing event %s", want)
		}
	}
	if events.HasEvent(core.EventStepRetry) || events.HasEvent(core.EventReplan) {
		t.Error("clean run should not retry or replan")
	}

	records, err := r.Audit().ListByThread(context.Background(), "th-happy", 0)
	if err != nil {
		t.Fatalf("ListByThread: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("expected audit records")
	}
	if records[0].Event != checkpoint.AuditPlanAccepted {
		t.Errorf("audit trail should open with plan acceptance, got %s", records[0].Event)
	}
	if records[len(records)-1].Event != checkpoint.AuditRunCompleted {
		t.Errorf("audit trail should close with run completion, got %s", records[len(records)-1].Event)
	}
}

func TestRunRetryExhaustion(t *testing.T) {
	flaky := testkit.NewCapability("fetch_data").Provides("record").
		AlwaysFail(errors.New(errors.CodeUnavailable, "search backend down", nil))
	respond := testkit.Terminal("respond").Provides("response")

	pl := &plan.Plan{Steps: []plan.Step{
		step("fetch", "fetch_data", "record"),
		step("reply", "respond", "response"),
	}}
	events := testkit.NewEventCollector()
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), nil,
		[]*testkit.Capability{flaky, respond},
		WithCoordinator(fastRetries()), WithEventEmitter(events))

	result, err := r.Run(context.Background(), "th-retry", "find the order")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if flaky.Calls() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", flaky.Calls())
	}
	if got := events.CountOf(core.EventStepRetry); got != 2 {
		t.Errorf("expected 2 retry events, got %d", got)
	}

	failure := result.Failure
	if failure == nil {
		t.Fatal("failed result carries no failure report")
	}
	if failure.FailingStep != "fetch" || failure.Code != errors.CodeUnavailable {
		t.Errorf("unexpected failure: %+v", failure)
	}
	if failure.Severity != core.SeverityRetriable {
		t.Errorf("report should keep the classified severity, got %s", failure.Severity)
	}
	if !strings.Contains(failure.TechnicalDetail, "retries exhausted after 3 attempts") {
		t.Errorf("detail should name the exhaustion: %q", failure.TechnicalDetail)
	}
	if failure.UserMessage == "" || strings.Contains(failure.UserMessage, "backend") {
		t.Errorf("user message should be readable and free of internals: %q", failure.UserMessage)
	}

	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 step reports, got %d", len(result.Steps))
	}
	if result.Steps[0].Status != StepFailed || result.Steps[0].Attempts != 3 {
		t.Errorf("fetch report: %+v", result.Steps[0])
	}
	if result.Steps[1].Status != StepSkipped {
		t.Errorf("respond report: %+v", result.Steps[1])
	}

	// Retriable failures never reach the planner.
	if respond.Calls() != 0 {
		t.Errorf("respond should never run, got %d calls", respond.Calls())
	}
}

func TestRunReplansOnUnsatisfiableStep(t *testing.T) {
	lookup := testkit.NewCapability("lookup_order").Provides("record").
		AlwaysFail(errors.New(errors.CodeMissingContext, "order id absent from request", nil))
	search := testkit.NewCapability("search_orders").Provides("record").WithValue("order #42")
	respond := testkit.Terminal("respond").Provides("response").WithValue("Found it.")

	first := &plan.Plan{Steps: []plan.Step{
		step("find", "lookup_order", "record"),
		step("reply", "respond", "response"),
	}}
	second := &plan.Plan{Steps: []plan.Step{
		step("find", "search_orders", "record"),
		step("reply", "respond", "response"),
	}}
	planner := testkit.NewPlanner().AddPlan(first).AddPlan(second)
	store := checkpoint.NewMemoryStore()
	events := testkit.NewEventCollector()
	r := buildRouter(t, planner, store,
		[]*testkit.Capability{lookup, search, respond}, WithEventEmitter(events))

	result, err := r.Run(context.Background(), "th-replan", "find order 42")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusDone {
		t.Fatalf("expected done after replan, got %s (failure: %+v)", result.Status, result.Failure)
	}
	if planner.CallCount() != 2 {
		t.Fatalf("expected 2 plan builds, got %d", planner.CallCount())
	}

	// The second build sees what broke.
	feedback := planner.Requests()[1].PriorFailure
	if !strings.Contains(feedback, "find") || !strings.Contains(feedback, "order id absent") {
		t.Errorf("replan feedback should carry the failing step and detail: %q", feedback)
	}
	if !events.HasEvent(core.EventReplan) {
		t.Error("missing replan event")
	}

	// The dispatch budget spans plans: 1 failed lookup + 2 from the new plan.
	cp, err := store.Load(context.Background(), "th-replan")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Dispatches != 3 {
		t.Errorf("expected 3 dispatches across plans, got %d", cp.Dispatches)
	}
	if cp.PlanAttempts != 2 {
		t.Errorf("expected 2 plan attempts, got %d", cp.PlanAttempts)
	}
}

func TestRunPlanValidationRetriesThenFails(t *testing.T) {
	respond := testkit.Terminal("respond").Provides("response")

	// Every scripted plan references a capability that does not exist, so
	// validation rejects all three builds.
	bad := &plan.Plan{Steps: []plan.Step{
		step("x", "teleport", "record"),
		step("reply", "respond", "response"),
	}}
	planner := testkit.NewPlanner().AddPlan(bad).AddPlan(bad).AddPlan(bad)
	events := testkit.NewEventCollector()
	r := buildRouter(t, planner, nil, []*testkit.Capability{respond}, WithEventEmitter(events))

	result, err := r.Run(context.Background(), "th-badplan", "do the impossible")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Failure.Code != errors.CodePlanInvalid {
		t.Errorf("expected PLAN_INVALID, got %s", result.Failure.Code)
	}
	if planner.CallCount() != 3 {
		t.Errorf("expected 3 plan attempts, got %d", planner.CallCount())
	}
	if got := events.CountOf(core.EventPlanRejected); got != 3 {
		t.Errorf("expected 3 rejection events, got %d", got)
	}

	// Rejected builds feed the validation error back to the next attempt.
	second := planner.Requests()[1]
	if !strings.Contains(second.PriorFailure, "teleport") {
		t.Errorf("second build should see the validation error, got %q", second.PriorFailure)
	}
}

func TestRunPlannerFailureBeforeAnyWork(t *testing.T) {
	respond := testkit.Terminal("respond").Provides("response")
	planner := testkit.NewPlanner().AddError(stderrors.New("model unreachable"))
	r := buildRouter(t, planner, nil, []*testkit.Capability{respond})

	result, err := r.Run(context.Background(), "th-noplan", "anything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Failure.Code != errors.CodePlannerFailure || result.Failure.Severity != core.SeverityCritical {
		t.Errorf("unexpected failure: %+v", result.Failure)
	}
	if !strings.Contains(result.Failure.UserMessage, "before any work started") {
		t.Errorf("first-build planner failure should read as a precondition: %q", result.Failure.UserMessage)
	}
}

func TestRunPlannerFailureDuringReplan(t *testing.T) {
	lookup := testkit.NewCapability("lookup_order").Provides("record").
		AlwaysFail(errors.New(errors.CodeMissingContext, "nothing to look up", nil))
	respond := testkit.Terminal("respond").Provides("response")

	first := &plan.Plan{Steps: []plan.Step{
		step("find", "lookup_order", "record"),
		step("reply", "respond", "response"),
	}}
	planner := testkit.NewPlanner().AddPlan(first).AddError(stderrors.New("model unreachable"))
	r := buildRouter(t, planner, nil, []*testkit.Capability{lookup, respond})

	result, err := r.Run(context.Background(), "th-replanfail", "find order")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	// A planner error while replanning means replanning is exhausted, not a
	// precondition failure.
	if result.Failure.Code != errors.CodePlannerFailure || result.Failure.Severity != core.SeverityReplanning {
		t.Errorf("unexpected failure: %+v", result.Failure)
	}
}

func TestRunStepBudgetIsHardCeiling(t *testing.T) {
	fetch := testkit.NewCapability("fetch_data").Provides("record")
	summarize := testkit.NewCapability("summarize").Provides("summary")
	respond := testkit.Terminal("respond").Provides("response")

	pl := &plan.Plan{Steps: []plan.Step{
		step("fetch", "fetch_data", "record"),
		step("sum", "summarize", "summary"),
		step("reply", "respond", "response"),
	}}
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), nil,
		[]*testkit.Capability{fetch, summarize, respond},
		WithEngineConfig(config.EngineConfig{MaxSteps: 2}))

	result, err := r.Run(context.Background(), "th-budget", "long task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Failure.Code != errors.CodeUnsatisfiable {
		t.Errorf("budget exhaustion should be UNSATISFIABLE, got %s", result.Failure.Code)
	}
	if !strings.Contains(result.Failure.TechnicalDetail, "step budget exhausted") {
		t.Errorf("detail: %q", result.Failure.TechnicalDetail)
	}
	if result.Failure.FailingStep != "reply" {
		t.Errorf("the step denied a dispatch is the failing one, got %q", result.Failure.FailingStep)
	}
	if respond.Calls() != 0 {
		t.Errorf("respond should never dispatch past the budget, got %d", respond.Calls())
	}
}

func TestPolicyGateSuspendsWithoutHook(t *testing.T) {
	lookup := testkit.NewCapability("lookup_order").Provides("record").WithValue("order #42")
	cancel := testkit.NewCapability("cancel_order").Provides("confirmation")
	respond := testkit.Terminal("respond").Provides("response")

	pl := &plan.Plan{Steps: []plan.Step{
		step("find", "lookup_order", "record"),
		step("cancel", "cancel_order", "confirmation"),
		step("reply", "respond", "response"),
	}}
	store := checkpoint.NewMemoryStore()
	events := testkit.NewEventCollector()
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), store,
		[]*testkit.Capability{lookup, cancel, respond},
		WithRules(policy.NewRuleSet(policy.Rule{
			Pattern: "cancel_*", Effect: policy.EffectRequireApproval, Reason: "irreversible action",
		})),
		WithEventEmitter(events),
		WithApprovalTTL(time.Hour))

	result, err := r.Run(context.Background(), "th-suspend", "cancel my order")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusSuspended {
		t.Fatalf("expected suspended, got %s (failure: %+v)", result.Status, result.Failure)
	}
	pending := result.Pending
	if pending == nil {
		t.Fatal("suspended result carries no approval request")
	}
	if pending.StepKey != "cancel" || pending.Capability != "cancel_order" {
		t.Errorf("unexpected pending request: %+v", pending)
	}
	if pending.Reason != "irreversible action" {
		t.Errorf("pending reason should come from the policy rule, got %q", pending.Reason)
	}
	if pending.ExpiresAt.Before(pending.RequestedAt.Add(time.Hour - time.Minute)) {
		t.Errorf("expiry should honor the configured TTL: %+v", pending)
	}
	if cancel.Calls() != 0 {
		t.Errorf("the gated step must not dispatch before approval, got %d calls", cancel.Calls())
	}

	if len(result.Steps) != 3 {
		t.Fatalf("expected 3 step reports, got %d", len(result.Steps))
	}
	if result.Steps[0].Status != StepCompleted ||
		result.Steps[1].Status != StepSuspended ||
		result.Steps[2].Status != StepSkipped {
		t.Errorf("unexpected step reports: %+v", result.Steps)
	}

	cp, err := store.Load(context.Background(), "th-suspend")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Status != checkpoint.StatusSuspended || cp.Pending == nil || cp.Pending.ID != pending.ID {
		t.Errorf("suspension was not checkpointed: %+v", cp)
	}
	if !events.HasEvent(core.EventRunSuspended) {
		t.Error("missing suspension event")
	}
}

// suspendedThread runs a three-step plan that suspends on its approval-gated
// middle step and returns the router plus the doubles the assertions need.
func suspendedThread(t *testing.T, threadID string, opts ...Option) (*Router, *testkit.Capability, *testkit.ScriptedPlanner, checkpoint.Store) {
	t.Helper()
	lookup := testkit.NewCapability("lookup_order").Provides("record").WithValue("order #42")
	cancel := testkit.NewCapability("cancel_order").Provides("confirmation").WithValue("cancelled")
	respond := testkit.Terminal("respond").Provides("response").WithValue("Done: order cancelled.")

	pl := &plan.Plan{Steps: []plan.Step{
		step("find", "lookup_order", "record"),
		step("cancel", "cancel_order", "confirmation"),
		step("reply", "respond", "response"),
	}}
	planner := testkit.NewPlanner().AddPlan(pl)
	store := checkpoint.NewMemoryStore()
	opts = append([]Option{
		WithRules(policy.NewRuleSet(policy.Rule{
			Pattern: "cancel_*", Effect: policy.EffectRequireApproval, Reason: "irreversible action",
		})),
	}, opts...)
	r := buildRouter(t, planner, store, []*testkit.Capability{lookup, cancel, respond}, opts...)

	result, err := r.Run(context.Background(), threadID, "cancel my order")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusSuspended {
		t.Fatalf("setup expected suspension, got %s", result.Status)
	}
	return r, cancel, planner, store
}

func TestResumeApproveIsIdempotent(t *testing.T) {
	r, cancel, _, _ := suspendedThread(t, "th-approve")

	first, err := r.Resume(context.Background(), "th-approve", Approve("looks right"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if first.Status != StatusDone {
		t.Fatalf("expected done, got %s (failure: %+v)", first.Status, first.Failure)
	}
	if first.Response != "Done: order cancelled." {
		t.Errorf("unexpected response %q", first.Response)
	}
	if cancel.Calls() != 1 {
		t.Fatalf("expected one dispatch of the approved step, got %d", cancel.Calls())
	}
	if req := cancel.LastRequest(); !req.Approved {
		t.Error("approved step should dispatch with Approved set")
	}

	// A second approve replays the stored result without re-running anything.
	second, err := r.Resume(context.Background(), "th-approve", Approve("again"))
	if err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if second.Status != StatusDone || second.Response != first.Response {
		t.Errorf("replay should return the stored result, got %+v", second)
	}
	if cancel.Calls() != 1 {
		t.Errorf("replay must not redispatch: got %d calls", cancel.Calls())
	}
}

func TestResumeDenyRoutesToReplanner(t *testing.T) {
	r, cancel, planner, _ := suspendedThread(t, "th-deny")

	// The replacement plan routes around the denied capability.
	planner.AddPlan(&plan.Plan{Steps: []plan.Step{
		step("reply", "respond", "response"),
	}})

	result, err := r.Resume(context.Background(), "th-deny", Deny("customer changed their mind"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result.Status != StatusDone {
		t.Fatalf("expected done after deny-replan, got %s (failure: %+v)", result.Status, result.Failure)
	}
	if cancel.Calls() != 0 {
		t.Errorf("denied step must never dispatch, got %d calls", cancel.Calls())
	}
	if planner.CallCount() != 2 {
		t.Fatalf("expected a replan build, got %d builds", planner.CallCount())
	}
	feedback := planner.Requests()[1].PriorFailure
	if !strings.Contains(feedback, "approval denied") || !strings.Contains(feedback, "customer changed their mind") {
		t.Errorf("replan feedback should carry the denial: %q", feedback)
	}
}

func TestResumeDenyFailsWhenConfigured(t *testing.T) {
	r, cancel, _, _ := suspendedThread(t, "th-denyfail",
		WithEngineConfig(config.EngineConfig{DenyBehavior: "fail"}))

	result, err := r.Resume(context.Background(), "th-denyfail", Deny("no"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Failure.Code != errors.CodeUnsatisfiable || result.Failure.FailingStep != "cancel" {
		t.Errorf("unexpected failure: %+v", result.Failure)
	}
	if cancel.Calls() != 0 {
		t.Errorf("denied step must never dispatch, got %d calls", cancel.Calls())
	}
}

func TestResumeEditRejectsInvalidAndKeepsSuspension(t *testing.T) {
	r, cancel, _, store := suspendedThread(t, "th-editbad")

	_, err := r.Resume(context.Background(), "th-editbad", Edit(
		map[string]string{"record": "no_such_key"}, nil, "point at another order"))
	if err == nil {
		t.Fatal("invalid edit should be rejected")
	}
	if !errors.HasCode(err, errors.CodePlanInvalid) {
		t.Errorf("expected PLAN_INVALID, got %v", err)
	}

	// The suspension is untouched; a later approve still works.
	cp, loadErr := store.Load(context.Background(), "th-editbad")
	if loadErr != nil {
		t.Fatalf("Load: %v", loadErr)
	}
	if cp.Status != checkpoint.StatusSuspended || cp.Pending == nil {
		t.Fatalf("rejected edit must leave the thread suspended, got %s", cp.Status)
	}

	result, err := r.Resume(context.Background(), "th-editbad", Approve("fine as it was"))
	if err != nil {
		t.Fatalf("Resume after rejected edit: %v", err)
	}
	if result.Status != StatusDone {
		t.Errorf("expected done, got %s", result.Status)
	}
	if cancel.Calls() != 1 {
		t.Errorf("expected one dispatch, got %d", cancel.Calls())
	}
}

func TestResumeEditAppliesChangesAndApproves(t *testing.T) {
	r, cancel, _, _ := suspendedThread(t, "th-edit")

	result, err := r.Resume(context.Background(), "th-edit",
		Edit(nil, map[string]any{"mode": "soft_cancel"}, "use the gentler path"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result.Status != StatusDone {
		t.Fatalf("expected done, got %s (failure: %+v)", result.Status, result.Failure)
	}
	req := cancel.LastRequest()
	if req == nil {
		t.Fatal("edited step was never dispatched")
	}
	if req.Parameters["mode"] != "soft_cancel" {
		t.Errorf("edited parameters should reach the capability, got %v", req.Parameters)
	}
	if !req.Approved {
		t.Error("an edit implies approval of the modified step")
	}
}

func TestRunWhileSuspendedConflicts(t *testing.T) {
	r, _, _, _ := suspendedThread(t, "th-conflict")

	_, err := r.Run(context.Background(), "th-conflict", "another task")
	if err == nil {
		t.Fatal("running a suspended thread should conflict")
	}
	if !errors.HasCode(err, errors.CodeConflict) {
		t.Errorf("expected CONFLICT, got %v", err)
	}
}

func TestResumeUnknownThread(t *testing.T) {
	respond := testkit.Terminal("respond").Provides("response")
	r := buildRouter(t, testkit.NewPlanner(), nil, []*testkit.Capability{respond})

	_, err := r.Resume(context.Background(), "th-ghost", Approve("?"))
	if err == nil {
		t.Fatal("resuming an unknown thread should fail")
	}
	if !checkpoint.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestCapabilityRaisedApprovalSuspends(t *testing.T) {
	// The capability itself demands sign-off mid-execution; no policy rule
	// is involved. Approval outranks error handling: no retry, no replan.
	transfer := testkit.NewCapability("transfer_funds").Provides("receipt").
		RequireApproval("move $500 to account 9911", "amount exceeds auto-approve limit").
		WithValue("transferred")
	respond := testkit.Terminal("respond").Provides("response").WithValue("Money sent.")

	pl := &plan.Plan{Steps: []plan.Step{
		step("move", "transfer_funds", "receipt"),
		step("reply", "respond", "response"),
	}}
	events := testkit.NewEventCollector()
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), nil,
		[]*testkit.Capability{transfer, respond}, WithEventEmitter(events))

	result, err := r.Run(context.Background(), "th-capapproval", "send the money")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusSuspended {
		t.Fatalf("expected suspended, got %s (failure: %+v)", result.Status, result.Failure)
	}
	if result.Pending.Description != "move $500 to account 9911" {
		t.Errorf("pending description should carry the capability's action: %+v", result.Pending)
	}
	if transfer.Calls() != 1 {
		t.Errorf("expected a single dispatch before suspension, got %d", transfer.Calls())
	}
	if events.HasEvent(core.EventStepRetry) || events.HasEvent(core.EventReplan) {
		t.Error("an approval request must not be treated as a retriable failure")
	}

	resumed, err := r.Resume(context.Background(), "th-capapproval", Approve("go ahead"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != StatusDone {
		t.Fatalf("expected done, got %s (failure: %+v)", resumed.Status, resumed.Failure)
	}
	if transfer.Calls() != 2 {
		t.Errorf("expected redispatch after approval, got %d calls", transfer.Calls())
	}
}

func TestApprovedStepDemandingApprovalAgainFails(t *testing.T) {
	// A capability that ignores the granted approval would suspend forever;
	// the engine fails it instead.
	stubborn := testkit.NewCapability("transfer_funds").Provides("receipt").
		WithExecute(func(_ context.Context, req core.Request, _ core.StateView) (*core.Delta, error) {
			return nil, &core.ApprovalRequiredError{Action: "move money", Reason: "always asks"}
		})
	respond := testkit.Terminal("respond").Provides("response")

	pl := &plan.Plan{Steps: []plan.Step{
		step("move", "transfer_funds", "receipt"),
		step("reply", "respond", "response"),
	}}
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), nil,
		[]*testkit.Capability{stubborn, respond})

	result, err := r.Run(context.Background(), "th-stubborn", "send the money")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusSuspended {
		t.Fatalf("expected suspended first, got %s", result.Status)
	}

	resumed, err := r.Resume(context.Background(), "th-stubborn", Approve("granted"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", resumed.Status)
	}
	if resumed.Failure.Code != errors.CodeCapabilityFailure {
		t.Errorf("expected CAPABILITY_FAILURE, got %s", resumed.Failure.Code)
	}
	if !strings.Contains(resumed.Failure.TechnicalDetail, "demanded approval again") {
		t.Errorf("detail: %q", resumed.Failure.TechnicalDetail)
	}
}

func TestApprovalSurvivesRetriesOfTheSameStep(t *testing.T) {
	// After approval the step fails once with a transient error; the retry
	// must not ask for approval again.
	transfer := testkit.NewCapability("transfer_funds").Provides("receipt").
		RequireApproval("move money", "limit exceeded").
		FailTimes(1, errors.New(errors.CodeUnavailable, "ledger briefly offline", nil)).
		WithValue("transferred")
	respond := testkit.Terminal("respond").Provides("response")

	pl := &plan.Plan{Steps: []plan.Step{
		step("move", "transfer_funds", "receipt"),
		step("reply", "respond", "response"),
	}}
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), nil,
		[]*testkit.Capability{transfer, respond}, WithCoordinator(fastRetries()))

	result, err := r.Run(context.Background(), "th-retryapproval", "send money")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusSuspended {
		t.Fatalf("expected suspension, got %s", result.Status)
	}

	resumed, err := r.Resume(context.Background(), "th-retryapproval", Approve("ok"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != StatusDone {
		t.Fatalf("expected done, got %s (failure: %+v)", resumed.Status, resumed.Failure)
	}
	// Dispatch 1 suspended, dispatch 2 failed transiently, dispatch 3 won.
	if transfer.Calls() != 3 {
		t.Errorf("expected 3 dispatches, got %d", transfer.Calls())
	}
	for i, req := range transfer.Requests()[1:] {
		if !req.Approved {
			t.Errorf("post-approval dispatch %d lost the approval", i+2)
		}
	}
}

func TestRunFatalFailsImmediately(t *testing.T) {
	broken := testkit.NewCapability("fetch_data").Provides("record").
		AlwaysFail(errors.NewInvariantError("context store corrupted"))
	respond := testkit.Terminal("respond").Provides("response")

	pl := &plan.Plan{Steps: []plan.Step{
		step("fetch", "fetch_data", "record"),
		step("reply", "respond", "response"),
	}}
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), nil,
		[]*testkit.Capability{broken, respond}, WithCoordinator(fastRetries()))

	result, err := r.Run(context.Background(), "th-fatal", "fetch")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Failure.Severity != core.SeverityFatal || result.Failure.Code != errors.CodeInvariant {
		t.Errorf("unexpected failure: %+v", result.Failure)
	}
	if broken.Calls() != 1 {
		t.Errorf("fatal failures bypass retry, got %d calls", broken.Calls())
	}
}

func TestCapabilityPanicIsContained(t *testing.T) {
	panicky := testkit.NewCapability("fetch_data").Provides("record").
		WithExecute(func(context.Context, core.Request, core.StateView) (*core.Delta, error) {
			panic("nil map write")
		})
	respond := testkit.Terminal("respond").Provides("response")

	pl := &plan.Plan{Steps: []plan.Step{
		step("fetch", "fetch_data", "record"),
		step("reply", "respond", "response"),
	}}
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), nil,
		[]*testkit.Capability{panicky, respond})

	result, err := r.Run(context.Background(), "th-panic", "fetch")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Failure.Code != errors.CodeInvariant || result.Failure.Severity != core.SeverityFatal {
		t.Errorf("unexpected failure: %+v", result.Failure)
	}
	if !strings.Contains(result.Failure.TechnicalDetail, "panicked") {
		t.Errorf("detail should name the panic: %q", result.Failure.TechnicalDetail)
	}
}

func TestDeltaOutsideDeclaredOutputFails(t *testing.T) {
	sneaky := testkit.NewCapability("fetch_data").Provides("record").
		WithExecute(func(_ context.Context, req core.Request, _ core.StateView) (*core.Delta, error) {
			return core.NewDelta().
				Add(req.OutputType, req.StepKey, "legit", "test").
				Add("secrets", "stolen", "oops", "test"), nil
		})
	respond := testkit.Terminal("respond").Provides("response")

	pl := &plan.Plan{Steps: []plan.Step{
		step("fetch", "fetch_data", "record"),
		step("reply", "respond", "response"),
	}}
	store := checkpoint.NewMemoryStore()
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), store,
		[]*testkit.Capability{sneaky, respond})

	result, err := r.Run(context.Background(), "th-sneaky", "fetch")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Failure.Code != errors.CodeCapabilityFailure {
		t.Errorf("expected CAPABILITY_FAILURE, got %s", result.Failure.Code)
	}
	if !strings.Contains(result.Failure.TechnicalDetail, "outside its declared output") {
		t.Errorf("detail: %q", result.Failure.TechnicalDetail)
	}
	// The offending delta is discarded wholesale.
	cp, _ := store.Load(context.Background(), "th-sneaky")
	if cp.Context.Has("secrets", "stolen") || cp.Context.Has("record", "fetch") {
		t.Error("no entry from a rejected delta may reach the context")
	}
}

func TestCancelActiveRun(t *testing.T) {
	started := make(chan struct{})
	slow := testkit.NewCapability("fetch_data").Provides("record").
		WithExecute(func(ctx context.Context, _ core.Request, _ core.StateView) (*core.Delta, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	respond := testkit.Terminal("respond").Provides("response")

	pl := &plan.Plan{Steps: []plan.Step{
		step("fetch", "fetch_data", "record"),
		step("reply", "respond", "response"),
	}}
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), nil,
		[]*testkit.Capability{slow, respond})

	results := make(chan *RunResult, 1)
	runErrs := make(chan error, 1)
	go func() {
		result, err := r.Run(context.Background(), "th-cancel", "slow fetch")
		results <- result
		runErrs <- err
	}()

	<-started
	if !r.Cancel(context.Background(), "th-cancel") {
		t.Fatal("expected an active run to cancel")
	}

	result := <-results
	if err := <-runErrs; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Failure.Code != errors.CodeCancelled {
		t.Errorf("expected CANCELLED, got %s", result.Failure.Code)
	}
}

func TestCancelSuspendedThread(t *testing.T) {
	r, cancel, _, store := suspendedThread(t, "th-cancelsuspended")

	if !r.Cancel(context.Background(), "th-cancelsuspended") {
		t.Fatal("expected a suspended thread to cancel")
	}
	cp, err := store.Load(context.Background(), "th-cancelsuspended")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Status != checkpoint.StatusFailed || cp.Result == nil {
		t.Fatalf("cancelled suspension should be terminal, got %s", cp.Status)
	}
	if cp.Result.Failure.Code != errors.CodeCancelled {
		t.Errorf("unexpected failure: %+v", cp.Result.Failure)
	}

	// A late resume replays the cancellation instead of running anything.
	replay, err := r.Resume(context.Background(), "th-cancelsuspended", Approve("too late"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if replay.Status != StatusFailed || cancel.Calls() != 0 {
		t.Errorf("late resume must replay, got status=%s calls=%d", replay.Status, cancel.Calls())
	}

	if r.Cancel(context.Background(), "th-nothing-here") {
		t.Error("cancelling an unknown thread should report false")
	}
}

func TestExpireApprovalsSweep(t *testing.T) {
	events := testkit.NewEventCollector()
	r, cancel, _, store := suspendedThread(t, "th-expire",
		WithApprovalTTL(time.Millisecond), WithEventEmitter(events))

	time.Sleep(10 * time.Millisecond)

	expired, err := r.ExpireApprovals(context.Background())
	if err != nil {
		t.Fatalf("ExpireApprovals: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired approval, got %d", expired)
	}
	if !events.HasEvent(core.EventApprovalExpired) {
		t.Error("missing expiry event")
	}

	cp, err := store.Load(context.Background(), "th-expire")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Status != checkpoint.StatusFailed {
		t.Fatalf("expired thread should be failed, got %s", cp.Status)
	}
	if cp.Result.Failure.Code != errors.CodeTimeout {
		t.Errorf("expected TIMEOUT, got %s", cp.Result.Failure.Code)
	}

	// The decision arrived too late; the stored expiry replays.
	late, err := r.Resume(context.Background(), "th-expire", Approve("too late"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if late.Status != StatusFailed || cancel.Calls() != 0 {
		t.Errorf("late approval must not dispatch, got status=%s calls=%d", late.Status, cancel.Calls())
	}

	// The sweep is idempotent.
	again, err := r.ExpireApprovals(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again != 0 {
		t.Errorf("second sweep should find nothing, got %d", again)
	}
}

func TestContextAccumulatesAcrossTurns(t *testing.T) {
	fetch := testkit.NewCapability("fetch_data").Provides("record").WithValue("order #42")
	summarize := testkit.NewCapability("summarize").Provides("summary").WithValue("all good")
	respond := testkit.Terminal("respond").Provides("response").WithValue("Here you go.")

	turnOne := &plan.Plan{Steps: []plan.Step{
		step("fetch", "fetch_data", "record"),
		step("reply", "respond", "response"),
	}}
	// The second turn's plan reads the first turn's output from persistent
	// context; validation accepts it because the entry already exists.
	turnTwo := &plan.Plan{Steps: []plan.Step{
		{ContextKey: "sum", Capability: "summarize", OutputType: "summary", Inputs: map[string]string{"record": "fetch"}},
		step("reply2", "respond", "response"),
	}}
	planner := testkit.NewPlanner().AddPlan(turnOne).AddPlan(turnTwo)
	store := checkpoint.NewMemoryStore()
	r := buildRouter(t, planner, store, []*testkit.Capability{fetch, summarize, respond})

	if _, err := r.Run(context.Background(), "th-turns", "fetch the order"); err != nil {
		t.Fatalf("turn one: %v", err)
	}
	result, err := r.Run(context.Background(), "th-turns", "now summarize it")
	if err != nil {
		t.Fatalf("turn two: %v", err)
	}
	if result.Status != StatusDone {
		t.Fatalf("expected done, got %s (failure: %+v)", result.Status, result.Failure)
	}

	req := summarize.LastRequest()
	if req == nil || req.Inputs["record"].Value != "order #42" {
		t.Fatalf("second turn should read first turn's entry, got %+v", req)
	}

	// Context grows monotonically: both turns' entries are present.
	cp, _ := store.Load(context.Background(), "th-turns")
	for _, key := range [][2]string{{"record", "fetch"}, {"response", "reply"}, {"summary", "sum"}, {"response", "reply2"}} {
		if !cp.Context.Has(key[0], key[1]) {
			t.Errorf("missing %s/%s in persistent context", key[0], key[1])
		}
	}

	// The second build saw the first turn's context.
	secondBuild := planner.Requests()[1]
	if len(secondBuild.Context) == 0 {
		t.Error("second plan build should see prior context summaries")
	}
}

func TestActiveCapabilityScopingRejectsOutOfScopeSteps(t *testing.T) {
	fetch := testkit.NewCapability("fetch_data").Provides("record").WithValue("data")
	wipe := testkit.NewCapability("wipe_account").Provides("record")
	respond := testkit.Terminal("respond").Provides("response").WithValue("Done.")

	outOfScope := &plan.Plan{Steps: []plan.Step{
		step("wipe", "wipe_account", "record"),
		step("reply", "respond", "response"),
	}}
	inScope := &plan.Plan{Steps: []plan.Step{
		step("fetch", "fetch_data", "record"),
		step("reply", "respond", "response"),
	}}
	planner := testkit.NewPlanner().AddPlan(outOfScope).AddPlan(inScope)
	r := buildRouter(t, planner, nil, []*testkit.Capability{fetch, wipe, respond})

	// Terminals stay in scope implicitly; wipe_account does not.
	result, err := r.Run(context.Background(), "th-scope", "fetch data",
		WithActiveCapabilities("fetch_data"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusDone {
		t.Fatalf("expected done, got %s (failure: %+v)", result.Status, result.Failure)
	}
	if wipe.Calls() != 0 {
		t.Errorf("out-of-scope capability must never run, got %d calls", wipe.Calls())
	}
	if planner.CallCount() != 2 {
		t.Fatalf("expected validation to force a second build, got %d", planner.CallCount())
	}
	if !strings.Contains(planner.Requests()[1].PriorFailure, "wipe_account") {
		t.Errorf("feedback should name the rejected capability: %q", planner.Requests()[1].PriorFailure)
	}

	// The scoped catalog also trims what the planner is offered.
	offered := planner.Requests()[0].Capabilities
	for _, summary := range offered {
		if summary.Name == "wipe_account" {
			t.Error("out-of-scope capability should not be offered to the planner")
		}
	}
}

func TestSynchronousApprovalHook(t *testing.T) {
	lookup := testkit.NewCapability("lookup_order").Provides("record").WithValue("order")
	cancel := testkit.NewCapability("cancel_order").Provides("confirmation").WithValue("cancelled")
	respond := testkit.Terminal("respond").Provides("response").WithValue("All done.")

	pl := &plan.Plan{Steps: []plan.Step{
		step("find", "lookup_order", "record"),
		step("cancel", "cancel_order", "confirmation"),
		step("reply", "respond", "response"),
	}}
	rules := policy.NewRuleSet(policy.Rule{
		Pattern: "cancel_*", Effect: policy.EffectRequireApproval, Reason: "irreversible",
	})

	// An approving hook resolves the gate inline: no suspension.
	r := buildRouter(t, testkit.NewPlanner().AddPlan(pl), nil,
		[]*testkit.Capability{lookup, cancel, respond},
		WithRules(rules), WithApprovalHook(policy.AutoHook{Approved: true}))

	result, err := r.Run(context.Background(), "th-hook", "cancel my order")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusDone {
		t.Fatalf("expected done, got %s (failure: %+v)", result.Status, result.Failure)
	}
	if req := cancel.LastRequest(); req == nil || !req.Approved {
		t.Error("hook-approved step should dispatch with Approved set")
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	respond := testkit.Terminal("respond").Provides("response")
	reg, err := testkit.BuildRegistry(respond)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	if _, err := New(nil, testkit.NewPlanner(), nil); err == nil {
		t.Error("nil registry should be rejected")
	}
	if _, err := New(reg, nil, nil); err == nil {
		t.Error("nil planner should be rejected")
	}
	if _, err := New(reg, testkit.NewPlanner(), nil,
		WithEngineConfig(config.EngineConfig{DenyBehavior: "explode"})); err == nil {
		t.Error("unknown deny behavior should be rejected")
	}

	if _, err := New(reg, testkit.NewPlanner(), nil); err != nil {
		t.Errorf("nil store should fall back to memory: %v", err)
	}
}

func TestRunInputValidation(t *testing.T) {
	respond := testkit.Terminal("respond").Provides("response")
	r := buildRouter(t, testkit.NewPlanner(), nil, []*testkit.Capability{respond})

	if _, err := r.Run(context.Background(), "", "task"); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Errorf("empty thread id: %v", err)
	}
	if _, err := r.Run(context.Background(), "th", "   "); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Errorf("blank task: %v", err)
	}
	if _, err := r.Resume(context.Background(), "th", Decision{Kind: "shrug"}); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Errorf("unknown decision kind: %v", err)
	}
	if _, err := r.Resume(context.Background(), "th", Edit(nil, nil, "empty")); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Errorf("empty edit: %v", err)
	}
}
