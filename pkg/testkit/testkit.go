// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides scripted doubles for exercising the engine
// without models or external systems: capabilities with queued failures,
// a planner that replays fixed plans, an event collector, and string
// matchers for assertions.
//
// Example usage:
//
//	fetch := testkit.NewCapability("fetch_data").
//	    Provides("record").
//	    FailTimes(1, errors.New("flaky")).
//	    WithValue("hello")
//
//	reg, _ := testkit.BuildRegistry(fetch, testkit.Terminal("respond"))
package testkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/plan"
	"github.com/praxislabs/praxis/pkg/planner"
)

// Capability is a scripted capability double. Configure it with the
// chainable With/Fail methods, then register it; every dispatch is
// captured for later assertions. Safe for concurrent use.
type Capability struct {
	mu       sync.Mutex
	name     string
	kind     core.Kind
	provides []string
	requires []string
	value    any
	queue    []error
	failErr  error
	approval *core.ApprovalRequiredError
	execute  func(ctx context.Context, req core.Request, view core.StateView) (*core.Delta, error)
	classify func(err error, req core.Request) (core.Classification, bool)
	policy   core.RetryPolicy
	requests []core.Request
}

// NewCapability creates an ordinary scripted capability.
func NewCapability(name string) *Capability {
	return &Capability{name: name, kind: core.KindOrdinary}
}

// Terminal creates a terminal scripted capability (plan-ending).
func Terminal(name string) *Capability {
	return &Capability{name: name, kind: core.KindTerminal}
}

// WithKind overrides the capability kind.
func (c *Capability) WithKind(kind core.Kind) *Capability {
	c.kind = kind
	return c
}

// Provides declares the context types the capability can produce.
func (c *Capability) Provides(types ...string) *Capability {
	c.provides = append(c.provides, types...)
	return c
}

// Requires declares the context types the capability consumes.
func (c *Capability) Requires(types ...string) *Capability {
	c.requires = append(c.requires, types...)
	return c
}

// WithValue sets the value written on a successful dispatch.
func (c *Capability) WithValue(v any) *Capability {
	c.value = v
	return c
}

// FailTimes queues n failures; dispatches after the queue drains succeed.
func (c *Capability) FailTimes(n int, err error) *Capability {
	for i := 0; i < n; i++ {
		c.queue = append(c.queue, err)
	}
	return c
}

// AlwaysFail makes every dispatch return err once any queued failures drain.
func (c *Capability) AlwaysFail(err error) *Capability {
	c.failErr = err
	return c
}

// RequireApproval makes the capability demand sign-off until it is
// dispatched with an approved request.
func (c *Capability) RequireApproval(action, reason string) *Capability {
	c.approval = &core.ApprovalRequiredError{Action: action, Reason: reason}
	return c
}

// WithExecute replaces the scripted behavior with a custom function.
func (c *Capability) WithExecute(fn func(ctx context.Context, req core.Request, view core.StateView) (*core.Delta, error)) *Capability {
	c.execute = fn
	return c
}

// WithClassifier installs a ClassifyError override.
func (c *Capability) WithClassifier(fn func(err error, req core.Request) (core.Classification, bool)) *Capability {
	c.classify = fn
	return c
}

// WithRetryPolicy installs a RetryPolicy override.
func (c *Capability) WithRetryPolicy(p core.RetryPolicy) *Capability {
	c.policy = p
	return c
}

// Name implements core.Capability.
func (c *Capability) Name() string { return c.name }

// Descriptor builds the registration descriptor for the double.
func (c *Capability) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:        c.name,
		Kind:        c.kind,
		Description: fmt.Sprintf("scripted %s capability", c.name),
		Provides:    append([]string(nil), c.provides...),
		Requires:    append([]string(nil), c.requires...),
	}
}

// Execute implements core.Capability: capture the request, replay queued
// failures, then write the configured value at the step's declared output.
func (c *Capability) Execute(ctx context.Context, req core.Request, view core.StateView) (*core.Delta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, req)

	if c.execute != nil {
		return c.execute(ctx, req, view)
	}
	if c.approval != nil && !req.Approved {
		return nil, &core.ApprovalRequiredError{Action: c.approval.Action, Reason: c.approval.Reason}
	}
	if len(c.queue) > 0 {
		err := c.queue[0]
		c.queue = c.queue[1:]
		return nil, err
	}
	if c.failErr != nil {
		return nil, c.failErr
	}

	value := c.value
	if value == nil {
		value = fmt.Sprintf("%s output", c.name)
	}
	return core.NewDelta().Add(req.OutputType, req.StepKey, value, "testkit:"+c.name), nil
}

// ClassifyError implements core.ErrorClassifier, deferring to the
// coordinator when no override is installed.
func (c *Capability) ClassifyError(err error, req core.Request) (core.Classification, bool) {
	if c.classify == nil {
		return core.Classification{}, false
	}
	return c.classify(err, req)
}

// RetryPolicy implements core.RetryPolicyProvider. The zero policy counts
// as absent.
func (c *Capability) RetryPolicy() core.RetryPolicy { return c.policy }

// Calls returns the number of dispatches.
func (c *Capability) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns all captured requests.
func (c *Capability) Requests() []core.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// LastRequest returns the most recent request, nil before the first call.
func (c *Capability) LastRequest() *core.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	req := c.requests[len(c.requests)-1]
	return &req
}

// ScriptedPlanner replays queued plans or errors in order and captures
// every request, so tests can assert what feedback the engine fed back.
type ScriptedPlanner struct {
	mu       sync.Mutex
	script   []scriptedPlan
	index    int
	build    func(ctx context.Context, req planner.PlanRequest) (*plan.Plan, error)
	requests []planner.PlanRequest
}

type scriptedPlan struct {
	plan *plan.Plan
	err  error
}

// NewPlanner creates an empty scripted planner.
func NewPlanner() *ScriptedPlanner {
	return &ScriptedPlanner{}
}

// AddPlan queues a plan to be returned.
func (p *ScriptedPlanner) AddPlan(pl *plan.Plan) *ScriptedPlanner {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptedPlan{plan: pl})
	return p
}

// AddError queues a planner failure.
func (p *ScriptedPlanner) AddError(err error) *ScriptedPlanner {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptedPlan{err: err})
	return p
}

// WithBuildFunc replaces the queue with a custom build function.
func (p *ScriptedPlanner) WithBuildFunc(fn func(ctx context.Context, req planner.PlanRequest) (*plan.Plan, error)) *ScriptedPlanner {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.build = fn
	return p
}

// BuildPlan implements planner.Planner.
func (p *ScriptedPlanner) BuildPlan(ctx context.Context, req planner.PlanRequest) (*plan.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)

	if p.build != nil {
		return p.build(ctx, req)
	}
	if p.index >= len(p.script) {
		return nil, fmt.Errorf("no more scripted plans (call %d)", p.index+1)
	}
	next := p.script[p.index]
	p.index++
	if next.err != nil {
		return nil, next.err
	}
	// Clone so engine-side edits never reach back into the script.
	return next.plan.Clone(), nil
}

// Requests returns all captured plan requests.
func (p *ScriptedPlanner) Requests() []planner.PlanRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]planner.PlanRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// LastRequest returns the most recent plan request, nil before the first call.
func (p *ScriptedPlanner) LastRequest() *planner.PlanRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

// CallCount returns the number of BuildPlan calls.
func (p *ScriptedPlanner) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
