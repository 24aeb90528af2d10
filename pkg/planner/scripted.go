// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"sync"

	"github.com/praxislabs/praxis/pkg/errors"
	"github.com/praxislabs/praxis/pkg/plan"
)

// ScriptedPlanner pops canned plans in order. Used in tests and for
// offline runs where plans come from files instead of a model.
type ScriptedPlanner struct {
	mu       sync.Mutex
	plans    []*plan.Plan
	requests []PlanRequest
}

// NewScriptedPlanner queues the given plans.
func NewScriptedPlanner(plans ...*plan.Plan) *ScriptedPlanner {
	return &ScriptedPlanner{plans: append([]*plan.Plan{}, plans...)}
}

// Add appends a plan to the queue.
func (s *ScriptedPlanner) Add(p *plan.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, p)
}

// BuildPlan implements Planner. It fails when the queue is exhausted.
func (s *ScriptedPlanner) BuildPlan(_ context.Context, req PlanRequest) (*plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if len(s.plans) == 0 {
		return nil, errors.New(errors.CodePlannerFailure, "scripted planner exhausted", nil).
			WithContext("calls", len(s.requests)).
			WithRecoverable(false)
	}
	next := s.plans[0]
	s.plans = s.plans[1:]
	return next, nil
}

// Calls reports how many times BuildPlan ran.
func (s *ScriptedPlanner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of the recorded plan requests.
func (s *ScriptedPlanner) Requests() []PlanRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlanRequest, len(s.requests))
	copy(out, s.requests)
	return out
}
