// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

// Package planner is the boundary between the engine and whatever produces
// plans. The router talks to the Planner interface only; implementations
// ask a model (ModelPlanner) or pop canned plans (ScriptedPlanner).
package planner

import (
	"context"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/plan"
)

// CapabilitySummary is the catalog line shown to the planner for one
// registered capability.
type CapabilitySummary struct {
	Name        string
	Kind        string
	Description string
	Provides    []string
	Requires    []string
}

// EntrySummary names one context entry already available to the run.
type EntrySummary struct {
	Type string
	Key  string
}

// PlanRequest carries everything a planner may use to build a plan.
// PriorFailure is set on replan rounds so the planner can route around
// whatever broke. Profile is the system-prompt text of the selected prompt
// profile; empty means the planner's built-in default.
type PlanRequest struct {
	ThreadID     string
	Task         string
	Capabilities []CapabilitySummary
	Context      []EntrySummary
	PriorFailure string
	Profile      string
}

// Planner builds an ordered plan for a task. Implementations must return
// either a structurally valid plan or an error; semantic validation against
// the capability catalog happens engine-side.
type Planner interface {
	BuildPlan(ctx context.Context, req PlanRequest) (*plan.Plan, error)
}

// Summarize converts a capability descriptor to its catalog line.
func Summarize(d core.Descriptor) CapabilitySummary {
	return CapabilitySummary{
		Name:        d.Name,
		Kind:        string(d.Kind),
		Description: d.Description,
		Provides:    d.Provides,
		Requires:    d.Requires,
	}
}

// SummarizeAll converts a descriptor list, preserving order.
func SummarizeAll(descriptors []core.Descriptor) []CapabilitySummary {
	out := make([]CapabilitySummary, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, Summarize(d))
	}
	return out
}

// SummarizeContext lists the entries visible in a state view.
func SummarizeContext(view core.StateView) []EntrySummary {
	if view == nil {
		return nil
	}
	var out []EntrySummary
	for _, contextType := range view.Types() {
		for _, key := range view.Keys(contextType) {
			out = append(out, EntrySummary{Type: contextType, Key: key})
		}
	}
	return out
}
