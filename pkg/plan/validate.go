// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"fmt"

	"github.com/praxislabs/praxis/pkg/core"
)

// ValidationError names the step a plan was rejected for. An empty Step
// means the plan as a whole is malformed.
type ValidationError struct {
	Step   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Step == "" {
		return "invalid plan: " + e.Reason
	}
	return fmt.Sprintf("invalid plan: step %q: %s", e.Step, e.Reason)
}

// checkShape verifies the structural rules that need no catalog: non-empty
// plan, every step keyed and named, no duplicate context keys.
func (p *Plan) checkShape() error {
	if p.Len() == 0 {
		return &ValidationError{Reason: "plan has no steps"}
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		if step.ContextKey == "" {
			return &ValidationError{Reason: "step is missing a context key"}
		}
		if step.Capability == "" {
			return &ValidationError{Step: step.ContextKey, Reason: "missing capability"}
		}
		if step.OutputType == "" {
			return &ValidationError{Step: step.ContextKey, Reason: "missing output type"}
		}
		if seen[step.ContextKey] {
			return &ValidationError{Step: step.ContextKey, Reason: "duplicate context key"}
		}
		seen[step.ContextKey] = true
	}
	return nil
}

// Validate rejects a plan before any step executes. Beyond the shape rules
// it checks that every capability resolves in the catalog, every input
// reference is satisfied by an earlier step's output or an existing
// persistent entry, terminal capabilities appear only in final position,
// and the final step is terminal. prior may be nil when no persistent
// context exists yet.
func (p *Plan) Validate(catalog core.Catalog, prior core.StateView) error {
	if err := p.checkShape(); err != nil {
		return err
	}

	last := len(p.Steps) - 1
	for i, step := range p.Steps {
		descriptor, ok := catalog.Describe(step.Capability)
		if !ok {
			return &ValidationError{
				Step:   step.ContextKey,
				Reason: fmt.Sprintf("unknown capability %q", step.Capability),
			}
		}

		if descriptor.Terminal() && i != last {
			return &ValidationError{
				Step:   step.ContextKey,
				Reason: fmt.Sprintf("terminal capability %q before final step", step.Capability),
			}
		}
		if i == last && !descriptor.Terminal() {
			return &ValidationError{
				Step:   step.ContextKey,
				Reason: fmt.Sprintf("final step must be terminal, %q is not", step.Capability),
			}
		}

		for contextType, contextKey := range step.Inputs {
			if satisfiedByEarlierStep(p.Steps[:i], contextType, contextKey) {
				continue
			}
			if prior != nil {
				if _, ok := prior.Lookup(contextType, contextKey); ok {
					continue
				}
			}
			return &ValidationError{
				Step:   step.ContextKey,
				Reason: fmt.Sprintf("input %s/%s is not produced by an earlier step or present in context", contextType, contextKey),
			}
		}
	}
	return nil
}

func satisfiedByEarlierStep(earlier []Step, contextType, contextKey string) bool {
	for _, step := range earlier {
		if step.OutputType == contextType && step.ContextKey == contextKey {
			return true
		}
	}
	return false
}
