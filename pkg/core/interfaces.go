// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds the contracts shared across the engine: the capability
// interface, the context entry and delta types exchanged with the state
// store, failure classifications, and engine events.
package core

import (
	"context"
	"time"
)

// Entry is a typed value keyed by (context type, context key). Entries are
// owned by the state store; capabilities receive read access to the entries
// a step declares as inputs and write access only to the step's declared
// output.
type Entry struct {
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Delta is a batch of entry writes produced by one capability invocation.
// Capabilities return deltas instead of mutating state; the router is the
// only component that applies them.
type Delta struct {
	Entries []Entry
}

// NewDelta creates an empty delta.
func NewDelta() *Delta {
	return &Delta{}
}

// Add appends an entry write and returns the delta for chaining.
func (d *Delta) Add(contextType, key string, value any, source string) *Delta {
	d.Entries = append(d.Entries, Entry{
		Type:      contextType,
		Key:       key,
		Value:     value,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	})
	return d
}

// StateView is the read surface a capability gets over the run's context.
type StateView interface {
	// Lookup returns the entry stored under (contextType, key).
	Lookup(contextType, key string) (Entry, bool)

	// Types lists the context types that currently hold entries.
	Types() []string

	// Keys lists the keys present for one context type.
	Keys(contextType string) []string
}

// Request carries everything a capability needs for one step dispatch.
type Request struct {
	ThreadID   string
	TurnID     string
	StepKey    string
	Objective  string
	OutputType string
	Criteria   string
	Inputs     map[string]Entry
	Parameters map[string]any
	Attempt    int
	Approved   bool
}

// Parameter returns a string parameter or the fallback when absent.
func (r Request) Parameter(name, fallback string) string {
	if v, ok := r.Parameters[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// Capability is a named, registered unit of work that consumes context
// inputs and produces a typed context output for one plan step. Execute
// must be safe to invoke more than once for the same step (retries) and
// must honor context cancellation.
type Capability interface {
	Name() string
	Execute(ctx context.Context, req Request, view StateView) (*Delta, error)
}

// ErrorClassifier lets a capability override failure classification for its
// own error types. The router consults it before the default code mapping;
// returning ok=false defers to the coordinator.
type ErrorClassifier interface {
	ClassifyError(err error, req Request) (Classification, bool)
}

// RetryPolicyProvider lets a capability override the default retry policy.
type RetryPolicyProvider interface {
	RetryPolicy() RetryPolicy
}

// DataSource is an external fetch target used by retrieval capabilities.
// Fetch must respect the context deadline; a timed-out source is treated as
// "no data" by the caller, not as a step failure.
type DataSource interface {
	Name() string
	Fetch(ctx context.Context, query string, params map[string]any) (any, error)
}

// Kind partitions capabilities for retry and validation purposes.
type Kind string

const (
	// KindOrdinary is a regular domain capability.
	KindOrdinary Kind = "ordinary"

	// KindInfrastructure marks engine-internal steps (planning, routing,
	// classification) that fail fast rather than retry silently.
	KindInfrastructure Kind = "infrastructure"

	// KindTerminal marks the two plan-ending capabilities (respond, clarify).
	KindTerminal Kind = "terminal"
)

// Descriptor is the immutable metadata describing a registered capability.
type Descriptor struct {
	Name        string
	Kind        Kind
	Description string
	Provides    []string
	Requires    []string
}

// Terminal reports whether the capability ends a plan.
func (d Descriptor) Terminal() bool {
	return d.Kind == KindTerminal
}

// Catalog is the read-only lookup surface the plan validator and the
// planner boundary use; the registry implements it.
type Catalog interface {
	Describe(name string) (Descriptor, bool)
}
