// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

// Package state implements the engine's run state: a persistent context
// partition that survives conversation turns and an execution-scoped
// partition rebuilt fresh on every invocation. All context writes flow
// through deltas; the router is the only delta applier.
package state

import (
	"sort"

	"github.com/praxislabs/praxis/pkg/core"
)

// Partition maps context type → context key → entry.
type Partition map[string]map[string]core.Entry

// NewPartition creates an empty partition.
func NewPartition() Partition {
	return make(Partition)
}

// Get returns the entry stored under (contextType, key).
func (p Partition) Get(contextType, key string) (core.Entry, bool) {
	keys, ok := p[contextType]
	if !ok {
		return core.Entry{}, false
	}
	entry, ok := keys[key]
	return entry, ok
}

// Has reports whether an entry exists under (contextType, key).
func (p Partition) Has(contextType, key string) bool {
	_, ok := p.Get(contextType, key)
	return ok
}

// Set stores an entry, replacing any previous value under the same
// (type, key) pair.
func (p Partition) Set(entry core.Entry) {
	keys, ok := p[entry.Type]
	if !ok {
		keys = make(map[string]core.Entry)
		p[entry.Type] = keys
	}
	keys[entry.Key] = entry
}

// Merge performs a right-biased shallow merge keyed by (type, key): a later
// write to the same key replaces the value, writes to different keys
// accumulate, and no key is ever dropped. Merging the same partition twice
// is idempotent.
func (p Partition) Merge(other Partition) {
	for _, keys := range other {
		for _, entry := range keys {
			p.Set(entry)
		}
	}
}

// Clone returns a deep copy that shares no map structure with the receiver.
func (p Partition) Clone() Partition {
	out := make(Partition, len(p))
	for contextType, keys := range p {
		cloned := make(map[string]core.Entry, len(keys))
		for key, entry := range keys {
			cloned[key] = entry
		}
		out[contextType] = cloned
	}
	return out
}

// Len counts the entries across all context types.
func (p Partition) Len() int {
	n := 0
	for _, keys := range p {
		n += len(keys)
	}
	return n
}

// Types lists the context types holding at least one entry, sorted.
func (p Partition) Types() []string {
	out := make([]string, 0, len(p))
	for contextType, keys := range p {
		if len(keys) == 0 {
			continue
		}
		out = append(out, contextType)
	}
	sort.Strings(out)
	return out
}

// Keys lists the keys present for one context type, sorted.
func (p Partition) Keys(contextType string) []string {
	keys, ok := p[contextType]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// RunState is the mutable state of one invocation. Context is the
// persistent partition carried across turns; every other field belongs to
// the execution-scoped partition and starts at its zero value each turn.
type RunState struct {
	ThreadID           string
	TurnID             string
	Task               string
	ActiveCapabilities []string
	Context            Partition
	Cursor             int
	PlanAttempts       int
	StepRetries        map[string]int
	Dispatches         int
	Approvals          map[string]bool
	LastError          string
	Interrupted        bool
}

// NewRunState builds a fresh run state for one invocation. When prior is
// given only its persistent partition is copied; the execution-scoped
// fields always start empty.
func NewRunState(task string, prior Partition) *RunState {
	ctx := NewPartition()
	if prior != nil {
		ctx = prior.Clone()
	}
	return &RunState{
		Task:        task,
		Context:     ctx,
		StepRetries: make(map[string]int),
		Approvals:   make(map[string]bool),
	}
}

// Apply merges a capability's output delta into the persistent partition.
// Applying the same delta twice does not duplicate entries: writes are
// keyed by (type, key).
func (s *RunState) Apply(delta *core.Delta) {
	if delta == nil {
		return
	}
	for _, entry := range delta.Entries {
		s.Context.Set(entry)
	}
}

// RetriesFor returns the dispatch count recorded for a step.
func (s *RunState) RetriesFor(stepKey string) int {
	return s.StepRetries[stepKey]
}

// RecordAttempt increments and returns the dispatch count for a step. The
// total dispatch counter advances too; it is never reset within a run, so
// the step budget holds across retries and replans.
func (s *RunState) RecordAttempt(stepKey string) int {
	s.StepRetries[stepKey]++
	s.Dispatches++
	return s.StepRetries[stepKey]
}

// Approve marks a step as authorized. The mark survives retries of the same
// step but not a replan, which discards the plan the approval was given for.
func (s *RunState) Approve(stepKey string) {
	s.Approvals[stepKey] = true
}

// IsApproved reports whether a step has been authorized.
func (s *RunState) IsApproved(stepKey string) bool {
	return s.Approvals[stepKey]
}

// ResetPlan clears plan-scoped execution state ahead of a replan. The
// persistent partition, the plan-attempt counter and the total dispatch
// counter all survive.
func (s *RunState) ResetPlan() {
	s.Cursor = 0
	s.StepRetries = make(map[string]int)
	s.Approvals = make(map[string]bool)
	s.LastError = ""
}

// View returns a read-only view over the persistent partition. The view
// reads the live partition; it is safe because only the router mutates
// state and never while a capability invocation is in flight.
func (s *RunState) View() core.StateView {
	return readView{p: s.Context}
}

// ViewOf wraps a bare partition in a read-only view.
func ViewOf(p Partition) core.StateView {
	return readView{p: p}
}

type readView struct {
	p Partition
}

func (v readView) Lookup(contextType, key string) (core.Entry, bool) {
	return v.p.Get(contextType, key)
}

func (v readView) Types() []string {
	return v.p.Types()
}

func (v readView) Keys(contextType string) []string {
	return v.p.Keys(contextType)
}
