package plan

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/state"
)

type fakeCatalog map[string]core.Descriptor

func (c fakeCatalog) Describe(name string) (core.Descriptor, bool) {
	d, ok := c[name]
	return d, ok
}

func testCatalog() fakeCatalog {
	return fakeCatalog{
		"retrieve":  {Name: "retrieve", Kind: core.KindOrdinary},
		"summarize": {Name: "summarize", Kind: core.KindOrdinary},
		"respond":   {Name: "respond", Kind: core.KindTerminal},
		"clarify":   {Name: "clarify", Kind: core.KindTerminal},
	}
}

func TestValidateAcceptsChainedPlan(t *testing.T) {
	p := &Plan{
		Steps: []Step{
			{ContextKey: "fetch", Capability: "retrieve", OutputType: "order_data"},
			{ContextKey: "digest", Capability: "summarize", OutputType: "summary",
				Inputs: map[string]string{"order_data": "fetch"}},
			{ContextKey: "answer", Capability: "respond", OutputType: "response",
				Inputs: map[string]string{"summary": "digest"}},
		},
	}
	if err := p.Validate(testCatalog(), nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name     string
		plan     *Plan
		wantStep string
		wantText string
	}{
		{
			name:     "empty plan",
			plan:     &Plan{},
			wantStep: "",
			wantText: "no steps",
		},
		{
			name: "unknown capability",
			plan: &Plan{Steps: []Step{
				{ContextKey: "x", Capability: "teleport", OutputType: "response"},
			}},
			wantStep: "x",
			wantText: "unknown capability",
		},
		{
			name: "unsatisfied input",
			plan: &Plan{Steps: []Step{
				{ContextKey: "answer", Capability: "respond", OutputType: "response",
					Inputs: map[string]string{"order_data": "nowhere"}},
			}},
			wantStep: "answer",
			wantText: "not produced by an earlier step",
		},
		{
			name: "input from later step",
			plan: &Plan{Steps: []Step{
				{ContextKey: "digest", Capability: "summarize", OutputType: "summary",
					Inputs: map[string]string{"order_data": "fetch"}},
				{ContextKey: "fetch", Capability: "retrieve", OutputType: "order_data"},
				{ContextKey: "answer", Capability: "respond", OutputType: "response"},
			}},
			wantStep: "digest",
			wantText: "not produced by an earlier step",
		},
		{
			name: "final step not terminal",
			plan: &Plan{Steps: []Step{
				{ContextKey: "fetch", Capability: "retrieve", OutputType: "order_data"},
			}},
			wantStep: "fetch",
			wantText: "must be terminal",
		},
		{
			name: "terminal before final",
			plan: &Plan{Steps: []Step{
				{ContextKey: "early", Capability: "respond", OutputType: "response"},
				{ContextKey: "answer", Capability: "respond", OutputType: "response"},
			}},
			wantStep: "early",
			wantText: "before final step",
		},
		{
			name: "duplicate context key",
			plan: &Plan{Steps: []Step{
				{ContextKey: "a", Capability: "retrieve", OutputType: "order_data"},
				{ContextKey: "a", Capability: "respond", OutputType: "response"},
			}},
			wantStep: "a",
			wantText: "duplicate",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.plan.Validate(testCatalog(), nil)
			if err == nil {
				t.Fatal("expected validation to fail")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if verr.Step != tc.wantStep {
				t.Fatalf("expected step %q, got %q", tc.wantStep, verr.Step)
			}
			if !strings.Contains(verr.Reason, tc.wantText) {
				t.Fatalf("reason %q should contain %q", verr.Reason, tc.wantText)
			}
		})
	}
}

func TestValidateInputFromPersistentContext(t *testing.T) {
	p := &Plan{
		Steps: []Step{
			{ContextKey: "answer", Capability: "respond", OutputType: "response",
				Inputs: map[string]string{"order_data": "earlier_lookup"}},
		},
	}

	prior := state.NewPartition()
	prior.Set(core.Entry{
		Type:      "order_data",
		Key:       "earlier_lookup",
		Value:     map[string]any{"status": "shipped"},
		CreatedAt: time.Now().UTC(),
	})

	if err := p.Validate(testCatalog(), state.ViewOf(prior)); err != nil {
		t.Fatalf("prior context should satisfy the input: %v", err)
	}
	if err := p.Validate(testCatalog(), nil); err == nil {
		t.Fatal("without prior context validation must fail")
	}
}

func TestCloneIsolatesSteps(t *testing.T) {
	p := &Plan{
		Steps: []Step{
			{ContextKey: "fetch", Capability: "retrieve", OutputType: "order_data",
				Inputs:     map[string]string{"order_id": "ask"},
				Parameters: map[string]any{"limit": 5}},
		},
	}

	cloned := p.Clone()
	cloned.Steps[0].Inputs["order_id"] = "edited"
	cloned.Steps[0].Parameters["limit"] = 10
	cloned.Steps[0].ContextKey = "renamed"

	if p.Steps[0].Inputs["order_id"] != "ask" {
		t.Errorf("clone leaked an input mutation into the original")
	}
	if p.Steps[0].Parameters["limit"] != 5 {
		t.Errorf("clone leaked a parameter mutation into the original")
	}
	if p.Steps[0].ContextKey != "fetch" {
		t.Errorf("clone leaked a field mutation into the original")
	}

	var nilPlan *Plan
	if nilPlan.Clone() != nil {
		t.Errorf("nil plan must clone to nil")
	}
}
