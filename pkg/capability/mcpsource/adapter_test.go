// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package mcpsource

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/praxislabs/praxis/pkg/core"
	engineerrors "github.com/praxislabs/praxis/pkg/errors"
)

type stubCaller struct {
	lastName string
	lastArgs map[string]any
	result   *mcp.CallToolResult
	err      error
}

func (s *stubCaller) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s.lastName = name
	s.lastArgs = args
	return s.result, s.err
}

type emptyView struct{}

func (emptyView) Lookup(string, string) (core.Entry, bool) { return core.Entry{}, false }
func (emptyView) Types() []string                          { return nil }
func (emptyView) Keys(string) []string                     { return nil }

func TestAdapterExecuteMergesParametersAndInputs(t *testing.T) {
	tool := mcp.Tool{
		Name: "order-status",
		InputSchema: mcp.ToolInputSchema{
			Type:     "object",
			Required: []string{"order_id"},
		},
	}

	caller := &stubCaller{
		result: &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "shipped"}},
		},
	}

	adapter, err := NewAdapter(tool, caller, "order_status_result")
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	if adapter.Name() != "order_status" {
		t.Fatalf("expected normalized name order_status, got %q", adapter.Name())
	}

	req := core.Request{
		StepKey:    "status_check",
		OutputType: "order_status_result",
		Parameters: map[string]any{"order_id": "A-100"},
		Inputs: map[string]core.Entry{
			"order_data": {Type: "order_data", Key: "lookup", Value: map[string]any{"id": "A-100"}},
		},
	}

	delta, err := adapter.Execute(context.Background(), req, emptyView{})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if caller.lastName != "order-status" {
		t.Fatalf("expected raw tool name on the wire, got %q", caller.lastName)
	}
	if caller.lastArgs["order_id"] != "A-100" {
		t.Fatalf("expected order_id arg, got %v", caller.lastArgs)
	}
	if _, ok := caller.lastArgs["order_data"]; !ok {
		t.Fatal("expected resolved input merged into args")
	}

	if len(delta.Entries) != 1 {
		t.Fatalf("expected 1 delta entry, got %d", len(delta.Entries))
	}
	entry := delta.Entries[0]
	if entry.Type != "order_status_result" || entry.Key != "status_check" {
		t.Fatalf("unexpected entry coordinates: %+v", entry)
	}
	if entry.Value != "shipped" {
		t.Fatalf("expected value 'shipped', got %v", entry.Value)
	}
}

func TestAdapterExecuteParametersWinOverInputs(t *testing.T) {
	tool := mcp.Tool{Name: "echo"}
	caller := &stubCaller{
		result: &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok"}},
		},
	}
	adapter, _ := NewAdapter(tool, caller, "echo_result")

	req := core.Request{
		StepKey:    "s1",
		Parameters: map[string]any{"note": "explicit"},
		Inputs: map[string]core.Entry{
			"note": {Type: "note", Key: "earlier", Value: "from-state"},
		},
	}

	if _, err := adapter.Execute(context.Background(), req, emptyView{}); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if caller.lastArgs["note"] != "explicit" {
		t.Fatalf("parameters should win over inputs, got %v", caller.lastArgs["note"])
	}
}

func TestAdapterExecuteMissingRequiredArg(t *testing.T) {
	tool := mcp.Tool{
		Name: "needs-foo",
		InputSchema: mcp.ToolInputSchema{
			Type:     "object",
			Required: []string{"foo"},
		},
	}
	caller := &stubCaller{}
	adapter, _ := NewAdapter(tool, caller, "needs_foo_result")

	_, err := adapter.Execute(context.Background(), core.Request{StepKey: "s1"}, emptyView{})
	if err == nil {
		t.Fatal("expected error for missing required arg")
	}
	if code := engineerrors.AsEngineError(err).Code; code != engineerrors.CodeMissingContext {
		t.Fatalf("expected MISSING_CONTEXT, got %s", code)
	}
	if caller.lastName != "" {
		t.Fatal("tool must not be called when validation fails")
	}
}

func TestAdapterExecuteToolError(t *testing.T) {
	tool := mcp.Tool{Name: "flaky"}
	caller := &stubCaller{
		result: &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "backend exploded"}},
		},
	}
	adapter, _ := NewAdapter(tool, caller, "flaky_result")

	_, err := adapter.Execute(context.Background(), core.Request{StepKey: "s1"}, emptyView{})
	if err == nil {
		t.Fatal("expected error for IsError result")
	}
	if code := engineerrors.AsEngineError(err).Code; code != engineerrors.CodeCapabilityFailure {
		t.Fatalf("expected CAPABILITY_FAILURE, got %s", code)
	}
}

func TestAdapterExecuteStructuredContent(t *testing.T) {
	tool := mcp.Tool{Name: "lookup"}
	structured := map[string]any{"status": "open"}
	caller := &stubCaller{
		result: &mcp.CallToolResult{StructuredContent: structured},
	}
	adapter, _ := NewAdapter(tool, caller, "lookup_result")

	delta, err := adapter.Execute(context.Background(), core.Request{StepKey: "s1"}, emptyView{})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	value, ok := delta.Entries[0].Value.(map[string]any)
	if !ok {
		t.Fatalf("expected structured value, got %T", delta.Entries[0].Value)
	}
	if value["status"] != "open" {
		t.Fatalf("unexpected structured value: %v", value)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"order-status", "order_status"},
		{"Files.Read", "files_read"},
		{"  weird -- name  ", "weird_name"},
		{"___", "tool"},
		{"ok_already", "ok_already"},
	}
	for _, tc := range tests {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
