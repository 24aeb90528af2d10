// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package mcpsource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/praxislabs/praxis/pkg/core"
	engineerrors "github.com/praxislabs/praxis/pkg/errors"
)

// ToolCaller abstracts MCP tool execution for adapters.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Adapter wraps an MCP tool to satisfy core.Capability. Arguments come from
// step parameters plus resolved inputs keyed by context type.
type Adapter struct {
	tool     mcp.Tool
	caller   ToolCaller
	name     string
	provides string
}

// NewAdapter builds a capability backed by an MCP tool definition and caller.
func NewAdapter(tool mcp.Tool, caller ToolCaller, provides string) (*Adapter, error) {
	if tool.Name == "" {
		return nil, errors.New("mcp tool name is required")
	}
	if caller == nil {
		return nil, errors.New("tool caller is required")
	}
	return &Adapter{
		tool:     tool,
		caller:   caller,
		name:     NormalizeName(tool.Name),
		provides: provides,
	}, nil
}

// Name returns the engine-normalized tool name.
func (a *Adapter) Name() string {
	return a.name
}

// Execute invokes the MCP tool and writes its output as a single entry under
// the step's declared output type. Safe to invoke repeatedly for retries.
func (a *Adapter) Execute(ctx context.Context, req core.Request, view core.StateView) (*core.Delta, error) {
	args := make(map[string]any, len(req.Parameters)+len(req.Inputs))
	for k, v := range req.Parameters {
		args[k] = v
	}
	for contextType, entry := range req.Inputs {
		if _, exists := args[contextType]; !exists {
			args[contextType] = entry.Value
		}
	}

	if err := validateRequiredArgs(a.tool, args); err != nil {
		// A missing required argument means the plan wired this step wrong;
		// surface it as a replanning-shaped failure.
		return nil, engineerrors.New(engineerrors.CodeMissingContext, err.Error(), nil).
			WithContext("tool", a.tool.Name).
			WithContext("step_key", req.StepKey)
	}

	result, err := a.caller.CallTool(ctx, a.tool.Name, args)
	if err != nil {
		return nil, engineerrors.WrapCapabilityError(err, a.name, req.StepKey)
	}

	output, err := toolResultToOutput(result)
	if err != nil {
		return nil, engineerrors.New(engineerrors.CodeCapabilityFailure, "mcp tool reported error", err).
			WithContext("tool", a.tool.Name)
	}

	outputType := req.OutputType
	if outputType == "" {
		outputType = a.provides
	}
	return core.NewDelta().Add(outputType, req.StepKey, output, "mcp:"+a.tool.Name), nil
}

// NormalizeName maps an MCP tool name onto the engine's capability name
// grammar (lowercase, [a-z0-9_], leading alphanumeric).
func NormalizeName(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	if name == "" {
		return "tool"
	}
	return name
}

func validateRequiredArgs(tool mcp.Tool, args map[string]any) error {
	schema := tool.InputSchema
	if schema.Type != "" && schema.Type != "object" {
		return nil
	}
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("mcp tool args: missing required field %q", key)
		}
	}
	return nil
}

func toolResultToOutput(result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, errors.New("mcp tool result is nil")
	}

	if result.IsError {
		return nil, fmt.Errorf("mcp tool returned error: %s", extractTextContent(result.Content))
	}

	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}

	if text := extractTextContent(result.Content); text != "" {
		return text, nil
	}

	return result, nil
}

func extractTextContent(items []mcp.Content) string {
	if len(items) == 0 {
		return ""
	}
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var _ core.Capability = (*Adapter)(nil)
