// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/praxislabs/praxis/pkg/errors"
	"github.com/praxislabs/praxis/pkg/llm"
	"github.com/praxislabs/praxis/pkg/plan"
)

const defaultSystem = `You decompose a user task into an ordered plan of capability invocations.
Use only the capabilities listed in the request. Keep plans short: fetch
what you need, transform it, then finish with exactly one terminal step.`

const outputInstructions = `Respond with a single JSON object and nothing else:
{"steps": [{"context_key": "...", "capability": "...", "objective": "...",
"output_type": "...", "criteria": "...", "inputs": {"<context_type>": "<context_key>"},
"parameters": {}}]}

Rules:
- context_key is unique per step and names the entry the step writes.
- output_type is the context type the step produces.
- inputs reference the output of an earlier step or an entry already listed
  under available context.
- The final step must use a terminal capability; terminal capabilities may
  appear only in final position.`

// ModelPlanner builds plans by asking an LLM for JSON. A malformed reply is
// re-asked once with the parse error before giving up.
type ModelPlanner struct {
	provider llm.Provider
	model    string
}

// NewModelPlanner creates a planner backed by the given provider and model.
func NewModelPlanner(provider llm.Provider, model string) *ModelPlanner {
	return &ModelPlanner{provider: provider, model: model}
}

// BuildPlan implements Planner.
func (p *ModelPlanner) BuildPlan(ctx context.Context, req PlanRequest) (*plan.Plan, error) {
	system := req.Profile
	if strings.TrimSpace(system) == "" {
		system = defaultSystem
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: buildPrompt(req)},
	}

	var lastParseErr error
	for round := 0; round < 2; round++ {
		resp, err := p.provider.Chat(ctx, llm.ChatRequest{
			Model:    p.model,
			Messages: messages,
		})
		if err != nil {
			return nil, err
		}

		built, parseErr := plan.ParseJSON(extractJSON(resp.Content))
		if parseErr == nil {
			return built, nil
		}
		lastParseErr = parseErr

		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
				"That reply was not a valid plan: %v. Reply again with only the JSON object, no surrounding text.", parseErr)},
		)
	}

	return nil, errors.New(errors.CodePlannerFailure, "model returned a malformed plan", lastParseErr).
		WithContext("model", p.model).
		WithRecoverable(false)
}

// buildPrompt renders the plan request into the user message.
func buildPrompt(req PlanRequest) string {
	var b strings.Builder

	b.WriteString("Task:\n")
	b.WriteString(req.Task)
	b.WriteString("\n\nAvailable capabilities:\n")
	for _, cap := range req.Capabilities {
		fmt.Fprintf(&b, "- %s (%s): %s", cap.Name, cap.Kind, cap.Description)
		if len(cap.Provides) > 0 {
			fmt.Fprintf(&b, " [provides: %s]", strings.Join(cap.Provides, ", "))
		}
		if len(cap.Requires) > 0 {
			fmt.Fprintf(&b, " [requires: %s]", strings.Join(cap.Requires, ", "))
		}
		b.WriteString("\n")
	}

	if len(req.Context) > 0 {
		b.WriteString("\nAvailable context:\n")
		for _, entry := range req.Context {
			fmt.Fprintf(&b, "- %s/%s\n", entry.Type, entry.Key)
		}
	}

	if strings.TrimSpace(req.PriorFailure) != "" {
		b.WriteString("\nThe previous plan failed: ")
		b.WriteString(req.PriorFailure)
		b.WriteString("\nBuild a different plan that avoids that failure.\n")
	}

	b.WriteString("\n")
	b.WriteString(outputInstructions)
	return b.String()
}

// extractJSON strips markdown fences and surrounding prose from a model
// reply, keeping the outermost JSON object.
func extractJSON(content string) []byte {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		if idx := strings.Index(trimmed, "\n"); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		trimmed = trimmed[start : end+1]
	}
	return []byte(trimmed)
}
