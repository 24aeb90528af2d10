// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"strings"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
	"github.com/praxislabs/praxis/pkg/llm"
)

const modelDefaultSystem = `You are one step inside an orchestration engine.
Produce exactly the output the objective asks for. No preamble, no commentary.`

// Model asks an LLM provider for the step's output. The prompt is assembled
// from the objective, the acceptance criteria, and the rendered inputs;
// the system prompt comes from the registry's prompt profile when the
// capability was declared in a manifest.
type Model struct {
	name     string
	provider llm.Provider
	model    string
	system   string
}

// NewModel builds a model-backed capability. An empty system prompt falls
// back to a minimal built-in one.
func NewModel(name string, provider llm.Provider, model, system string) *Model {
	if system == "" {
		system = modelDefaultSystem
	}
	return &Model{name: name, provider: provider, model: model, system: system}
}

func (m *Model) Name() string { return m.name }

// Execute sends one chat turn and stores the reply under the step's output
// type. Provider errors pass through unchanged so transport-shaped codes
// (timeout, rate limited, unavailable) keep their retriable classification.
func (m *Model) Execute(ctx context.Context, req core.Request, view core.StateView) (*core.Delta, error) {
	if m.provider == nil {
		return nil, errors.New(errors.CodeModelFailure, "model capability has no provider", nil).
			WithContext("capability", m.name)
	}

	resp, err := m.provider.Chat(ctx, llm.ChatRequest{
		Model: m.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: m.system},
			{Role: llm.RoleUser, Content: m.buildPrompt(req)},
		},
	})
	if err != nil {
		return nil, err
	}

	outputType := outputTypeOr(req, "model_output")
	return core.NewDelta().Add(outputType, req.StepKey, strings.TrimSpace(resp.Content), m.name), nil
}

func (m *Model) buildPrompt(req core.Request) string {
	var b strings.Builder
	b.WriteString("Objective:\n")
	b.WriteString(req.Objective)
	b.WriteString("\n")
	if req.Criteria != "" {
		b.WriteString("\nThe output must satisfy:\n")
		b.WriteString(req.Criteria)
		b.WriteString("\n")
	}
	if rendered := renderInputs(req.Inputs); rendered != "" {
		b.WriteString("\nInputs:\n")
		b.WriteString(rendered)
	}
	return b.String()
}

var _ core.Capability = (*Model)(nil)
