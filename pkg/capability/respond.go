// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/llm"
)

const respondSystem = `You write the final answer for the user of an orchestration engine.
Use only the objective and the provided inputs. Be direct and complete.
Do not mention steps, plans, or internal machinery.`

// Respond is the terminal capability that turns a step's inputs and
// objective into the user-facing answer. With a provider it asks the model
// to compose the text; without one it renders the inputs deterministically,
// which keeps offline and scripted runs working.
type Respond struct {
	provider llm.Provider
	model    string
}

// NewRespond builds the respond capability. A nil provider selects the
// deterministic renderer.
func NewRespond(provider llm.Provider, model string) *Respond {
	return &Respond{provider: provider, model: model}
}

func (r *Respond) Name() string { return "respond" }

// Execute produces one entry under the step's output type holding the
// response text.
func (r *Respond) Execute(ctx context.Context, req core.Request, view core.StateView) (*core.Delta, error) {
	var text string
	if r.provider != nil {
		composed, err := r.compose(ctx, req)
		if err != nil {
			return nil, err
		}
		text = composed
	} else {
		text = renderFallback(req)
	}

	outputType := outputTypeOr(req, "response")
	return core.NewDelta().Add(outputType, req.StepKey, text, r.Name()), nil
}

func (r *Respond) compose(ctx context.Context, req core.Request) (string, error) {
	var prompt strings.Builder
	prompt.WriteString("Objective:\n")
	prompt.WriteString(req.Objective)
	prompt.WriteString("\n")
	if req.Criteria != "" {
		prompt.WriteString("\nCriteria:\n")
		prompt.WriteString(req.Criteria)
		prompt.WriteString("\n")
	}
	if rendered := renderInputs(req.Inputs); rendered != "" {
		prompt.WriteString("\nInputs:\n")
		prompt.WriteString(rendered)
	}

	resp, err := r.provider.Chat(ctx, llm.ChatRequest{
		Model: r.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: respondSystem},
			{Role: llm.RoleUser, Content: prompt.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// renderFallback produces a stable plain-text answer from the request
// alone. Input order follows sorted context types so retries render the
// same text.
func renderFallback(req core.Request) string {
	if len(req.Inputs) == 0 {
		if req.Objective != "" {
			return req.Objective
		}
		return "Done."
	}

	types := make([]string, 0, len(req.Inputs))
	for t := range req.Inputs {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	if req.Objective != "" {
		b.WriteString(req.Objective)
		b.WriteString("\n\n")
	}
	for _, t := range types {
		fmt.Fprintf(&b, "%s: %s\n", t, renderValue(req.Inputs[t].Value))
	}
	return strings.TrimSpace(b.String())
}

var _ core.Capability = (*Respond)(nil)
