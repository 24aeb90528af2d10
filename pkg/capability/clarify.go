package capability

import (
	"context"
	"strings"

	"github.com/praxislabs/praxis/pkg/core"
)

// Clarify is the terminal capability that asks the user a question instead
// of answering. The planner reaches for it when the task is missing
// information no capability can supply.
type Clarify struct{}

func NewClarify() *Clarify { return &Clarify{} }

func (c *Clarify) Name() string { return "clarify" }

// Execute renders the clarification question. The objective carries the
// question text; inputs, when present, are appended so the user sees what
// the engine already knows.
func (c *Clarify) Execute(ctx context.Context, req core.Request, view core.StateView) (*core.Delta, error) {
	question := strings.TrimSpace(req.Objective)
	if question == "" {
		question = "Could you share more detail about what you need?"
	}

	var b strings.Builder
	b.WriteString(question)
	if rendered := renderInputs(req.Inputs); rendered != "" {
		b.WriteString("\n\nWhat I have so far:\n")
		b.WriteString(rendered)
	}

	outputType := outputTypeOr(req, "clarification")
	return core.NewDelta().Add(outputType, req.StepKey, strings.TrimSpace(b.String()), c.Name()), nil
}

var _ core.Capability = (*Clarify)(nil)
