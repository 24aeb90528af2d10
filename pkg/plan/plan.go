// Package plan defines the ordered step list the planner produces and the
// router executes, plus parsing and validation. A plan is data: it carries
// no behavior beyond structural checks, so it can be generated by a model,
// loaded from a file, or scripted in tests interchangeably.
package plan

// Step is one unit of work in a plan. ContextKey names the entry the step
// writes (unique within the plan); Inputs maps context types to the keys of
// entries the step reads.
type Step struct {
	ContextKey string            `json:"context_key" yaml:"context_key"`
	Capability string            `json:"capability" yaml:"capability"`
	Objective  string            `json:"objective,omitempty" yaml:"objective,omitempty"`
	OutputType string            `json:"output_type" yaml:"output_type"`
	Criteria   string            `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Parameters map[string]any    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Plan is an ordered list of steps ending in a terminal capability.
type Plan struct {
	Steps []Step `json:"steps" yaml:"steps"`
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// Final returns the last step, when any.
func (p *Plan) Final() (Step, bool) {
	if p == nil || len(p.Steps) == 0 {
		return Step{}, false
	}
	return p.Steps[len(p.Steps)-1], true
}

// Keys returns the context keys in step order.
func (p *Plan) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		out = append(out, step.ContextKey)
	}
	return out
}

// StepByKey returns the step writing the given context key.
func (p *Plan) StepByKey(key string) (Step, bool) {
	if p == nil {
		return Step{}, false
	}
	for _, step := range p.Steps {
		if step.ContextKey == key {
			return step, true
		}
	}
	return Step{}, false
}

// Clone returns a deep copy sharing no slices or maps with the receiver.
// Edited resumes mutate step inputs in place, so stored plans must not
// alias live ones.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{Steps: make([]Step, len(p.Steps))}
	for i, step := range p.Steps {
		out.Steps[i] = step.clone()
	}
	return out
}

func (s Step) clone() Step {
	out := s
	if s.Inputs != nil {
		out.Inputs = make(map[string]string, len(s.Inputs))
		for k, v := range s.Inputs {
			out.Inputs[k] = v
		}
	}
	if s.Parameters != nil {
		out.Parameters = make(map[string]any, len(s.Parameters))
		for k, v := range s.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}
