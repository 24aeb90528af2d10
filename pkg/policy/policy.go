// Package policy gates capability dispatch. Rules are glob patterns over
// capability names evaluated first-match; the effect decides whether a step
// runs, is refused, or suspends the run for human sign-off.
package policy

import (
	"path"
	"strings"

	"github.com/praxislabs/praxis/pkg/config"
)

// Effect is the outcome a rule assigns to a matching capability.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Rule is one policy line: a glob pattern over capability names and the
// effect applied when it matches first.
type Rule struct {
	Pattern string
	Effect  Effect
	Reason  string
}

// Decision is the outcome of evaluating a capability name against a rule set.
type Decision struct {
	Effect  Effect
	Reason  string
	Pattern string
}

// Allowed reports whether the step may dispatch immediately.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// Denied reports whether the step is refused outright.
func (d Decision) Denied() bool { return d.Effect == EffectDeny }

// RequiresApproval reports whether the step needs human sign-off first.
func (d Decision) RequiresApproval() bool { return d.Effect == EffectRequireApproval }

// RuleSet evaluates rules in order; the first match wins.
type RuleSet struct {
	rules         []Rule
	defaultEffect Effect
}

// NewRuleSet creates a rule set that allows by default.
func NewRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{
		rules:         append([]Rule(nil), rules...),
		defaultEffect: EffectAllow,
	}
}

// WithDefault overrides the effect applied when no rule matches.
func (rs *RuleSet) WithDefault(effect Effect) *RuleSet {
	rs.defaultEffect = effect
	return rs
}

// Evaluate returns the first matching rule's decision, or the default.
func (rs *RuleSet) Evaluate(capability string) Decision {
	if rs == nil {
		return Decision{Effect: EffectAllow}
	}
	for _, rule := range rs.rules {
		if !matchPattern(rule.Pattern, capability) {
			continue
		}
		effect := normalizeEffect(string(rule.Effect))
		return Decision{Effect: effect, Reason: rule.Reason, Pattern: rule.Pattern}
	}
	return Decision{Effect: rs.defaultEffect}
}

func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	if err == nil && ok {
		return true
	}
	return pattern == value
}

func normalizeEffect(effect string) Effect {
	switch strings.ToLower(strings.TrimSpace(effect)) {
	case "deny":
		return EffectDeny
	case "require_approval", "approval", "pending":
		return EffectRequireApproval
	default:
		return EffectAllow
	}
}

// FromConfig builds a rule set from the host configuration.
func FromConfig(cfg config.PolicyConfig) *RuleSet {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		rules = append(rules, Rule{
			Pattern: rule.Pattern,
			Effect:  normalizeEffect(rule.Effect),
			Reason:  rule.Reason,
		})
	}
	rs := NewRuleSet(rules...)
	if strings.TrimSpace(cfg.Default) != "" {
		rs = rs.WithDefault(normalizeEffect(cfg.Default))
	}
	return rs
}
