package credential

import "strings"

// RuleContext is the set of facts a permission rule is evaluated
// against (spec §4.B: "{toolName, action, agentId, taskId, time}").
type RuleContext struct {
	ToolName string
	Action   string
	AgentID  string
	TaskID   string
	Now      int64
}

// CompiledRule is the deterministic predicate produced by CompileRule.
// The rule language itself is out of spec scope (§4.B); this
// implementation recognizes a small, deterministic clause grammar of
// the form "deny tool=<name>" / "deny agent=<id>" / "allow ..." so the
// predicate is inspectable and testable without inventing a DSL the
// spec does not ask for.
type CompiledRule struct {
	ID      string
	Text    string
	deny    bool
	toolEq  string
	agentEq string
	taskEq  string
}

// CompileRule parses rule text into a deterministic predicate. Clauses
// other than tool=, agent= and task= are ignored and do not constrain
// the match. Text whose first word is not "allow" compiles as a deny
// rule.
func CompileRule(id, text string) CompiledRule {
	cr := CompiledRule{ID: id, Text: text, deny: true}
	fields := strings.Fields(text)
	for i, f := range fields {
		if i == 0 {
			switch strings.ToLower(f) {
			case "allow":
				cr.deny = false
			case "deny":
				cr.deny = true
			}
			continue
		}
		if k, v, ok := strings.Cut(f, "="); ok {
			switch k {
			case "tool":
				cr.toolEq = v
			case "agent":
				cr.agentEq = v
			case "task":
				cr.taskEq = v
			}
		}
	}
	return cr
}

// matches reports whether ctx satisfies every clause the rule
// specifies (clauses the rule doesn't mention are unconstrained).
func (r CompiledRule) matches(ctx RuleContext) bool {
	if r.toolEq != "" && r.toolEq != ctx.ToolName {
		return false
	}
	if r.agentEq != "" && r.agentEq != ctx.AgentID {
		return false
	}
	if r.taskEq != "" && r.taskEq != ctx.TaskID {
		return false
	}
	return true
}

// RuleEvaluation is the result of EvaluateRules.
type RuleEvaluation struct {
	Allowed      bool
	Reason       string
	MatchedRules []string
}

// EvaluateRules evaluates every enabled rule against ctx and returns
// whether the combined result permits the checkout (spec §4.B: "if any
// enabled rule denies, Blocked"). Evaluation never mutates state.
func EvaluateRules(rules []PermissionRule, ctx RuleContext) RuleEvaluation {
	var matched []string
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		compiled := CompileRule(r.ID, r.Text)
		if !compiled.matches(ctx) {
			continue
		}
		matched = append(matched, r.ID)
		if compiled.deny {
			return RuleEvaluation{Allowed: false, Reason: "denied by rule " + r.ID, MatchedRules: matched}
		}
	}
	return RuleEvaluation{Allowed: true, MatchedRules: matched}
}
