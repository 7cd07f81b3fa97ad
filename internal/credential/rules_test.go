package credential

import "testing"

func TestCompileRuleParsesClauses(t *testing.T) {
	r := CompileRule("r1", "deny tool=exec agent=bot-1")
	if !r.deny {
		t.Error("expected deny rule")
	}
	if r.toolEq != "exec" || r.agentEq != "bot-1" {
		t.Errorf("unexpected compiled fields: %+v", r)
	}
}

func TestCompileRuleAllow(t *testing.T) {
	r := CompileRule("r1", "allow tool=read")
	if r.deny {
		t.Error("expected allow rule")
	}
}

func TestEvaluateRulesNoRulesAllows(t *testing.T) {
	eval := EvaluateRules(nil, RuleContext{ToolName: "read"})
	if !eval.Allowed {
		t.Error("expected allow with no rules")
	}
}

func TestEvaluateRulesDenyBlocksMatchingContext(t *testing.T) {
	rules := []PermissionRule{
		{ID: "r1", Text: "deny tool=exec", Enabled: true},
	}
	eval := EvaluateRules(rules, RuleContext{ToolName: "exec"})
	if eval.Allowed {
		t.Error("expected deny rule to block matching context")
	}
	if len(eval.MatchedRules) != 1 || eval.MatchedRules[0] != "r1" {
		t.Errorf("expected matched rule r1, got %v", eval.MatchedRules)
	}
}

func TestEvaluateRulesDenyDoesNotBlockNonMatchingContext(t *testing.T) {
	rules := []PermissionRule{
		{ID: "r1", Text: "deny tool=exec", Enabled: true},
	}
	eval := EvaluateRules(rules, RuleContext{ToolName: "read"})
	if !eval.Allowed {
		t.Error("expected non-matching deny rule to allow")
	}
}

func TestEvaluateRulesDisabledRuleIgnored(t *testing.T) {
	rules := []PermissionRule{
		{ID: "r1", Text: "deny tool=exec", Enabled: false},
	}
	eval := EvaluateRules(rules, RuleContext{ToolName: "exec"})
	if !eval.Allowed {
		t.Error("expected disabled rule to be ignored")
	}
}
