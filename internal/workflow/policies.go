package workflow

// SessionPolicies bounds the engine's session scheduling and budget
// behavior (spec §3.5, §6.4).
type SessionPolicies struct {
	MaxConcurrent       int      `json:"maxConcurrent"`
	TimeoutMs           int64    `json:"timeoutMs"`
	MaxTokensPerStep    int      `json:"maxTokensPerStep"`
	MaxTokensPerWorkflow int     `json:"maxTokensPerWorkflow"`
	AllowedModes        []string `json:"allowedModes"`
}

// PRPolicies configures draft PRs opened on workflow completion.
type PRPolicies struct {
	Labels    []string `json:"labels"`
	Assignees []string `json:"assignees"`
}

// Policies is the process-wide workflow configuration persisted inside
// the workflow store file (spec §3.5).
type Policies struct {
	Sessions SessionPolicies `json:"sessions"`
	PR       PRPolicies      `json:"pr"`
}

// DefaultPolicies returns the spec §6.4 defaults.
func DefaultPolicies() Policies {
	return Policies{
		Sessions: SessionPolicies{
			MaxConcurrent:        2,
			TimeoutMs:            300_000,
			MaxTokensPerStep:     100_000,
			MaxTokensPerWorkflow: 500_000,
			AllowedModes:         []string{"Claude"},
		},
		PR: PRPolicies{
			Labels:    []string{},
			Assignees: []string{},
		},
	}
}

// MergePatch is an untyped patch applied over Policies by
// Store.UpdatePolicies. Only non-nil fields in the patch are applied,
// implementing the spec's "deep-merge" requirement for updatePolicies.
// Per DESIGN.md's policy-patch decision, a nil pointer or nil slice
// means "leave unchanged"; a non-nil pointer is applied even when it
// points at 0, and a caller that wants to explicitly clear a list
// passes a non-nil empty slice.
type MergePatch struct {
	Sessions *SessionPatch `json:"sessions,omitempty"`
	PR       *PRPatch      `json:"pr,omitempty"`
}

type SessionPatch struct {
	MaxConcurrent        *int      `json:"maxConcurrent,omitempty"`
	TimeoutMs            *int64    `json:"timeoutMs,omitempty"`
	MaxTokensPerStep     *int      `json:"maxTokensPerStep,omitempty"`
	MaxTokensPerWorkflow *int      `json:"maxTokensPerWorkflow,omitempty"`
	AllowedModes         []string  `json:"allowedModes,omitempty"`
}

type PRPatch struct {
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
}

// Apply deep-merges patch onto p and returns the result. An empty
// MergePatch{} is a no-op, satisfying the idempotence property
// updatePolicies(p).updatePolicies({}) == updatePolicies(p).
func (p Policies) Apply(patch MergePatch) Policies {
	if patch.Sessions != nil {
		if patch.Sessions.MaxConcurrent != nil {
			p.Sessions.MaxConcurrent = *patch.Sessions.MaxConcurrent
		}
		if patch.Sessions.TimeoutMs != nil {
			p.Sessions.TimeoutMs = *patch.Sessions.TimeoutMs
		}
		if patch.Sessions.MaxTokensPerStep != nil {
			p.Sessions.MaxTokensPerStep = *patch.Sessions.MaxTokensPerStep
		}
		if patch.Sessions.MaxTokensPerWorkflow != nil {
			p.Sessions.MaxTokensPerWorkflow = *patch.Sessions.MaxTokensPerWorkflow
		}
		if patch.Sessions.AllowedModes != nil {
			p.Sessions.AllowedModes = patch.Sessions.AllowedModes
		}
	}
	if patch.PR != nil {
		if patch.PR.Labels != nil {
			p.PR.Labels = patch.PR.Labels
		}
		if patch.PR.Assignees != nil {
			p.PR.Assignees = patch.PR.Assignees
		}
	}
	return p
}
