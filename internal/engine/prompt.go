package engine

import (
	"fmt"
	"strings"

	"github.com/flowforge/orchestrator/internal/credential"
	"github.com/flowforge/orchestrator/internal/workflow"
)

// buildPrompt renders the step message and system prompt (spec §4.F
// "Prompt structure").
func buildPrompt(wf workflow.Workflow, step workflow.Step, leases []credential.Lease) (message, systemPrompt string) {
	var b strings.Builder

	fmt.Fprintf(&b, "# Step %d: %s\n\n", step.Index+1, step.Title)
	if step.Description != "" {
		b.WriteString(step.Description)
		b.WriteString("\n\n")
	}

	if len(step.DependsOn) > 0 {
		b.WriteString("## Previous step results:\n")
		byID := make(map[string]workflow.Step, len(wf.Steps))
		for _, st := range wf.Steps {
			byID[st.ID] = st
		}
		for _, dep := range step.DependsOn {
			if depStep, ok := byID[dep]; ok && depStep.Result != "" {
				fmt.Fprintf(&b, "- %s: %s\n", depStep.Title, depStep.Result)
			}
		}
		b.WriteString("\n")
	}

	if len(leases) > 0 {
		b.WriteString("## Available Credentials:\n")
		purposeByID := make(map[string]string, len(step.RequiredCredentials))
		for _, rc := range step.RequiredCredentials {
			purposeByID[rc.CredentialID] = rc.Purpose
		}
		for _, l := range leases {
			fmt.Fprintf(&b, "- %s (%s)\n", purposeByID[l.CredentialID], l.CredentialID)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Workflow context:\n")
	fmt.Fprintf(&b, "- Title: %s\n", wf.Title)
	if wf.Description != "" {
		fmt.Fprintf(&b, "- Description: %s\n", wf.Description)
	}
	if wf.IssueNumber != nil {
		fmt.Fprintf(&b, "- Issue: #%d\n", *wf.IssueNumber)
	}

	systemPrompt = fmt.Sprintf(
		"You are working in repository %s/%s at %s on branch %s (base %s). "+
			"Commit your changes locally but do not push — the orchestrator pushes the branch once every step completes.",
		wf.Repo.Owner, wf.Repo.Name, wf.Repo.Path, wf.WorkBranch, wf.BaseBranch,
	)

	return b.String(), systemPrompt
}
