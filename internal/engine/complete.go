package engine

import (
	"fmt"
	"strings"

	"github.com/flowforge/orchestrator/internal/gitadapter"
	"github.com/flowforge/orchestrator/internal/workflow"
)

// handleAllStepsComplete pushes the work branch and opens a draft PR
// (spec §4.F "All steps complete"). Any failure marks the workflow
// failed and records an error event.
func (e *Engine) handleAllStepsComplete(wf workflow.Workflow) error {
	if err := e.git.PushBranch(wf.Repo.Path, wf.WorkBranch); err != nil {
		return e.failWorkflow(wf.ID, fmt.Sprintf("pushing branch: %s", err))
	}
	e.workflows.AddEvent(wf.ID, "", workflow.EventBranchPushed, fmt.Sprintf("pushed %s", wf.WorkBranch), nil)

	policies := e.workflows.GetPolicies()
	body := renderPRBody(wf)

	pr, err := e.git.CreatePR(gitadapter.PRArgs{
		Owner:     wf.Repo.Owner,
		Repo:      wf.Repo.Name,
		Title:     wf.Title,
		Body:      body,
		Head:      wf.WorkBranch,
		Base:      wf.BaseBranch,
		Draft:     true,
		Labels:    policies.PR.Labels,
		Assignees: policies.PR.Assignees,
	})
	if err != nil {
		return e.failWorkflow(wf.ID, fmt.Sprintf("creating PR: %s", err))
	}

	now := e.now()
	_, err = e.workflows.UpdateWorkflow(wf.ID, workflow.WorkflowPatch{
		Status:      strPtr(workflow.StatusPROpen),
		PullRequest: &pr,
		CompletedAt: int64Ptr(now),
	})
	return err
}

func (e *Engine) failWorkflow(workflowID, reason string) error {
	_, err := e.workflows.UpdateWorkflow(workflowID, workflow.WorkflowPatch{
		Status: strPtr(workflow.StatusFailed),
	})
	e.workflows.AddEvent(workflowID, "", workflow.EventError, reason, nil)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s", reason)
}

const maxFilesListedPerStep = 10

// stepStatusGlyph renders the PR body's per-step marker: "+" complete,
// "-" skipped, "x" failed (spec §4.F "PR body template").
func stepStatusGlyph(status string) string {
	switch status {
	case workflow.StepComplete:
		return "+"
	case workflow.StepSkipped:
		return "-"
	default:
		return "x"
	}
}

// renderPRBody implements spec §4.F "PR body template".
func renderPRBody(wf workflow.Workflow) string {
	var b strings.Builder

	b.WriteString("## Summary\n")
	b.WriteString(wf.Description)
	b.WriteString("\n\n")

	if wf.IssueNumber != nil {
		fmt.Fprintf(&b, "Closes #%d\n\n", *wf.IssueNumber)
	}

	b.WriteString("## Steps Completed\n")
	completeCount := 0
	for _, st := range wf.Steps {
		if workflow.IsTerminalStepStatus(st.Status) && st.Status != workflow.StepFailed {
			completeCount++
		}
		fmt.Fprintf(&b, "- [%s] Step %d: %s\n", stepStatusGlyph(st.Status), st.Index+1, st.Title)
		for i, fc := range st.FilesChanged {
			if i >= maxFilesListedPerStep {
				fmt.Fprintf(&b, "  - ... and %d more files\n", len(st.FilesChanged)-maxFilesListedPerStep)
				break
			}
			fmt.Fprintf(&b, "  - %s (+%d/-%d)\n", fc.Path, fc.Additions, fc.Deletions)
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Budget\n- tokens: %d\n- toolCalls: %d\n- %d/%d steps complete\n\n",
		wf.TotalTokens, wf.TotalToolCalls, completeCount, len(wf.Steps))

	b.WriteString("Generated by the agent workflow orchestrator.\n")
	return b.String()
}
