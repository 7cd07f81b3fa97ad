package cli

import (
	"github.com/spf13/cobra"

	"github.com/flowforge/orchestrator/internal/workflow"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyShowCmd, policyUpdateCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and update session/PR policies",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current policies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		return printJSON(svc.workflows.GetPolicies())
	},
}

var (
	patchMaxConcurrent    int
	patchTimeoutMs        int64
	patchMaxTokensStep    int
	patchMaxTokensWF      int
	patchLabels           []string
	patchAssignees        []string
)

var policyUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Deep-merge a patch onto the current policies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		patch := workflow.MergePatch{}
		sessionPatch := workflow.SessionPatch{}
		touchedSessions := false
		if cmd.Flags().Changed("max-concurrent") {
			sessionPatch.MaxConcurrent = &patchMaxConcurrent
			touchedSessions = true
		}
		if cmd.Flags().Changed("timeout-ms") {
			sessionPatch.TimeoutMs = &patchTimeoutMs
			touchedSessions = true
		}
		if cmd.Flags().Changed("max-tokens-per-step") {
			sessionPatch.MaxTokensPerStep = &patchMaxTokensStep
			touchedSessions = true
		}
		if cmd.Flags().Changed("max-tokens-per-workflow") {
			sessionPatch.MaxTokensPerWorkflow = &patchMaxTokensWF
			touchedSessions = true
		}
		if touchedSessions {
			patch.Sessions = &sessionPatch
		}
		if cmd.Flags().Changed("labels") || cmd.Flags().Changed("assignees") {
			patch.PR = &workflow.PRPatch{Labels: patchLabels, Assignees: patchAssignees}
		}
		updated, err := svc.workflows.UpdatePolicies(patch)
		if err != nil {
			return err
		}
		return printJSON(updated)
	},
}

func init() {
	policyUpdateCmd.Flags().IntVar(&patchMaxConcurrent, "max-concurrent", 0, "max concurrent sessions per workflow")
	policyUpdateCmd.Flags().Int64Var(&patchTimeoutMs, "timeout-ms", 0, "per-step session timeout in milliseconds")
	policyUpdateCmd.Flags().IntVar(&patchMaxTokensStep, "max-tokens-per-step", 0, "token budget per step")
	policyUpdateCmd.Flags().IntVar(&patchMaxTokensWF, "max-tokens-per-workflow", 0, "token budget per workflow")
	policyUpdateCmd.Flags().StringSliceVar(&patchLabels, "labels", nil, "PR labels")
	policyUpdateCmd.Flags().StringSliceVar(&patchAssignees, "assignees", nil, "PR assignees")
}
