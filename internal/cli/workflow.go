package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowforge/orchestrator/internal/workflow"
)

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowCreateCmd, workflowListCmd, workflowShowCmd,
		workflowCancelCmd, workflowPauseCmd, workflowResumeCmd, workflowRetryStepCmd)
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflows",
}

var (
	createTitle       string
	createDescription string
	createRepoPath    string
	createBaseBranch  string
	createStepsJSON   string
)

var workflowCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new workflow",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}

		var steps []workflow.StepInput
		if createStepsJSON != "" {
			if err := json.Unmarshal([]byte(createStepsJSON), &steps); err != nil {
				return fmt.Errorf("parsing --steps: %w", err)
			}
		}

		wf, err := svc.workflows.Create(workflow.CreateInput{
			Title:       createTitle,
			Description: createDescription,
			RepoPath:    createRepoPath,
			BaseBranch:  createBaseBranch,
			Trigger:     "manual",
			Steps:       steps,
		})
		if err != nil {
			return fmt.Errorf("creating workflow: %w", err)
		}
		return printJSON(wf)
	},
}

func init() {
	workflowCreateCmd.Flags().StringVar(&createTitle, "title", "", "workflow title")
	workflowCreateCmd.Flags().StringVar(&createDescription, "description", "", "workflow description")
	workflowCreateCmd.Flags().StringVar(&createRepoPath, "repo", ".", "repository path")
	workflowCreateCmd.Flags().StringVar(&createBaseBranch, "base", "main", "base branch")
	workflowCreateCmd.Flags().StringVar(&createStepsJSON, "steps", "", `JSON array of steps, e.g. [{"title":"lint","dependsOn":[]}]`)
	workflowCreateCmd.MarkFlagRequired("title")
}

var listStatus string

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		workflows := svc.workflows.List(workflow.ListFilter{Status: listStatus})
		return printJSON(workflows)
	},
}

func init() {
	workflowListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
}

var workflowShowCmd = &cobra.Command{
	Use:   "show <workflow-id>",
	Short: "Show a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		wf := svc.workflows.Get(args[0])
		if wf == nil {
			return fmt.Errorf("workflow %q not found", args[0])
		}
		return printJSON(wf)
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		wf, err := svc.workflows.Cancel(args[0])
		if err != nil {
			return err
		}
		if wf == nil {
			return fmt.Errorf("workflow %q not found", args[0])
		}
		return printJSON(wf)
	},
}

var workflowPauseCmd = &cobra.Command{
	Use:   "pause <workflow-id>",
	Short: "Pause a running workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		wf, err := svc.workflows.Pause(args[0])
		if err != nil {
			return err
		}
		if wf == nil {
			return fmt.Errorf("workflow %q is not running", args[0])
		}
		return printJSON(wf)
	},
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume a paused workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		wf, err := svc.workflows.Resume(args[0])
		if err != nil {
			return err
		}
		if wf == nil {
			return fmt.Errorf("workflow %q is not paused", args[0])
		}
		return printJSON(wf)
	},
}

var workflowRetryStepCmd = &cobra.Command{
	Use:   "retry-step <workflow-id> <step-id>",
	Short: "Retry a failed step",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		st, err := svc.workflows.RetryStep(args[0], args[1])
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("step %q is not failed", args[1])
		}
		return printJSON(st)
	},
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
