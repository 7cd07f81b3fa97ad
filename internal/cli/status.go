package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge/orchestrator/internal/workflow"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var followStatus bool

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow's step statuses, optionally following live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		if !followStatus {
			return printWorkflowStatus(svc, args[0])
		}
		return followWorkflowStatus(svc, args[0])
	},
}

func init() {
	statusCmd.Flags().BoolVar(&followStatus, "follow", false, "keep printing status until the workflow reaches a terminal state")
}

func printWorkflowStatus(svc *services, id string) error {
	wf := svc.workflows.Get(id)
	if wf == nil {
		return fmt.Errorf("workflow %q not found", id)
	}
	renderStatus(*wf)
	return nil
}

// followWorkflowStatus re-renders status on a short interval until the
// workflow's own status goes terminal, generalizing the teacher's
// followStatus polling loop from per-concern state to workflow state.
func followWorkflowStatus(svc *services, id string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		wf := svc.workflows.Get(id)
		if wf == nil {
			return fmt.Errorf("workflow %q not found", id)
		}
		renderStatus(*wf)
		if workflow.IsTerminalWorkflowStatus(wf.Status) {
			return nil
		}
		<-ticker.C
	}
}

func renderStatus(wf workflow.Workflow) {
	fmt.Printf("%s  %s  [%s]\n", wf.ID, wf.Title, wf.Status)
	for _, st := range wf.Steps {
		fmt.Printf("  %2d. %-30s %s\n", st.Index+1, st.Title, st.Status)
	}
}
