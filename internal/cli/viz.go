package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowforge/orchestrator/internal/workflow"
)

func init() {
	rootCmd.AddCommand(vizCmd)
}

var vizCmd = &cobra.Command{
	Use:   "viz <workflow-id>",
	Short: "Render a workflow's step dependency graph as a tree",
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
		roots := findRoots(wf.Steps)
		downstream := buildDownstreamMap(wf.Steps)
		for _, r := range roots {
			printStepTree(wf.Steps, downstream, r, 0)
		}
		return nil
	},
}

// buildDownstreamMap indexes each step's dependents by id, generalizing
// the teacher's single-parent concern-chain map to a full multi-parent
// DAG (a step may have more than one downstream dependent here).
func buildDownstreamMap(steps []workflow.Step) map[string][]string {
	downstream := make(map[string][]string)
	for _, st := range steps {
		for _, dep := range st.DependsOn {
			downstream[dep] = append(downstream[dep], st.ID)
		}
	}
	return downstream
}

// findRoots returns the ids of every step with no dependencies.
func findRoots(steps []workflow.Step) []string {
	var roots []string
	for _, st := range steps {
		if len(st.DependsOn) == 0 {
			roots = append(roots, st.ID)
		}
	}
	return roots
}

func stepByID(steps []workflow.Step, id string) *workflow.Step {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
	}
	return nil
}

func printStepTree(steps []workflow.Step, downstream map[string][]string, id string, depth int) {
	st := stepByID(steps, id)
	if st == nil {
		return
	}
	for i := 0; i < depth; i++ {
		fmt.Print("  ")
	}
	fmt.Printf("- %s [%s]\n", st.Title, st.Status)
	for _, child := range downstream[id] {
		printStepTree(steps, downstream, child, depth+1)
	}
}
