// Package cli implements the orchestrator's command-line surface:
// workflow lifecycle commands, credential administration, policy
// inspection, and the long-running serve command that drives the
// engine's tick loop. Commands follow the teacher's cobra structure
// (one file per command group, RunE returning wrapped errors, a
// package-level rootCmd every file's init() registers against).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Agent workflow orchestrator",
	Long:  "Drives dependency-chained agent coding sessions against a git repository, gated by credential leases and policy, culminating in a draft pull request.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "orchestrator.yaml", "path to orchestrator config file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
