// Command orchestrator drives dependency-chained agent coding
// sessions against a git repository, gated by credential leases and
// policy enforcement, culminating in a draft pull request.
package main

import "github.com/flowforge/orchestrator/internal/cli"

func main() {
	cli.Execute()
}
