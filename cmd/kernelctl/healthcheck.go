package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/farant/smaragda-sub002/internal/genus"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Evaluate health for every entity on --branch",
	Long: `healthcheck folds every non-sentinel entity recorded on --branch and
reports missing required attributes, attribute type mismatches, invalid
statuses, and open Error entities associated with it. Exits non-zero if
any entity reports an issue.`,
	RunE: runHealthcheck,
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	k, err := openKernel(ctx)
	if err != nil {
		return fmt.Errorf("open kernel: %w", err)
	}
	defer func() { _ = k.Close(ctx) }()

	ids, err := k.Store.DistinctResIDsForBranch(ctx, branchName)
	if err != nil {
		return fmt.Errorf("list entities on %q: %w", branchName, err)
	}

	out := cmd.OutOrStdout()
	unhealthy := 0
	for id := range ids {
		if genus.IsSentinelID(id) {
			continue
		}
		issues, err := k.Health.EvaluateHealth(ctx, id, branchName)
		if err != nil {
			continue // orphaned or unresolvable genus; nothing actionable to report
		}
		if len(issues) == 0 {
			continue
		}
		unhealthy++
		fmt.Fprintf(out, "%s: %d issue(s)\n", id, len(issues))
		for _, issue := range issues {
			fmt.Fprintf(out, "  - %s %s\n", issue.Kind, issue.Detail)
		}
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d entities have outstanding health issues", unhealthy)
	}
	fmt.Fprintln(out, "all entities healthy")
	return nil
}
