package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Open (creating if necessary) the database and bootstrap sentinel genera",
	Long: `bootstrap opens the configured database, applying any pending schema
migrations, and idempotently creates the sentinel genus entities every
kernel requires (Log, Error, Task, Branch, and the rest). Safe to run
against an already-bootstrapped database.`,
	RunE: runBootstrap,
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	k, err := openKernel(ctx)
	if err != nil {
		return fmt.Errorf("open kernel: %w", err)
	}
	defer func() { _ = k.Close(ctx) }()

	fmt.Fprintln(cmd.OutOrStdout(), "bootstrap complete")
	return nil
}
