package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply any pending schema migrations",
	Long: `migrate opens the configured database, which applies every pending
schema migration as a side effect of store.Open, then closes it. Run this
after upgrading kernelctl to bring an existing database's schema current
without starting a long-lived process.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	k, err := openKernel(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	defer func() { _ = k.Close(ctx) }()

	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
