// kernelctl is the kernel's admin binary: bootstrap a fresh database,
// apply pending migrations, and run a health sweep over every entity on
// a branch. It does not expose the entity/action/process surface itself
// — that is a library concern, not a CLI one.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kernel "github.com/farant/smaragda-sub002"
	"github.com/farant/smaragda-sub002/internal/config"
)

var (
	dbPath     string
	configPath string
	branchName string
)

var rootCmd = &cobra.Command{
	Use:           "kernelctl",
	Short:         "Administer a kernel database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the kernel database (overrides config; also settable via KERNEL_DB)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a kernel.toml config file")
	rootCmd.PersistentFlags().StringVar(&branchName, "branch", "main", "Branch to operate on")

	viper.SetEnvPrefix("KERNEL")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(healthcheckCmd)
}

// openKernel builds Options from the resolved --db/KERNEL_DB value and
// --config, then opens a Kernel. --db (flag or env) overrides whatever
// --config (or its defaults) resolves to.
func openKernel(ctx context.Context) (*kernel.Kernel, error) {
	opts := kernel.Options{ConfigFilePath: configPath}

	if resolvedDB := viper.GetString("db"); resolvedDB != "" {
		cfg := opts.Config
		var err error
		if configPath != "" {
			if cfg, err = config.Load(configPath); err != nil {
				return nil, err
			}
		} else {
			cfg = config.Default()
		}
		cfg.DatabasePath = resolvedDB
		opts = kernel.Options{Config: cfg}
	}

	return kernel.Open(ctx, opts)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
