// Package main is the entry point for the polis-enhance binary.
// It serves the enhancement API and offers one-shot commands for local use.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultLogLevel = "info"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	config   string
	logLevel string
	pretty   bool
}

// newRootCmd creates the root command for polis-enhance
func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "polis-enhance",
		Short: "Document enhancement orchestrator",
		Long: `Runs enhancement strategies over documents under admission control,
content screening, result caching and cost budgets.

Example:
  polis-enhance serve --config enhance.yaml
  polis-enhance enhance --file notes.md --strategy clarity --dry-run`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "Path to configuration file (YAML or TOML)")
	rootCmd.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flags.pretty, "pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newEnhanceCmd(flags),
		newFingerprintCmd(),
		newValidateConfigCmd(flags),
		newAuditCmd(flags),
		newCertCmd(),
	)
	return rootCmd
}
