// Package cmd defines and implements the CLI commands for the taprogress executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taprogress",
		Short: "Progress tracking service for multi-agent trading analyses.",
		Long: `taprogress consumes module lifecycle events from the analysis pipeline
over a message bus, derives per-job progress and task state from them, and
serves the result to dashboards over REST and WebSocket.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (defaults plus TAPROGRESS_* environment variables apply without one)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSimulateCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
