package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/config"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/server"
)

// newServeCmd wires the long-running service command.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the progress service",
		Long: `Connects to the configured bus, store, and archive backends and serves
the progress API until interrupted.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("run application: %w", err)
	}
	return nil
}
