package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/investpilot/portfolio-engine/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:   "portfolio-engine",
		Short: "Portfolio ledger, valuation and AI analysis service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
			return nil
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	// Subcommands receive the config through a getter because it is only
	// loaded in PersistentPreRunE.
	get := func() *config.Config { return cfg }

	rootCmd.AddCommand(newServeCmd(get))
	rootCmd.AddCommand(newMigrateCmd(get))
	rootCmd.AddCommand(newTaskCmd(get))
	rootCmd.AddCommand(newConfigCmd(get))
	return rootCmd
}
