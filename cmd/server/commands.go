package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/investpilot/portfolio-engine/internal/config"
	"github.com/investpilot/portfolio-engine/internal/store"
	"github.com/investpilot/portfolio-engine/internal/task"
)

func newMigrateCmd(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if c.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			down, _ := cmd.Flags().GetBool("down")
			if down {
				if err := store.MigrateDown(c.DatabaseURL); err != nil {
					return err
				}
				fmt.Println("migrations rolled back")
				return nil
			}
			if err := store.Migrate(c.DatabaseURL); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().Bool("down", false, "Roll back every migration")
	return cmd
}

func newTaskCmd(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect AI tasks",
	}

	wait := &cobra.Command{
		Use:   "wait [TASK_ID]",
		Short: "Poll a task until it finishes and print it",
		Long: `Poll a task until it reaches a terminal state and print it as JSON.
Example: portfolio-engine task wait 3f0c... --interval=2s --attempts=60`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			attempts, _ := cmd.Flags().GetInt("attempts")

			c := cfg()
			if c.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required to read tasks")
			}
			b, err := openBackends(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer b.close()

			t, pollErr := task.Poll(cmd.Context(), task.NewRegistry(b.store), args[0], interval, attempts)
			if t != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(t); err != nil {
					return err
				}
			}
			return pollErr
		},
	}
	wait.Flags().Duration("interval", 2*time.Second, "Delay between reads")
	wait.Flags().Int("attempts", 60, "Maximum number of reads")

	cmd.AddCommand(wait)
	return cmd
}

func newConfigCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg().Redacted())
		},
	}
}
