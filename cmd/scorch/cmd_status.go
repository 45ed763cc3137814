package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scorchlab/scorch/storage"
	"github.com/scorchlab/scorch/types"
)

var (
	listStatus string
	listLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		run, err := s.orch.Ledger().Latest(cmd.Context(), args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("unknown run %s", args[0])
		}
		if err != nil {
			return err
		}

		printRun(run)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Example: `  scorch list
  scorch list --status failed
  scorch list --status completed --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		runs, err := s.orch.Ledger().List(cmd.Context(), types.RunStatus(listStatus), listLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found")
			return nil
		}

		fmt.Printf("%-40s %-10s %-13s %9s %9s\n", "RUN", "STATUS", "PHASE", "COMPLETED", "FAILED")
		for _, run := range runs {
			fmt.Printf("%-40s %-10s %-13s %9d %9d\n",
				run.ID, run.Status, run.Phase, run.ScenariosCompleted, run.ScenariosFailed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (queued, running, completed, failed)")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum runs to show")
}
