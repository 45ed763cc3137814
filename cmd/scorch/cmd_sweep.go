package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scorchlab/scorch/inventory"
	"github.com/scorchlab/scorch/sweeper"
	"github.com/scorchlab/scorch/types"
)

var sweepDryRun bool

var sweepCmd = &cobra.Command{
	Use:   "sweep <run-id>",
	Short: "Force-delete everything a run still owns",
	Long: `Query the cloud inventory for resources still tagged with the given
run and delete them. Use this for runs whose worker died before
cleanup, or to double-check that a completed run left nothing behind.`,
	Example: `  scorch sweep run-3f2a...
  scorch sweep run-3f2a... --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "List leaked resources without deleting")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID := args[0]

	s, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	scanner := inventory.NewScanner(s.clients.Inventory, s.logger.Logger)

	if sweepDryRun {
		resources, err := scanner.QueryRun(ctx, runID)
		if err != nil {
			return err
		}
		if len(resources) == 0 {
			fmt.Printf("Run %s owns nothing. Clean.\n", runID)
			return nil
		}
		fmt.Printf("Run %s still owns %d resources:\n", runID, len(resources))
		for _, res := range resources {
			fmt.Printf("  %-24s %s\n", res.Type, res.ID)
		}
		return nil
	}

	sw := sweeper.New(s.clients.Control, scanner, s.cfg.Cleanup, s.logger)

	report, err := sw.Sweep(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Printf("Sweep %s: %s (%d deleted, %d failed)\n",
		runID, report.Status, report.TotalDeleted, report.TotalFailed)
	for _, attempt := range report.Attempts {
		if attempt.Status == types.AttemptFailed {
			fmt.Printf("  FAILED %-24s %s after %d attempts: %s\n",
				attempt.ResourceType, attempt.ResourceID, attempt.Attempts, attempt.Error)
		}
	}
	if report.TotalFailed > 0 {
		return fmt.Errorf("%d resources could not be deleted", report.TotalFailed)
	}
	return nil
}
