package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scorchlab/scorch/internal/worker"
	"github.com/scorchlab/scorch/types"
)

var (
	runScenarios []string
	runDuration  time.Duration
	runRequester string
	runWait      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a scenario run",
	Long: `Submit a run to the engine. By default the run is queued for a worker;
with --wait the run executes in this process and the command blocks
until the run reaches a terminal state.`,
	Example: `  scorch run --scenario recon --duration 2h
  scorch run --scenario recon --scenario port-scan --duration 4h
  scorch run --duration 1h                 # all enabled scenarios
  scorch run --scenario recon --duration 30m --wait --local`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVar(&runScenarios, "scenario", nil, "Scenario to run (repeatable; default: all enabled)")
	runCmd.Flags().DurationVar(&runDuration, "duration", 2*time.Hour, "How long agents run before burn-down")
	runCmd.Flags().StringVar(&runRequester, "requester", "cli", "Requester identity for rate limiting")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "Execute in-process and wait for completion")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	decision := s.limiter.CheckAll(ctx, scenarioKey(runScenarios), runRequester)
	if !decision.Allowed {
		return fmt.Errorf("rate limit exceeded for %s %q, retry in %s",
			decision.Class, decision.Key, decision.RetryAfter.Round(time.Second))
	}

	run, err := s.orch.Submit(ctx, types.RunRequest{
		Scenarios: runScenarios,
		Duration:  runDuration,
		Requester: runRequester,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Run %s submitted (%s)\n", run.ID, run.Status)

	if !runWait {
		if err := worker.Enqueue(ctx, s.queue, run.ID); err != nil {
			return fmt.Errorf("run %s recorded but not queued: %w", run.ID, err)
		}
		fmt.Println("Queued for execution. Track it with: scorch status " + run.ID)
		return nil
	}

	if err := s.orch.Execute(ctx, run.ID); err != nil {
		return err
	}

	final, err := s.orch.Ledger().Latest(ctx, run.ID)
	if err != nil {
		return err
	}
	printRun(final)
	if final.Status == types.RunFailed {
		return fmt.Errorf("run failed: %s", final.Error)
	}
	return nil
}

func scenarioKey(scenarios []string) string {
	if len(scenarios) == 1 {
		return scenarios[0]
	}
	return "all"
}

func printRun(run types.Run) {
	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Status:     %s\n", run.Status)
	fmt.Printf("Phase:      %s\n", run.Phase)
	if len(run.Scenarios) > 0 {
		fmt.Printf("Scenarios:  %v (completed %d, failed %d)\n",
			run.Scenarios, run.ScenariosCompleted, run.ScenariosFailed)
	}
	fmt.Printf("Resources:  %d created\n", run.ResourcesCreated)
	if run.ReportLocation != "" {
		fmt.Printf("Report:     %s\n", run.ReportLocation)
	}
	if run.Error != "" {
		fmt.Printf("Error:      %s\n", run.Error)
	}
}
