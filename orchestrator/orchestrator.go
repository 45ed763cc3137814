// Package orchestrator drives runs through the phase state machine:
// validation, selection, provisioning, monitoring, cleanup, reporting.
// Every transition is checkpointed to the ledger before the next phase
// starts, so a restarted worker resumes a run at its last completed
// phase instead of re-running side-effecting work.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scorchlab/scorch/audit"
	"github.com/scorchlab/scorch/config"
	"github.com/scorchlab/scorch/identity"
	"github.com/scorchlab/scorch/inventory"
	"github.com/scorchlab/scorch/ledger"
	"github.com/scorchlab/scorch/providers"
	"github.com/scorchlab/scorch/storage"
	"github.com/scorchlab/scorch/sweeper"
	"github.com/scorchlab/scorch/telemetry"
	"github.com/scorchlab/scorch/types"
)

// Orchestrator coordinates the full run lifecycle.
type Orchestrator struct {
	cfg     *config.Config
	clients providers.Clients
	led     *ledger.Ledger
	scanner *inventory.Scanner
	sweep   *sweeper.Sweeper
	ids     *identity.Manager
	logger  *telemetry.Logger
	metrics *telemetry.Provider
	journal *audit.Journal

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTelemetry wires run metrics.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(o *Orchestrator) { o.metrics = p }
}

// WithJournal records lifecycle events in the audit journal.
func WithJournal(j *audit.Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// New creates an orchestrator. The ledger and all activities are built
// over the given store and capability clients.
func New(cfg *config.Config, clients providers.Clients, store storage.Store, logger *telemetry.Logger, opts ...Option) (*Orchestrator, error) {
	if err := clients.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		clients: clients,
		led:     ledger.New(store, logger.Logger),
		scanner: inventory.NewScanner(clients.Inventory, logger.Logger),
		ids:     identity.New(clients.Directory, clients.Secrets, cfg.Identity, logger.Logger),
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}

	sweepOpts := []sweeper.Option{}
	if o.metrics != nil {
		sweepOpts = append(sweepOpts, sweeper.WithTelemetry(o.metrics))
	}
	if o.journal != nil {
		sweepOpts = append(sweepOpts, sweeper.WithJournal(o.journal))
	}
	o.sweep = sweeper.New(clients.Control, o.scanner, cfg.Cleanup, logger, sweepOpts...)

	return o, nil
}

// Ledger exposes the run ledger for status and list queries.
func (o *Orchestrator) Ledger() *ledger.Ledger {
	return o.led
}

// Submit records a new run in the queued state and returns it. The
// caller is responsible for getting the run id to a worker, normally
// via the message queue.
func (o *Orchestrator) Submit(ctx context.Context, req types.RunRequest) (types.Run, error) {
	runID := "run-" + uuid.NewString()

	run, err := o.led.Append(ctx, runID, func(r *types.Run) {
		r.Status = types.RunQueued
		r.Phase = types.PhaseValidation
		r.Scenarios = req.Scenarios
		r.Duration = req.Duration
		r.CreatedAt = o.now().UTC()
	})
	if err != nil {
		return types.Run{}, fmt.Errorf("failed to record submission: %w", err)
	}

	if o.journal != nil {
		_ = o.journal.Append(audit.EventSubmitted, runID, req)
	}
	o.logger.WithContext(ctx).Info().
		Str("run_id", runID).
		Strs("scenarios", req.Scenarios).
		Dur("duration", req.Duration).
		Msg("run submitted")

	return run, nil
}

// Execute drives a run from its checkpointed phase to a terminal
// status. Safe to call again after a crash: completed phases are
// skipped and the current phase re-runs on idempotent activities.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	run, err := o.led.Latest(ctx, runID)
	if err != nil {
		return fmt.Errorf("unknown run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return nil
	}

	if run.StartedAt.IsZero() {
		run, err = o.led.Append(ctx, runID, func(r *types.Run) {
			r.Status = types.RunRunning
			r.StartedAt = o.now().UTC()
		})
		if err != nil {
			return err
		}
	}

	var (
		outcomes []ScenarioOutcome
		cleanup  types.CleanupReport
		phase    = run.Phase
	)
	if phase == "" {
		phase = types.PhaseValidation
	}

	for {
		o.logger.LogPhaseTransition(ctx, runID, string(run.Phase), string(phase))
		if o.journal != nil {
			_ = o.journal.Append(audit.EventPhase, runID, map[string]string{"phase": string(phase)})
		}

		switch phase {
		case types.PhaseValidation:
			if err := o.validate(run); err != nil {
				return o.fail(ctx, runID, outcomes, cleanup, err)
			}
			if run, err = o.checkpoint(ctx, runID, types.PhaseSelection, nil); err != nil {
				return err
			}
			phase = types.PhaseSelection

		case types.PhaseSelection:
			selected := o.selectScenarios(run)
			if len(selected) == 0 {
				return o.fail(ctx, runID, outcomes, cleanup, fmt.Errorf("no enabled scenarios to run"))
			}
			if run, err = o.checkpoint(ctx, runID, types.PhaseProvisioning, func(r *types.Run) {
				r.Scenarios = selected
			}); err != nil {
				return err
			}
			phase = types.PhaseProvisioning

		case types.PhaseProvisioning:
			outcomes = o.provision(ctx, run)
			deployed := 0
			for _, oc := range outcomes {
				if oc.Provisioned {
					deployed++
				}
			}
			if run, err = o.checkpoint(ctx, runID, types.PhaseMonitoring, func(r *types.Run) {
				r.ResourcesCreated = deployed
			}); err != nil {
				return err
			}
			if deployed == 0 {
				// Identities may exist even though no agent deployed.
				cleanup = o.runCleanup(ctx, run, outcomes)
				return o.fail(ctx, runID, outcomes, cleanup, fmt.Errorf("no agents deployed"))
			}
			phase = types.PhaseMonitoring

		case types.PhaseMonitoring:
			if outcomes == nil {
				outcomes = o.rebuildOutcomes(ctx, run)
			}
			outcomes = o.monitor(ctx, run, outcomes)
			completed, failed := tally(outcomes)
			if run, err = o.checkpoint(ctx, runID, types.PhaseCleanup, func(r *types.Run) {
				r.ScenariosCompleted = completed
				r.ScenariosFailed = failed
			}); err != nil {
				return err
			}
			phase = types.PhaseCleanup

		case types.PhaseCleanup:
			if outcomes == nil {
				outcomes = o.rebuildOutcomes(ctx, run)
			}
			cleanup = o.runCleanup(ctx, run, outcomes)
			if run, err = o.checkpoint(ctx, runID, types.PhaseReporting, nil); err != nil {
				return err
			}
			phase = types.PhaseReporting

		case types.PhaseReporting:
			location := o.report(ctx, run, outcomes, cleanup)
			run, err = o.led.Append(ctx, runID, func(r *types.Run) {
				r.Status = types.RunCompleted
				r.Phase = types.PhaseCompleted
				r.ReportLocation = location
				r.CompletedAt = o.now().UTC()
			})
			if err != nil {
				return err
			}
			if o.metrics != nil {
				o.metrics.RecordRunDuration(ctx, string(types.RunCompleted), run.CompletedAt.Sub(run.StartedAt))
			}
			o.logger.WithContext(ctx).Info().
				Str("run_id", runID).
				Int("scenarios_completed", run.ScenariosCompleted).
				Int("scenarios_failed", run.ScenariosFailed).
				Str("report", location).
				Msg("run completed")
			return nil

		default:
			return o.fail(ctx, runID, outcomes, cleanup, fmt.Errorf("run stuck in unexpected phase %q", phase))
		}
	}
}

// checkpoint records the completion of the current phase and the entry
// into the next one.
func (o *Orchestrator) checkpoint(ctx context.Context, runID string, next types.Phase, extra func(*types.Run)) (types.Run, error) {
	return o.led.Append(ctx, runID, func(r *types.Run) {
		if extra != nil {
			extra(r)
		}
		r.Phase = next
	})
}

func (o *Orchestrator) validate(run types.Run) error {
	if run.Duration <= 0 {
		return fmt.Errorf("run duration must be positive")
	}
	if max := o.cfg.Monitor.MaxDuration; max > 0 && run.Duration > max {
		return fmt.Errorf("run duration %s exceeds maximum %s", run.Duration, max)
	}
	for _, name := range run.Scenarios {
		scenario, ok := o.cfg.Scenario(name)
		if !ok {
			return fmt.Errorf("unknown scenario %q", name)
		}
		if scenario.Disabled {
			return fmt.Errorf("scenario %q is disabled", name)
		}
	}
	return nil
}

// selectScenarios resolves the run's scenario list: the requested
// names, or the full enabled catalog when the request named none.
func (o *Orchestrator) selectScenarios(run types.Run) []string {
	if len(run.Scenarios) > 0 {
		return run.Scenarios
	}
	enabled := o.cfg.EnabledScenarios()
	names := make([]string, len(enabled))
	for i, s := range enabled {
		names[i] = s.Name
	}
	return names
}

// provision fans out per-scenario identity creation and agent
// deployment. Each scenario succeeds or fails on its own.
func (o *Orchestrator) provision(ctx context.Context, run types.Run) []ScenarioOutcome {
	outcomes := make([]ScenarioOutcome, len(run.Scenarios))

	var wg sync.WaitGroup
	for i, name := range run.Scenarios {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			outcomes[i] = o.provisionScenario(ctx, run, name)
		}(i, name)
	}
	wg.Wait()

	return outcomes
}

func (o *Orchestrator) provisionScenario(ctx context.Context, run types.Run, name string) ScenarioOutcome {
	outcome := ScenarioOutcome{
		Scenario:  name,
		AgentName: AgentName(run.ID, name),
	}

	scenario, ok := o.cfg.Scenario(name)
	if !ok {
		outcome.Error = fmt.Sprintf("scenario %q missing from catalog", name)
		return outcome
	}

	id, err := o.ids.Create(ctx, name, scenario.Roles)
	if err != nil {
		o.logger.LogActivityError(ctx, run.ID, "create_identity", err)
		outcome.Error = err.Error()
		return outcome
	}
	if o.journal != nil {
		_ = o.journal.Append(audit.EventIdentity, run.ID, id)
	}

	resourceID, err := o.clients.Compute.Deploy(ctx, providers.AgentSpec{
		Name:      outcome.AgentName,
		Image:     scenario.AgentImage,
		RunID:     run.ID,
		Scenario:  name,
		SecretRef: id.SecretRef,
		Duration:  run.Duration,
		Tags:      types.OwnershipTags(run.ID, name, nil),
	})
	if err != nil {
		o.logger.LogActivityError(ctx, run.ID, "deploy_agent", err)
		outcome.Error = err.Error()
		return outcome
	}

	outcome.ResourceID = resourceID
	outcome.Provisioned = true
	if o.journal != nil {
		_ = o.journal.Append(audit.EventProvision, run.ID, outcome)
	}
	return outcome
}

// rebuildOutcomes reconstructs the per-scenario view after a restart
// by asking the compute platform which derived agent names exist.
func (o *Orchestrator) rebuildOutcomes(ctx context.Context, run types.Run) []ScenarioOutcome {
	outcomes := make([]ScenarioOutcome, len(run.Scenarios))
	for i, name := range run.Scenarios {
		outcomes[i] = ScenarioOutcome{
			Scenario:  name,
			AgentName: AgentName(run.ID, name),
		}
		status, err := o.clients.Compute.GetStatus(ctx, outcomes[i].AgentName)
		if err != nil {
			if !providers.IsNotFound(err) {
				o.logger.LogActivityError(ctx, run.ID, "rebuild_status", err)
			}
			outcomes[i].Error = "agent not found after restart"
			continue
		}
		outcomes[i].Provisioned = true
		outcomes[i].FinalStatus = status
	}
	return outcomes
}

// monitor polls agent status until every provisioned agent is terminal
// or the run's wall-clock deadline passes, whichever comes first.
func (o *Orchestrator) monitor(ctx context.Context, run types.Run, outcomes []ScenarioOutcome) []ScenarioOutcome {
	deadline := run.StartedAt.Add(run.Duration)
	if max := o.cfg.Monitor.MaxDuration; max > 0 {
		if capped := run.StartedAt.Add(max); deadline.After(capped) {
			deadline = capped
		}
	}

	for {
		pending := 0
		for i := range outcomes {
			if !outcomes[i].Provisioned || outcomes[i].FinalStatus.Terminal() {
				continue
			}
			status, err := o.clients.Compute.GetStatus(ctx, outcomes[i].AgentName)
			if err != nil {
				if providers.IsNotFound(err) {
					// Agent gone between polls: it stopped and was reaped.
					outcomes[i].FinalStatus = providers.AgentStopped
					continue
				}
				o.logger.LogActivityError(ctx, run.ID, "poll_agent", err)
				pending++
				continue
			}
			outcomes[i].FinalStatus = status
			if !status.Terminal() {
				pending++
			}
		}

		if pending == 0 || !o.now().Before(deadline) || ctx.Err() != nil {
			return outcomes
		}

		wait := o.cfg.Monitor.PollInterval
		if remaining := deadline.Sub(o.now()); remaining < wait {
			wait = remaining
		}
		if err := o.sleep(ctx, wait); err != nil {
			return outcomes
		}
	}
}

func tally(outcomes []ScenarioOutcome) (completed, failed int) {
	for _, oc := range outcomes {
		if oc.Completed() {
			completed++
		} else {
			failed++
		}
	}
	return completed, failed
}

// runCleanup tears down agents and identities, verifies the run's
// footprint is gone, and force-deletes anything that leaked.
func (o *Orchestrator) runCleanup(ctx context.Context, run types.Run, outcomes []ScenarioOutcome) types.CleanupReport {
	started := o.now().UTC()

	for _, oc := range outcomes {
		if !oc.Provisioned {
			continue
		}
		if err := o.clients.Compute.Delete(ctx, oc.AgentName); err != nil && !providers.IsNotFound(err) {
			o.logger.LogActivityError(ctx, run.ID, "delete_agent", err)
		}
	}

	identitiesDeleted, err := o.ids.DeleteAll(ctx, run.Scenarios)
	if err != nil {
		o.logger.LogActivityError(ctx, run.ID, "delete_identities", err)
	}

	var report types.CleanupReport
	leaked, err := o.sweep.Verify(ctx, run.ID)
	switch {
	case err != nil:
		o.logger.LogActivityError(ctx, run.ID, "verify_cleanup", err)
		report = types.CleanupReport{RunID: run.ID, StartedAt: started, FinishedAt: o.now().UTC()}
		report.Resolve()
	case len(leaked) > 0:
		report = o.sweep.DeleteAll(ctx, run.ID, leaked)
		report.StartedAt = started
	default:
		report = types.CleanupReport{RunID: run.ID, StartedAt: started, FinishedAt: o.now().UTC()}
		report.Resolve()
	}
	report.IdentitiesDeleted = identitiesDeleted

	return report
}

// report archives the final run report, returning its location.
// Reporting is best effort: a run with a lost report still completes.
func (o *Orchestrator) report(ctx context.Context, run types.Run, outcomes []ScenarioOutcome, cleanup types.CleanupReport) string {
	if o.clients.Reports == nil {
		return ""
	}

	artifact := Report{
		Run:       run,
		Outcomes:  outcomes,
		Cleanup:   cleanup,
		CreatedAt: o.now().UTC(),
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		o.logger.LogActivityError(ctx, run.ID, "encode_report", err)
		return ""
	}

	location, err := o.clients.Reports.Put(ctx, "reports/"+run.ID+".json", data)
	if err != nil {
		o.logger.LogActivityError(ctx, run.ID, "upload_report", err)
		return ""
	}
	if o.journal != nil {
		_ = o.journal.Append(audit.EventReport, run.ID, map[string]string{"location": location})
	}
	return location
}

// fail moves a run to the terminal failed state with its error
// captured, after a best-effort report upload. Any cleanup already
// performed is archived with the failure so deletion outcomes are
// never lost on the failure path.
func (o *Orchestrator) fail(ctx context.Context, runID string, outcomes []ScenarioOutcome, cleanup types.CleanupReport, cause error) error {
	run, err := o.led.Append(ctx, runID, func(r *types.Run) {
		r.Status = types.RunFailed
		r.Error = cause.Error()
		r.CompletedAt = o.now().UTC()
	})
	if err != nil {
		return fmt.Errorf("run %s failed (%v) and the failure could not be recorded: %w", runID, cause, err)
	}

	if cleanup.RunID == "" {
		cleanup.RunID = runID
	}
	o.report(ctx, run, outcomes, cleanup)

	if o.journal != nil {
		_ = o.journal.AppendError(audit.EventFailed, runID, nil, cause)
	}
	if o.metrics != nil && !run.StartedAt.IsZero() {
		o.metrics.RecordRunDuration(ctx, string(types.RunFailed), run.CompletedAt.Sub(run.StartedAt))
	}
	o.logger.WithContext(ctx).Error().
		Err(cause).
		Str("run_id", runID).
		Msg("run failed")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
