// Package sweeper is the resource deletion engine. It drives every
// tracked resource to a terminal outcome: deleted, or recorded as a
// deletion failure after a bounded number of attempts. Resources are
// independent; one stuck resource never blocks the rest of the sweep.
package sweeper

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/scorchlab/scorch/audit"
	"github.com/scorchlab/scorch/config"
	"github.com/scorchlab/scorch/inventory"
	"github.com/scorchlab/scorch/providers"
	"github.com/scorchlab/scorch/telemetry"
	"github.com/scorchlab/scorch/types"
)

// Sweeper deletes tracked resources with bounded retries.
type Sweeper struct {
	control providers.ControlPlane
	scanner *inventory.Scanner
	cfg     config.Cleanup
	logger  zerolog.Logger
	tel     *telemetry.Logger
	metrics *telemetry.Provider
	journal *audit.Journal
	guard   *Guard
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithTelemetry wires the OTEL provider for deletion metrics.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(s *Sweeper) { s.metrics = p }
}

// WithJournal records every deletion outcome in the audit journal.
func WithJournal(j *audit.Journal) Option {
	return func(s *Sweeper) { s.journal = j }
}

// WithGuard replaces the default ownership guard.
func WithGuard(g *Guard) Option {
	return func(s *Sweeper) { s.guard = g }
}

// New creates a deletion engine.
func New(control providers.ControlPlane, scanner *inventory.Scanner, cfg config.Cleanup, logger *telemetry.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		control: control,
		scanner: scanner,
		cfg:     cfg,
		logger:  logger.With().Str("component", "sweeper").Logger(),
		tel:     logger,
		guard:   DefaultGuard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DeleteAll deletes every resource in the list and returns a report
// with one attempt record per resource. It never returns early: every
// resource gets its full retry budget regardless of other failures.
func (s *Sweeper) DeleteAll(ctx context.Context, runID string, resources []types.TrackedResource) types.CleanupReport {
	report := types.CleanupReport{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
	}

	for _, res := range resources {
		var attempt types.DeletionAttempt
		if err := s.guard.Check(runID, res); err != nil {
			s.logger.Warn().
				Str("run_id", runID).
				Str("resource_id", res.ID).
				Err(err).
				Msg("deletion refused")
			attempt = types.DeletionAttempt{
				ResourceID:   res.ID,
				ResourceType: res.Type,
				Status:       types.AttemptFailed,
				Error:        "refused: " + err.Error(),
				CompletedAt:  time.Now().UTC(),
			}
		} else {
			attempt = s.deleteOne(ctx, res)
		}
		report.Attempts = append(report.Attempts, attempt)

		if s.journal != nil {
			_ = s.journal.Append(audit.EventDeletion, runID, attempt)
		}
		if s.metrics != nil {
			switch attempt.Status {
			case types.AttemptDeleted:
				s.metrics.RecordResourcesDeleted(ctx, res.Type, 1)
			case types.AttemptFailed:
				s.metrics.RecordDeletionFailure(ctx, res.Type)
			}
		}
	}

	report.FinishedAt = time.Now().UTC()
	report.Resolve()

	s.logger.Info().
		Str("run_id", runID).
		Str("status", string(report.Status)).
		Int("deleted", report.TotalDeleted).
		Int("failed", report.TotalFailed).
		Msg("sweep complete")

	return report
}

// Sweep queries the inventory for everything a run still owns and
// deletes it. This is the force-cleanup path for crashed or abandoned
// runs where no in-process resource list survives.
func (s *Sweeper) Sweep(ctx context.Context, runID string) (types.CleanupReport, error) {
	resources, err := s.scanner.QueryRun(ctx, runID)
	if err != nil {
		return types.CleanupReport{}, err
	}
	return s.DeleteAll(ctx, runID, resources), nil
}

// Verify re-queries the inventory after a sweep. A non-empty result is
// the list of resources that leaked past deletion.
func (s *Sweeper) Verify(ctx context.Context, runID string) ([]types.TrackedResource, error) {
	return s.scanner.QueryRun(ctx, runID)
}

// deleteOne retries a single resource's deletion up to the configured
// attempt budget. A not-found response means the resource is already
// gone and counts as a successful deletion.
func (s *Sweeper) deleteOne(ctx context.Context, res types.TrackedResource) types.DeletionAttempt {
	attempts := 0

	operation := func() (struct{}, error) {
		attempts++

		callCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
			defer cancel()
		}

		err := s.control.DeleteByID(callCtx, res.Type, res.ID)
		s.tel.LogDeletionAttempt(ctx, res.ID, attempts, err)

		switch {
		case err == nil:
			return struct{}{}, nil
		case providers.IsNotFound(err):
			// Already gone. Deletion converged.
			return struct{}{}, nil
		case providers.IsRetryable(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.BackoffBase
	expo.MaxInterval = s.cfg.BackoffCap

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries)),
	)

	attempt := types.DeletionAttempt{
		ResourceID:   res.ID,
		ResourceType: res.Type,
		Attempts:     attempts,
		CompletedAt:  time.Now().UTC(),
	}
	if err != nil {
		attempt.Status = types.AttemptFailed
		attempt.Error = err.Error()
	} else {
		attempt.Status = types.AttemptDeleted
	}
	return attempt
}
