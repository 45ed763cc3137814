// Package worker consumes execution requests from the message queue
// and drives them through the orchestrator. Delivery is at-least-once:
// a message is acked only after Execute returns, so a crashed worker's
// in-flight run is redelivered and resumed from its ledger checkpoint.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/scorchlab/scorch/providers"
	"github.com/scorchlab/scorch/telemetry"
)

// ExecutionRequest is the queue message body.
type ExecutionRequest struct {
	RunID string `json:"run_id"`
}

// Executor drives one run to a terminal state. Satisfied by
// orchestrator.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// Worker pulls run ids off the queue and executes them.
type Worker struct {
	orch      Executor
	queue     providers.Queue
	logger    *telemetry.Logger
	idleWait  time.Duration
	startTime time.Time

	processed atomic.Int64
	failed    atomic.Int64
}

// New creates a worker.
func New(orch Executor, queue providers.Queue, logger *telemetry.Logger) *Worker {
	return &Worker{
		orch:      orch,
		queue:     queue,
		logger:    logger,
		idleWait:  time.Second,
		startTime: time.Now(),
	}
}

// Run consumes messages until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithContext(ctx).Info().Msg("worker started")

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info().Msg("worker stopping")
			return nil
		}

		msg, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("queue receive failed")
			if err := sleepCtx(ctx, w.idleWait); err != nil {
				return nil
			}
			continue
		}
		if msg == nil {
			// Empty poll; in-process queues have no long-poll so pace
			// the loop.
			if err := sleepCtx(ctx, w.idleWait); err != nil {
				return nil
			}
			continue
		}

		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg *providers.Message) {
	var req ExecutionRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil || req.RunID == "" {
		// Malformed messages can never succeed; ack so they stop
		// redelivering.
		w.logger.Error().Err(err).Str("message_id", msg.ID).Msg("discarding malformed message")
		_ = w.queue.Ack(ctx, msg.Receipt)
		return
	}

	w.logger.WithContext(ctx).Info().
		Str("run_id", req.RunID).
		Msg("executing run")

	if err := w.orch.Execute(ctx, req.RunID); err != nil {
		// Leave un-acked: the run resumes from its checkpoint on
		// redelivery.
		w.failed.Add(1)
		w.logger.Error().Err(err).Str("run_id", req.RunID).Msg("execution failed, leaving for redelivery")
		return
	}

	if err := w.queue.Ack(ctx, msg.Receipt); err != nil {
		w.logger.Warn().Err(err).Str("run_id", req.RunID).Msg("ack failed")
	}
	w.processed.Add(1)
}

// Health reports worker liveness for the admin endpoint.
func (w *Worker) Health() HealthStatus {
	return HealthStatus{
		Status:    "healthy",
		Uptime:    int64(time.Since(w.startTime).Seconds()),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
	}
}

// HealthStatus is the worker's liveness summary.
type HealthStatus struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime_seconds"`
	Processed int64  `json:"runs_processed"`
	Failed    int64  `json:"runs_failed"`
}

// Enqueue publishes an execution request for a submitted run.
func Enqueue(ctx context.Context, queue providers.Queue, runID string) error {
	body, err := json.Marshal(ExecutionRequest{RunID: runID})
	if err != nil {
		return fmt.Errorf("failed to encode execution request: %w", err)
	}
	return queue.Send(ctx, body)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
