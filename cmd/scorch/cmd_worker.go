package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/scorchlab/scorch/internal/api"
	"github.com/scorchlab/scorch/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the execution worker and admission API",
	Long: `Run the Scorch worker: consumes queued runs, drives them through the
phase state machine, and serves the submission/status API alongside
Prometheus metrics.

A worker that dies mid-run is safe to restart: the run resumes from
its last checkpointed phase.`,
	Example: `  scorch worker --config scorch.yaml
  scorch worker --local            # in-process queue, bbolt state
  scorch worker --debug`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	// Metrics go out through the Prometheus scrape endpoint.
	promExporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter)))

	w := worker.New(s.orch, s.queue, s.logger)
	apiServer := api.New(s.cfg, s.orch, s.limiter, s.policies, s.queue, s.logger)

	var group run.Group

	// Signal handler.
	group.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	// Queue consumer.
	{
		workerCtx, cancel := context.WithCancel(ctx)
		group.Add(func() error {
			return w.Run(workerCtx)
		}, func(error) {
			cancel()
		})
	}

	// Admission API.
	{
		srv := &http.Server{
			Addr:              s.cfg.ListenAddr,
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Add(func() error {
			s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("starting api server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	// Metrics endpoint.
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Add(func() error {
			s.logger.Info().Str("addr", s.cfg.MetricsAddr).Msg("starting metrics server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	s.logger.Info().Str("version", version).Msg("scorch worker starting")
	err = group.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		s.logger.Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker exited: %v\n", err)
	}
	return err
}
