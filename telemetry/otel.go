// Package telemetry provides logging and OpenTelemetry instrumentation
// for the Scorch engine.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRate  float64
}

// Provider wraps OTEL tracer and meter providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	runDuration      metric.Float64Histogram
	resourcesDeleted metric.Int64Counter
	deletionFailures metric.Int64Counter
	limiterDenials   metric.Int64Counter
}

// NewProvider creates a new telemetry provider.
func NewProvider(ctx context.Context, cfg OTELConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "scorch"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res); err != nil {
		if p.tracerProvider != nil {
			_ = p.tracerProvider.Shutdown(ctx)
		}
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Endpoint != "" {
		expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			expOpts = append(expOpts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, expOpts...)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.TraceIDRatioBased(cfg.SampleRate)
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer("scorch")

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg OTELConfig, res *resource.Resource) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if cfg.Endpoint != "" {
		expOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			expOpts = append(expOpts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, expOpts...)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter("scorch")

	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.runDuration, err = p.meter.Float64Histogram(
		"scorch_run_duration_seconds",
		metric.WithDescription("Wall-clock duration of completed runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create run_duration: %w", err)
	}

	p.resourcesDeleted, err = p.meter.Int64Counter(
		"scorch_resources_deleted_total",
		metric.WithDescription("Total resources deleted during cleanup"),
	)
	if err != nil {
		return fmt.Errorf("create resources_deleted: %w", err)
	}

	p.deletionFailures, err = p.meter.Int64Counter(
		"scorch_deletion_failures_total",
		metric.WithDescription("Total resources whose deletion exhausted retries"),
	)
	if err != nil {
		return fmt.Errorf("create deletion_failures: %w", err)
	}

	p.limiterDenials, err = p.meter.Int64Counter(
		"scorch_limiter_denials_total",
		metric.WithDescription("Total run submissions denied by the rate limiter"),
	)
	if err != nil {
		return fmt.Errorf("create limiter_denials: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// RecordRunDuration records a completed run's duration.
func (p *Provider) RecordRunDuration(ctx context.Context, status string, d time.Duration) {
	p.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordResourcesDeleted counts deleted resources by type.
func (p *Provider) RecordResourcesDeleted(ctx context.Context, resourceType string, count int) {
	p.resourcesDeleted.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("resource_type", resourceType),
	))
}

// RecordDeletionFailure counts a resource that exhausted retries.
func (p *Provider) RecordDeletionFailure(ctx context.Context, resourceType string) {
	p.deletionFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource_type", resourceType),
	))
}

// RecordLimiterDenial counts a rate limiter denial by limit class.
func (p *Provider) RecordLimiterDenial(ctx context.Context, class string) {
	p.limiterDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limit_class", class),
	))
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
