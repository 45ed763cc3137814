package telemetry

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry.
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL trace correlation.
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger scoped to a component.
func NewLogger(component string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("component", component).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger carrying the context for trace propagation.
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// Convenience methods for the run lifecycle.

func (l *Logger) LogPhaseTransition(ctx context.Context, runID string, from, to string) {
	l.WithContext(ctx).Info().
		Str("run_id", runID).
		Str("from_phase", from).
		Str("to_phase", to).
		Msg("phase transition")
}

func (l *Logger) LogActivityError(ctx context.Context, runID, activity string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("run_id", runID).
		Str("activity", activity).
		Msg("activity failed")
}

func (l *Logger) LogDeletionAttempt(ctx context.Context, resourceID string, attempt int, err error) {
	event := l.WithContext(ctx).Debug().
		Str("resource_id", resourceID).
		Int("attempt", attempt)
	if err != nil {
		event = l.WithContext(ctx).Warn().
			Err(err).
			Str("resource_id", resourceID).
			Int("attempt", attempt)
	}
	event.Msg("deletion attempt")
}
