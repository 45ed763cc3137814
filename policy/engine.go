// Package policy evaluates Rego admission policies against run
// submissions. Policies decide whether a request may enter the queue
// at all; the rate limiter then decides whether it may enter now.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scorchlab/scorch/telemetry"
	"github.com/scorchlab/scorch/types"
)

// AdmissionInput is the document policies evaluate.
type AdmissionInput struct {
	Request   types.RunRequest `json:"request"`
	Catalog   []string         `json:"catalog"`
	Requester string           `json:"requester"`
	Timestamp time.Time        `json:"timestamp"`
}

// AdmissionResult is the aggregated decision across all loaded policies.
type AdmissionResult struct {
	Decision string   `json:"decision"` // "allow" or "deny"
	Reason   string   `json:"reason"`
	Policies []string `json:"policies"`
}

// Allowed reports whether the submission may proceed.
func (r AdmissionResult) Allowed() bool {
	return r.Decision != "deny"
}

// Engine holds compiled Rego queries.
type Engine struct {
	logger  *telemetry.Logger
	tracer  trace.Tracer
	queries map[string]rego.PreparedEvalQuery
}

// NewEngine creates an empty policy engine. With no policies loaded,
// every submission is allowed.
func NewEngine() *Engine {
	return &Engine{
		logger:  telemetry.NewLogger("policy"),
		tracer:  otel.Tracer("policy"),
		queries: make(map[string]rego.PreparedEvalQuery),
	}
}

// LoadPolicy compiles and registers one Rego module.
func (e *Engine) LoadPolicy(ctx context.Context, name, regoCode string) error {
	ctx, span := e.tracer.Start(ctx, "policy.load",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	query := rego.New(
		rego.Query("data.scorch"),
		rego.Module(name, regoCode),
	)

	prepared, err := query.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	e.queries[name] = prepared

	e.logger.WithContext(ctx).Info().
		Str("policy", name).
		Msg("policy loaded")
	return nil
}

// LoadDir loads every .rego file under dir.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}

		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}

		name := strings.TrimSuffix(filepath.Base(path), ".rego")
		return e.LoadPolicy(ctx, name, string(content))
	})
}

// Evaluate runs every loaded policy against the input. Any policy
// producing a deny wins; an engine with no policies always allows.
func (e *Engine) Evaluate(ctx context.Context, input AdmissionInput) (AdmissionResult, error) {
	ctx, span := e.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(attribute.String("requester", input.Requester)))
	defer span.End()

	final := AdmissionResult{Decision: "allow"}

	for name, query := range e.queries {
		result, err := e.evaluateOne(ctx, name, query, input)
		if err != nil {
			e.logger.WithContext(ctx).Error().
				Err(err).
				Str("policy", name).
				Msg("policy evaluation failed")
			return AdmissionResult{}, err
		}
		if result.Decision == "" {
			continue
		}

		final.Policies = append(final.Policies, name)
		if result.Decision == "deny" {
			final.Decision = "deny"
			if final.Reason == "" {
				final.Reason = result.Reason
			}
		}
	}

	e.logger.WithContext(ctx).Info().
		Str("decision", final.Decision).
		Strs("policies", final.Policies).
		Msg("admission evaluated")

	return final, nil
}

func (e *Engine) evaluateOne(ctx context.Context, name string, query rego.PreparedEvalQuery, input AdmissionInput) (AdmissionResult, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return AdmissionResult{}, fmt.Errorf("policy %s: %w", name, err)
	}
	if len(results) == 0 {
		return AdmissionResult{}, nil
	}

	var result AdmissionResult
	for _, res := range results {
		if len(res.Expressions) == 0 {
			continue
		}
		// data.scorch evaluates to the package document keyed by
		// sub-package name; policies live one level down.
		doc, ok := res.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		for _, sub := range doc {
			fields, ok := sub.(map[string]interface{})
			if !ok {
				continue
			}
			bindResult(fields, &result)
		}
	}
	return result, nil
}

func bindResult(fields map[string]interface{}, result *AdmissionResult) {
	if v, ok := fields["decision"].(string); ok {
		// A deny from any rule in the module sticks.
		if result.Decision != "deny" {
			result.Decision = v
		}
	}
	if v, ok := fields["reason"].(string); ok && result.Reason == "" {
		result.Reason = v
	}
}
