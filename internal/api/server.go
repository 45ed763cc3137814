// Package api is the admission surface: it validates a submission
// against policy and rate limits, records it, and hands it to the
// queue for a worker to pick up.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/scorchlab/scorch/config"
	"github.com/scorchlab/scorch/internal/worker"
	"github.com/scorchlab/scorch/orchestrator"
	"github.com/scorchlab/scorch/policy"
	"github.com/scorchlab/scorch/providers"
	"github.com/scorchlab/scorch/ratelimit"
	"github.com/scorchlab/scorch/storage"
	"github.com/scorchlab/scorch/telemetry"
	"github.com/scorchlab/scorch/types"
)

// Server serves the submission and status API.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	limiter  *ratelimit.Limiter
	policies *policy.Engine
	queue    providers.Queue
	logger   *telemetry.Logger
}

// New creates an API server. The policy engine may be nil, in which
// case every submission passes admission policy.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, limiter *ratelimit.Limiter, policies *policy.Engine, queue providers.Queue, logger *telemetry.Logger) *Server {
	return &Server{
		cfg:      cfg,
		orch:     orch,
		limiter:  limiter,
		policies: policies,
		queue:    queue,
		logger:   logger,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", s.handleSubmit)
	mux.HandleFunc("GET /runs", s.handleList)
	mux.HandleFunc("GET /runs/{id}", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// submitRequest is the wire form of a submission.
type submitRequest struct {
	Scenarios []string          `json:"scenarios,omitempty"`
	Duration  string            `json:"duration"`
	Tags      map[string]string `json:"tags,omitempty"`
	Requester string            `json:"requester,omitempty"`
}

type submitResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type statusResponse struct {
	RunID              string `json:"run_id"`
	Status             string `json:"status"`
	Phase              string `json:"phase"`
	ResourcesCreated   int    `json:"resources_created"`
	ScenariosCompleted int    `json:"scenarios_completed"`
	ScenariosFailed    int    `json:"scenarios_failed"`
	ReportLocation     string `json:"report_location,omitempty"`
	Error              string `json:"error,omitempty"`
}

type errorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	duration, err := time.ParseDuration(body.Duration)
	if err != nil || duration <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid duration %q", body.Duration))
		return
	}

	requester := body.Requester
	if requester == "" {
		requester = "anonymous"
	}

	req := types.RunRequest{
		Scenarios: body.Scenarios,
		Duration:  duration,
		Tags:      body.Tags,
		Requester: requester,
	}

	if s.policies != nil {
		catalog := make([]string, 0, len(s.cfg.Catalog))
		for _, sc := range s.cfg.Catalog {
			catalog = append(catalog, sc.Name)
		}
		result, err := s.policies.Evaluate(r.Context(), policy.AdmissionInput{
			Request:   req,
			Catalog:   catalog,
			Requester: requester,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Errorf("admission policy failed: %w", err))
			return
		}
		if !result.Allowed() {
			s.writeError(w, http.StatusForbidden, fmt.Errorf("denied by policy: %s", result.Reason))
			return
		}
	}

	// A multi-scenario submission reserves the aggregate key once
	// rather than one slot per scenario it touches.
	scenarioKey := "all"
	if len(req.Scenarios) == 1 {
		scenarioKey = req.Scenarios[0]
	}
	decision := s.limiter.CheckAll(r.Context(), scenarioKey, requester)
	if !decision.Allowed {
		retryAfter := int(decision.RetryAfter.Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:      fmt.Sprintf("rate limit exceeded for %s %q", decision.Class, decision.Key),
			RetryAfter: retryAfter,
		})
		return
	}

	run, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := worker.Enqueue(r.Context(), s.queue, run.ID); err != nil {
		// The run is recorded but will not start until resubmitted to
		// the queue; surface that instead of pretending it is queued.
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("enqueue failed")
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("run %s recorded but not queued: %w", run.ID, err))
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{
		RunID:  run.ID,
		Status: string(run.Status),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	run, err := s.orch.Ledger().Latest(r.Context(), runID)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown run %s", runID))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		RunID:              run.ID,
		Status:             string(run.Status),
		Phase:              string(run.Phase),
		ResourcesCreated:   run.ResourcesCreated,
		ScenariosCompleted: run.ScenariosCompleted,
		ScenariosFailed:    run.ScenariosFailed,
		ReportLocation:     run.ReportLocation,
		Error:              run.Error,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := types.RunStatus(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	runs, err := s.orch.Ledger().List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]statusResponse, len(runs))
	for i, run := range runs {
		out[i] = statusResponse{
			RunID:              run.ID,
			Status:             string(run.Status),
			Phase:              string(run.Phase),
			ResourcesCreated:   run.ResourcesCreated,
			ScenariosCompleted: run.ScenariosCompleted,
			ScenariosFailed:    run.ScenariosFailed,
			ReportLocation:     run.ReportLocation,
			Error:              run.Error,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
