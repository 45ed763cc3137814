package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// Minimal no-op capability fakes; the API tests exercise admission and
// status, not execution.

type nopInventory struct{}

func (nopInventory) Query(ctx context.Context, tagFilter map[string]string) ([]providers.ResourceRef, error) {
	return nil, nil
}

type nopControl struct{}

func (nopControl) DeleteByID(ctx context.Context, resourceType, resourceID string) error {
	return nil
}

type nopDirectory struct{}

func (nopDirectory) CreateApplication(ctx context.Context, name string, tags map[string]string) (string, error) {
	return "app", nil
}
func (nopDirectory) CreatePrincipal(ctx context.Context, name string) (string, error) {
	return "principal", nil
}
func (nopDirectory) IssueCredential(ctx context.Context, name string) (string, string, error) {
	return "client", "secret", nil
}
func (nopDirectory) GrantRole(ctx context.Context, name, role string) error { return nil }
func (nopDirectory) FindByName(ctx context.Context, name string) (string, error) {
	return "", providers.NewError(providers.KindNotFound, "find", errors.New("not found"))
}
func (nopDirectory) Delete(ctx context.Context, name string) error { return nil }

type nopSecrets struct{}

func (nopSecrets) Set(ctx context.Context, name, value string) error { return nil }
func (nopSecrets) Delete(ctx context.Context, name string) error     { return nil }

type nopCompute struct{}

func (nopCompute) Deploy(ctx context.Context, spec providers.AgentSpec) (string, error) {
	return "task", nil
}
func (nopCompute) GetStatus(ctx context.Context, name string) (providers.AgentStatus, error) {
	return providers.AgentStopped, nil
}
func (nopCompute) Delete(ctx context.Context, name string) error { return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Version = "1"
	cfg.Region = "us-east-1"
	cfg.LedgerTable = "ledger"
	cfg.LimiterTable = "limits"
	cfg.Catalog = []types.Scenario{
		{Name: "recon", AgentImage: "scorch/recon:latest"},
		{Name: "port-scan", AgentImage: "scorch/port-scan:latest"},
	}
	cfg.Limits.ScenarioCeiling = 2
	return cfg
}

type testAPI struct {
	server *Server
	queue  *providers.MemoryQueue
	orch   *orchestrator.Orchestrator
}

func newTestAPI(t *testing.T, policies *policy.Engine) *testAPI {
	t.Helper()

	cfg := testConfig()
	store := storage.NewMemoryStore()
	logger := telemetry.NewLogger("api-test")
	logger.Logger = zerolog.Nop()

	orch, err := orchestrator.New(cfg, providers.Clients{
		Inventory: nopInventory{},
		Control:   nopControl{},
		Directory: nopDirectory{},
		Secrets:   nopSecrets{},
		Compute:   nopCompute{},
	}, store, logger)
	require.NoError(t, err)

	queue := providers.NewMemoryQueue()
	limiter := ratelimit.New(store, cfg.Limits, zerolog.Nop())

	return &testAPI{
		server: New(cfg, orch, limiter, policies, queue, logger),
		queue:  queue,
		orch:   orch,
	}
}

func (a *testAPI) submit(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitQueuesRun(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.submit(t, `{"scenarios":["recon"],"duration":"2h","requester":"alice"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "queued", resp.Status)

	// The run is on the queue for a worker.
	msg, err := a.queue.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg)
	var exec worker.ExecutionRequest
	require.NoError(t, json.Unmarshal(msg.Body, &exec))
	assert.Equal(t, resp.RunID, exec.RunID)
}

func TestSubmitRejectsBadDuration(t *testing.T) {
	a := newTestAPI(t, nil)

	assert.Equal(t, http.StatusBadRequest, a.submit(t, `{"scenarios":["recon"],"duration":"soon"}`).Code)
	assert.Equal(t, http.StatusBadRequest, a.submit(t, `{"scenarios":["recon"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, a.submit(t, `not json`).Code)
}

func TestSubmitRateLimited(t *testing.T) {
	a := newTestAPI(t, nil)

	body := `{"scenarios":["recon"],"duration":"1h","requester":"alice"}`
	require.Equal(t, http.StatusAccepted, a.submit(t, body).Code)
	require.Equal(t, http.StatusAccepted, a.submit(t, body).Code)

	rec := a.submit(t, body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp.RetryAfter, 0)
}

func TestSubmitDeniedByPolicy(t *testing.T) {
	policies := policy.NewEngine()
	require.NoError(t, policies.LoadPolicy(context.Background(), "duration", `package scorch.duration

import rego.v1

decision := "deny" if {
	input.request.duration > 28800000000000
}

reason := "duration too long" if decision == "deny"
`))
	a := newTestAPI(t, policies)

	rec := a.submit(t, `{"scenarios":["recon"],"duration":"9h"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "duration too long")
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestAPI(t, nil)

	run, err := a.orch.Submit(context.Background(), types.RunRequest{
		Scenarios: []string{"recon"},
		Duration:  time.Hour,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+run.ID, nil)
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, run.ID, resp.RunID)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "validation", resp.Phase)
}

func TestStatusUnknownRun(t *testing.T) {
	a := newTestAPI(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/runs/run-missing", nil)
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEndpoint(t *testing.T) {
	a := newTestAPI(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := a.orch.Submit(ctx, types.RunRequest{Scenarios: []string{"recon"}, Duration: time.Hour})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/runs?status=queued&limit=2", nil)
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Runs []statusResponse `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 2)
}
