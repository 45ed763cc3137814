package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorchlab/scorch/config"
	"github.com/scorchlab/scorch/providers"
	"github.com/scorchlab/scorch/storage"
	"github.com/scorchlab/scorch/telemetry"
	"github.com/scorchlab/scorch/types"
)

// --- fakes ---

type fakeDirectory struct {
	mu         sync.Mutex
	principals map[string]bool
}

func (f *fakeDirectory) CreateApplication(ctx context.Context, name string, tags map[string]string) (string, error) {
	return "app-" + name, nil
}

func (f *fakeDirectory) CreatePrincipal(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.principals[name] = true
	return "principal-" + name, nil
}

func (f *fakeDirectory) IssueCredential(ctx context.Context, name string) (string, string, error) {
	return "client-" + name, "secret", nil
}

func (f *fakeDirectory) GrantRole(ctx context.Context, name, role string) error { return nil }

func (f *fakeDirectory) FindByName(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.principals[name] {
		return "", providers.NewError(providers.KindNotFound, "find", errors.New("no such entity"))
	}
	return "principal-" + name, nil
}

func (f *fakeDirectory) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.principals, name)
	return nil
}

type fakeSecrets struct {
	mu     sync.Mutex
	values map[string]string
}

func (f *fakeSecrets) Set(ctx context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
	return nil
}

func (f *fakeSecrets) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[name]; !ok {
		return providers.NewError(providers.KindNotFound, "delete", errors.New("not found"))
	}
	delete(f.values, name)
	return nil
}

type fakeAgent struct {
	polls     int
	stopAfter int
}

type fakeCompute struct {
	mu        sync.Mutex
	deployErr map[string]error // keyed by scenario
	agents    map[string]*fakeAgent
	deploys   int
	stopAfter int // polls before a new agent reports stopped
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{
		deployErr: make(map[string]error),
		agents:    make(map[string]*fakeAgent),
		stopAfter: 1,
	}
}

func (f *fakeCompute) Deploy(ctx context.Context, spec providers.AgentSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deployErr[spec.Scenario]; err != nil {
		return "", err
	}
	f.deploys++
	if _, ok := f.agents[spec.Name]; !ok {
		f.agents[spec.Name] = &fakeAgent{stopAfter: f.stopAfter}
	}
	return "task-" + spec.Name, nil
}

func (f *fakeCompute) GetStatus(ctx context.Context, name string) (providers.AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[name]
	if !ok {
		return providers.AgentUnknown, providers.NewError(providers.KindNotFound, "status", errors.New("task not found"))
	}
	agent.polls++
	if agent.polls > agent.stopAfter {
		return providers.AgentStopped, nil
	}
	return providers.AgentRunning, nil
}

func (f *fakeCompute) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[name]; !ok {
		return providers.NewError(providers.KindNotFound, "delete", errors.New("task not found"))
	}
	delete(f.agents, name)
	return nil
}

type fakeInventory struct {
	mu   sync.Mutex
	refs []providers.ResourceRef
}

func (f *fakeInventory) Query(ctx context.Context, tagFilter map[string]string) ([]providers.ResourceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs, nil
}

type fakeControl struct {
	mu      sync.Mutex
	failIDs map[string]error
	deleted []string
}

func (f *fakeControl) DeleteByID(ctx context.Context, resourceType, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failIDs[resourceID]; ok {
		return err
	}
	f.deleted = append(f.deleted, resourceID)
	return nil
}

type fakeReports struct {
	mu   sync.Mutex
	keys []string
	data map[string][]byte
}

func (f *fakeReports) Put(ctx context.Context, key string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	f.data[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

func (f *fakeReports) get(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key]
}

// --- harness ---

type harness struct {
	orch      *Orchestrator
	store     storage.Store
	compute   *fakeCompute
	inventory *fakeInventory
	control   *fakeControl
	reports   *fakeReports
	directory *fakeDirectory
	secrets   *fakeSecrets
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Version = "1"
	cfg.Region = "us-east-1"
	cfg.LedgerTable = "ledger"
	cfg.LimiterTable = "limits"
	cfg.Catalog = []types.Scenario{
		{Name: "recon", AgentImage: "scorch/recon:latest"},
		{Name: "port-scan", AgentImage: "scorch/port-scan:latest"},
		{Name: "old-probe", AgentImage: "scorch/old:latest", Disabled: true},
	}
	cfg.Identity.PropagationWait = 0
	cfg.Cleanup.MaxRetries = 3
	cfg.Cleanup.BackoffBase = time.Millisecond
	cfg.Cleanup.BackoffCap = 2 * time.Millisecond
	cfg.Monitor.PollInterval = 2 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:     storage.NewMemoryStore(),
		compute:   newFakeCompute(),
		inventory: &fakeInventory{},
		control:   &fakeControl{failIDs: make(map[string]error)},
		reports:   &fakeReports{},
		directory: &fakeDirectory{principals: make(map[string]bool)},
		secrets:   &fakeSecrets{values: make(map[string]string)},
	}

	logger := telemetry.NewLogger("orchestrator-test")
	logger.Logger = zerolog.Nop()

	orch, err := New(testConfig(), providers.Clients{
		Inventory: h.inventory,
		Control:   h.control,
		Directory: h.directory,
		Secrets:   h.secrets,
		Compute:   h.compute,
		Reports:   h.reports,
	}, h.store, logger)
	require.NoError(t, err)

	h.orch = orch
	return h
}

func (h *harness) submitAndRun(t *testing.T, scenarios []string, duration time.Duration) types.Run {
	t.Helper()
	ctx := context.Background()

	run, err := h.orch.Submit(ctx, types.RunRequest{Scenarios: scenarios, Duration: duration})
	require.NoError(t, err)
	require.Equal(t, types.RunQueued, run.Status)

	require.NoError(t, h.orch.Execute(ctx, run.ID))

	final, err := h.orch.Ledger().Latest(ctx, run.ID)
	require.NoError(t, err)
	return final
}

// --- tests ---

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness(t)

	run := h.submitAndRun(t, []string{"recon", "port-scan"}, 50*time.Millisecond)

	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, types.PhaseCompleted, run.Phase)
	assert.Equal(t, 2, run.ResourcesCreated)
	assert.Equal(t, 2, run.ScenariosCompleted)
	assert.Equal(t, 0, run.ScenariosFailed)
	assert.Equal(t, "mem://reports/"+run.ID+".json", run.ReportLocation)
	assert.Empty(t, run.Error)

	// Agents and identities torn down.
	assert.Empty(t, h.compute.agents)
	assert.Empty(t, h.directory.principals)
	assert.Empty(t, h.secrets.values)
}

func TestExecutePartialProvisioningStillMonitors(t *testing.T) {
	h := newHarness(t)
	h.compute.deployErr["port-scan"] = errors.New("capacity exhausted")

	run := h.submitAndRun(t, []string{"recon", "port-scan"}, 2*time.Hour)

	// The surviving agent is monitored to completion; the run succeeds
	// with the failure reflected in the per-scenario tallies.
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 1, run.ResourcesCreated)
	assert.Equal(t, 1, run.ScenariosCompleted)
	assert.Equal(t, 1, run.ScenariosFailed)
}

func TestExecuteZeroDeploymentsFails(t *testing.T) {
	h := newHarness(t)
	h.compute.deployErr["recon"] = errors.New("capacity exhausted")
	h.compute.deployErr["port-scan"] = errors.New("capacity exhausted")

	run := h.submitAndRun(t, []string{"recon", "port-scan"}, time.Hour)

	assert.Equal(t, types.RunFailed, run.Status)
	assert.Contains(t, run.Error, "no agents deployed")
	// Identities created before the failed deployments are cleaned up.
	assert.Empty(t, h.directory.principals)
}

func TestExecuteZeroDeploymentsArchivesCleanupFailures(t *testing.T) {
	h := newHarness(t)
	h.compute.deployErr["recon"] = errors.New("capacity exhausted")

	run, err := h.orch.Submit(context.Background(), types.RunRequest{
		Scenarios: []string{"recon"},
		Duration:  time.Hour,
	})
	require.NoError(t, err)

	// A resource leaked before the deploy failed, and its deletion
	// never succeeds.
	h.inventory.refs = []providers.ResourceRef{
		{ID: "sg-stuck", Type: "ec2:security-group", Tags: map[string]string{types.TagRun: run.ID}},
	}
	h.control.failIDs["sg-stuck"] = errors.New("AccessDenied: not authorized")

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	final, err := h.orch.Ledger().Latest(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, final.Status)

	// The archived failure report carries the deletion outcome.
	var report Report
	require.NoError(t, json.Unmarshal(h.reports.get("reports/"+run.ID+".json"), &report))
	require.Len(t, report.Cleanup.Attempts, 1)
	assert.Equal(t, "sg-stuck", report.Cleanup.Attempts[0].ResourceID)
	assert.Equal(t, types.AttemptFailed, report.Cleanup.Attempts[0].Status)
	assert.Equal(t, 1, report.Cleanup.TotalFailed)
}

func TestExecuteValidationFailure(t *testing.T) {
	h := newHarness(t)

	run := h.submitAndRun(t, []string{"no-such-scenario"}, time.Hour)

	assert.Equal(t, types.RunFailed, run.Status)
	assert.Contains(t, run.Error, "unknown scenario")

	disabled := h.submitAndRun(t, []string{"old-probe"}, time.Hour)
	assert.Equal(t, types.RunFailed, disabled.Status)
	assert.Contains(t, disabled.Error, "disabled")
}

func TestExecuteEmptyRequestSelectsEnabledCatalog(t *testing.T) {
	h := newHarness(t)

	run := h.submitAndRun(t, nil, 50*time.Millisecond)

	assert.Equal(t, types.RunCompleted, run.Status)
	assert.ElementsMatch(t, []string{"recon", "port-scan"}, run.Scenarios)
	assert.Equal(t, 2, run.ScenariosCompleted)
}

func TestExecuteForceCleanupOfLeakedResources(t *testing.T) {
	h := newHarness(t)

	// Three resources leak past agent teardown; one is locked.
	run, err := h.orch.Submit(context.Background(), types.RunRequest{
		Scenarios: []string{"recon"},
		Duration:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	h.inventory.refs = []providers.ResourceRef{
		{ID: "i-leak1", Type: "ec2:instance", Tags: map[string]string{types.TagRun: run.ID}},
		{ID: "i-leak2", Type: "ec2:instance", Tags: map[string]string{types.TagRun: run.ID}},
		{ID: "sg-locked", Type: "ec2:security-group", Tags: map[string]string{types.TagRun: run.ID}},
	}
	h.control.failIDs["sg-locked"] = providers.NewError(
		providers.KindConflict, "delete", errors.New("DependencyViolation"))

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	assert.ElementsMatch(t, []string{"i-leak1", "i-leak2"}, h.control.deleted)

	final, err := h.orch.Ledger().Latest(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, final.Status)
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, err := h.orch.Submit(ctx, types.RunRequest{
		Scenarios: []string{"recon"},
		Duration:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	// Simulate a worker that provisioned and then crashed: the agent
	// exists and the ledger checkpoint says monitoring.
	_, err = h.compute.Deploy(ctx, providers.AgentSpec{
		Name:     AgentName(run.ID, "recon"),
		Scenario: "recon",
	})
	require.NoError(t, err)
	_, err = h.orch.Ledger().Append(ctx, run.ID, func(r *types.Run) {
		r.Status = types.RunRunning
		r.Phase = types.PhaseMonitoring
		r.StartedAt = time.Now().UTC()
		r.ResourcesCreated = 1
	})
	require.NoError(t, err)

	initialDeploys := h.compute.deploys
	require.NoError(t, h.orch.Execute(ctx, run.ID))

	final, err := h.orch.Ledger().Latest(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, final.Status)
	assert.Equal(t, 1, final.ScenariosCompleted)
	// Resumption did not redeploy.
	assert.Equal(t, initialDeploys, h.compute.deploys)
}

func TestExecuteTerminalRunIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := h.submitAndRun(t, []string{"recon"}, 50*time.Millisecond)
	require.Equal(t, types.RunCompleted, run.Status)

	reportsBefore := len(h.reports.keys)
	require.NoError(t, h.orch.Execute(ctx, run.ID))
	assert.Equal(t, reportsBefore, len(h.reports.keys))
}

func TestExecuteUnknownRun(t *testing.T) {
	h := newHarness(t)

	err := h.orch.Execute(context.Background(), "run-missing")
	assert.Error(t, err)
}

func TestSubmitGeneratesUniqueRunIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		run, err := h.orch.Submit(ctx, types.RunRequest{Scenarios: []string{"recon"}, Duration: time.Hour})
		require.NoError(t, err)
		require.False(t, seen[run.ID], "duplicate run id %s", run.ID)
		seen[run.ID] = true
	}
}

func TestMonitorDeadlineBoundsPolling(t *testing.T) {
	h := newHarness(t)

	// Agents never stop on their own within the run's duration.
	h.compute.stopAfter = 1 << 30

	run, err := h.orch.Submit(context.Background(), types.RunRequest{
		Scenarios: []string{"recon"},
		Duration:  20 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.orch.Execute(context.Background(), run.ID))
	elapsed := time.Since(start)

	// Monitoring stops at the wall-clock deadline, not when the agent
	// terminates.
	assert.Less(t, elapsed, 5*time.Second)

	final, err := h.orch.Ledger().Latest(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, final.Status)
	assert.Equal(t, 0, final.ScenariosCompleted)
	assert.Equal(t, 1, final.ScenariosFailed)
}
