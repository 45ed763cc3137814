package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorchlab/scorch/types"
)

const maxDurationPolicy = `package scorch.duration

import rego.v1

decision := "deny" if {
	input.request.duration > 28800000000000 # 8h in nanoseconds
}

reason := "requested duration exceeds the 8 hour ceiling" if {
	decision == "deny"
}
`

const catalogPolicy = `package scorch.catalog

import rego.v1

unknown contains s if {
	some s in input.request.scenarios
	not s in input.catalog
}

decision := "deny" if {
	count(unknown) > 0
}

reason := "request names scenarios outside the catalog" if {
	decision == "deny"
}
`

func input(scenarios []string, duration time.Duration) AdmissionInput {
	return AdmissionInput{
		Request: types.RunRequest{
			Scenarios: scenarios,
			Duration:  duration,
			Requester: "alice",
		},
		Catalog:   []string{"recon", "port-scan"},
		Requester: "alice",
		Timestamp: time.Now(),
	}
}

func TestEvaluateNoPoliciesAllows(t *testing.T) {
	e := NewEngine()

	result, err := e.Evaluate(context.Background(), input([]string{"recon"}, time.Hour))
	require.NoError(t, err)
	assert.True(t, result.Allowed())
}

func TestEvaluateDurationCeiling(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(context.Background(), "duration", maxDurationPolicy))

	ok, err := e.Evaluate(context.Background(), input([]string{"recon"}, 2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok.Allowed())

	denied, err := e.Evaluate(context.Background(), input([]string{"recon"}, 9*time.Hour))
	require.NoError(t, err)
	assert.False(t, denied.Allowed())
	assert.Contains(t, denied.Reason, "8 hour")
	assert.Contains(t, denied.Policies, "duration")
}

func TestEvaluateCatalogMembership(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(context.Background(), "catalog", catalogPolicy))

	ok, err := e.Evaluate(context.Background(), input([]string{"recon", "port-scan"}, time.Hour))
	require.NoError(t, err)
	assert.True(t, ok.Allowed())

	denied, err := e.Evaluate(context.Background(), input([]string{"recon", "exfil"}, time.Hour))
	require.NoError(t, err)
	assert.False(t, denied.Allowed())
}

func TestEvaluateDenyWinsAcrossPolicies(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(context.Background(), "duration", maxDurationPolicy))
	require.NoError(t, e.LoadPolicy(context.Background(), "catalog", catalogPolicy))

	denied, err := e.Evaluate(context.Background(), input([]string{"exfil"}, time.Hour))
	require.NoError(t, err)
	assert.False(t, denied.Allowed())
}

func TestLoadPolicyRejectsBadRego(t *testing.T) {
	e := NewEngine()

	err := e.LoadPolicy(context.Background(), "broken", "package scorch.broken\n\ndecision :=")
	assert.Error(t, err)
}
