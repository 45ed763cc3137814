package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorchlab/scorch/providers"
	"github.com/scorchlab/scorch/types"
)

type fakeInventory struct {
	refs    []providers.ResourceRef
	err     error
	lastTag map[string]string
}

func (f *fakeInventory) Query(ctx context.Context, tagFilter map[string]string) ([]providers.ResourceRef, error) {
	f.lastTag = tagFilter
	return f.refs, f.err
}

func TestQueryRunFiltersByRunTag(t *testing.T) {
	fake := &fakeInventory{
		refs: []providers.ResourceRef{
			{ID: "i-b", Type: "ec2:instance", Tags: map[string]string{types.TagRun: "run-1", types.TagScenario: "port-scan"}},
			{ID: "i-a", Type: "ec2:instance", Tags: map[string]string{types.TagRun: "run-1", types.TagScenario: "port-scan"}},
			{ID: "sg-1", Type: "ec2:security-group", Tags: map[string]string{types.TagRun: "run-2"}},
		},
	}
	scanner := NewScanner(fake, zerolog.Nop())

	resources, err := scanner.QueryRun(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{types.TagRun: "run-1"}, fake.lastTag)
	require.Len(t, resources, 2)
	// Sorted by type then id.
	assert.Equal(t, "i-a", resources[0].ID)
	assert.Equal(t, "i-b", resources[1].ID)
	assert.Equal(t, "port-scan", resources[0].Scenario)
	assert.Equal(t, types.ResourceExists, resources[0].Status)
}

func TestQueryAppliesLocalFilters(t *testing.T) {
	fake := &fakeInventory{
		refs: []providers.ResourceRef{
			{ID: "i-1", Type: "ec2:instance", Tags: map[string]string{types.TagRun: "run-1", types.TagScenario: "recon"}},
			{ID: "sg-1", Type: "ec2:security-group", Tags: map[string]string{types.TagRun: "run-1", types.TagScenario: "recon"}},
		},
	}
	scanner := NewScanner(fake, zerolog.Nop())

	resources, err := scanner.Query(context.Background(), types.ResourceFilter{
		RunID: "run-1",
		Type:  "ec2:security-group",
	})
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "sg-1", resources[0].ID)
}

func TestQueryEmptyRunMeansClean(t *testing.T) {
	scanner := NewScanner(&fakeInventory{}, zerolog.Nop())

	resources, err := scanner.QueryRun(context.Background(), "run-gone")
	require.NoError(t, err)
	assert.Empty(t, resources)
}

func TestQueryPropagatesProviderError(t *testing.T) {
	fake := &fakeInventory{err: errors.New("throttled")}
	scanner := NewScanner(fake, zerolog.Nop())

	_, err := scanner.QueryRun(context.Background(), "run-1")
	assert.Error(t, err)
}
