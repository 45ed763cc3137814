// Package inventory discovers engine-owned cloud resources by tag.
// It is the authoritative answer to "what does this run still own" and
// feeds both the cleanup verification pass and the force-deletion sweep.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/scorchlab/scorch/providers"
	"github.com/scorchlab/scorch/types"
)

// Scanner queries the provider inventory for tagged resources.
type Scanner struct {
	inv    providers.Inventory
	logger zerolog.Logger
}

// NewScanner creates a tag-driven resource scanner.
func NewScanner(inv providers.Inventory, logger zerolog.Logger) *Scanner {
	return &Scanner{
		inv:    inv,
		logger: logger.With().Str("component", "inventory").Logger(),
	}
}

// QueryRun returns every resource still tagged with the given run id.
// An empty result means the run's footprint is fully gone.
func (s *Scanner) QueryRun(ctx context.Context, runID string) ([]types.TrackedResource, error) {
	return s.Query(ctx, types.ResourceFilter{RunID: runID})
}

// Query returns resources matching the filter. The provider is only
// asked for the run tag (the narrowest server-side predicate); the
// remaining criteria are applied locally.
func (s *Scanner) Query(ctx context.Context, filter types.ResourceFilter) ([]types.TrackedResource, error) {
	tagFilter := map[string]string{}
	if filter.RunID != "" {
		tagFilter[types.TagRun] = filter.RunID
	} else {
		tagFilter[types.TagManaged] = "true"
	}

	refs, err := s.inv.Query(ctx, tagFilter)
	if err != nil {
		return nil, fmt.Errorf("inventory query failed: %w", err)
	}

	resources := make([]types.TrackedResource, 0, len(refs))
	for _, ref := range refs {
		res := convert(ref)
		if !res.Matches(filter) {
			continue
		}
		resources = append(resources, res)
	}

	// Stable ordering keeps deletion attempts and reports deterministic.
	sort.Slice(resources, func(i, j int) bool {
		if resources[i].Type != resources[j].Type {
			return resources[i].Type < resources[j].Type
		}
		return resources[i].ID < resources[j].ID
	})

	s.logger.Debug().
		Str("run_id", filter.RunID).
		Int("resources", len(resources)).
		Msg("inventory query complete")

	return resources, nil
}

func convert(ref providers.ResourceRef) types.TrackedResource {
	return types.TrackedResource{
		ID:        ref.ID,
		Type:      ref.Type,
		Name:      ref.Name,
		Scenario:  types.ScenarioOf(ref.Tags),
		RunID:     types.RunOf(ref.Tags),
		Status:    types.ResourceExists,
		Tags:      ref.Tags,
		CreatedAt: time.Now().UTC(),
	}
}
