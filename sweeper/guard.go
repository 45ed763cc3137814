package sweeper

import (
	"fmt"

	"github.com/scorchlab/scorch/types"
)

// GuardCheck inspects a single deletion candidate and returns a non-nil
// error to refuse it.
type GuardCheck func(runID string, res types.TrackedResource) error

// Guard refuses deletions the engine has no business issuing. Every
// candidate passes through the guard before the first delete call; a
// refused resource is recorded as failed with zero attempts and never
// touches the control plane.
type Guard struct {
	checks []GuardCheck
}

// DefaultGuard builds a guard with the standard ownership checks.
func DefaultGuard() *Guard {
	return &Guard{
		checks: []GuardCheck{
			checkManaged,
			checkOwnership,
		},
	}
}

// NewGuard builds a guard from an explicit check list.
func NewGuard(checks ...GuardCheck) *Guard {
	return &Guard{checks: checks}
}

// Check runs every check and returns the first refusal.
func (g *Guard) Check(runID string, res types.TrackedResource) error {
	for _, check := range g.checks {
		if err := check(runID, res); err != nil {
			return err
		}
	}
	return nil
}

func checkManaged(runID string, res types.TrackedResource) error {
	if types.IsManaged(res.Tags) || res.RunID == runID {
		return nil
	}
	return fmt.Errorf("resource %s is not engine-managed", res.ID)
}

func checkOwnership(runID string, res types.TrackedResource) error {
	owner := res.RunID
	if owner == "" {
		owner = types.RunOf(res.Tags)
	}
	if owner != "" && owner != runID {
		return fmt.Errorf("resource %s belongs to run %s", res.ID, owner)
	}
	return nil
}

// ProtectType returns a check refusing deletion of a resource type.
// Used for shared infrastructure a scenario may reference but never owns.
func ProtectType(resourceType string) GuardCheck {
	return func(_ string, res types.TrackedResource) error {
		if res.Type == resourceType {
			return fmt.Errorf("resource type %s is protected", resourceType)
		}
		return nil
	}
}
