package types

// Tag keys stamped on every resource the engine creates. The run tag is
// the sole handle the inventory query needs to find leaked resources.
const (
	TagRun      = "scorch:run"
	TagScenario = "scorch:scenario"
	TagManaged  = "scorch:managed"
)

// OwnershipTags builds the tag set for a resource created on behalf of a run.
func OwnershipTags(runID, scenario string, extra map[string]string) map[string]string {
	tags := map[string]string{
		TagRun:      runID,
		TagScenario: scenario,
		TagManaged:  "true",
	}
	for k, v := range extra {
		if _, reserved := tags[k]; !reserved {
			tags[k] = v
		}
	}
	return tags
}

// IsManaged reports whether a tag set marks a resource as engine-owned.
func IsManaged(tags map[string]string) bool {
	return tags[TagManaged] == "true" || tags[TagRun] != ""
}

// RunOf extracts the owning run id from a tag set, empty if unowned.
func RunOf(tags map[string]string) string {
	return tags[TagRun]
}

// ScenarioOf extracts the owning scenario from a tag set.
func ScenarioOf(tags map[string]string) string {
	return tags[TagScenario]
}
