package types

import "time"

// ResourceStatus tracks a resource through its cleanup lifecycle.
type ResourceStatus string

const (
	ResourceCreated        ResourceStatus = "created"
	ResourceExists         ResourceStatus = "exists"
	ResourceDeleted        ResourceStatus = "deleted"
	ResourceDeletionFailed ResourceStatus = "deletion_failed"
)

// TrackedResource is a cloud object owned by exactly one run.
// Every tracked resource must end up deleted or explicitly recorded
// as a deletion failure; none may stay silently in "exists".
type TrackedResource struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Scenario  string            `json:"scenario"`
	RunID     string            `json:"run_id"`
	Status    ResourceStatus    `json:"status"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
}

// ResourceFilter narrows inventory queries.
type ResourceFilter struct {
	RunID    string            `json:"run_id,omitempty"`
	Scenario string            `json:"scenario,omitempty"`
	Type     string            `json:"type,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Matches checks the resource against filter criteria.
func (r *TrackedResource) Matches(filter ResourceFilter) bool {
	if filter.RunID != "" && r.RunID != filter.RunID {
		return false
	}
	if filter.Scenario != "" && r.Scenario != filter.Scenario {
		return false
	}
	if filter.Type != "" && r.Type != filter.Type {
		return false
	}
	for key, value := range filter.Tags {
		if r.Tags[key] != value {
			return false
		}
	}
	return true
}
