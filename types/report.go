package types

import "time"

// AttemptStatus is the final status of one resource's deletion.
type AttemptStatus string

const (
	AttemptDeleted AttemptStatus = "deleted"
	AttemptFailed  AttemptStatus = "failed"
)

// DeletionAttempt records the final outcome for one resource.
// Never mutated after creation, only appended to a CleanupReport.
type DeletionAttempt struct {
	ResourceID   string        `json:"resource_id"`
	ResourceType string        `json:"resource_type"`
	Status       AttemptStatus `json:"status"`
	Attempts     int           `json:"attempts"`
	Error        string        `json:"error,omitempty"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// CleanupStatus summarizes an entire cleanup pass.
type CleanupStatus string

const (
	// CleanupVerified means every resource was deleted.
	CleanupVerified CleanupStatus = "verified"
	// CleanupPartialFailure means some resources were deleted, some were not.
	CleanupPartialFailure CleanupStatus = "partial_failure"
	// CleanupForceComplete means the pass ran to completion but deleted nothing.
	CleanupForceComplete CleanupStatus = "force_deletion_complete"
)

// CleanupReport aggregates per-resource deletion outcomes for a run.
type CleanupReport struct {
	RunID             string            `json:"run_id"`
	Status            CleanupStatus     `json:"status"`
	Attempts          []DeletionAttempt `json:"attempts"`
	TotalDeleted      int               `json:"total_resources_deleted"`
	TotalFailed       int               `json:"total_resources_failed"`
	IdentitiesDeleted int               `json:"identities_deleted"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
}

// Resolve recomputes totals and the overall status from the attempt list.
func (r *CleanupReport) Resolve() {
	r.TotalDeleted = 0
	r.TotalFailed = 0
	for _, a := range r.Attempts {
		switch a.Status {
		case AttemptDeleted:
			r.TotalDeleted++
		case AttemptFailed:
			r.TotalFailed++
		}
	}
	switch {
	case r.TotalFailed == 0:
		r.Status = CleanupVerified
	case r.TotalDeleted > 0:
		r.Status = CleanupPartialFailure
	default:
		r.Status = CleanupForceComplete
	}
}
