package types

import "time"

// RunStatus is the coarse lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Phase is the workflow phase a run is currently in.
type Phase string

const (
	PhaseValidation   Phase = "validation"
	PhaseSelection    Phase = "selection"
	PhaseProvisioning Phase = "provisioning"
	PhaseMonitoring   Phase = "monitoring"
	PhaseCleanup      Phase = "cleanup"
	PhaseReporting    Phase = "reporting"
	PhaseCompleted    Phase = "completed"
)

// Run is one end-to-end scenario execution attempt.
// Mutated only by the orchestrator; immutable once Status is terminal.
type Run struct {
	ID                 string        `json:"id"`
	Status             RunStatus     `json:"status"`
	Phase              Phase         `json:"phase"`
	Scenarios          []string      `json:"scenarios"`
	Duration           time.Duration `json:"duration"`
	CreatedAt          time.Time     `json:"created_at"`
	StartedAt          time.Time     `json:"started_at,omitempty"`
	CompletedAt        time.Time     `json:"completed_at,omitempty"`
	ResourcesCreated   int           `json:"resources_created"`
	ScenariosCompleted int           `json:"scenarios_completed"`
	ScenariosFailed    int           `json:"scenarios_failed"`
	ReportLocation     string        `json:"report_location,omitempty"`
	Error              string        `json:"error,omitempty"`
}

// RunRequest is a submission from the admission API.
type RunRequest struct {
	Scenarios []string          `json:"scenarios,omitempty"`
	Count     int               `json:"count,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Tags      map[string]string `json:"tags,omitempty"`
	Requester string            `json:"requester,omitempty"`
}

// Scenario is a named test workload definition.
type Scenario struct {
	Name       string   `yaml:"name" json:"name"`
	AgentImage string   `yaml:"agent_image" json:"agent_image"`
	Roles      []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Disabled   bool     `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}
