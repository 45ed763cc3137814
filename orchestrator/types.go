package orchestrator

import (
	"strings"
	"time"

	"github.com/scorchlab/scorch/providers"
	"github.com/scorchlab/scorch/types"
)

// ScenarioOutcome is one scenario's result within a run. Activities
// report outcomes instead of raising, so a single scenario's failure
// never aborts the phase for its siblings.
type ScenarioOutcome struct {
	Scenario    string                `json:"scenario"`
	AgentName   string                `json:"agent_name"`
	ResourceID  string                `json:"resource_id,omitempty"`
	Provisioned bool                  `json:"provisioned"`
	FinalStatus providers.AgentStatus `json:"final_status,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Completed reports whether the scenario ran to a clean finish.
func (o ScenarioOutcome) Completed() bool {
	return o.Provisioned && o.FinalStatus == providers.AgentStopped
}

// Report is the final artifact archived for a run.
type Report struct {
	Run       types.Run           `json:"run"`
	Outcomes  []ScenarioOutcome   `json:"outcomes"`
	Cleanup   types.CleanupReport `json:"cleanup"`
	CreatedAt time.Time           `json:"created_at"`
}

// AgentName derives a scenario agent's deployment name. Names are pure
// functions of (run, scenario) so checkpoint resumption can re-derive
// them and deployment stays upsert-by-name idempotent.
func AgentName(runID, scenario string) string {
	return "scorch-" + sanitize(runID) + "-" + sanitize(scenario)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
