package types

import (
	"testing"
	"time"
)

func TestTrackedResourceMatches(t *testing.T) {
	resource := TrackedResource{
		ID:        "i-0abc123",
		Type:      "ec2:instance",
		Scenario:  "portscan",
		RunID:     "run-1",
		Status:    ResourceCreated,
		Tags:      map[string]string{TagRun: "run-1", "env": "test"},
		CreatedAt: time.Now(),
	}

	tests := []struct {
		name   string
		filter ResourceFilter
		want   bool
	}{
		{"empty filter", ResourceFilter{}, true},
		{"matching run", ResourceFilter{RunID: "run-1"}, true},
		{"wrong run", ResourceFilter{RunID: "run-2"}, false},
		{"matching scenario", ResourceFilter{Scenario: "portscan"}, true},
		{"wrong type", ResourceFilter{Type: "sqs:queue"}, false},
		{"matching tags", ResourceFilter{Tags: map[string]string{"env": "test"}}, true},
		{"wrong tags", ResourceFilter{Tags: map[string]string{"env": "prod"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resource.Matches(tt.filter); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOwnershipTags(t *testing.T) {
	tags := OwnershipTags("run-9", "drift", map[string]string{"team": "sec", TagRun: "spoofed"})

	if tags[TagRun] != "run-9" {
		t.Errorf("run tag = %q, reserved keys must not be overridden", tags[TagRun])
	}
	if tags[TagScenario] != "drift" {
		t.Errorf("scenario tag = %q", tags[TagScenario])
	}
	if tags["team"] != "sec" {
		t.Errorf("extra tag lost")
	}
	if !IsManaged(tags) {
		t.Error("ownership tags should mark resource managed")
	}
	if RunOf(tags) != "run-9" || ScenarioOf(tags) != "drift" {
		t.Error("tag extraction mismatch")
	}
}

func TestCleanupReportResolve(t *testing.T) {
	tests := []struct {
		name     string
		attempts []DeletionAttempt
		want     CleanupStatus
	}{
		{
			"all deleted",
			[]DeletionAttempt{{Status: AttemptDeleted}, {Status: AttemptDeleted}},
			CleanupVerified,
		},
		{
			"some failed",
			[]DeletionAttempt{{Status: AttemptDeleted}, {Status: AttemptFailed}},
			CleanupPartialFailure,
		},
		{
			"none deleted",
			[]DeletionAttempt{{Status: AttemptFailed}},
			CleanupForceComplete,
		},
		{
			"empty",
			nil,
			CleanupVerified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := CleanupReport{Attempts: tt.attempts}
			report.Resolve()
			if report.Status != tt.want {
				t.Errorf("Resolve() status = %s, want %s", report.Status, tt.want)
			}
		})
	}
}
