// Package providers defines the vendor-agnostic capability interfaces the
// engine consumes. Cloud SDK specifics stay behind these interfaces; the
// orchestrator and its activities only ever see abstract operations.
package providers

import (
	"context"
	"fmt"
	"time"
)

// ResourceRef identifies one cloud resource surfaced by the inventory.
type ResourceRef struct {
	ID   string            `json:"id"`
	Type string            `json:"type"`
	Name string            `json:"name,omitempty"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Inventory queries cloud resources by tag.
type Inventory interface {
	Query(ctx context.Context, tagFilter map[string]string) ([]ResourceRef, error)
}

// ControlPlane deletes resources by identifier. Implementations must
// return errors classifiable with IsNotFound / IsConflict so the
// deletion engine can converge.
type ControlPlane interface {
	DeleteByID(ctx context.Context, resourceType, resourceID string) error
}

// IdentityDirectory manages ephemeral service identities.
type IdentityDirectory interface {
	CreateApplication(ctx context.Context, name string, tags map[string]string) (appID string, err error)
	CreatePrincipal(ctx context.Context, name string) (principalID string, err error)
	IssueCredential(ctx context.Context, name string) (clientID, secret string, err error)
	GrantRole(ctx context.Context, name, role string) error
	FindByName(ctx context.Context, name string) (principalID string, err error)
	Delete(ctx context.Context, name string) error
}

// SecretStore persists credentials under deterministic names.
type SecretStore interface {
	Set(ctx context.Context, name, value string) error
	// Delete removes a secret; deleting a missing secret returns an
	// error satisfying IsNotFound.
	Delete(ctx context.Context, name string) error
}

// AgentStatus is the compute platform's view of a scenario agent.
type AgentStatus string

const (
	AgentPending AgentStatus = "pending"
	AgentRunning AgentStatus = "running"
	AgentStopped AgentStatus = "stopped"
	AgentFailed  AgentStatus = "failed"
	AgentUnknown AgentStatus = "unknown"
)

// Terminal reports whether the agent will make no further progress.
func (s AgentStatus) Terminal() bool {
	return s == AgentStopped || s == AgentFailed
}

// AgentSpec describes a scenario agent deployment.
type AgentSpec struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	RunID     string            `json:"run_id"`
	Scenario  string            `json:"scenario"`
	SecretRef string            `json:"secret_ref,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// ComputePlatform deploys and tears down scenario agents.
// Deploy is upsert-by-name: deploying a spec whose name already exists
// returns the existing resource id instead of creating a duplicate.
type ComputePlatform interface {
	Deploy(ctx context.Context, spec AgentSpec) (resourceID string, err error)
	GetStatus(ctx context.Context, name string) (AgentStatus, error)
	Delete(ctx context.Context, name string) error
}

// Message is one queued execution request.
type Message struct {
	ID      string
	Body    []byte
	Receipt string
}

// Queue delivers execution requests at-least-once from the admission
// API to the worker.
type Queue interface {
	Send(ctx context.Context, body []byte) error
	// Receive blocks up to the implementation's poll window and returns
	// nil when no message arrived.
	Receive(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, receipt string) error
}

// ReportStore archives final run reports.
type ReportStore interface {
	Put(ctx context.Context, key string, data []byte) (location string, err error)
}

// Clients bundles every capability the orchestrator needs. Injected at
// construction so tests can swap in fakes per capability.
type Clients struct {
	Inventory Inventory
	Control   ControlPlane
	Directory IdentityDirectory
	Secrets   SecretStore
	Compute   ComputePlatform
	Queue     Queue
	Reports   ReportStore
}

// Validate ensures the required capabilities are wired.
func (c *Clients) Validate() error {
	switch {
	case c.Inventory == nil:
		return fmt.Errorf("inventory client is required")
	case c.Control == nil:
		return fmt.Errorf("control-plane client is required")
	case c.Directory == nil:
		return fmt.Errorf("identity directory client is required")
	case c.Secrets == nil:
		return fmt.Errorf("secret store client is required")
	case c.Compute == nil:
		return fmt.Errorf("compute platform client is required")
	}
	return nil
}
