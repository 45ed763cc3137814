// Package identity manages ephemeral per-scenario credentials. Names
// are derived deterministically from the scenario, so creation is
// detectable as a re-run and teardown needs nothing but the scenario
// name to find everything it must remove.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scorchlab/scorch/config"
	"github.com/scorchlab/scorch/providers"
	"github.com/scorchlab/scorch/types"
)

// Manager provisions and tears down scenario identities.
type Manager struct {
	directory providers.IdentityDirectory
	secrets   providers.SecretStore
	cfg       config.Identity
	logger    zerolog.Logger

	// sleep is swapped in tests to skip the propagation wait.
	sleep func(context.Context, time.Duration) error
}

// New creates an identity manager.
func New(directory providers.IdentityDirectory, secrets providers.SecretStore, cfg config.Identity, logger zerolog.Logger) *Manager {
	return &Manager{
		directory: directory,
		secrets:   secrets,
		cfg:       cfg,
		logger:    logger.With().Str("component", "identity").Logger(),
		sleep:     sleepCtx,
	}
}

// Create provisions the full credential chain for a scenario: the
// application registration, its principal, a fresh credential, role
// grants, and the secret-store entry the agent reads at startup. It
// then waits out the directory's propagation delay so the credential
// is usable when the agent boots.
func (m *Manager) Create(ctx context.Context, scenario string, roles []string) (*types.Identity, error) {
	name := types.IdentityName(scenario)

	appID, err := m.directory.CreateApplication(ctx, name, map[string]string{
		types.TagManaged:  "true",
		types.TagScenario: scenario,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application %s: %w", name, err)
	}

	principalID, err := m.directory.CreatePrincipal(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create principal %s: %w", name, err)
	}

	clientID, secret, err := m.directory.IssueCredential(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to issue credential for %s: %w", name, err)
	}

	for _, role := range roles {
		if err := m.directory.GrantRole(ctx, name, role); err != nil {
			return nil, fmt.Errorf("failed to grant role %s to %s: %w", role, name, err)
		}
	}

	secretRef := types.SecretName(scenario)
	payload, err := json.Marshal(map[string]string{
		"client_id":     clientID,
		"client_secret": secret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := m.secrets.Set(ctx, secretRef, string(payload)); err != nil {
		return nil, fmt.Errorf("failed to store credential %s: %w", secretRef, err)
	}

	if m.cfg.PropagationWait > 0 {
		m.logger.Debug().
			Str("identity", name).
			Dur("wait", m.cfg.PropagationWait).
			Msg("waiting for credential propagation")
		if err := m.sleep(ctx, m.cfg.PropagationWait); err != nil {
			return nil, err
		}
	}

	m.logger.Info().
		Str("identity", name).
		Str("app_id", appID).
		Msg("identity provisioned")

	return &types.Identity{
		Name:        name,
		ClientID:    clientID,
		PrincipalID: principalID,
		SecretRef:   secretRef,
		Roles:       roles,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Delete removes a scenario's identity and its stored credential.
// Everything is looked up by derived name; nothing persisted is
// required. Missing pieces are fine, the goal is absence.
func (m *Manager) Delete(ctx context.Context, scenario string) error {
	name := types.IdentityName(scenario)
	secretRef := types.SecretName(scenario)

	var firstErr error

	if err := m.secrets.Delete(ctx, secretRef); err != nil && !providers.IsNotFound(err) {
		m.logger.Warn().Err(err).Str("secret", secretRef).Msg("secret deletion failed")
		firstErr = fmt.Errorf("failed to delete secret %s: %w", secretRef, err)
	}

	if _, err := m.directory.FindByName(ctx, name); err != nil {
		if providers.IsNotFound(err) {
			// Never created, or already gone. Either way done.
			return firstErr
		}
		m.logger.Warn().Err(err).Str("identity", name).Msg("identity lookup failed")
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to look up identity %s: %w", name, err)
		}
		return firstErr
	}

	if err := m.directory.Delete(ctx, name); err != nil && !providers.IsNotFound(err) {
		m.logger.Warn().Err(err).Str("identity", name).Msg("identity deletion failed")
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to delete identity %s: %w", name, err)
		}
	}

	return firstErr
}

// DeleteAll tears down identities for a list of scenarios, counting
// how many were removed. Failures are logged and collected rather than
// aborting the teardown of the remaining scenarios.
func (m *Manager) DeleteAll(ctx context.Context, scenarios []string) (deleted int, firstErr error) {
	for _, scenario := range scenarios {
		if err := m.Delete(ctx, scenario); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}
	return deleted, firstErr
}

// VerifyDeleted confirms a scenario's identity no longer exists.
func (m *Manager) VerifyDeleted(ctx context.Context, scenario string) (bool, error) {
	name := types.IdentityName(scenario)
	_, err := m.directory.FindByName(ctx, name)
	if err == nil {
		return false, nil
	}
	if providers.IsNotFound(err) {
		return true, nil
	}
	return false, fmt.Errorf("failed to verify identity %s: %w", name, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
