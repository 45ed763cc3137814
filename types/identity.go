package types

import (
	"strings"
	"time"
)

// Identity is an ephemeral credential scoped to one scenario.
type Identity struct {
	Name        string    `json:"name"`
	ClientID    string    `json:"client_id"`
	PrincipalID string    `json:"principal_id"`
	SecretRef   string    `json:"secret_ref"`
	Roles       []string  `json:"roles,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IdentityName derives the identity name for a scenario. The name is a
// pure function of the scenario name so re-creation is detectable and
// deletion needs no persisted mapping.
func IdentityName(scenario string) string {
	return "scorch-agent-" + sanitizeName(scenario)
}

// SecretName derives the secret-store entry name for a scenario's credential.
func SecretName(scenario string) string {
	return "scorch/credentials/" + sanitizeName(scenario)
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
