package statement

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// Lifetime of every issued statement.
	Lifetime = 24 * time.Hour

	TokenType     = "entity-statement+jwt"
	ContentType   = "application/entity-statement+jwt"
	WellKnownPath = "/.well-known/openid-federation"
)

// Payload is the claim set of an entity statement.
type Payload struct {
	Issuer         string           `json:"iss"`
	Subject        string           `json:"sub"`
	IssuedAt       int64            `json:"iat"`
	ExpiresAt      int64            `json:"exp"`
	JWKS           map[string]any   `json:"jwks,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	AuthorityHints []string         `json:"authority_hints,omitempty"`
	TrustMarks     []map[string]any `json:"trust_marks,omitempty"`
}

func (p *Payload) IssuedAtTime() time.Time {
	return time.Unix(p.IssuedAt, 0).UTC()
}

func (p *Payload) ExpiresAtTime() time.Time {
	return time.Unix(p.ExpiresAt, 0).UTC()
}

func decodePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode statement payload: %w", err)
	}
	return &p, nil
}

// FederationEntityMetadata describes the federation endpoints published in the
// self statement.
func FederationEntityMetadata(federationID, organizationName string) map[string]any {
	return map[string]any{
		"federation_entity": map[string]any{
			"organization_name":                     organizationName,
			"federation_fetch_endpoint":             federationID + "/fetch",
			"federation_list_endpoint":              federationID + "/list",
			"federation_resolve_endpoint":           federationID + "/resolve",
			"federation_trust_mark_status_endpoint": federationID + "/trust_mark_status",
		},
	}
}
