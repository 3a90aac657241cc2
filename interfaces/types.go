package interfaces

import (
	"fmt"
	"strings"
	"time"
)

// EntityType is the role of a federation member.
type EntityType string

const (
	EntityTypeOP EntityType = "OP"
	EntityTypeRP EntityType = "RP"
)

// ParseEntityType accepts "OP" or "RP" case-insensitively.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(strings.ToUpper(strings.TrimSpace(s))) {
	case EntityTypeOP:
		return EntityTypeOP, nil
	case EntityTypeRP:
		return EntityTypeRP, nil
	}
	return "", fmt.Errorf("%w: entity_type must be OP or RP, got %q", ErrInvalidInput, s)
}

// MetadataKey is the metadata section the entity type publishes under.
func (t EntityType) MetadataKey() string {
	if t == EntityTypeOP {
		return "openid_provider"
	}
	return "openid_relying_party"
}

// RuleScope is the set of entity types a validation rule applies to.
type RuleScope string

const (
	RuleScopeOP   RuleScope = "OP"
	RuleScopeRP   RuleScope = "RP"
	RuleScopeBoth RuleScope = "BOTH"
)

func ParseRuleScope(s string) (RuleScope, error) {
	switch RuleScope(strings.ToUpper(strings.TrimSpace(s))) {
	case RuleScopeOP:
		return RuleScopeOP, nil
	case RuleScopeRP:
		return RuleScopeRP, nil
	case RuleScopeBoth:
		return RuleScopeBoth, nil
	}
	return "", fmt.Errorf("%w: entity_type must be OP, RP or BOTH, got %q", ErrInvalidInput, s)
}

// Covers reports whether rules of scope s are listed under filter. BOTH rules
// are covered by every filter.
func (s RuleScope) Covers(filter RuleScope) bool {
	return s == filter || s == RuleScopeBoth
}

// AppliesTo reports whether a rule of scope s is evaluated for entity type t.
func (s RuleScope) AppliesTo(t EntityType) bool {
	return s.Covers(RuleScope(t))
}

type EntityStatus string

const (
	EntityStatusActive  EntityStatus = "active"
	EntityStatusRevoked EntityStatus = "revoked"
)

// Entity is a registered federation member. EntityID is the primary key and is
// never modified after registration.
type Entity struct {
	EntityID     string         `json:"entity_id"`
	EntityType   EntityType     `json:"entity_type"`
	Metadata     map[string]any `json:"metadata"`
	JWKS         map[string]any `json:"jwks"`
	Status       EntityStatus   `json:"status"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// SigningKey is a persisted federation signing key. PrivateKeyPEM holds either a
// PKCS#8 PEM block or a sealed block produced by cryptoutils.SealPrivateKey.
type SigningKey struct {
	KID           string
	Algorithm     string
	PrivateKeyPEM []byte
	PublicKeyPEM  []byte
	Active        bool
	CreatedAt     time.Time
}

// EntityStatement is an issued subordinate statement. Rows are immutable; an
// expired statement is superseded by a new row.
type EntityStatement struct {
	ID        string
	Subject   string
	Issuer    string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Current reports whether the statement is still within its validity window.
func (s *EntityStatement) Current(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// RuleKind selects how a validation rule interprets its parameter.
type RuleKind string

const (
	RuleKindRequired   RuleKind = "required"
	RuleKindExists     RuleKind = "exists"
	RuleKindExactValue RuleKind = "exact_value"
	RuleKindRegex      RuleKind = "regex"
	RuleKindRange      RuleKind = "range"
)

func ParseRuleKind(s string) (RuleKind, error) {
	switch k := RuleKind(strings.TrimSpace(s)); k {
	case RuleKindRequired, RuleKindExists, RuleKindExactValue, RuleKindRegex, RuleKindRange:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown validation_type %q", ErrInvalidInput, s)
}

// ValidationRule is the persisted form of an admission rule. Parameter is the
// kind-specific opaque text; the validation package decodes it when rules are loaded.
type ValidationRule struct {
	ID           int64     `json:"id"`
	Name         string    `json:"rule_name"`
	Scope        RuleScope `json:"entity_type"`
	FieldPath    string    `json:"field_path"`
	Kind         RuleKind  `json:"validation_type"`
	Parameter    string    `json:"validation_value"`
	ErrorMessage string    `json:"error_message"`
	Active       bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
