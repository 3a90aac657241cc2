package datastore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruteri/oidfed-trust-anchor/interfaces"
)

type keyRow struct {
	KID           string `db:"kid"`
	Algorithm     string `db:"algorithm"`
	PrivateKeyPEM []byte `db:"private_key_pem"`
	PublicKeyPEM  []byte `db:"public_key_pem"`
	IsActive      bool   `db:"is_active"`
	CreatedAt     int64  `db:"created_at"`
}

func newKeyRow(k *interfaces.SigningKey) keyRow {
	return keyRow{
		KID:           k.KID,
		Algorithm:     k.Algorithm,
		PrivateKeyPEM: k.PrivateKeyPEM,
		PublicKeyPEM:  k.PublicKeyPEM,
		IsActive:      k.Active,
		CreatedAt:     k.CreatedAt.Unix(),
	}
}

func (r keyRow) toKey() *interfaces.SigningKey {
	return &interfaces.SigningKey{
		KID:           r.KID,
		Algorithm:     r.Algorithm,
		PrivateKeyPEM: r.PrivateKeyPEM,
		PublicKeyPEM:  r.PublicKeyPEM,
		Active:        r.IsActive,
		CreatedAt:     time.Unix(r.CreatedAt, 0).UTC(),
	}
}

type entityRow struct {
	EntityID     string `db:"entity_id"`
	EntityType   string `db:"entity_type"`
	Metadata     string `db:"metadata"`
	JWKS         string `db:"jwks"`
	Status       string `db:"status"`
	RegisteredAt int64  `db:"registered_at"`
}

func newEntityRow(e *interfaces.Entity) (entityRow, error) {
	metadata, err := marshalDocument(e.Metadata)
	if err != nil {
		return entityRow{}, fmt.Errorf("encoding metadata: %w", err)
	}
	jwks, err := marshalDocument(e.JWKS)
	if err != nil {
		return entityRow{}, fmt.Errorf("encoding jwks: %w", err)
	}
	status := e.Status
	if status == "" {
		status = interfaces.EntityStatusActive
	}
	return entityRow{
		EntityID:     e.EntityID,
		EntityType:   string(e.EntityType),
		Metadata:     metadata,
		JWKS:         jwks,
		Status:       string(status),
		RegisteredAt: e.RegisteredAt.Unix(),
	}, nil
}

func (r entityRow) toEntity() (*interfaces.Entity, error) {
	e := &interfaces.Entity{
		EntityID:     r.EntityID,
		EntityType:   interfaces.EntityType(r.EntityType),
		Status:       interfaces.EntityStatus(r.Status),
		RegisteredAt: time.Unix(r.RegisteredAt, 0).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata of %s: %w", r.EntityID, err)
	}
	if err := json.Unmarshal([]byte(r.JWKS), &e.JWKS); err != nil {
		return nil, fmt.Errorf("decoding jwks of %s: %w", r.EntityID, err)
	}
	return e, nil
}

type statementRow struct {
	ID        string `db:"id"`
	Subject   string `db:"subject"`
	Issuer    string `db:"issuer"`
	Token     string `db:"token"`
	IssuedAt  int64  `db:"issued_at"`
	ExpiresAt int64  `db:"expires_at"`
}

func newStatementRow(s *interfaces.EntityStatement) statementRow {
	return statementRow{
		ID:        s.ID,
		Subject:   s.Subject,
		Issuer:    s.Issuer,
		Token:     s.Token,
		IssuedAt:  s.IssuedAt.Unix(),
		ExpiresAt: s.ExpiresAt.Unix(),
	}
}

func (r statementRow) toStatement() *interfaces.EntityStatement {
	return &interfaces.EntityStatement{
		ID:        r.ID,
		Subject:   r.Subject,
		Issuer:    r.Issuer,
		Token:     r.Token,
		IssuedAt:  time.Unix(r.IssuedAt, 0).UTC(),
		ExpiresAt: time.Unix(r.ExpiresAt, 0).UTC(),
	}
}

type ruleRow struct {
	ID           int64  `db:"id"`
	Name         string `db:"rule_name"`
	Scope        string `db:"entity_type"`
	FieldPath    string `db:"field_path"`
	Kind         string `db:"validation_type"`
	Parameter    string `db:"validation_value"`
	ErrorMessage string `db:"error_message"`
	IsActive     bool   `db:"is_active"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func newRuleRow(r *interfaces.ValidationRule) ruleRow {
	return ruleRow{
		ID:           r.ID,
		Name:         r.Name,
		Scope:        string(r.Scope),
		FieldPath:    r.FieldPath,
		Kind:         string(r.Kind),
		Parameter:    r.Parameter,
		ErrorMessage: r.ErrorMessage,
		IsActive:     r.Active,
		CreatedAt:    r.CreatedAt.Unix(),
		UpdatedAt:    r.UpdatedAt.Unix(),
	}
}

func (r ruleRow) toRule() *interfaces.ValidationRule {
	return &interfaces.ValidationRule{
		ID:           r.ID,
		Name:         r.Name,
		Scope:        interfaces.RuleScope(r.Scope),
		FieldPath:    r.FieldPath,
		Kind:         interfaces.RuleKind(r.Kind),
		Parameter:    r.Parameter,
		ErrorMessage: r.ErrorMessage,
		Active:       r.IsActive,
		CreatedAt:    time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:    time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

// marshalDocument encodes a nested document, storing nil as an empty object.
func marshalDocument(doc map[string]any) (string, error) {
	if doc == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
