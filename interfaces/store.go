package interfaces

import (
	"context"
	"time"
)

// KeyStorage persists federation signing keys. Kids are unique; keys are never deleted.
type KeyStorage interface {
	// InsertKey stores a new key. Returns ErrKeyExists if the kid is taken.
	InsertKey(ctx context.Context, key *SigningKey) error

	// ActivateKey marks kid active and every other key inactive in one write.
	ActivateKey(ctx context.Context, kid string) error

	// ActiveKeys returns the active keys, newest first.
	ActiveKeys(ctx context.Context) ([]*SigningKey, error)

	// KeyByID returns any key, active or retired. Returns ErrKeyNotFound if absent.
	KeyByID(ctx context.Context, kid string) (*SigningKey, error)
}

// EntityFilter narrows ListEntities. Zero values match everything.
type EntityFilter struct {
	Type   EntityType
	Status EntityStatus
}

// EntityStore persists registered entities.
type EntityStore interface {
	// InsertEntity stores a new entity or fails with ErrEntityExists. It never overwrites.
	InsertEntity(ctx context.Context, entity *Entity) error

	// Entity returns the entity regardless of status, or ErrEntityNotFound.
	Entity(ctx context.Context, entityID string) (*Entity, error)

	// ListEntities returns matching entities ordered by registration time.
	ListEntities(ctx context.Context, filter EntityFilter) ([]*Entity, error)

	// SetEntityStatus updates the status of one entity, or returns ErrEntityNotFound.
	SetEntityStatus(ctx context.Context, entityID string, status EntityStatus) error
}

// StatementStore persists issued subordinate statements.
type StatementStore interface {
	InsertStatement(ctx context.Context, statement *EntityStatement) error

	// CurrentStatement returns the most recently issued statement for subject that
	// has not expired at now, or ErrStatementNotFound.
	CurrentStatement(ctx context.Context, subject string, now time.Time) (*EntityStatement, error)
}

// RuleFilter narrows Rules. An empty Scope matches every rule; a non-empty Scope
// matches rules of that scope and BOTH rules.
type RuleFilter struct {
	Scope      RuleScope
	ActiveOnly bool
}

// RuleStore persists validation rules. Rules are returned in creation (id) order.
type RuleStore interface {
	// InsertRule stores a new rule and assigns its id, or fails with ErrRuleExists.
	InsertRule(ctx context.Context, rule *ValidationRule) error

	Rule(ctx context.Context, id int64) (*ValidationRule, error)

	Rules(ctx context.Context, filter RuleFilter) ([]*ValidationRule, error)

	// UpdateRule replaces the stored rule with the same id. Returns ErrRuleNotFound
	// or, when renamed onto an existing name, ErrRuleExists.
	UpdateRule(ctx context.Context, rule *ValidationRule) error

	DeleteRule(ctx context.Context, id int64) error
}

// Store is the complete persistence layer of the trust anchor.
type Store interface {
	KeyStorage
	EntityStore
	StatementStore
	RuleStore

	Close() error
}
