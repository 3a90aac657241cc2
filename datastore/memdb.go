package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"go.uber.org/atomic"
)

const (
	tableKeys       = "signing_keys"
	tableEntities   = "entities"
	tableStatements = "entity_statements"
	tableRules      = "validation_rules"
)

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableKeys: {
			Name: tableKeys,
			Indexes: map[string]*memdb.IndexSchema{
				"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "KID"}},
				"active": {Name: "active", Indexer: &memdb.BoolFieldIndex{Field: "Active"}},
			},
		},
		tableEntities: {
			Name: tableEntities,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "EntityID"}},
			},
		},
		tableStatements: {
			Name: tableStatements,
			Indexes: map[string]*memdb.IndexSchema{
				"id":      {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"subject": {Name: "subject", Indexer: &memdb.StringFieldIndex{Field: "Subject"}},
			},
		},
		tableRules: {
			Name: tableRules,
			Indexes: map[string]*memdb.IndexSchema{
				"id":   {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}},
				"name": {Name: "name", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Name"}},
			},
		},
	},
}

// MemoryStore is an interfaces.Store held in process memory. Records are copied
// on the way in and out so callers never share state with the store.
type MemoryStore struct {
	db     *memdb.MemDB
	ruleID atomic.Int64
	log    *slog.Logger
}

func NewMemoryStore(log *slog.Logger) (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, fmt.Errorf("creating memdb: %w", err)
	}
	return &MemoryStore{db: db, log: log}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) InsertKey(_ context.Context, key *interfaces.SigningKey) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableKeys, "id", key.KID)
	if err != nil {
		return storeError("inserting key", err)
	}
	if existing != nil {
		return interfaces.ErrKeyExists
	}

	stored := *key
	if err := txn.Insert(tableKeys, &stored); err != nil {
		return storeError("inserting key", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) ActivateKey(_ context.Context, kid string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	target, err := txn.First(tableKeys, "id", kid)
	if err != nil {
		return storeError("activating key", err)
	}
	if target == nil {
		return interfaces.ErrKeyNotFound
	}

	it, err := txn.Get(tableKeys, "id")
	if err != nil {
		return storeError("activating key", err)
	}
	var updated []*interfaces.SigningKey
	for obj := it.Next(); obj != nil; obj = it.Next() {
		k := *obj.(*interfaces.SigningKey)
		if k.Active != (k.KID == kid) {
			k.Active = k.KID == kid
			updated = append(updated, &k)
		}
	}
	for _, k := range updated {
		if err := txn.Insert(tableKeys, k); err != nil {
			return storeError("activating key", err)
		}
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) ActiveKeys(_ context.Context) ([]*interfaces.SigningKey, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableKeys, "active", true)
	if err != nil {
		return nil, storeError("listing active keys", err)
	}

	var keys []*interfaces.SigningKey
	for obj := it.Next(); obj != nil; obj = it.Next() {
		k := *obj.(*interfaces.SigningKey)
		keys = append(keys, &k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *MemoryStore) KeyByID(_ context.Context, kid string) (*interfaces.SigningKey, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableKeys, "id", kid)
	if err != nil {
		return nil, storeError("reading key", err)
	}
	if obj == nil {
		return nil, interfaces.ErrKeyNotFound
	}
	k := *obj.(*interfaces.SigningKey)
	return &k, nil
}

func (s *MemoryStore) InsertEntity(_ context.Context, entity *interfaces.Entity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableEntities, "id", entity.EntityID)
	if err != nil {
		return storeError("inserting entity", err)
	}
	if existing != nil {
		return interfaces.ErrEntityExists
	}

	stored := *entity
	if stored.Status == "" {
		stored.Status = interfaces.EntityStatusActive
	}
	if err := txn.Insert(tableEntities, &stored); err != nil {
		return storeError("inserting entity", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Entity(_ context.Context, entityID string) (*interfaces.Entity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableEntities, "id", entityID)
	if err != nil {
		return nil, storeError("reading entity", err)
	}
	if obj == nil {
		return nil, interfaces.ErrEntityNotFound
	}
	e := *obj.(*interfaces.Entity)
	return &e, nil
}

func (s *MemoryStore) ListEntities(_ context.Context, filter interfaces.EntityFilter) ([]*interfaces.Entity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEntities, "id")
	if err != nil {
		return nil, storeError("listing entities", err)
	}

	entities := []*interfaces.Entity{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := *obj.(*interfaces.Entity)
		if filter.Type != "" && e.EntityType != filter.Type {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		entities = append(entities, &e)
	}
	sort.SliceStable(entities, func(i, j int) bool {
		if !entities[i].RegisteredAt.Equal(entities[j].RegisteredAt) {
			return entities[i].RegisteredAt.Before(entities[j].RegisteredAt)
		}
		return entities[i].EntityID < entities[j].EntityID
	})
	return entities, nil
}

func (s *MemoryStore) SetEntityStatus(_ context.Context, entityID string, status interfaces.EntityStatus) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableEntities, "id", entityID)
	if err != nil {
		return storeError("updating entity status", err)
	}
	if obj == nil {
		return interfaces.ErrEntityNotFound
	}

	e := *obj.(*interfaces.Entity)
	e.Status = status
	if err := txn.Insert(tableEntities, &e); err != nil {
		return storeError("updating entity status", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) InsertStatement(_ context.Context, statement *interfaces.EntityStatement) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	subject, err := txn.First(tableEntities, "id", statement.Subject)
	if err != nil {
		return storeError("inserting statement", err)
	}
	if subject == nil {
		return fmt.Errorf("statement subject %s: %w", statement.Subject, interfaces.ErrEntityNotFound)
	}

	stored := *statement
	if err := txn.Insert(tableStatements, &stored); err != nil {
		return storeError("inserting statement", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) CurrentStatement(_ context.Context, subject string, now time.Time) (*interfaces.EntityStatement, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableStatements, "subject", subject)
	if err != nil {
		return nil, storeError("reading current statement", err)
	}

	var current *interfaces.EntityStatement
	for obj := it.Next(); obj != nil; obj = it.Next() {
		st := obj.(*interfaces.EntityStatement)
		if !st.Current(now) {
			continue
		}
		if current == nil || st.IssuedAt.After(current.IssuedAt) {
			current = st
		}
	}
	if current == nil {
		return nil, interfaces.ErrStatementNotFound
	}
	st := *current
	return &st, nil
}

func (s *MemoryStore) InsertRule(_ context.Context, rule *interfaces.ValidationRule) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableRules, "name", rule.Name)
	if err != nil {
		return storeError("inserting rule", err)
	}
	if existing != nil {
		return interfaces.ErrRuleExists
	}

	stored := *rule
	stored.ID = s.ruleID.Inc()
	if err := txn.Insert(tableRules, &stored); err != nil {
		return storeError("inserting rule", err)
	}
	txn.Commit()

	rule.ID = stored.ID
	return nil
}

func (s *MemoryStore) Rule(_ context.Context, id int64) (*interfaces.ValidationRule, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableRules, "id", id)
	if err != nil {
		return nil, storeError("reading rule", err)
	}
	if obj == nil {
		return nil, interfaces.ErrRuleNotFound
	}
	r := *obj.(*interfaces.ValidationRule)
	return &r, nil
}

func (s *MemoryStore) Rules(_ context.Context, filter interfaces.RuleFilter) ([]*interfaces.ValidationRule, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableRules, "id")
	if err != nil {
		return nil, storeError("listing rules", err)
	}

	rules := []*interfaces.ValidationRule{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := *obj.(*interfaces.ValidationRule)
		if filter.Scope != "" && !r.Scope.Covers(filter.Scope) {
			continue
		}
		if filter.ActiveOnly && !r.Active {
			continue
		}
		rules = append(rules, &r)
	}
	// memdb integer keys are varint encoded and do not iterate in numeric order.
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (s *MemoryStore) UpdateRule(_ context.Context, rule *interfaces.ValidationRule) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableRules, "id", rule.ID)
	if err != nil {
		return storeError("updating rule", err)
	}
	if obj == nil {
		return interfaces.ErrRuleNotFound
	}

	named, err := txn.First(tableRules, "name", rule.Name)
	if err != nil {
		return storeError("updating rule", err)
	}
	if named != nil && named.(*interfaces.ValidationRule).ID != rule.ID {
		return interfaces.ErrRuleExists
	}

	stored := *rule
	stored.CreatedAt = obj.(*interfaces.ValidationRule).CreatedAt
	if err := txn.Insert(tableRules, &stored); err != nil {
		return storeError("updating rule", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, id int64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableRules, "id", id)
	if err != nil {
		return storeError("deleting rule", err)
	}
	if obj == nil {
		return interfaces.ErrRuleNotFound
	}
	if err := txn.Delete(tableRules, obj); err != nil {
		return storeError("deleting rule", err)
	}
	txn.Commit()
	return nil
}
