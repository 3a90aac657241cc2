package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
)

// SQLiteStore is the persistent interfaces.Store.
type SQLiteStore struct {
	db  *sqlx.DB
	log *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and migrates it
// to the latest schema.
func NewSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	if path == "" || strings.Contains(path, ":memory:") {
		return nil, fmt.Errorf("%w: sqlite store needs a file path", interfaces.ErrInvalidInput)
	}

	q := make(url.Values)
	q.Set("_foreign_keys", "1")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_txlock", "immediate")

	db, err := sqlx.Connect("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	// sqlite allows a single writer; one connection avoids SQLITE_BUSY on
	// concurrent registrations.
	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Debug("Opened sqlite store", slog.String("path", path))
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertKey(ctx context.Context, key *interfaces.SigningKey) error {
	_, err := s.db.NamedExecContext(ctx, `insert into signing_keys
		(kid, algorithm, private_key_pem, public_key_pem, is_active, created_at)
		values (:kid, :algorithm, :private_key_pem, :public_key_pem, :is_active, :created_at)`,
		newKeyRow(key))
	if isConstraint(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
		return interfaces.ErrKeyExists
	}
	if err != nil {
		return storeError("inserting key", err)
	}
	return nil
}

func (s *SQLiteStore) ActivateKey(ctx context.Context, kid string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeError("activating key (begin)", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, `select count(*) from signing_keys where kid = ?`, kid); err != nil {
		return storeError("activating key (lookup)", err)
	}
	if count == 0 {
		return interfaces.ErrKeyNotFound
	}

	_, err = tx.ExecContext(ctx, `update signing_keys set is_active = case when kid = ? then 1 else 0 end`, kid)
	if err != nil {
		return storeError("activating key (update)", err)
	}

	if err := tx.Commit(); err != nil {
		return storeError("activating key (commit)", err)
	}
	return nil
}

func (s *SQLiteStore) ActiveKeys(ctx context.Context) ([]*interfaces.SigningKey, error) {
	var rows []keyRow
	err := s.db.SelectContext(ctx, &rows, `select * from signing_keys
		where is_active = 1 order by created_at desc, rowid desc`)
	if err != nil {
		return nil, storeError("listing active keys", err)
	}

	keys := make([]*interfaces.SigningKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.toKey())
	}
	return keys, nil
}

func (s *SQLiteStore) KeyByID(ctx context.Context, kid string) (*interfaces.SigningKey, error) {
	var row keyRow
	err := s.db.GetContext(ctx, &row, `select * from signing_keys where kid = ?`, kid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, storeError("reading key", err)
	}
	return row.toKey(), nil
}

func (s *SQLiteStore) InsertEntity(ctx context.Context, entity *interfaces.Entity) error {
	row, err := newEntityRow(entity)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidInput, err)
	}

	_, err = s.db.NamedExecContext(ctx, `insert into entities
		(entity_id, entity_type, metadata, jwks, status, registered_at)
		values (:entity_id, :entity_type, :metadata, :jwks, :status, :registered_at)`, row)
	if isConstraint(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
		return interfaces.ErrEntityExists
	}
	if isConstraint(err, sqlite3.ErrConstraintCheck) {
		return fmt.Errorf("%w: entity_type %q", interfaces.ErrInvalidInput, entity.EntityType)
	}
	if err != nil {
		return storeError("inserting entity", err)
	}
	return nil
}

func (s *SQLiteStore) Entity(ctx context.Context, entityID string) (*interfaces.Entity, error) {
	var row entityRow
	err := s.db.GetContext(ctx, &row, `select * from entities where entity_id = ?`, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrEntityNotFound
	}
	if err != nil {
		return nil, storeError("reading entity", err)
	}
	return row.toEntity()
}

func (s *SQLiteStore) ListEntities(ctx context.Context, filter interfaces.EntityFilter) ([]*interfaces.Entity, error) {
	query := `select * from entities where 1 = 1`
	var args []any
	if filter.Type != "" {
		query += ` and entity_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += ` and status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` order by registered_at, entity_id`

	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeError("listing entities", err)
	}

	entities := make([]*interfaces.Entity, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntity()
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func (s *SQLiteStore) SetEntityStatus(ctx context.Context, entityID string, status interfaces.EntityStatus) error {
	res, err := s.db.ExecContext(ctx, `update entities set status = ? where entity_id = ?`, string(status), entityID)
	if err != nil {
		return storeError("updating entity status", err)
	}
	return requireAffected(res, interfaces.ErrEntityNotFound)
}

func (s *SQLiteStore) InsertStatement(ctx context.Context, statement *interfaces.EntityStatement) error {
	_, err := s.db.NamedExecContext(ctx, `insert into entity_statements
		(id, subject, issuer, token, issued_at, expires_at)
		values (:id, :subject, :issuer, :token, :issued_at, :expires_at)`, newStatementRow(statement))
	if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
		return fmt.Errorf("statement subject %s: %w", statement.Subject, interfaces.ErrEntityNotFound)
	}
	if err != nil {
		return storeError("inserting statement", err)
	}
	return nil
}

func (s *SQLiteStore) CurrentStatement(ctx context.Context, subject string, now time.Time) (*interfaces.EntityStatement, error) {
	var row statementRow
	err := s.db.GetContext(ctx, &row, `select * from entity_statements
		where subject = ? and expires_at > ?
		order by issued_at desc, rowid desc limit 1`, subject, now.Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrStatementNotFound
	}
	if err != nil {
		return nil, storeError("reading current statement", err)
	}
	return row.toStatement(), nil
}

func (s *SQLiteStore) InsertRule(ctx context.Context, rule *interfaces.ValidationRule) error {
	res, err := s.db.NamedExecContext(ctx, `insert into validation_rules
		(rule_name, entity_type, field_path, validation_type, validation_value, error_message, is_active, created_at, updated_at)
		values (:rule_name, :entity_type, :field_path, :validation_type, :validation_value, :error_message, :is_active, :created_at, :updated_at)`,
		newRuleRow(rule))
	if isConstraint(err, sqlite3.ErrConstraintUnique) {
		return interfaces.ErrRuleExists
	}
	if isConstraint(err, sqlite3.ErrConstraintCheck) {
		return fmt.Errorf("%w: entity_type %q", interfaces.ErrInvalidInput, rule.Scope)
	}
	if err != nil {
		return storeError("inserting rule", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return storeError("reading rule id", err)
	}
	rule.ID = id
	return nil
}

func (s *SQLiteStore) Rule(ctx context.Context, id int64) (*interfaces.ValidationRule, error) {
	var row ruleRow
	err := s.db.GetContext(ctx, &row, `select * from validation_rules where id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRuleNotFound
	}
	if err != nil {
		return nil, storeError("reading rule", err)
	}
	return row.toRule(), nil
}

func (s *SQLiteStore) Rules(ctx context.Context, filter interfaces.RuleFilter) ([]*interfaces.ValidationRule, error) {
	query := `select * from validation_rules where 1 = 1`
	var args []any
	if filter.Scope != "" {
		query += ` and (entity_type = ? or entity_type = ?)`
		args = append(args, string(filter.Scope), string(interfaces.RuleScopeBoth))
	}
	if filter.ActiveOnly {
		query += ` and is_active = 1`
	}
	query += ` order by id`

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeError("listing rules", err)
	}

	rules := make([]*interfaces.ValidationRule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, r.toRule())
	}
	return rules, nil
}

func (s *SQLiteStore) UpdateRule(ctx context.Context, rule *interfaces.ValidationRule) error {
	res, err := s.db.NamedExecContext(ctx, `update validation_rules set
		rule_name = :rule_name,
		entity_type = :entity_type,
		field_path = :field_path,
		validation_type = :validation_type,
		validation_value = :validation_value,
		error_message = :error_message,
		is_active = :is_active,
		updated_at = :updated_at
		where id = :id`, newRuleRow(rule))
	if isConstraint(err, sqlite3.ErrConstraintUnique) {
		return interfaces.ErrRuleExists
	}
	if isConstraint(err, sqlite3.ErrConstraintCheck) {
		return fmt.Errorf("%w: entity_type %q", interfaces.ErrInvalidInput, rule.Scope)
	}
	if err != nil {
		return storeError("updating rule", err)
	}
	return requireAffected(res, interfaces.ErrRuleNotFound)
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `delete from validation_rules where id = ?`, id)
	if err != nil {
		return storeError("deleting rule", err)
	}
	return requireAffected(res, interfaces.ErrRuleNotFound)
}

func isConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, code := range codes {
		if sqliteErr.ExtendedCode == code {
			return true
		}
	}
	return false
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("reading affected rows", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", interfaces.ErrStoreUnavailable, op, err)
}
