package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/kms"
	"github.com/ruteri/oidfed-trust-anchor/metrics"
	"github.com/ruteri/oidfed-trust-anchor/statement"
	"github.com/ruteri/oidfed-trust-anchor/validation"
	"golang.org/x/sync/singleflight"
)

// Store is the subset of interfaces.Store the registry writes to.
type Store interface {
	interfaces.EntityStore
	interfaces.StatementStore
}

// RemoteFetcher downloads remote entity configurations without verifying them.
type RemoteFetcher interface {
	FetchUnverified(ctx context.Context, entityID string) (*statement.RemoteStatement, error)
}

// RuleEvaluator is the admission gate.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, entityType interfaces.EntityType, metadata, jwks map[string]any) (*validation.Result, error)
}

// FederationKeys rotates the federation's signing key.
type FederationKeys interface {
	ActiveKID(ctx context.Context) (string, error)
	Rotate(ctx context.Context) (*kms.Key, error)
}

// Registration is the outcome of a successful admission.
type Registration struct {
	Entity        *interfaces.Entity
	FetchEndpoint string
	// Statement is nil if issuing failed after the entity was stored; it is
	// then issued on the first fetch.
	Statement *interfaces.EntityStatement
}

type Service struct {
	store   Store
	issuer  *statement.Issuer
	keys    FederationKeys
	fetcher RemoteFetcher
	rules   RuleEvaluator
	archive interfaces.StorageBackend

	log      *slog.Logger
	counters *metrics.Counters
	now      func() time.Time

	statements *cache.Cache
	issuing    singleflight.Group
}

func NewService(store Store, issuer *statement.Issuer, keys FederationKeys, fetcher RemoteFetcher, rules RuleEvaluator, log *slog.Logger) *Service {
	return &Service{
		store:      store,
		issuer:     issuer,
		keys:       keys,
		fetcher:    fetcher,
		rules:      rules,
		log:        log,
		now:        time.Now,
		statements: cache.New(statement.Lifetime, 10*time.Minute),
	}
}

// WithArchive enables best-effort archival of admitted configurations and
// issued statements.
func (s *Service) WithArchive(backend interfaces.StorageBackend) *Service {
	s.archive = backend
	return s
}

func (s *Service) WithCounters(c *metrics.Counters) *Service {
	s.counters = c
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) FederationID() string {
	return s.issuer.FederationID()
}

func (s *Service) FetchEndpoint(subject string) string {
	return s.issuer.FetchEndpoint(subject)
}

// RegisterEntity fetches entityID's configuration, evaluates it against the
// validation rules and stores the entity if it is accepted.
//
// Errors: interfaces.ErrInvalidInput, interfaces.ErrEntityExists,
// interfaces.ErrRemoteFetch and *interfaces.ValidationError.
func (s *Service) RegisterEntity(ctx context.Context, entityID string, entityType interfaces.EntityType) (*Registration, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity_id is required", interfaces.ErrInvalidInput)
	}
	entityType, err := interfaces.ParseEntityType(string(entityType))
	if err != nil {
		return nil, err
	}

	// Saves the remote round trip for known entities. The insert below still
	// decides races.
	if _, err := s.store.Entity(ctx, entityID); err == nil {
		s.counters.Registration("conflict")
		return nil, fmt.Errorf("%w: %s", interfaces.ErrEntityExists, entityID)
	} else if !errors.Is(err, interfaces.ErrEntityNotFound) {
		return nil, err
	}

	remote, err := s.fetcher.FetchUnverified(ctx, entityID)
	if err != nil {
		s.counters.Registration("fetch_failed")
		return nil, err
	}
	return s.Admit(ctx, entityID, entityType, remote)
}

// Admit evaluates an already fetched configuration and registers the entity.
func (s *Service) Admit(ctx context.Context, entityID string, entityType interfaces.EntityType, remote *statement.RemoteStatement) (*Registration, error) {
	metadata, jwks := remote.Metadata(), remote.JWKS()

	result, err := s.rules.Evaluate(ctx, entityType, metadata, jwks)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		s.counters.Registration("rejected")
		return nil, err
	}

	entity := &interfaces.Entity{
		EntityID:     entityID,
		EntityType:   entityType,
		Metadata:     metadata,
		JWKS:         jwks,
		Status:       interfaces.EntityStatusActive,
		RegisteredAt: s.now().UTC(),
	}
	if err := s.store.InsertEntity(ctx, entity); err != nil {
		if errors.Is(err, interfaces.ErrEntityExists) {
			s.counters.Registration("conflict")
		}
		return nil, err
	}
	s.archiveContent(ctx, entityID, []byte(remote.Token), interfaces.EntityConfigurationType)

	registration := &Registration{
		Entity:        entity,
		FetchEndpoint: s.issuer.FetchEndpoint(entityID),
	}
	registration.Statement, err = s.issue(ctx, entity)
	if err != nil {
		s.log.Warn("entity registered without statement, will issue on fetch", "entityID", entityID, "err", err)
	}

	s.counters.Registration("registered")
	s.log.Info("entity registered", "entityID", entityID, "entityType", entityType)
	return registration, nil
}

// GetEntity returns an active entity, or interfaces.ErrEntityNotFound.
func (s *Service) GetEntity(ctx context.Context, entityID string) (*interfaces.Entity, error) {
	entity, err := s.store.Entity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if entity.Status != interfaces.EntityStatusActive {
		return nil, fmt.Errorf("%w: %s is %s", interfaces.ErrEntityNotFound, entityID, entity.Status)
	}
	return entity, nil
}

// ListEntities returns the identifiers of active entities in registration
// order. An empty entityType lists every type.
func (s *Service) ListEntities(ctx context.Context, entityType interfaces.EntityType) ([]string, error) {
	entities, err := s.store.ListEntities(ctx, interfaces.EntityFilter{
		Type:   entityType,
		Status: interfaces.EntityStatusActive,
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entities))
	for _, entity := range entities {
		ids = append(ids, entity.EntityID)
	}
	return ids, nil
}

// FetchStatement returns the current subordinate statement about subject,
// issuing and persisting a new one if none is current. A statement is only
// served while its entity is active and its signing key is the active key;
// both are read from the store on every call, so a revocation or rotation by
// another process sharing the store takes effect immediately.
func (s *Service) FetchStatement(ctx context.Context, subject string) (*interfaces.EntityStatement, error) {
	entity, err := s.GetEntity(ctx, subject)
	if err != nil {
		s.statements.Delete(subject)
		return nil, err
	}
	activeKID, err := s.keys.ActiveKID(ctx)
	if err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, err
	}

	if cached, ok := s.statements.Get(subject); ok {
		if stmt := cached.(*interfaces.EntityStatement); s.servable(stmt, activeKID) {
			return stmt, nil
		}
		s.statements.Delete(subject)
	}

	v, err, _ := s.issuing.Do(subject, func() (any, error) {
		stmt, err := s.store.CurrentStatement(ctx, subject, s.now())
		switch {
		case err == nil && s.servable(stmt, activeKID):
			s.cacheStatement(stmt)
			return stmt, nil
		case err == nil, errors.Is(err, interfaces.ErrStatementNotFound):
			return s.issue(ctx, entity)
		default:
			return nil, err
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(*interfaces.EntityStatement), nil
}

func (s *Service) servable(stmt *interfaces.EntityStatement, activeKID string) bool {
	if !stmt.Current(s.now()) {
		return false
	}
	kid, err := statement.KeyID(stmt.Token)
	return err == nil && kid == activeKID
}

// FederationConfiguration signs the federation's own entity configuration
// with the active key, publishing that key in its jwks.
func (s *Service) FederationConfiguration(ctx context.Context) (*statement.Signed, error) {
	return s.issuer.IssueSelfStatement(ctx)
}

// RevokeEntity hides an entity from lookups and stops serving its statements.
// Previously issued statements stay valid until they expire.
func (s *Service) RevokeEntity(ctx context.Context, entityID string) error {
	if _, err := s.GetEntity(ctx, entityID); err != nil {
		return err
	}
	if err := s.store.SetEntityStatus(ctx, entityID, interfaces.EntityStatusRevoked); err != nil {
		return err
	}
	s.statements.Delete(entityID)
	s.log.Info("entity revoked", "entityID", entityID)
	return nil
}

// RotateKeys activates a fresh signing key. Retired keys remain available for
// verifying statements they signed.
func (s *Service) RotateKeys(ctx context.Context) (*kms.Key, error) {
	key, err := s.keys.Rotate(ctx)
	if err != nil {
		return nil, err
	}
	s.log.Info("signing key rotated", "kid", key.KID)
	return key, nil
}

func (s *Service) issue(ctx context.Context, entity *interfaces.Entity) (*interfaces.EntityStatement, error) {
	signed, err := s.issuer.IssueSubordinateStatement(ctx, entity.EntityID, entity.Metadata, entity.JWKS, nil)
	if err != nil {
		return nil, err
	}

	stmt := &interfaces.EntityStatement{
		ID:        uuid.NewString(),
		Subject:   entity.EntityID,
		Issuer:    signed.Payload.Issuer,
		Token:     signed.Token,
		IssuedAt:  signed.Payload.IssuedAtTime(),
		ExpiresAt: signed.Payload.ExpiresAtTime(),
	}
	if err := s.store.InsertStatement(ctx, stmt); err != nil {
		return nil, fmt.Errorf("failed to store statement for %s: %w", entity.EntityID, err)
	}

	s.cacheStatement(stmt)
	s.archiveContent(ctx, entity.EntityID, []byte(stmt.Token), interfaces.SubordinateStatementType)
	return stmt, nil
}

func (s *Service) cacheStatement(stmt *interfaces.EntityStatement) {
	ttl := stmt.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	s.statements.Set(stmt.Subject, stmt, ttl)
}

func (s *Service) archiveContent(ctx context.Context, entityID string, data []byte, contentType interfaces.ContentType) {
	if s.archive == nil || len(data) == 0 {
		return
	}
	id, err := s.archive.Store(ctx, data, contentType)
	if err != nil {
		s.counters.ArchiveFailure()
		s.log.Warn("failed to archive content", "entityID", entityID, "contentType", contentType, "backend", s.archive.Name(), "err", err)
		return
	}
	s.log.Debug("archived content", "entityID", entityID, "contentType", contentType, "contentID", id)
}
