// Package federation serves the trust anchor's federation endpoints: entity
// registration, subordinate statement fetch, entity listing and lookup, the
// federation's own entity configuration, and the admin actions on keys and
// entities.
package federation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/oidfed-trust-anchor/api"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/kms"
	"github.com/ruteri/oidfed-trust-anchor/registry"
	"github.com/ruteri/oidfed-trust-anchor/statement"
)

// Registry is the subset of registry.Service the handler needs.
type Registry interface {
	RegisterEntity(ctx context.Context, entityID string, entityType interfaces.EntityType) (*registry.Registration, error)
	GetEntity(ctx context.Context, entityID string) (*interfaces.Entity, error)
	ListEntities(ctx context.Context, entityType interfaces.EntityType) ([]string, error)
	FetchStatement(ctx context.Context, subject string) (*interfaces.EntityStatement, error)
	FederationConfiguration(ctx context.Context) (*statement.Signed, error)
	RevokeEntity(ctx context.Context, entityID string) error
	RotateKeys(ctx context.Context) (*kms.Key, error)
}

type Handler struct {
	registry Registry
	log      *slog.Logger
}

func NewHandler(registry Registry, log *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get(statement.WellKnownPath, h.HandleFederationConfiguration)
	r.Post("/register", h.HandleRegister)
	r.Get("/fetch", h.HandleFetch)
	r.Get("/list", h.HandleList)
	r.Get("/entity/*", h.HandleEntity)
	r.Get("/health", h.HandleHealth)
}

func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/admin/keys/rotate", h.HandleRotateKeys)
	r.Post("/admin/entities/{entity_id}/revoke", h.HandleRevoke)
}

func (h *Handler) HandleFederationConfiguration(w http.ResponseWriter, r *http.Request) {
	signed, err := h.registry.FederationConfiguration(r.Context())
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	writeStatement(w, signed.Token)
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if strings.TrimSpace(req.EntityID) == "" || strings.TrimSpace(req.EntityType) == "" {
		api.WriteError(w, h.log, fmt.Errorf("%w: missing required fields entity_id and entity_type", interfaces.ErrInvalidInput))
		return
	}

	reg, err := h.registry.RegisterEntity(r.Context(), req.EntityID, interfaces.EntityType(req.EntityType))
	if err != nil {
		h.log.Info("registration refused", "entityID", req.EntityID, "err", err)
		api.WriteError(w, h.log, err)
		return
	}

	api.WriteJSON(w, http.StatusCreated, api.RegisterResponse{
		Status:        "registered",
		EntityID:      reg.Entity.EntityID,
		FetchEndpoint: reg.FetchEndpoint,
	})
}

func (h *Handler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	sub := r.URL.Query().Get("sub")
	if sub == "" {
		api.WriteError(w, h.log, fmt.Errorf("%w: missing sub parameter", interfaces.ErrInvalidInput))
		return
	}
	// Subjects are frequently escaped twice by clients building fetch URLs.
	if decoded, err := url.PathUnescape(sub); err == nil {
		sub = decoded
	}

	stmt, err := h.registry.FetchStatement(r.Context(), sub)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	writeStatement(w, stmt.Token)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	var entityType interfaces.EntityType
	if raw := r.URL.Query().Get("entity_type"); raw != "" {
		parsed, err := interfaces.ParseEntityType(raw)
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		entityType = parsed
	}

	ids, err := h.registry.ListEntities(r.Context(), entityType)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ListResponse{Entities: ids})
}

func (h *Handler) HandleEntity(w http.ResponseWriter, r *http.Request) {
	entityID, err := entityIDFromPath(chi.URLParam(r, "*"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	entity, err := h.registry.GetEntity(r.Context(), entityID)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, entity)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "healthy"})
}

func (h *Handler) HandleRotateKeys(w http.ResponseWriter, r *http.Request) {
	key, err := h.registry.RotateKeys(r.Context())
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.RotateResponse{Status: "rotated", KID: key.KID})
}

func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	entityID, err := entityIDFromPath(chi.URLParam(r, "entity_id"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	if err := h.registry.RevokeEntity(r.Context(), entityID); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "revoked", EntityID: entityID})
}

// entityIDFromPath decodes an entity identifier taken from the URL path. Path
// routing strips the scheme's double slash, so identifiers without an http(s)
// scheme are assumed to be https.
func entityIDFromPath(raw string) (string, error) {
	entityID, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed entity id: %v", interfaces.ErrInvalidInput, err)
	}
	if entityID == "" {
		return "", fmt.Errorf("%w: missing entity id", interfaces.ErrInvalidInput)
	}
	if !strings.HasPrefix(entityID, "http") {
		entityID = "https://" + entityID
	}
	return entityID, nil
}

func writeStatement(w http.ResponseWriter, token string) {
	w.Header().Set("Content-Type", statement.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(token))
}
