// Package ruleshandler exposes validation rule management over HTTP. Listing is
// public; creating, updating and deleting rules are admin routes.
package ruleshandler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/oidfed-trust-anchor/api"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/validation"
)

// RuleManager is implemented by validation.Engine.
type RuleManager interface {
	CreateRule(ctx context.Context, spec validation.RuleSpec) (*interfaces.ValidationRule, error)
	UpdateRule(ctx context.Context, id int64, update validation.RuleUpdate) (*interfaces.ValidationRule, error)
	DeleteRule(ctx context.Context, id int64) error
	Rules(ctx context.Context, filter interfaces.RuleFilter) ([]*interfaces.ValidationRule, error)
}

type Handler struct {
	rules RuleManager
	log   *slog.Logger
}

func NewHandler(rules RuleManager, log *slog.Logger) *Handler {
	return &Handler{
		rules: rules,
		log:   log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/validation-rules", h.HandleList)
}

func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/validation-rules", h.HandleCreate)
	r.Put("/validation-rules/{id}", h.HandleUpdate)
	r.Delete("/validation-rules/{id}", h.HandleDelete)
}

// HandleList serves GET /validation-rules. entity_type narrows the listing to
// rules evaluated for that scope; active_only defaults to true.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := interfaces.RuleFilter{ActiveOnly: true}

	query := r.URL.Query()
	if raw := query.Get("entity_type"); raw != "" {
		scope, err := interfaces.ParseRuleScope(raw)
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		filter.Scope = scope
	}
	if raw := query.Get("active_only"); raw != "" {
		activeOnly, err := strconv.ParseBool(raw)
		if err != nil {
			api.WriteError(w, h.log, fmt.Errorf("%w: active_only must be true or false", interfaces.ErrInvalidInput))
			return
		}
		filter.ActiveOnly = activeOnly
	}

	rules, err := h.rules.Rules(r.Context(), filter)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if rules == nil {
		rules = []*interfaces.ValidationRule{}
	}
	api.WriteJSON(w, http.StatusOK, api.RulesResponse{Rules: rules})
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var spec validation.RuleSpec
	if err := api.DecodeJSON(r, &spec); err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	rule, err := h.rules.CreateRule(r.Context(), spec)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, api.RuleResponse{Status: "created", Rule: rule})
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	var update validation.RuleUpdate
	if err := api.DecodeJSON(r, &update); err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	rule, err := h.rules.UpdateRule(r.Context(), id, update)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.RuleResponse{Status: "updated", Rule: rule})
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	if err := h.rules.DeleteRule(r.Context(), id); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.RuleResponse{Status: "deleted"})
}

func ruleID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: rule id must be a positive integer", interfaces.ErrInvalidInput)
	}
	return id, nil
}
