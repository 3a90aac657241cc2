package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ruteri/oidfed-trust-anchor/interfaces"
)

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

// RegisterResponse is returned with 201 after a successful registration.
type RegisterResponse struct {
	Status        string `json:"status"`
	EntityID      string `json:"entity_id"`
	FetchEndpoint string `json:"fetch_endpoint"`
}

// ListResponse is the body of GET /list.
type ListResponse struct {
	Entities []string `json:"entities"`
}

// RulesResponse is the body of GET /validation-rules.
type RulesResponse struct {
	Rules []*interfaces.ValidationRule `json:"rules"`
}

// RuleResponse is returned after a rule is created or updated.
type RuleResponse struct {
	Status string                     `json:"status"`
	Rule   *interfaces.ValidationRule `json:"rule,omitempty"`
}

// RotateResponse is returned by POST /admin/keys/rotate.
type RotateResponse struct {
	Status string `json:"status"`
	KID    string `json:"kid"`
}

// StatusResponse is a bare status body ("healthy", "revoked", "deleted").
type StatusResponse struct {
	Status   string `json:"status"`
	EntityID string `json:"entity_id,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error            string   `json:"error"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
}

// StatusFor maps a service error onto the HTTP status code and the message
// returned to the caller.
func StatusFor(err error) (int, string) {
	var verr *interfaces.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "Entity validation failed"
	case errors.Is(err, interfaces.ErrRemoteFetch):
		return http.StatusBadRequest, "Could not fetch entity statement"
	case errors.Is(err, interfaces.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, interfaces.ErrEntityExists):
		return http.StatusConflict, "Entity already registered"
	case errors.Is(err, interfaces.ErrRuleExists):
		return http.StatusConflict, "Validation rule already exists"
	case errors.Is(err, interfaces.ErrEntityNotFound):
		return http.StatusNotFound, "Entity not found"
	case errors.Is(err, interfaces.ErrRuleNotFound):
		return http.StatusNotFound, "Validation rule not found"
	case errors.Is(err, interfaces.ErrStatementNotFound):
		return http.StatusNotFound, "Entity statement not found"
	case errors.Is(err, interfaces.ErrVerification):
		return http.StatusUnauthorized, "Statement verification failed"
	}
	return http.StatusInternalServerError, "Internal server error"
}

// WriteError writes err as an ErrorResponse. Server errors are logged with
// their cause, which is never sent to the client.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	code, msg := StatusFor(err)
	resp := ErrorResponse{Error: msg}

	var verr *interfaces.ValidationError
	if errors.As(err, &verr) {
		resp.ValidationErrors = verr.Errors
	}
	if code >= http.StatusInternalServerError {
		log.Error("request failed", "err", err)
	}
	WriteJSON(w, code, resp)
}

// WriteJSON encodes v with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes a request body into v; malformed bodies are input errors.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", interfaces.ErrInvalidInput, err)
	}
	return nil
}
