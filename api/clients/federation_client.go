package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ruteri/oidfed-trust-anchor/api"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/statement"
	"github.com/ruteri/oidfed-trust-anchor/validation"
)

// APIError is a non-2xx response from the trust anchor.
type APIError struct {
	StatusCode       int
	Message          string
	ValidationErrors []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	if len(e.ValidationErrors) > 0 {
		msg += " (" + strings.Join(e.ValidationErrors, "; ") + ")"
	}
	return msg
}

// Is lets callers match responses against the service's sentinel errors.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusConflict:
		return target == interfaces.ErrEntityExists || target == interfaces.ErrRuleExists
	case http.StatusNotFound:
		return target == interfaces.ErrEntityNotFound || target == interfaces.ErrRuleNotFound
	case http.StatusBadRequest:
		return target == interfaces.ErrInvalidInput
	}
	return false
}

// FederationClient talks to the trust anchor's HTTP API. Admin calls need an
// HTTP client built with adminauth.NewHTTPClient when the server enforces tokens.
type FederationClient struct {
	// ServerAddr is the base URL of the trust anchor
	ServerAddr string

	HTTPClient *http.Client
}

func NewFederationClient(serverAddr string, httpClient *http.Client) *FederationClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &FederationClient{
		ServerAddr: strings.TrimSuffix(serverAddr, "/"),
		HTTPClient: httpClient,
	}
}

func (c *FederationClient) Register(ctx context.Context, entityID string, entityType interfaces.EntityType) (*api.RegisterResponse, error) {
	var resp api.RegisterResponse
	req := api.RegisterRequest{EntityID: entityID, EntityType: string(entityType)}
	if err := c.doJSON(ctx, http.MethodPost, "/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns the active entity identifiers, optionally narrowed to one type.
func (c *FederationClient) List(ctx context.Context, entityType interfaces.EntityType) ([]string, error) {
	path := "/list"
	if entityType != "" {
		path += "?entity_type=" + url.QueryEscape(string(entityType))
	}

	var resp api.ListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

func (c *FederationClient) Entity(ctx context.Context, entityID string) (*interfaces.Entity, error) {
	var entity interfaces.Entity
	if err := c.doJSON(ctx, http.MethodGet, "/entity/"+url.PathEscape(entityID), nil, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// Fetch returns the compact subordinate statement about subject.
func (c *FederationClient) Fetch(ctx context.Context, subject string) (string, error) {
	return c.doToken(ctx, "/fetch?sub="+url.QueryEscape(subject))
}

// FederationConfiguration returns the trust anchor's own entity configuration.
func (c *FederationClient) FederationConfiguration(ctx context.Context) (string, error) {
	return c.doToken(ctx, "/.well-known/openid-federation")
}

// VerifiedFederationConfiguration fetches the entity configuration and checks
// that it is signed by a key it publishes, is current, and has iss and sub
// equal to issuer.
func (c *FederationClient) VerifiedFederationConfiguration(ctx context.Context, v *statement.Verifier, issuer string) (string, *statement.Payload, error) {
	token, err := c.FederationConfiguration(ctx)
	if err != nil {
		return "", nil, err
	}
	payload, err := v.VerifyStatement(token, issuer)
	if err != nil {
		return "", nil, err
	}
	if payload.Subject != issuer {
		return "", nil, fmt.Errorf("%w: entity configuration is about %q", interfaces.ErrVerification, payload.Subject)
	}
	return token, payload, nil
}

// VerifiedFetch fetches the statement about subject and verifies it with the
// keys of the verified entity configuration of issuer.
func (c *FederationClient) VerifiedFetch(ctx context.Context, v *statement.Verifier, issuer, subject string) (string, *statement.Payload, error) {
	_, self, err := c.VerifiedFederationConfiguration(ctx, v, issuer)
	if err != nil {
		return "", nil, err
	}
	token, err := c.Fetch(ctx, subject)
	if err != nil {
		return "", nil, err
	}
	payload, err := v.VerifyWithKeySet(token, issuer, self.JWKS)
	if err != nil {
		return "", nil, err
	}
	if payload.Subject != subject {
		return "", nil, fmt.Errorf("%w: statement is about %q, not %q", interfaces.ErrVerification, payload.Subject, subject)
	}
	return token, payload, nil
}

func (c *FederationClient) Rules(ctx context.Context, scope interfaces.RuleScope, activeOnly bool) ([]*interfaces.ValidationRule, error) {
	query := url.Values{}
	if scope != "" {
		query.Set("entity_type", string(scope))
	}
	query.Set("active_only", strconv.FormatBool(activeOnly))

	var resp api.RulesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/validation-rules?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rules, nil
}

func (c *FederationClient) CreateRule(ctx context.Context, spec validation.RuleSpec) (*interfaces.ValidationRule, error) {
	var resp api.RuleResponse
	if err := c.doJSON(ctx, http.MethodPost, "/validation-rules", spec, &resp); err != nil {
		return nil, err
	}
	return resp.Rule, nil
}

func (c *FederationClient) UpdateRule(ctx context.Context, id int64, update validation.RuleUpdate) (*interfaces.ValidationRule, error) {
	var resp api.RuleResponse
	if err := c.doJSON(ctx, http.MethodPut, "/validation-rules/"+strconv.FormatInt(id, 10), update, &resp); err != nil {
		return nil, err
	}
	return resp.Rule, nil
}

func (c *FederationClient) DeleteRule(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, "/validation-rules/"+strconv.FormatInt(id, 10), nil, nil)
}

// RotateKeys activates a new signing key and returns its kid.
func (c *FederationClient) RotateKeys(ctx context.Context) (string, error) {
	var resp api.RotateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/admin/keys/rotate", nil, &resp); err != nil {
		return "", err
	}
	return resp.KID, nil
}

func (c *FederationClient) Revoke(ctx context.Context, entityID string) error {
	return c.doJSON(ctx, http.MethodPost, "/admin/entities/"+url.PathEscape(entityID)+"/revoke", nil, nil)
}

func (c *FederationClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse %s response: %w", path, err)
	}
	return nil
}

func (c *FederationClient) doToken(ctx context.Context, path string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("could not read %s response: %w", path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// do sends the request and turns non-2xx responses into *APIError.
func (c *FederationClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.ServerAddr+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request %s: %w", path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	raw, _ := io.ReadAll(resp.Body)
	var decoded api.ErrorResponse
	if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
		apiErr.Message = decoded.Error
		apiErr.ValidationErrors = decoded.ValidationErrors
	} else if len(raw) > 0 {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return nil, apiErr
}
