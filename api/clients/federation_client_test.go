package clients

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/ruteri/oidfed-trust-anchor/api"
	"github.com/ruteri/oidfed-trust-anchor/api/adminauth"
	"github.com/ruteri/oidfed-trust-anchor/api/federation"
	"github.com/ruteri/oidfed-trust-anchor/api/ruleshandler"
	"github.com/ruteri/oidfed-trust-anchor/api/servers"
	"github.com/ruteri/oidfed-trust-anchor/cryptoutils"
	"github.com/ruteri/oidfed-trust-anchor/datastore"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/kms"
	"github.com/ruteri/oidfed-trust-anchor/metrics"
	"github.com/ruteri/oidfed-trust-anchor/registry"
	"github.com/ruteri/oidfed-trust-anchor/statement"
	"github.com/ruteri/oidfed-trust-anchor/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const federationID = "https://federation.example.com"

var adminKey = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type trustAnchor struct {
	url      string
	verifier *statement.Verifier
}

func startTrustAnchor(t *testing.T) *trustAnchor {
	t.Helper()
	log := testLogger()
	store, err := datastore.NewMemoryStore(log)
	require.NoError(t, err)

	keys := kms.NewKeyStore(store, log)
	_, err = keys.GetOrCreateActiveKey(context.Background())
	require.NoError(t, err)

	issuer := statement.NewIssuer(statement.IssuerConfig{FederationID: federationID, OrganizationName: "Example Federation"}, keys)
	engine := validation.NewEngine(store, log)
	service := registry.NewService(store, issuer, keys, statement.NewFetcher(2*time.Second, log), engine, log)

	cfg := &api.HTTPServerConfig{Log: log, AdminKey: adminKey, GracefulShutdownDuration: time.Second}
	srv, err := servers.New(cfg, metrics.NewCounters(),
		federation.NewHandler(service, log),
		ruleshandler.NewHandler(engine, log),
	)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &trustAnchor{
		url:      ts.URL,
		verifier: statement.NewVerifier(federationID, keys, log),
	}
}

// remoteEntity serves a self-signed entity configuration for its own URL.
func remoteEntity(t *testing.T, metadata map[string]any) string {
	t.Helper()
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != statement.WellKnownPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", statement.ContentType)
		_, _ = io.WriteString(w, token)
	}))
	t.Cleanup(srv.Close)

	priv, err := cryptoutils.GenerateRSAKey()
	require.NoError(t, err)
	key, err := jwk.Import(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "remote-1"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	jwks, err := kms.JWKSDocument(set)
	require.NoError(t, err)

	now := time.Now().Unix()
	payload, err := json.Marshal(map[string]any{
		"iss": srv.URL, "sub": srv.URL, "iat": now, "exp": now + 3600,
		"jwks": jwks, "metadata": metadata,
	})
	require.NoError(t, err)
	signed, err := jws.Sign(payload, jws.WithKey(jwa.RS256(), priv))
	require.NoError(t, err)
	token = string(signed)
	return srv.URL
}

func TestFederationClient(t *testing.T) {
	ta := startTrustAnchor(t)
	ctx := context.Background()

	public := NewFederationClient(ta.url, nil)
	admin := NewFederationClient(ta.url, adminauth.NewHTTPClient(&adminauth.JWTTokenSource{Subject: "fedctl", Key: adminKey}, 5*time.Second))

	// Rule management is an admin operation.
	_, err := public.CreateRule(ctx, validation.RuleSpec{
		Name: "op_issuer", EntityType: "OP", FieldPath: "metadata.openid_provider.issuer", Kind: "required",
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	rule, err := admin.CreateRule(ctx, validation.RuleSpec{
		Name:         "op_https_issuer",
		EntityType:   "OP",
		FieldPath:    "metadata.openid_provider.issuer",
		Kind:         "regex",
		Parameter:    "https://.*",
		ErrorMessage: "{field_path} must be https, got {value}",
	})
	require.NoError(t, err)

	_, err = admin.CreateRule(ctx, validation.RuleSpec{
		Name: "op_https_issuer", EntityType: "OP", FieldPath: "x", Kind: "exists",
	})
	assert.ErrorIs(t, err, interfaces.ErrRuleExists)

	rules, err := public.Rules(ctx, interfaces.RuleScopeOP, true)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, rule.ID, rules[0].ID)

	// Rejected by the rule.
	insecure := remoteEntity(t, map[string]any{"openid_provider": map[string]any{"issuer": "http://op.example.com"}})
	_, err = public.Register(ctx, insecure, interfaces.EntityTypeOP)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, []string{"metadata.openid_provider.issuer must be https, got http://op.example.com"}, apiErr.ValidationErrors)

	// Accepted.
	op := remoteEntity(t, map[string]any{"openid_provider": map[string]any{"issuer": "https://op.example.com"}})
	reg, err := public.Register(ctx, op, interfaces.EntityTypeOP)
	require.NoError(t, err)
	assert.Equal(t, "registered", reg.Status)
	assert.Equal(t, op, reg.EntityID)

	_, err = public.Register(ctx, op, interfaces.EntityTypeOP)
	assert.ErrorIs(t, err, interfaces.ErrEntityExists)

	ids, err := public.List(ctx, interfaces.EntityTypeOP)
	require.NoError(t, err)
	assert.Equal(t, []string{op}, ids)

	entity, err := public.Entity(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, interfaces.EntityTypeOP, entity.EntityType)

	token, err := public.Fetch(ctx, op)
	require.NoError(t, err)
	payload, err := ta.verifier.VerifyIssued(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, op, payload.Subject)
	assert.Equal(t, federationID, payload.Issuer)

	self, err := public.FederationConfiguration(ctx)
	require.NoError(t, err)
	selfPayload, err := ta.verifier.VerifyIssued(ctx, self)
	require.NoError(t, err)
	assert.Equal(t, federationID, selfPayload.Subject)

	// Key rotation keeps earlier statements verifiable.
	kid, err := admin.RotateKeys(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, kid)
	_, err = ta.verifier.VerifyIssued(ctx, token)
	require.NoError(t, err)

	// Revocation hides the entity.
	require.NoError(t, admin.Revoke(ctx, op))
	_, err = public.Entity(ctx, op)
	assert.ErrorIs(t, err, interfaces.ErrEntityNotFound)
	_, err = public.Fetch(ctx, op)
	assert.ErrorIs(t, err, interfaces.ErrEntityNotFound)

	ids, err = public.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, admin.DeleteRule(ctx, rule.ID))
	assert.ErrorIs(t, admin.DeleteRule(ctx, rule.ID), interfaces.ErrRuleNotFound)
}

func TestVerifiedFetch(t *testing.T) {
	ta := startTrustAnchor(t)
	ctx := context.Background()
	client := NewFederationClient(ta.url, nil)
	admin := NewFederationClient(ta.url, adminauth.NewHTTPClient(&adminauth.JWTTokenSource{Subject: "fedctl", Key: adminKey}, 5*time.Second))
	verifier := statement.NewVerifier(federationID, nil, testLogger())

	op := remoteEntity(t, map[string]any{"openid_provider": map[string]any{"issuer": "https://op.example.com"}})
	_, err := client.Register(ctx, op, interfaces.EntityTypeOP)
	require.NoError(t, err)

	_, self, err := client.VerifiedFederationConfiguration(ctx, verifier, federationID)
	require.NoError(t, err)
	assert.Equal(t, federationID, self.Subject)

	token, payload, err := client.VerifiedFetch(ctx, verifier, federationID, op)
	require.NoError(t, err)
	assert.Equal(t, op, payload.Subject)
	assert.Equal(t, []string{federationID}, payload.AuthorityHints)

	// After a rotation the statement is reissued under the newly published key.
	_, err = admin.RotateKeys(ctx)
	require.NoError(t, err)
	rotated, _, err := client.VerifiedFetch(ctx, verifier, federationID, op)
	require.NoError(t, err)
	assert.NotEqual(t, token, rotated)

	_, _, err = client.VerifiedFederationConfiguration(ctx, verifier, "https://impostor.example.com")
	assert.ErrorIs(t, err, interfaces.ErrVerification)
	_, _, err = client.VerifiedFetch(ctx, verifier, "https://impostor.example.com", op)
	assert.ErrorIs(t, err, interfaces.ErrVerification)

	_, _, err = client.VerifiedFetch(ctx, verifier, federationID, "https://unknown.example.com")
	assert.ErrorIs(t, err, interfaces.ErrEntityNotFound)
}
