package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/ruteri/oidfed-trust-anchor/cryptoutils"
	"github.com/ruteri/oidfed-trust-anchor/datastore"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/kms"
	"github.com/ruteri/oidfed-trust-anchor/statement"
	"github.com/ruteri/oidfed-trust-anchor/storage"
	"github.com/ruteri/oidfed-trust-anchor/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const federationID = "https://federation.example.com"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchUnverified(ctx context.Context, entityID string) (*statement.RemoteStatement, error) {
	args := m.Called(ctx, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*statement.RemoteStatement), args.Error(1)
}

type testEnv struct {
	service  *Service
	store    *datastore.MemoryStore
	keys     *kms.KeyStore
	engine   *validation.Engine
	verifier *statement.Verifier
	clock    *time.Time
}

func newTestEnv(t *testing.T, fetcher RemoteFetcher) *testEnv {
	t.Helper()
	store, err := datastore.NewMemoryStore(testLogger())
	require.NoError(t, err)

	now := time.Now()
	env := &testEnv{store: store, clock: &now}
	clock := func() time.Time { return *env.clock }

	env.keys = kms.NewKeyStore(store, testLogger())
	issuer := statement.NewIssuer(statement.IssuerConfig{FederationID: federationID, OrganizationName: "Example Federation"}, env.keys).WithClock(clock)
	env.engine = validation.NewEngine(store, testLogger())
	env.verifier = statement.NewVerifier(federationID, env.keys, testLogger()).WithClock(clock)
	env.service = NewService(store, issuer, env.keys, fetcher, env.engine, testLogger()).WithClock(clock)
	return env
}

// remoteEntity serves a self-signed entity configuration for its own URL.
func remoteEntity(t *testing.T, metadata map[string]any) *httptest.Server {
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
	token = signConfiguration(t, srv.URL, metadata)
	return srv
}

func signConfiguration(t *testing.T, entityID string, metadata map[string]any) string {
	t.Helper()
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
		"iss": entityID, "sub": entityID, "iat": now, "exp": now + 3600,
		"jwks": jwks, "metadata": metadata,
	})
	require.NoError(t, err)

	signed, err := jws.Sign(payload, jws.WithKey(jwa.RS256(), priv))
	require.NoError(t, err)
	return string(signed)
}

func remoteStatement(t *testing.T, entityID string, metadata map[string]any) *statement.RemoteStatement {
	t.Helper()
	token := signConfiguration(t, entityID, metadata)
	msg, err := jws.Parse([]byte(token))
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload(), &claims))
	return &statement.RemoteStatement{Token: token, Claims: claims}
}

func opMetadata(issuer string) map[string]any {
	return map[string]any{"openid_provider": map[string]any{"issuer": issuer, "default_max_age": 1800}}
}

func TestRegisterEntity(t *testing.T) {
	remote := remoteEntity(t, opMetadata("https://op.example.com"))
	env := newTestEnv(t, statement.NewFetcher(time.Second, testLogger()))
	ctx := context.Background()

	reg, err := env.service.RegisterEntity(ctx, remote.URL, interfaces.EntityTypeOP)
	require.NoError(t, err)
	assert.Equal(t, remote.URL, reg.Entity.EntityID)
	assert.Equal(t, federationID+"/fetch?sub="+url.QueryEscape(remote.URL), reg.FetchEndpoint)
	require.NotNil(t, reg.Statement)

	payload, err := env.verifier.VerifyIssued(ctx, reg.Statement.Token)
	require.NoError(t, err)
	assert.Equal(t, remote.URL, payload.Subject)
	assert.Equal(t, []string{federationID}, payload.AuthorityHints)
	assert.Equal(t, "https://op.example.com", payload.Metadata["openid_provider"].(map[string]any)["issuer"])
	assert.Equal(t, "remote-1", payload.JWKS["keys"].([]any)[0].(map[string]any)["kid"])

	entity, err := env.service.GetEntity(ctx, remote.URL)
	require.NoError(t, err)
	assert.Equal(t, interfaces.EntityTypeOP, entity.EntityType)

	_, err = env.service.RegisterEntity(ctx, remote.URL, interfaces.EntityTypeRP)
	assert.ErrorIs(t, err, interfaces.ErrEntityExists)

	// The first registration is untouched by the rejected second one.
	entity, err = env.service.GetEntity(ctx, remote.URL)
	require.NoError(t, err)
	assert.Equal(t, interfaces.EntityTypeOP, entity.EntityType)
}

func TestRegisterEntityInputErrors(t *testing.T) {
	fetcher := &mockFetcher{}
	env := newTestEnv(t, fetcher)
	ctx := context.Background()

	_, err := env.service.RegisterEntity(ctx, "  ", interfaces.EntityTypeOP)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)

	_, err = env.service.RegisterEntity(ctx, "https://op.example.com", "IDP")
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)

	fetcher.AssertNotCalled(t, "FetchUnverified", mock.Anything, mock.Anything)
}

func TestRegisterEntityRemoteFetchFailure(t *testing.T) {
	fetcher := &mockFetcher{}
	fetchErr := errors.Join(interfaces.ErrRemoteFetch, errors.New("connection refused"))
	fetcher.On("FetchUnverified", mock.Anything, "https://down.example.com").Return(nil, fetchErr)
	env := newTestEnv(t, fetcher)
	ctx := context.Background()

	_, err := env.service.RegisterEntity(ctx, "https://down.example.com", interfaces.EntityTypeRP)
	assert.ErrorIs(t, err, interfaces.ErrRemoteFetch)

	_, err = env.store.Entity(ctx, "https://down.example.com")
	assert.ErrorIs(t, err, interfaces.ErrEntityNotFound)
	fetcher.AssertExpectations(t)
}

func TestRegisterEntityValidationRejection(t *testing.T) {
	const entityID = "https://op.example.com"
	fetcher := &mockFetcher{}
	fetcher.On("FetchUnverified", mock.Anything, entityID).Return(remoteStatement(t, entityID, opMetadata("http://op.example.com")), nil)
	env := newTestEnv(t, fetcher)
	ctx := context.Background()

	_, err := env.engine.CreateRule(ctx, validation.RuleSpec{
		Name:         "https_issuer",
		EntityType:   "OP",
		FieldPath:    "metadata.openid_provider.issuer",
		Kind:         "regex",
		Parameter:    "^https://.*",
		ErrorMessage: "Issuer must use HTTPS",
	})
	require.NoError(t, err)

	_, err = env.service.RegisterEntity(ctx, entityID, interfaces.EntityTypeOP)
	var verr *interfaces.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"Issuer must use HTTPS"}, verr.Errors)

	_, err = env.store.Entity(ctx, entityID)
	assert.ErrorIs(t, err, interfaces.ErrEntityNotFound)

	// The same entity registers as an RP, where the OP rule does not apply.
	_, err = env.service.RegisterEntity(ctx, entityID, interfaces.EntityTypeRP)
	assert.NoError(t, err)
}

func TestConcurrentAdmitOfSameEntity(t *testing.T) {
	const entityID = "https://rp.example.com"
	env := newTestEnv(t, &mockFetcher{})
	remote := remoteStatement(t, entityID, map[string]any{})
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.service.Admit(ctx, entityID, interfaces.EntityTypeRP, remote)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, interfaces.ErrEntityExists):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, conflicts)
}

func TestFetchStatementIssuesOnceThenServesStored(t *testing.T) {
	env := newTestEnv(t, &mockFetcher{})
	ctx := context.Background()
	subject := "https://op.example.com"

	require.NoError(t, env.store.InsertEntity(ctx, &interfaces.Entity{
		EntityID:     subject,
		EntityType:   interfaces.EntityTypeOP,
		Metadata:     opMetadata(subject),
		JWKS:         map[string]any{"keys": []any{}},
		Status:       interfaces.EntityStatusActive,
		RegisteredAt: time.Now(),
	}))

	_, err := env.store.CurrentStatement(ctx, subject, *env.clock)
	require.ErrorIs(t, err, interfaces.ErrStatementNotFound)

	first, err := env.service.FetchStatement(ctx, subject)
	require.NoError(t, err)

	second, err := env.service.FetchStatement(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)

	stored, err := env.store.CurrentStatement(ctx, subject, *env.clock)
	require.NoError(t, err)
	assert.Equal(t, first.Token, stored.Token)
	assert.Equal(t, first.ID, stored.ID)

	// A fresh service without a warm cache serves the persisted statement.
	fresh := NewService(env.store, env.service.issuer, env.keys, &mockFetcher{}, env.engine, testLogger()).
		WithClock(func() time.Time { return *env.clock })
	third, err := fresh.FetchStatement(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, first.Token, third.Token)

	// Past expiry a new statement is issued.
	*env.clock = env.clock.Add(statement.Lifetime + time.Minute)
	renewed, err := env.service.FetchStatement(ctx, subject)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, renewed.Token)
	assert.True(t, renewed.ExpiresAt.After(first.ExpiresAt))

	_, err = env.service.FetchStatement(ctx, "https://unknown.example.com")
	assert.ErrorIs(t, err, interfaces.ErrEntityNotFound)
}

func TestFetchStatementFollowsStoredStatus(t *testing.T) {
	env := newTestEnv(t, &mockFetcher{})
	ctx := context.Background()
	subject := "https://op.example.com"

	_, err := env.service.Admit(ctx, subject, interfaces.EntityTypeOP, remoteStatement(t, subject, opMetadata(subject)))
	require.NoError(t, err)
	first, err := env.service.FetchStatement(ctx, subject)
	require.NoError(t, err)

	// Another process sharing the store revokes the entity.
	require.NoError(t, env.store.SetEntityStatus(ctx, subject, interfaces.EntityStatusRevoked))
	_, err = env.service.FetchStatement(ctx, subject)
	assert.ErrorIs(t, err, interfaces.ErrEntityNotFound)
	_, cached := env.service.statements.Get(subject)
	assert.False(t, cached)

	require.NoError(t, env.store.SetEntityStatus(ctx, subject, interfaces.EntityStatusActive))
	again, err := env.service.FetchStatement(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, first.Token, again.Token)
}

func TestFetchStatementAfterRotation(t *testing.T) {
	env := newTestEnv(t, &mockFetcher{})
	ctx := context.Background()
	subject := "https://rp.example.com"

	_, err := env.service.Admit(ctx, subject, interfaces.EntityTypeRP, remoteStatement(t, subject, map[string]any{}))
	require.NoError(t, err)
	before, err := env.service.FetchStatement(ctx, subject)
	require.NoError(t, err)

	// Rotate through the key store, bypassing the service and its cache.
	rotated, err := env.keys.Rotate(ctx)
	require.NoError(t, err)
	*env.clock = env.clock.Add(time.Minute)

	after, err := env.service.FetchStatement(ctx, subject)
	require.NoError(t, err)
	assert.NotEqual(t, before.Token, after.Token)
	kid, err := statement.KeyID(after.Token)
	require.NoError(t, err)
	assert.Equal(t, rotated.KID, kid)

	self, err := env.service.FederationConfiguration(ctx)
	require.NoError(t, err)
	selfPayload, err := env.verifier.VerifyStatement(self.Token, federationID)
	require.NoError(t, err)
	_, err = env.verifier.VerifyWithKeySet(after.Token, federationID, selfPayload.JWKS)
	assert.NoError(t, err)
	_, err = env.verifier.VerifyWithKeySet(before.Token, federationID, selfPayload.JWKS)
	assert.ErrorIs(t, err, interfaces.ErrVerification)

	stored, err := env.store.CurrentStatement(ctx, subject, *env.clock)
	require.NoError(t, err)
	assert.Equal(t, after.Token, stored.Token)
}

func TestConcurrentFetchIssuesOneStatement(t *testing.T) {
	env := newTestEnv(t, &mockFetcher{})
	ctx := context.Background()
	subject := "https://rp.example.com"

	_, err := env.service.Admit(ctx, subject, interfaces.EntityTypeRP, remoteStatement(t, subject, map[string]any{}))
	require.NoError(t, err)
	env.service.statements.Flush()

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stmt, err := env.service.FetchStatement(ctx, subject)
			if assert.NoError(t, err) {
				tokens[i] = stmt.Token
			}
		}(i)
	}
	wg.Wait()

	for _, token := range tokens {
		assert.Equal(t, tokens[0], token)
	}
}

func TestListAndRevoke(t *testing.T) {
	env := newTestEnv(t, &mockFetcher{})
	ctx := context.Background()

	for _, e := range []struct {
		id  string
		typ interfaces.EntityType
	}{
		{"https://op1.example.com", interfaces.EntityTypeOP},
		{"https://rp1.example.com", interfaces.EntityTypeRP},
		{"https://op2.example.com", interfaces.EntityTypeOP},
	} {
		_, err := env.service.Admit(ctx, e.id, e.typ, remoteStatement(t, e.id, map[string]any{}))
		require.NoError(t, err)
	}

	all, err := env.service.ListEntities(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://op1.example.com", "https://rp1.example.com", "https://op2.example.com"}, all)

	ops, err := env.service.ListEntities(ctx, interfaces.EntityTypeOP)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://op1.example.com", "https://op2.example.com"}, ops)

	_, err = env.service.FetchStatement(ctx, "https://op1.example.com")
	require.NoError(t, err)

	require.NoError(t, env.service.RevokeEntity(ctx, "https://op1.example.com"))
	assert.ErrorIs(t, env.service.RevokeEntity(ctx, "https://op1.example.com"), interfaces.ErrEntityNotFound)

	_, err = env.service.GetEntity(ctx, "https://op1.example.com")
	assert.ErrorIs(t, err, interfaces.ErrEntityNotFound)
	_, err = env.service.FetchStatement(ctx, "https://op1.example.com")
	assert.ErrorIs(t, err, interfaces.ErrEntityNotFound)

	ops, err = env.service.ListEntities(ctx, interfaces.EntityTypeOP)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://op2.example.com"}, ops)

	// A revoked identifier stays taken.
	_, err = env.service.Admit(ctx, "https://op1.example.com", interfaces.EntityTypeOP, remoteStatement(t, "https://op1.example.com", map[string]any{}))
	assert.ErrorIs(t, err, interfaces.ErrEntityExists)
}

func TestFederationConfigurationAndRotation(t *testing.T) {
	env := newTestEnv(t, &mockFetcher{})
	ctx := context.Background()

	self, err := env.service.FederationConfiguration(ctx)
	require.NoError(t, err)
	payload, err := env.verifier.VerifyStatement(self.Token, federationID)
	require.NoError(t, err)
	assert.Equal(t, federationID, payload.Subject)
	assert.Empty(t, payload.AuthorityHints)
	assert.Contains(t, payload.Metadata, "federation_entity")

	reg, err := env.service.Admit(ctx, "https://rp.example.com", interfaces.EntityTypeRP, remoteStatement(t, "https://rp.example.com", map[string]any{}))
	require.NoError(t, err)

	rotated, err := env.service.RotateKeys(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, self.KID, rotated.KID)

	// Statements signed by the retired key remain verifiable.
	_, err = env.verifier.VerifyIssued(ctx, reg.Statement.Token)
	assert.NoError(t, err)

	after, err := env.service.FederationConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotated.KID, after.KID)
	_, err = env.verifier.VerifyStatement(after.Token, federationID)
	assert.NoError(t, err)
}

func TestFederationConfigurationDuringRotation(t *testing.T) {
	env := newTestEnv(t, &mockFetcher{})
	ctx := context.Background()
	_, err := env.keys.GetOrCreateActiveKey(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			_, err := env.service.RotateKeys(ctx)
			assert.NoError(t, err)
		}
	}()

	for issued := 0; ; issued++ {
		self, err := env.service.FederationConfiguration(ctx)
		require.NoError(t, err)
		payload, err := env.verifier.VerifyStatement(self.Token, federationID)
		require.NoError(t, err, "statement %d signed by %s", issued, self.KID)
		keys := payload.JWKS["keys"].([]any)
		require.Len(t, keys, 1)
		assert.Equal(t, self.KID, keys[0].(map[string]any)["kid"])

		select {
		case <-done:
			return
		default:
		}
	}
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	archive, err := storage.NewFileBackend(dir, testLogger())
	require.NoError(t, err)

	env := newTestEnv(t, &mockFetcher{})
	env.service.WithArchive(archive)
	ctx := context.Background()

	remote := remoteStatement(t, "https://op.example.com", opMetadata("https://op.example.com"))
	reg, err := env.service.Admit(ctx, "https://op.example.com", interfaces.EntityTypeOP, remote)
	require.NoError(t, err)

	data, err := archive.Fetch(ctx, interfaces.ComputeID([]byte(remote.Token)), interfaces.EntityConfigurationType)
	require.NoError(t, err)
	assert.Equal(t, remote.Token, string(data))

	data, err = archive.Fetch(ctx, interfaces.ComputeID([]byte(reg.Statement.Token)), interfaces.SubordinateStatementType)
	require.NoError(t, err)
	assert.Equal(t, reg.Statement.Token, string(data))

	// Archive failures never fail the registration.
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "entity-configuration")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entity-configuration"), nil, 0o600))
	_, err = env.service.Admit(ctx, "https://rp.example.com", interfaces.EntityTypeRP, remoteStatement(t, "https://rp.example.com", map[string]any{}))
	assert.NoError(t, err)
}
