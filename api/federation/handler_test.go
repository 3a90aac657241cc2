package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/oidfed-trust-anchor/api"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/kms"
	"github.com/ruteri/oidfed-trust-anchor/registry"
	"github.com/ruteri/oidfed-trust-anchor/statement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) RegisterEntity(ctx context.Context, entityID string, entityType interfaces.EntityType) (*registry.Registration, error) {
	args := m.Called(ctx, entityID, entityType)
	if r := args.Get(0); r != nil {
		return r.(*registry.Registration), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRegistry) GetEntity(ctx context.Context, entityID string) (*interfaces.Entity, error) {
	args := m.Called(ctx, entityID)
	if e := args.Get(0); e != nil {
		return e.(*interfaces.Entity), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRegistry) ListEntities(ctx context.Context, entityType interfaces.EntityType) ([]string, error) {
	args := m.Called(ctx, entityType)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockRegistry) FetchStatement(ctx context.Context, subject string) (*interfaces.EntityStatement, error) {
	args := m.Called(ctx, subject)
	if s := args.Get(0); s != nil {
		return s.(*interfaces.EntityStatement), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRegistry) FederationConfiguration(ctx context.Context) (*statement.Signed, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(*statement.Signed), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRegistry) RevokeEntity(ctx context.Context, entityID string) error {
	return m.Called(ctx, entityID).Error(0)
}

func (m *mockRegistry) RotateKeys(ctx context.Context) (*kms.Key, error) {
	args := m.Called(ctx)
	if k := args.Get(0); k != nil {
		return k.(*kms.Key), args.Error(1)
	}
	return nil, args.Error(1)
}

const opID = "https://op.example.com"

func newRouter(reg Registry) http.Handler {
	h := NewHandler(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	h.RegisterAdminRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleRegister(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		setup      func(m *mockRegistry)
		wantStatus int
		wantError  string
		wantErrors []string
	}{
		{
			name: "registered",
			body: api.RegisterRequest{EntityID: opID, EntityType: "OP"},
			setup: func(m *mockRegistry) {
				m.On("RegisterEntity", mock.Anything, opID, interfaces.EntityTypeOP).Return(&registry.Registration{
					Entity:        &interfaces.Entity{EntityID: opID},
					FetchEndpoint: "https://federation.example.com/fetch?sub=" + url.QueryEscape(opID),
				}, nil)
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing fields",
			body:       map[string]string{"entity_id": opID},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "remote fetch failure",
			body: api.RegisterRequest{EntityID: opID, EntityType: "OP"},
			setup: func(m *mockRegistry) {
				m.On("RegisterEntity", mock.Anything, opID, interfaces.EntityTypeOP).
					Return(nil, fmt.Errorf("%w: connection refused", interfaces.ErrRemoteFetch))
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "Could not fetch entity statement",
		},
		{
			name: "validation failure",
			body: api.RegisterRequest{EntityID: opID, EntityType: "OP"},
			setup: func(m *mockRegistry) {
				m.On("RegisterEntity", mock.Anything, opID, interfaces.EntityTypeOP).
					Return(nil, &interfaces.ValidationError{Errors: []string{"issuer is required"}})
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "Entity validation failed",
			wantErrors: []string{"issuer is required"},
		},
		{
			name: "already registered",
			body: api.RegisterRequest{EntityID: opID, EntityType: "OP"},
			setup: func(m *mockRegistry) {
				m.On("RegisterEntity", mock.Anything, opID, interfaces.EntityTypeOP).
					Return(nil, interfaces.ErrEntityExists)
			},
			wantStatus: http.StatusConflict,
			wantError:  "Entity already registered",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &mockRegistry{}
			if tt.setup != nil {
				tt.setup(reg)
			}
			rec := do(t, newRouter(reg), http.MethodPost, "/register", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus == http.StatusCreated {
				var resp api.RegisterResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "registered", resp.Status)
				assert.Equal(t, opID, resp.EntityID)
				assert.Contains(t, resp.FetchEndpoint, "/fetch?sub=https%3A%2F%2Fop.example.com")
			} else {
				resp := decodeError(t, rec)
				if tt.wantError != "" {
					assert.Equal(t, tt.wantError, resp.Error)
				}
				assert.Equal(t, tt.wantErrors, resp.ValidationErrors)
			}
			reg.AssertExpectations(t)
		})
	}
}

func TestHandleFetch(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("FetchStatement", mock.Anything, opID).Return(&interfaces.EntityStatement{
		Subject:   opID,
		Token:     "header.payload.signature",
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil)
	reg.On("FetchStatement", mock.Anything, "https://unknown.example.com").Return(nil, interfaces.ErrEntityNotFound)
	h := newRouter(reg)

	t.Run("single escaped", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/fetch?sub="+url.QueryEscape(opID), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, statement.ContentType, rec.Header().Get("Content-Type"))
		assert.Equal(t, "header.payload.signature", rec.Body.String())
	})

	t.Run("double escaped", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/fetch?sub="+url.QueryEscape(url.QueryEscape(opID)), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing sub", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/fetch", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not registered", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/fetch?sub="+url.QueryEscape("https://unknown.example.com"), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Entity not found", decodeError(t, rec).Error)
	})
}

func TestHandleList(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("ListEntities", mock.Anything, interfaces.EntityType("")).Return([]string{opID, "https://rp.example.com"}, nil)
	reg.On("ListEntities", mock.Anything, interfaces.EntityTypeRP).Return([]string{"https://rp.example.com"}, nil)
	h := newRouter(reg)

	tests := []struct {
		target     string
		wantStatus int
		want       []string
	}{
		{"/list", http.StatusOK, []string{opID, "https://rp.example.com"}},
		{"/list?entity_type=rp", http.StatusOK, []string{"https://rp.example.com"}},
		{"/list?entity_type=XX", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, nil)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp api.ListResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Entities)
		})
	}
}

func TestHandleEntity(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("GetEntity", mock.Anything, opID).Return(&interfaces.Entity{
		EntityID:   opID,
		EntityType: interfaces.EntityTypeOP,
		Status:     interfaces.EntityStatusActive,
	}, nil)
	reg.On("GetEntity", mock.Anything, "https://gone.example.com").Return(nil, interfaces.ErrEntityNotFound)
	h := newRouter(reg)

	for _, target := range []string{
		"/entity/op.example.com",
		"/entity/" + url.PathEscape(opID),
	} {
		t.Run(target, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, target, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			var entity interfaces.Entity
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entity))
			assert.Equal(t, opID, entity.EntityID)
			assert.Equal(t, interfaces.EntityTypeOP, entity.EntityType)
		})
	}

	rec := do(t, h, http.MethodGet, "/entity/gone.example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleFederationConfiguration(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("FederationConfiguration", mock.Anything).Return(&statement.Signed{Token: "self.signed.token"}, nil).Once()
	reg.On("FederationConfiguration", mock.Anything).Return(nil, fmt.Errorf("%w: disk full", interfaces.ErrStoreUnavailable)).Once()
	h := newRouter(reg)

	rec := do(t, h, http.MethodGet, statement.WellKnownPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, statement.ContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, "self.signed.token", rec.Body.String())

	rec = do(t, h, http.MethodGet, statement.WellKnownPath, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestAdminRoutes(t *testing.T) {
	reg := &mockRegistry{}
	reg.On("RotateKeys", mock.Anything).Return(&kms.Key{KID: "0123456789abcdef"}, nil)
	reg.On("RevokeEntity", mock.Anything, opID).Return(nil).Once()
	reg.On("RevokeEntity", mock.Anything, opID).Return(interfaces.ErrEntityNotFound)
	h := newRouter(reg)

	rec := do(t, h, http.MethodPost, "/admin/keys/rotate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated api.RotateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.Equal(t, "0123456789abcdef", rotated.KID)

	target := "/admin/entities/" + url.PathEscape(opID) + "/revoke"
	rec = do(t, h, http.MethodPost, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, target, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	rec := do(t, newRouter(&mockRegistry{}), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}
