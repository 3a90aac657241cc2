package adminauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	serverKey = []byte("0123456789abcdef0123456789abcdef")
	badKey    = []byte("fedcba9876543210fedcba9876543210")
	shortKey  = []byte("too short")
)

// tokenFunc adapts a function to TokenSource.
type tokenFunc func() (*Token, error)

func (f tokenFunc) Token() (*Token, error) { return f() }

// signedClaims signs a token carrying only the claims set by build.
func signedClaims(t *testing.T, key []byte, build func(*jwt.Builder) *jwt.Builder) TokenSource {
	t.Helper()
	token, err := build(jwt.NewBuilder()).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), key))
	require.NoError(t, err)
	return tokenFunc(func() (*Token, error) { return &Token{value: string(signed)}, nil })
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestJWTTokenSource(t *testing.T) {
	_, err := (&JWTTokenSource{Key: shortKey}).Token()
	require.ErrorIs(t, err, ErrShortKey)

	token, err := (&JWTTokenSource{Subject: "fedctl", Key: serverKey}).Token()
	require.NoError(t, err)
	assert.NotEmpty(t, token.String())
	assert.Equal(t, "<nil>", (*Token)(nil).String())
}

func TestHTTPVerifier(t *testing.T) {
	expired := &JWTTokenSource{
		Key: serverKey,
		now: func() time.Time { return time.Now().Add(-time.Hour) },
	}

	tests := []struct {
		name     string
		verifier *HTTPVerifier
		source   TokenSource
		want     int
	}{
		{
			name:     "valid token",
			verifier: &HTTPVerifier{Key: serverKey},
			source:   &JWTTokenSource{Subject: "admin", Key: serverKey},
			want:     http.StatusNoContent,
		},
		{
			name:     "missing token",
			verifier: &HTTPVerifier{Key: serverKey},
			want:     http.StatusUnauthorized,
		},
		{
			name:     "wrong key",
			verifier: &HTTPVerifier{Key: serverKey},
			source:   &JWTTokenSource{Key: badKey},
			want:     http.StatusUnauthorized,
		},
		{
			name:     "expired token",
			verifier: &HTTPVerifier{Key: serverKey},
			source:   expired,
			want:     http.StatusUnauthorized,
		},
		{
			name:     "token without exp",
			verifier: &HTTPVerifier{Key: serverKey},
			source: signedClaims(t, serverKey, func(b *jwt.Builder) *jwt.Builder {
				return b.Subject("admin").IssuedAt(time.Now())
			}),
			want: http.StatusUnauthorized,
		},
		{
			name:     "token with exp only",
			verifier: &HTTPVerifier{Key: serverKey},
			source: signedClaims(t, serverKey, func(b *jwt.Builder) *jwt.Builder {
				return b.Expiration(time.Now().Add(time.Minute))
			}),
			want: http.StatusNoContent,
		},
		{
			name:     "short server key",
			verifier: &HTTPVerifier{Key: shortKey},
			source:   &JWTTokenSource{Key: serverKey},
			want:     http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.verifier.AddAuthorization(okHandler()))
			defer srv.Close()

			client := NewHTTPClient(tt.source, 5*time.Second)
			resp, err := client.Get(srv.URL + "/admin/keys/rotate")
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestTransportKeepsOriginalRequest(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	client := NewHTTPClient(&JWTTokenSource{Key: serverKey}, time.Second)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, seen, "Bearer ")
	assert.Empty(t, req.Header.Get("Authorization"))
}
