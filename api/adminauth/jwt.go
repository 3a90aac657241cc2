// Package adminauth protects the administrative routes of the trust anchor with
// HS256 bearer tokens and provides the matching client side token source.
package adminauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// MinKeyLength is the shortest HS256 key (in bytes) accepted for signing or verifying.
const MinKeyLength = 256 / 8

// DefaultTokenLifetime bounds the validity of tokens minted by JWTTokenSource.
const DefaultTokenLifetime = 5 * time.Minute

var ErrShortKey = errors.New("key must be at least 256 bits long")

// TokenSource mints bearer tokens for outgoing requests.
type TokenSource interface {
	Token() (*Token, error)
}

// Token is a signed token ready for use in an Authorization header.
type Token struct {
	value string
}

func (t *Token) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.value
}

// JWTTokenSource signs short lived HS256 tokens.
type JWTTokenSource struct {
	// Subject is set as the "sub" claim when not empty.
	Subject string
	// Key is the shared HS256 secret.
	Key []byte
	// Lifetime overrides DefaultTokenLifetime when positive.
	Lifetime time.Duration

	now func() time.Time
}

func (s *JWTTokenSource) Token() (*Token, error) {
	if len(s.Key) < MinKeyLength {
		return nil, fmt.Errorf("refusing to sign (%d bits): %w", len(s.Key)*8, ErrShortKey)
	}

	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	lifetime := s.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}

	b := jwt.NewBuilder().IssuedAt(now).Expiration(now.Add(lifetime))
	if s.Subject != "" {
		b = b.Subject(s.Subject)
	}
	token, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("building token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), s.Key))
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return &Token{value: string(signed)}, nil
}

// HTTPVerifier rejects requests that do not carry a valid bearer token.
type HTTPVerifier struct {
	Key []byte
	Log *slog.Logger
}

// AddAuthorization wraps handler with bearer token verification.
func (v *HTTPVerifier) AddAuthorization(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(v.Key) < MinKeyLength {
			v.logger().Error("refusing to verify admin token", "err", ErrShortKey, "bits", len(v.Key)*8)
			writeError(w, http.StatusInternalServerError, "Server error")
			return
		}

		// exp is mandatory, a token without it would never expire.
		token, err := jwt.ParseRequest(r,
			jwt.WithKey(jwa.HS256(), v.Key),
			jwt.WithRequiredClaim(jwt.ExpirationKey),
			jwt.WithAcceptableSkew(30*time.Second),
		)
		if err != nil {
			v.logger().Debug("admin authorization failed", "err", err, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "Authorization required")
			return
		}

		subject, _ := token.Subject()
		v.logger().Debug("admin authorization successful", "subject", subject, "path", r.URL.Path)
		handler.ServeHTTP(w, r)
	})
}

// Middleware adapts AddAuthorization to chi's middleware signature.
func (v *HTTPVerifier) Middleware(next http.Handler) http.Handler {
	return v.AddAuthorization(next)
}

func (v *HTTPVerifier) logger() *slog.Logger {
	if v.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return v.Log
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// NewHTTPClient returns a client that attaches a fresh bearer token to every request.
// A nil source yields a plain client with the given timeout.
func NewHTTPClient(src TokenSource, timeout time.Duration) *http.Client {
	if src == nil {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &httpTransport{
			base:   http.DefaultTransport,
			source: src,
		},
	}
}

type httpTransport struct {
	base   http.RoundTripper
	source TokenSource
}

func (t *httpTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("computing bearer token: %w", err)
	}

	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token.String())
	return t.base.RoundTrip(req)
}
