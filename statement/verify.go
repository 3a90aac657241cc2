package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/kms"
)

// KeyFinder resolves federation keys by kid, including retired keys.
type KeyFinder interface {
	FindKey(ctx context.Context, kid string) (*kms.Key, error)
}

// asymmetric signature algorithms accepted on statements
var allowedAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"EdDSA": true,
}

type Verifier struct {
	federationID string
	keys         KeyFinder
	now          func() time.Time
	log          *slog.Logger
}

func NewVerifier(federationID string, keys KeyFinder, log *slog.Logger) *Verifier {
	return &Verifier{
		federationID: federationID,
		keys:         keys,
		now:          time.Now,
		log:          log,
	}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// VerifyStatement verifies a self-signed statement with the key set embedded in
// its own jwks claim, then checks expiry and that iss equals expectedIssuer.
func (v *Verifier) VerifyStatement(token, expectedIssuer string) (*Payload, error) {
	_, msgPayload, err := parseToken(token)
	if err != nil {
		return nil, v.fail(expectedIssuer, err)
	}
	unverified, err := decodePayload(msgPayload)
	if err != nil {
		return nil, v.fail(expectedIssuer, err)
	}
	return v.VerifyWithKeySet(token, expectedIssuer, unverified.JWKS)
}

// VerifyWithKeySet verifies a statement against jwks, typically the key set of
// the issuer's already verified entity configuration.
func (v *Verifier) VerifyWithKeySet(token, expectedIssuer string, jwks map[string]any) (*Payload, error) {
	header, _, err := parseToken(token)
	if err != nil {
		return nil, v.fail(expectedIssuer, err)
	}

	set, err := keySet(jwks)
	if err != nil {
		return nil, v.fail(expectedIssuer, err)
	}
	key, err := selectKey(set, header.kid)
	if err != nil {
		return nil, v.fail(expectedIssuer, err)
	}

	verified, err := jws.Verify([]byte(token), jws.WithKey(header.alg, key))
	if err != nil {
		return nil, v.fail(expectedIssuer, fmt.Errorf("invalid signature: %w", err))
	}

	payload, err := v.checkClaims(verified, expectedIssuer)
	if err != nil {
		return nil, v.fail(expectedIssuer, err)
	}
	return payload, nil
}

// VerifyIssued verifies a statement issued by this federation, resolving the
// signing key through the key store by the kid header.
func (v *Verifier) VerifyIssued(ctx context.Context, token string) (*Payload, error) {
	header, _, err := parseToken(token)
	if err != nil {
		return nil, v.fail(v.federationID, err)
	}
	if header.kid == "" {
		return nil, v.fail(v.federationID, errors.New("statement has no kid"))
	}
	if header.alg.String() != kms.AlgorithmRS256 {
		return nil, v.fail(v.federationID, fmt.Errorf("unexpected algorithm %s", header.alg))
	}

	key, err := v.keys.FindKey(ctx, header.kid)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, v.fail(v.federationID, fmt.Errorf("unknown kid %q", header.kid))
	}
	if err != nil {
		return nil, err
	}

	verified, err := jws.Verify([]byte(token), jws.WithKey(jwa.RS256(), key.PublicKey))
	if err != nil {
		return nil, v.fail(v.federationID, fmt.Errorf("invalid signature: %w", err))
	}

	payload, err := v.checkClaims(verified, v.federationID)
	if err != nil {
		return nil, v.fail(v.federationID, err)
	}
	return payload, nil
}

func (v *Verifier) checkClaims(raw []byte, expectedIssuer string) (*Payload, error) {
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	if payload.ExpiresAt == 0 {
		return nil, errors.New("statement has no exp")
	}
	if !v.now().Before(payload.ExpiresAtTime()) {
		return nil, fmt.Errorf("statement expired at %s", payload.ExpiresAtTime().Format(time.RFC3339))
	}
	if payload.Issuer != expectedIssuer {
		return nil, fmt.Errorf("issuer %q does not match %q", payload.Issuer, expectedIssuer)
	}
	return payload, nil
}

func (v *Verifier) fail(issuer string, cause error) error {
	v.log.Debug("Statement verification failed", slog.String("issuer", issuer), "err", cause)
	return fmt.Errorf("%w: %w", interfaces.ErrVerification, cause)
}

// KeyID returns the kid header of a statement without verifying it.
func KeyID(token string) (string, error) {
	header, _, err := parseToken(token)
	if err != nil {
		return "", err
	}
	return header.kid, nil
}

type protectedHeader struct {
	kid string
	alg jwa.SignatureAlgorithm
}

func parseToken(token string) (protectedHeader, []byte, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return protectedHeader{}, nil, fmt.Errorf("malformed statement: %w", err)
	}

	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return protectedHeader{}, nil, fmt.Errorf("expected one signature, got %d", len(sigs))
	}
	hdrs := sigs[0].ProtectedHeaders()

	alg, ok := hdrs.Algorithm()
	if !ok || !allowedAlgorithms[alg.String()] {
		return protectedHeader{}, nil, fmt.Errorf("unsupported algorithm %q", alg.String())
	}
	kid, _ := hdrs.KeyID()

	return protectedHeader{kid: kid, alg: alg}, msg.Payload(), nil
}

func keySet(jwks map[string]any) (jwk.Set, error) {
	keys, _ := jwks["keys"].([]any)
	if len(keys) == 0 {
		return nil, errors.New("key set is empty")
	}

	raw, err := json.Marshal(jwks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jwks: %w", err)
	}
	set, err := jwk.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed jwks: %w", err)
	}
	return set, nil
}

// selectKey picks the verification key. Ambiguity is an error, never a guess.
func selectKey(set jwk.Set, kid string) (jwk.Key, error) {
	if kid != "" {
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("no key in jwks matches kid %q", kid)
		}
		return key, nil
	}

	switch set.Len() {
	case 0:
		return nil, errors.New("key set is empty")
	case 1:
		key, _ := set.Key(0)
		return key, nil
	default:
		return nil, fmt.Errorf("statement has no kid and jwks holds %d keys", set.Len())
	}
}
