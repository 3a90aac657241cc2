package statement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/ruteri/oidfed-trust-anchor/kms"
	"github.com/ruteri/oidfed-trust-anchor/metrics"
)

// SigningKeySource provides the key statements are signed with.
type SigningKeySource interface {
	GetOrCreateActiveKey(ctx context.Context) (*kms.Key, error)
	PublicKeySet(ctx context.Context) (*kms.KeySet, error)
}

type IssuerConfig struct {
	// FederationID is the entity identifier of the trust anchor, used as iss.
	FederationID     string
	OrganizationName string
}

// Issuer signs statements on behalf of the federation.
type Issuer struct {
	cfg      IssuerConfig
	keys     SigningKeySource
	now      func() time.Time
	counters *metrics.Counters
}

func NewIssuer(cfg IssuerConfig, keys SigningKeySource) *Issuer {
	return &Issuer{
		cfg:  cfg,
		keys: keys,
		now:  time.Now,
	}
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) WithCounters(c *metrics.Counters) *Issuer {
	i.counters = c
	return i
}

func (i *Issuer) FederationID() string {
	return i.cfg.FederationID
}

// FetchEndpoint is the URL at which the subordinate statement about subject is served.
func (i *Issuer) FetchEndpoint(subject string) string {
	return i.cfg.FederationID + "/fetch?sub=" + url.QueryEscape(subject)
}

// Signed is an issued statement together with the claims it was built from.
type Signed struct {
	Token   string
	KID     string
	Payload Payload
}

// IssueSelfStatement signs the federation's own entity configuration. The
// output differs between calls because iat and exp follow the clock.
//
// The embedded jwks and the signing key come from one read of the key store,
// so the kid in the header is always present in the published key set.
func (i *Issuer) IssueSelfStatement(ctx context.Context) (*Signed, error) {
	set, err := i.keys.PublicKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	payload := i.basePayload(i.cfg.FederationID)
	payload.JWKS = set.JWKS
	payload.Metadata = FederationEntityMetadata(i.cfg.FederationID, i.cfg.OrganizationName)

	signed, err := i.sign(set.Signer, payload)
	if err != nil {
		return nil, err
	}
	i.counters.StatementIssued("self")
	return signed, nil
}

// IssueSubordinateStatement signs a statement about subject, binding its
// metadata and keys to the federation.
func (i *Issuer) IssueSubordinateStatement(ctx context.Context, subject string, metadata, jwks map[string]any, trustMarks []map[string]any) (*Signed, error) {
	payload := i.basePayload(subject)
	payload.JWKS = jwks
	payload.Metadata = metadata
	payload.AuthorityHints = []string{i.cfg.FederationID}
	if len(trustMarks) > 0 {
		payload.TrustMarks = trustMarks
	}

	key, err := i.signingKey(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := i.sign(key, payload)
	if err != nil {
		return nil, err
	}
	i.counters.StatementIssued("subordinate")
	return signed, nil
}

func (i *Issuer) basePayload(subject string) *Payload {
	iat := i.now().Unix()
	return &Payload{
		Issuer:    i.cfg.FederationID,
		Subject:   subject,
		IssuedAt:  iat,
		ExpiresAt: iat + int64(Lifetime/time.Second),
	}
}

func (i *Issuer) signingKey(ctx context.Context) (*kms.Key, error) {
	key, err := i.keys.GetOrCreateActiveKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	return key, nil
}

func (i *Issuer) sign(key *kms.Key, payload *Payload) (*Signed, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode statement payload: %w", err)
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.TypeKey, TokenType); err != nil {
		return nil, err
	}
	if err := hdrs.Set(jws.KeyIDKey, key.KID); err != nil {
		return nil, err
	}

	token, err := jws.Sign(raw, jws.WithKey(jwa.RS256(), key.PrivateKey, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return nil, fmt.Errorf("failed to sign statement for %s: %w", payload.Subject, err)
	}

	return &Signed{
		Token:   string(token),
		KID:     key.KID,
		Payload: *payload,
	}, nil
}
