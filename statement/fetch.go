package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/metrics"
)

// DefaultFetchTimeout bounds a remote entity configuration fetch.
const DefaultFetchTimeout = 10 * time.Second

const maxStatementSize = 1 << 20

// RemoteStatement is a remote entity configuration whose signature has not
// been verified.
type RemoteStatement struct {
	Token  string
	Claims map[string]any
}

// Metadata returns the metadata claim, or an empty document when absent.
func (r *RemoteStatement) Metadata() map[string]any {
	return documentClaim(r.Claims, "metadata")
}

// JWKS returns the jwks claim, or an empty document when absent.
func (r *RemoteStatement) JWKS() map[string]any {
	return documentClaim(r.Claims, "jwks")
}

func documentClaim(claims map[string]any, name string) map[string]any {
	if doc, ok := claims[name].(map[string]any); ok {
		return doc
	}
	return map[string]any{}
}

// Fetcher retrieves entity configurations from remote entities.
type Fetcher struct {
	client   *http.Client
	log      *slog.Logger
	counters *metrics.Counters
}

func NewFetcher(timeout time.Duration, log *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (f *Fetcher) WithHTTPClient(client *http.Client) *Fetcher {
	f.client = client
	return f
}

func (f *Fetcher) WithCounters(c *metrics.Counters) *Fetcher {
	f.counters = c
	return f
}

// FetchUnverified downloads entityID's configuration from its well-known
// location and decodes the payload without verifying the signature. This is
// the trust bootstrap described in the package documentation. Every failure is
// logged and returned wrapped in interfaces.ErrRemoteFetch.
func (f *Fetcher) FetchUnverified(ctx context.Context, entityID string) (*RemoteStatement, error) {
	start := time.Now()
	wellKnownURL := strings.TrimSuffix(entityID, "/") + WellKnownPath

	remote, err := f.fetch(ctx, wellKnownURL)
	if err != nil {
		f.counters.RemoteFetchFailure()
		f.log.Warn("Failed to fetch entity configuration",
			slog.String("entity_id", entityID),
			slog.String("url", wellKnownURL),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrRemoteFetch, entityID, err)
	}

	f.log.Debug("Fetched entity configuration",
		slog.String("entity_id", entityID),
		slog.Int("size", len(remote.Token)),
		slog.Duration("duration", time.Since(start)))
	return remote, nil
}

func (f *Fetcher) fetch(ctx context.Context, wellKnownURL string) (*RemoteStatement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid entity identifier: %w", err)
	}
	req.Header.Set("Accept", ContentType)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatementSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > maxStatementSize {
		return nil, errors.New("entity configuration too large")
	}

	token := strings.TrimSpace(string(body))
	claims, err := decodeUnverified(token)
	if err != nil {
		return nil, err
	}
	return &RemoteStatement{Token: token, Claims: claims}, nil
}

func decodeUnverified(token string) (map[string]any, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("response is not a signed statement: %w", err)
	}

	var claims map[string]any
	if err := json.Unmarshal(msg.Payload(), &claims); err != nil {
		return nil, fmt.Errorf("undecodable statement payload: %w", err)
	}
	if claims == nil {
		return nil, errors.New("statement payload is not a JSON object")
	}
	return claims, nil
}
