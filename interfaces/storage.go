package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrContentNotFound    = errors.New("content not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	// ErrInvalidLocationURI covers both malformed URIs and unsupported schemes.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
	ErrInvalidContentID   = errors.New("invalid content id")
)

// ContentID addresses an archived token by the SHA-256 of its bytes.
type ContentID [sha256.Size]byte

func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

// ParseContentID accepts the 64 hex digits printed by String, with or without a 0x prefix.
func ParseContentID(s string) (ContentID, error) {
	var id ContentID
	digits := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(digits) != 2*len(id) {
		return id, fmt.Errorf("%w: want %d hex digits, got %d", ErrInvalidContentID, 2*len(id), len(digits))
	}
	if _, err := hex.Decode(id[:], []byte(digits)); err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidContentID, err)
	}
	return id, nil
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// ContentType selects the archive namespace a token is kept in.
type ContentType int

const (
	// SubordinateStatementType holds statements this federation signed.
	SubordinateStatementType ContentType = iota
	// EntityConfigurationType holds the self-signed configurations fetched from entities at registration.
	EntityConfigurationType
)

var contentTypeNames = map[ContentType]string{
	SubordinateStatementType: "statement",
	EntityConfigurationType:  "entity-configuration",
}

func (ct ContentType) String() string {
	if name, ok := contentTypeNames[ct]; ok {
		return name
	}
	return "unknown"
}

// ParseContentType is the inverse of ContentType.String.
func ParseContentType(name string) (ContentType, error) {
	for ct, n := range contentTypeNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return ct, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown content type %q", ErrInvalidInput, name)
}

// StorageBackendLocation is an archive URI such as
// s3://KEY:SECRET@bucket/prefix?region=eu-west-1 or file:///var/lib/oidfed/archive.
type StorageBackendLocation struct {
	u *url.URL
}

func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "file", "s3", "ipfs", "vault":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, u.Scheme)
	}
	return StorageBackendLocation{u: u}, nil
}

// String hides any password embedded in the URI, so locations are safe to log.
func (loc StorageBackendLocation) String() string {
	if loc.u == nil {
		return ""
	}
	return loc.u.Redacted()
}

func (loc StorageBackendLocation) IsFile() bool  { return loc.scheme() == "file" }
func (loc StorageBackendLocation) IsS3() bool    { return loc.scheme() == "s3" }
func (loc StorageBackendLocation) IsIPFS() bool  { return loc.scheme() == "ipfs" }
func (loc StorageBackendLocation) IsVault() bool { return loc.scheme() == "vault" }

func (loc StorageBackendLocation) scheme() string {
	if loc.u == nil {
		return ""
	}
	return loc.u.Scheme
}

// Host is the authority part of the URI: a bucket, a host:port, or the first
// segment of a relative file path.
func (loc StorageBackendLocation) Host() string { return loc.u.Host }

func (loc StorageBackendLocation) Hostname() string { return loc.u.Hostname() }

func (loc StorageBackendLocation) Port() string { return loc.u.Port() }

func (loc StorageBackendLocation) Path() string { return loc.u.Path }

// Credentials returns the user info of the URI. For s3 that is the access key
// and secret, for vault the token is the user name.
func (loc StorageBackendLocation) Credentials() (user, secret string) {
	if loc.u.User == nil {
		return "", ""
	}
	secret, _ = loc.u.User.Password()
	return loc.u.User.Username(), secret
}

func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.u.Query().Get(name)
}

// GetParamBool reads a boolean query parameter, falling back to def when the
// parameter is absent.
func (loc StorageBackendLocation) GetParamBool(name string, def bool) (bool, error) {
	raw := loc.GetParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("%w: parameter %s=%q is not a boolean", ErrInvalidLocationURI, name, raw)
	}
	return v, nil
}

// GetParamDuration reads a duration query parameter such as timeout=5s.
func (loc StorageBackendLocation) GetParamDuration(name string, def time.Duration) (time.Duration, error) {
	raw := loc.GetParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("%w: parameter %s=%q is not a duration", ErrInvalidLocationURI, name, raw)
	}
	return v, nil
}

// StorageBackend archives signed tokens by content address. Storing the same
// bytes twice yields the same ContentID.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
	Available(ctx context.Context) bool
	// Name identifies the backend in logs.
	Name() string
	LocationURI() string
}
