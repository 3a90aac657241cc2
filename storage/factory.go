package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/oidfed-trust-anchor/interfaces"
)

// StorageBackendFactory creates archive backends from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates the backend a location URI describes.
//
// Supported schemes:
//   - file:// - local directory
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node MFS
//   - vault:// - HashiCorp Vault KV v2
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch {
	case location.IsFile():
		return sf.createFileBackend(location)
	case location.IsS3():
		return sf.createS3Backend(location)
	case location.IsIPFS():
		return sf.createIPFSBackend(location)
	case location.IsVault():
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend %q", interfaces.ErrInvalidLocationURI, location.String())
	}
}

// CreateMultiBackend combines every location that yields a valid backend.
// Invalid locations are logged and skipped; no valid location at all is an error.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))
	for _, location := range locations {
		backend, err := sf.StorageBackendFor(location)
		if err != nil {
			sf.log.Warn("Failed to create storage backend", "err", err, slog.String("locationURI", location.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no valid storage backends", interfaces.ErrInvalidLocationURI)
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

// OpenArchive parses uris and combines the backends they describe.
func OpenArchive(uris []string, logger *slog.Logger) (interfaces.StorageBackend, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return NewStorageBackendFactory(logger).CreateMultiBackend(locations)
}

// createFileBackend handles file:///absolute/path and file://./relative/path.
func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := loc.Path()
	if loc.Host() != "" {
		path = loc.Host() + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, loc)
	}
	return NewFileBackend(path, sf.log)
}

// createS3Backend handles
// s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=us-west-2&endpoint=host:9000&path_style=true
func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	pathStyle, err := loc.GetParamBool("path_style", false)
	if err != nil {
		return nil, err
	}
	cfg := S3Config{
		Bucket:    loc.Host(),
		Prefix:    strings.Trim(loc.Path(), "/"),
		Region:    loc.GetParam("region"),
		Endpoint:  loc.GetParam("endpoint"),
		PathStyle: pathStyle,
	}
	cfg.AccessKey, cfg.SecretKey = loc.Credentials()
	return NewS3Backend(cfg, sf.log)
}

// createIPFSBackend handles ipfs://host:port/mfs-root?timeout=30s.
func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	port := loc.Port()
	if port == "" {
		port = "5001"
	}
	timeout, err := loc.GetParamDuration("timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	return NewIPFSBackend(loc.Hostname(), port, loc.Path(), timeout, sf.log)
}

// createVaultBackend handles vault://[TOKEN@]host:port/mount/path?tls=false.
// TLS is the default.
func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if loc.Host() == "" {
		return nil, fmt.Errorf("%w: vault URI has no host", interfaces.ErrInvalidLocationURI)
	}
	useTLS, err := loc.GetParamBool("tls", true)
	if err != nil {
		return nil, err
	}
	scheme := "https"
	if !useTLS {
		scheme = "http"
	}

	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path(), "/"), "/")
	token, _ := loc.Credentials()
	return NewVaultBackend(scheme+"://"+loc.Host(), mount, dataPath, token, sf.log)
}
