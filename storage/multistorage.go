package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/oidfed-trust-anchor/interfaces"
)

// MultiStorageBackend fans writes out to every available backend and reads
// from the first backend that has the content.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend", backend.Name()))
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		if err == nil {
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	// Not found everywhere stays a not-found for the caller.
	return nil, fmt.Errorf("fetching %s from archive: %w", id, errors.Join(errs...))
}

// Store succeeds if at least one backend stored the data.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	var (
		result  interfaces.ContentID
		success bool
		errs    []error
	)

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend", backend.Name()))
			continue
		}

		id, err := backend.Store(ctx, data, contentType)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to archive to backend", slog.String("backend", backend.Name()), "err", err)
			continue
		}
		if success && result != id {
			m.log.Warn("Inconsistent content ids from backends",
				slog.String("backend", backend.Name()),
				slog.String("expected", result.String()),
				slog.String("actual", id.String()))
			continue
		}
		result, success = id, true
	}

	if !success {
		if len(errs) == 0 {
			return result, interfaces.ErrBackendUnavailable
		}
		return result, fmt.Errorf("all backends failed to store data: %w", errors.Join(errs...))
	}
	return result, nil
}

// Available reports whether any backend is available.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
