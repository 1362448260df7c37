package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/confidential-executor/interfaces"
)

// MultiStorageBackend implements interfaces.StorageBackend using multiple backends with fallback
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback
func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch tries every available backend serving the locator's scheme, in order.
func (m *MultiStorageBackend) Fetch(ctx context.Context, loc interfaces.BlobLocation) ([]byte, error) {
	start := time.Now()
	var errs []error
	candidates := 0

	for _, backend := range m.backends {
		if backend.Scheme() != loc.Scheme {
			continue
		}
		candidates++

		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("locator", loc.String()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := backend.Fetch(ctx, loc)
		if err == nil {
			m.log.Info("Fetched content",
				slog.String("backend_name", backend.Name()),
				slog.String("locator", loc.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("locator", loc.String()),
			"err", err)
	}

	if candidates == 0 {
		return nil, fmt.Errorf("%w: no backend configured for %s locators", interfaces.ErrInvalidLocator, loc.Scheme)
	}

	m.log.Warn("All backends failed to fetch content",
		slog.String("locator", loc.String()),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("all backends failed to fetch %s: %w", loc, errors.Join(errs...))
}

// Store saves data to all available backends and returns the location from
// the first backend that accepted it.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte) (interfaces.BlobLocation, error) {
	start := time.Now()
	var result interfaces.BlobLocation
	var success bool
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		loc, err := backend.Store(ctx, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}

		if !success {
			result = loc
			success = true
		}
		m.log.Info("Stored content",
			slog.String("backend_name", backend.Name()),
			slog.String("locator", loc.String()),
			slog.Duration("duration", time.Since(start)))
	}

	if !success {
		m.log.Error("All backends failed to store data",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return result, fmt.Errorf("all backends failed to store data: %w", errors.Join(errs...))
	}

	return result, nil
}

// SetMaxBytes applies the size limit to every backend that supports one.
func (m *MultiStorageBackend) SetMaxBytes(n int64) {
	for _, backend := range m.backends {
		if l, ok := backend.(sizeLimiter); ok {
			l.SetMaxBytes(n)
		}
	}
}

// Available checks if any backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// Scheme returns "multi"; Fetch dispatches on the scheme of each locator.
func (m *MultiStorageBackend) Scheme() string {
	return "multi"
}
