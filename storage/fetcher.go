package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/confidential-executor/interfaces"
)

// Fetcher resolves registry locators through a storage backend.
// It implements interfaces.BlobFetcher.
type Fetcher struct {
	backend  interfaces.StorageBackend
	maxBytes int
	log      *slog.Logger
}

func NewFetcher(backend interfaces.StorageBackend, log *slog.Logger) *Fetcher {
	return (&Fetcher{backend: backend, log: log}).WithMaxBytes(DefaultMaxEnvelopeBytes)
}

// WithMaxBytes overrides DefaultMaxEnvelopeBytes. Backends that support a
// limit stop reading once it is exceeded; the result is checked again here
// for those that do not.
func (f *Fetcher) WithMaxBytes(n int) *Fetcher {
	f.maxBytes = n
	if l, ok := f.backend.(sizeLimiter); ok {
		l.SetMaxBytes(int64(n))
	}
	return f
}

// Fetch returns the envelope a locator points at. Every failure wraps
// interfaces.ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	loc, err := interfaces.ParseBlobLocation(locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrFetch, err)
	}

	start := time.Now()
	data, err := f.backend.Fetch(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrFetch, locator, err)
	}
	if f.maxBytes > 0 && len(data) > f.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", interfaces.ErrFetch, locator, len(data), f.maxBytes)
	}

	f.log.Debug("Envelope fetched",
		slog.String("locator", locator),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}
