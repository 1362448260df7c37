package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrContentNotFound is returned when a locator does not resolve to any content.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocator is returned when a blob locator is malformed or uses an unsupported scheme.
	ErrInvalidLocator = errors.New("invalid blob locator")

	// ErrBlobTooLarge is returned when a blob exceeds the configured size limit.
	ErrBlobTooLarge = errors.New("blob exceeds size limit")
)

// BlobLocation is a parsed envelope locator.
//
// Supported forms:
//   - ipfs://<cid> (a bare CID is read the same way)
//   - s3://<bucket>/<key>
//   - minio://<bucket>/<key>
//   - file:///<absolute path>
type BlobLocation struct {
	Raw    string // Original locator
	Scheme string // Protocol
	Host   string // CID or bucket
	Path   string // Object key or file path
}

// ParseBlobLocation parses a locator as stored in the asset registry.
func ParseBlobLocation(locator string) (BlobLocation, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return BlobLocation{}, fmt.Errorf("%w: empty locator", ErrInvalidLocator)
	}

	if !strings.Contains(locator, "://") {
		// Registry entries written by older tooling hold the bare CID.
		cid := strings.TrimPrefix(locator, "/ipfs/")
		if cid == "" || strings.ContainsAny(cid, "/?#") {
			return BlobLocation{}, fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
		}
		return BlobLocation{Raw: locator, Scheme: "ipfs", Host: cid}, nil
	}

	parsed, err := url.Parse(locator)
	if err != nil {
		return BlobLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}

	loc := BlobLocation{
		Raw:    locator,
		Scheme: strings.ToLower(parsed.Scheme),
		Host:   parsed.Host,
		Path:   parsed.Path,
	}

	switch loc.Scheme {
	case "ipfs":
		if loc.Host == "" {
			return BlobLocation{}, fmt.Errorf("%w: missing CID in %q", ErrInvalidLocator, locator)
		}
	case "s3", "minio":
		if loc.Host == "" || loc.ObjectKey() == "" {
			return BlobLocation{}, fmt.Errorf("%w: expected %s://bucket/key, got %q", ErrInvalidLocator, loc.Scheme, locator)
		}
	case "file":
		if loc.Host != "" || !strings.HasPrefix(loc.Path, "/") {
			return BlobLocation{}, fmt.Errorf("%w: file locators must be absolute, got %q", ErrInvalidLocator, locator)
		}
	default:
		return BlobLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocator, parsed.Scheme)
	}

	return loc, nil
}

// String returns the original locator.
func (loc BlobLocation) String() string {
	return loc.Raw
}

// Bucket returns the bucket of an object-store locator.
func (loc BlobLocation) Bucket() string {
	return loc.Host
}

// ObjectKey returns the object key of an object-store locator.
func (loc BlobLocation) ObjectKey() string {
	return strings.TrimPrefix(loc.Path, "/")
}

// CID returns the content identifier of an IPFS locator, including any sub-path.
func (loc BlobLocation) CID() string {
	if loc.Path == "" || loc.Path == "/" {
		return loc.Host
	}
	return loc.Host + loc.Path
}

// StorageBackend stores and retrieves encrypted envelopes for one locator scheme.
type StorageBackend interface {
	// Fetch retrieves the blob a locator points at.
	Fetch(ctx context.Context, loc BlobLocation) ([]byte, error)

	// Store saves data and returns the locator it can be fetched from.
	Store(ctx context.Context, data []byte) (BlobLocation, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// Scheme returns the locator scheme served by this backend.
	Scheme() string
}

// BlobFetcher resolves registry locators to envelope bytes. Failures are
// reported as ErrFetch.
type BlobFetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}
