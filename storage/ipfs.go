package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/confidential-executor/interfaces"
)

// IPFSBackend implements a storage backend using the InterPlanetary File System (IPFS).
// It can connect to either an IPFS node or a gateway.
type IPFSBackend struct {
	blobLimit

	shell      *shell.Shell
	httpClient *http.Client
	apiURL     string
	gatewayURL string
	log        *slog.Logger
}

// NewIPFSBackend creates an IPFS backend talking to the node API at apiURL.
func NewIPFSBackend(apiURL string, timeout time.Duration, log *slog.Logger) *IPFSBackend {
	client := &http.Client{Timeout: timeout}
	return &IPFSBackend{
		shell:      shell.NewShellWithClient(apiURL, client),
		httpClient: client,
		apiURL:     apiURL,
		log:        log,
	}
}

// NewIPFSGatewayBackend creates a read-only IPFS backend that fetches through
// an HTTP gateway, e.g. http://localhost:8080/ipfs.
func NewIPFSGatewayBackend(gatewayURL string, timeout time.Duration, log *slog.Logger) *IPFSBackend {
	return &IPFSBackend{
		httpClient: &http.Client{Timeout: timeout},
		gatewayURL: strings.TrimSuffix(gatewayURL, "/"),
		log:        log,
	}
}

func (b *IPFSBackend) useGateway() bool {
	return b.gatewayURL != ""
}

// Fetch retrieves an envelope by CID.
// Returns ErrContentNotFound if the content doesn't exist or ErrBackendUnavailable
// if the IPFS node is not accessible.
func (b *IPFSBackend) Fetch(ctx context.Context, loc interfaces.BlobLocation) ([]byte, error) {
	if loc.Scheme != "ipfs" {
		return nil, fmt.Errorf("%w: %s is not an ipfs locator", interfaces.ErrInvalidLocator, loc)
	}

	start := time.Now()
	var data []byte
	var err error
	if b.useGateway() {
		data, err = b.fetchGateway(ctx, loc.CID())
	} else {
		data, err = b.fetchAPI(ctx, loc.CID())
	}
	if err != nil {
		b.log.Debug("IPFS fetch failed",
			slog.String("backend", b.Name()),
			slog.String("cid", loc.CID()),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, err
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("backend", b.Name()),
		slog.String("cid", loc.CID()),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (b *IPFSBackend) fetchAPI(ctx context.Context, cid string) ([]byte, error) {
	resp, err := b.shell.Request("cat", "/ipfs/"+cid).Send(ctx)
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		var apiErr *shell.Error
		if errors.As(err, &apiErr) {
			if isIPFSNotFound(apiErr) {
				return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, cid)
			}
			return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Close()

	data, err := b.readAll(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	return data, nil
}

func isIPFSNotFound(err *shell.Error) bool {
	msg := strings.ToLower(err.Message)
	return strings.Contains(msg, "no link named") || strings.Contains(msg, "not found")
}

func (b *IPFSBackend) fetchGateway(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.gatewayURL+"/"+cid, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocator, err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, cid)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}
	return b.readAll(resp.Body)
}

// Store adds data to IPFS and returns its ipfs:// locator. Gateways are read-only.
func (b *IPFSBackend) Store(_ context.Context, data []byte) (interfaces.BlobLocation, error) {
	if b.useGateway() {
		return interfaces.BlobLocation{}, errors.New("IPFS gateway backend is read-only")
	}

	cid, err := b.shell.Add(bytes.NewReader(data))
	if err != nil {
		return interfaces.BlobLocation{}, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	b.log.Debug("Stored content in IPFS", slog.String("cid", cid), slog.Int("size", len(data)))
	return interfaces.ParseBlobLocation("ipfs://" + cid)
}

// Available checks if the IPFS node is accessible. Gateways are assumed up.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	if b.useGateway() {
		return true
	}
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	if b.useGateway() {
		return "ipfs-gateway-" + b.gatewayURL
	}
	return "ipfs-" + b.apiURL
}

func (b *IPFSBackend) Scheme() string {
	return "ipfs"
}
