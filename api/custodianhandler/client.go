package custodianhandler

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/confidential-executor/interfaces"
)

// Client speaks the custodian protocol over HTTP(S). Typed error responses
// are mapped back to the interfaces sentinel errors; anything that prevents
// a typed answer is reported as interfaces.ErrTransport.
type Client struct {
	BaseURL string
	Client  *http.Client
}

var _ interfaces.CustodianClient = (*Client)(nil)

// NewClient creates a client for the custodian at baseURL. tlsConfig carries
// the client certificate and the pinned custodian CA; it may be nil for
// plain-HTTP development setups.
func NewClient(baseURL string, tlsConfig *tls.Config, timeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (c *Client) GetHead(ctx context.Context, name string) (*interfaces.SessionHead, error) {
	var head interfaces.SessionHead
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(name), "", nil, &head); err != nil {
		return nil, err
	}
	return &head, nil
}

func (c *Client) Submit(ctx context.Context, doc *interfaces.SessionDocument) (*interfaces.SubmitResult, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("could not encode session document: %w", err)
	}

	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/session", "application/json", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Accepted {
		return nil, interfaces.ErrorFromKind(resp.ErrorKind, resp.Error)
	}
	return &interfaces.SubmitResult{Accepted: true, Hash: resp.Hash}, nil
}

func (c *Client) Release(ctx context.Context, session, service string, req *interfaces.ReleaseRequest) (*interfaces.ReleaseResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("could not encode release request: %w", err)
	}

	var resp interfaces.ReleaseResponse
	path := fmt.Sprintf("/release/%s/%s", url.PathEscape(session), url.PathEscape(service))
	if err := c.do(ctx, http.MethodPost, path, "application/json", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: could not reach custodian: %v", interfaces.ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: could not read custodian response: %v", interfaces.ErrTransport, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: could not parse custodian response: %v", interfaces.ErrTransport, err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.ErrorKind == "" {
		return fmt.Errorf("%w: custodian returned %d: %s", interfaces.ErrTransport, status, strings.TrimSpace(string(body)))
	}

	if e.ErrorKind == kindSessionNotFound {
		return fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, strings.TrimPrefix(e.Error, interfaces.ErrSessionNotFound.Error()+": "))
	}
	if interfaces.SentinelFor(e.ErrorKind) == nil {
		return fmt.Errorf("custodian returned %d: %s", status, e.Error)
	}
	return interfaces.ErrorFromKind(e.ErrorKind, e.Error)
}
