package executorhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/ruteri/confidential-executor/sessions"
)

// Client calls the execution API of an orchestrator.
type Client struct {
	BaseURL string
	Client  *http.Client
}

// NewClient creates a client. timeout must cover a whole execution.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// Execute requests one execution. A failed execution is returned as a
// result, not as an error; the error is reserved for transport failures.
func (c *Client) Execute(ctx context.Context, datasetID, applicationID interfaces.AssetID, requester common.Address, params map[string]any) (*interfaces.ExecutionResult, error) {
	body, err := json.Marshal(&ExecuteRequest{
		DatasetID:     datasetID,
		ApplicationID: applicationID,
		UserAddress:   requester.Hex(),
		Params:        params,
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode request: %w", err)
	}

	status, respBody, err := c.post(ctx, "/api/execute", body)
	if err != nil {
		return nil, err
	}

	var result interfaces.ExecutionResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: executor returned %d: %s", interfaces.ErrTransport, status, strings.TrimSpace(string(respBody)))
	}
	return &result, nil
}

// RegisterAsset sends an asset key to the orchestrator for custody. signature
// is the owner's, see cryptoutils.SignRegistration.
func (c *Client) RegisterAsset(ctx context.Context, id interfaces.AssetID, key, signature []byte) (*sessions.AssetRegistration, error) {
	body, err := json.Marshal(&RegisterRequest{
		AssetID:   id,
		Key:       cryptoutils.EncodeKey(key),
		Signature: hexutil.Encode(signature),
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode request: %w", err)
	}

	status, respBody, err := c.post(ctx, "/api/assets/register", body)
	if err != nil {
		return nil, err
	}

	if status >= http.StatusBadRequest {
		var e ErrorResponse
		if err := json.Unmarshal(respBody, &e); err != nil || interfaces.SentinelFor(e.ErrorKind) == nil {
			return nil, fmt.Errorf("executor returned %d: %s", status, strings.TrimSpace(string(respBody)))
		}
		return nil, interfaces.ErrorFromKind(e.ErrorKind, e.Error)
	}

	var registration sessions.AssetRegistration
	if err := json.Unmarshal(respBody, &registration); err != nil {
		return nil, fmt.Errorf("%w: could not parse executor response: %v", interfaces.ErrTransport, err)
	}
	return &registration, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: could not reach executor: %v", interfaces.ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8*maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: could not read executor response: %v", interfaces.ErrTransport, err)
	}
	return resp.StatusCode, respBody, nil
}
