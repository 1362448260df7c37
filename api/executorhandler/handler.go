// Package executorhandler serves the public execution API of the
// orchestrator.
package executorhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/ruteri/confidential-executor/sessions"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Executor is the orchestrator as seen by the HTTP layer.
type Executor interface {
	Execute(ctx context.Context, req *interfaces.ExecutionRequest) *interfaces.ExecutionResult
	RegisterAsset(ctx context.Context, id interfaces.AssetID, key, signature []byte) (*sessions.AssetRegistration, error)
}

// ExecuteRequest is the body of POST /api/execute. Asset ids may be numbers
// or decimal strings.
type ExecuteRequest struct {
	DatasetID     interfaces.AssetID `json:"datasetId"`
	ApplicationID interfaces.AssetID `json:"applicationId"`
	UserAddress   string             `json:"userAddress"`
	Params        map[string]any     `json:"params,omitempty"`
}

// RegisterRequest is the body of POST /api/assets/register. Key is the
// base64 encoded 32-byte asset key. Signature is the owner's 0x-prefixed
// signature, see cryptoutils.SignRegistration.
type RegisterRequest struct {
	AssetID   interfaces.AssetID `json:"assetId"`
	Key       string             `json:"key"`
	Signature string             `json:"signature"`
}

// ErrorResponse is returned by routes that do not answer with an
// execution result.
type ErrorResponse struct {
	ErrorKind interfaces.ErrorKind `json:"error_kind"`
	Error     string               `json:"error"`
}

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

type Handler struct {
	executor Executor
	log      *slog.Logger
}

func NewHandler(executor Executor, log *slog.Logger) *Handler {
	return &Handler{
		executor: executor,
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/execute", h.HandleExecute)
	r.Post("/api/assets/register", h.HandleRegisterAsset)
	r.Get("/health", h.HandleHealth)
}

// HandleExecute runs one execution synchronously.
//
// URL format: POST /api/execute
//
// Response: always an execution result. 200 on success, otherwise a status
// derived from the result's error kind.
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExecuteRequest(w, r)
	if err != nil {
		result := interfaces.NewFailureResult(err)
		h.writeJSON(w, StatusForKind(result.ErrorKind), result)
		return
	}

	result := h.executor.Execute(r.Context(), req)
	status := http.StatusOK
	if !result.Success {
		status = StatusForKind(result.ErrorKind)
	}
	h.writeJSON(w, status, result)
}

func decodeExecuteRequest(w http.ResponseWriter, r *http.Request) (*interfaces.ExecutionRequest, error) {
	var body ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: malformed request body: %v", interfaces.ErrInvalidRequest, err)
	}
	if !common.IsHexAddress(body.UserAddress) {
		return nil, fmt.Errorf("%w: userAddress %q is not a hex address", interfaces.ErrInvalidRequest, body.UserAddress)
	}
	return &interfaces.ExecutionRequest{
		DatasetAssetID:     body.DatasetID,
		ApplicationAssetID: body.ApplicationID,
		Requester:          common.HexToAddress(body.UserAddress),
		Params:             body.Params,
	}, nil
}

// HandleRegisterAsset places an asset key in custody on behalf of the
// asset's registry owner.
//
// URL format: POST /api/assets/register
//
// Response: JSON, see sessions.AssetRegistration. 201 when a session was
// created, 200 when the asset was already registered, 403 when the signer is
// not the owner.
func (h *Handler) HandleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	id, key, signature, err := decodeRegisterRequest(w, r)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	defer cryptoutils.Zero(key)

	registration, err := h.executor.RegisterAsset(r.Context(), id, key, signature)
	if err != nil {
		if errors.Is(err, interfaces.ErrAccessDenied) {
			h.log.Warn("Asset registration refused", slog.Uint64("asset_id", uint64(id)), "err", err)
		}
		h.writeFailure(w, err)
		return
	}

	h.log.Info("Asset registered",
		slog.Uint64("asset_id", uint64(id)),
		slog.String("session", registration.SessionName),
		slog.Bool("created", registration.Created))

	status := http.StatusOK
	if registration.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, registration)
}

func decodeRegisterRequest(w http.ResponseWriter, r *http.Request) (interfaces.AssetID, []byte, []byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return 0, nil, nil, &RequestError{http.StatusRequestEntityTooLarge, fmt.Errorf("%w: %v", interfaces.ErrInvalidRequest, err)}
	}

	var req RegisterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, nil, fmt.Errorf("%w: malformed request body: %v", interfaces.ErrInvalidRequest, err)
	}
	if req.AssetID == 0 {
		return 0, nil, nil, fmt.Errorf("%w: assetId is required", interfaces.ErrInvalidRequest)
	}

	signature, err := hexutil.Decode(req.Signature)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: signature: %v", interfaces.ErrInvalidRequest, err)
	}
	key, err := cryptoutils.DecodeKey(req.Key)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidRequest, err)
	}
	return req.AssetID, key, signature, nil
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusForKind maps an error kind to the HTTP status of a failed request.
func StatusForKind(kind interfaces.ErrorKind) int {
	switch kind {
	case interfaces.KindInvalidRequest:
		return http.StatusBadRequest
	case interfaces.KindAccessDenied, interfaces.KindKeyNotReleased:
		return http.StatusForbidden
	case interfaces.KindAssetInactive:
		return http.StatusGone
	case interfaces.KindVersionConflict:
		return http.StatusConflict
	case interfaces.KindPolicyRejected, interfaces.KindAuthenticationFailed, interfaces.KindRuntimeFault:
		return http.StatusUnprocessableEntity
	case interfaces.KindFetchError, interfaces.KindTransportError:
		return http.StatusBadGateway
	case interfaces.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	kind := interfaces.KindOf(err)
	status := StatusForKind(kind)

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.StatusCode
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err)
	}
	h.writeJSON(w, status, &ErrorResponse{ErrorKind: kind, Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
