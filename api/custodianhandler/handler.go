package custodianhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/interfaces"
	"gopkg.in/yaml.v3"
)

const (
	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024

	// kindSessionNotFound is only used on the wire; the pipeline never
	// surfaces it as an execution error kind.
	kindSessionNotFound interfaces.ErrorKind = "SessionNotFound"
)

// SubmitResponse is the body of POST /session.
type SubmitResponse struct {
	Accepted  bool                 `json:"accepted"`
	Hash      string               `json:"hash,omitempty"`
	ErrorKind interfaces.ErrorKind `json:"error_kind,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	ErrorKind interfaces.ErrorKind `json:"error_kind"`
	Error     string               `json:"error"`
}

// Handler serves the custodian protocol over HTTP.
//
// Session routes are restricted to clients presenting a TLS certificate whose
// SHA-256 fingerprint is in the authorized set. The release route is open to
// any caller; its authorization is the attestation evidence in the body.
type Handler struct {
	custodian  interfaces.CustodianClient
	authorized map[string]struct{}
	log        *slog.Logger
}

// NewHandler creates a handler. authorizedClients holds hex SHA-256
// fingerprints of client certificates allowed to read and submit sessions.
func NewHandler(custodian interfaces.CustodianClient, authorizedClients []string, log *slog.Logger) *Handler {
	authorized := make(map[string]struct{}, len(authorizedClients))
	for _, fp := range authorizedClients {
		authorized[cryptoutils.NormalizeFingerprint(fp)] = struct{}{}
	}
	return &Handler{
		custodian:  custodian,
		authorized: authorized,
		log:        log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireClientCert)
		r.Get("/session/{name}", h.HandleGetSession)
		r.Post("/session", h.HandleSubmitSession)
	})
	r.Post("/release/{name}/{service}", h.HandleRelease)
}

func (h *Handler) requireClientCert(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			h.writeError(w, http.StatusUnauthorized, interfaces.KindAccessDenied, "client certificate required")
			return
		}

		fingerprint := cryptoutils.CertFingerprint(r.TLS.PeerCertificates[0])
		if _, ok := h.authorized[fingerprint]; !ok {
			h.log.Warn("Rejected session client", slog.String("fingerprint", fingerprint))
			h.writeError(w, http.StatusForbidden, interfaces.KindAccessDenied, "client certificate not authorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleGetSession returns the current head of a session with literal secret
// values redacted.
//
// URL format: GET /session/{name}
//
// Response: JSON, see interfaces.SessionHead
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	head, err := h.custodian.GetHead(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, head)
}

// HandleSubmitSession appends a session document to its chain.
//
// URL format: POST /session
//
// Request body: the session document as JSON, or as YAML when Content-Type
// is application/yaml.
//
// Response: JSON, see SubmitResponse. 201 on acceptance, 409 when the
// predecessor is stale, 422 when the document is rejected.
func (h *Handler) HandleSubmitSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, interfaces.KindInvalidRequest, "failed to read request body")
		return
	}

	doc, err := decodeSessionDocument(r.Header.Get("Content-Type"), body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, interfaces.KindInvalidRequest, err.Error())
		return
	}

	result, err := h.custodian.Submit(r.Context(), doc)
	if err != nil {
		status, kind := statusFor(err)
		h.writeJSON(w, status, &SubmitResponse{Accepted: false, ErrorKind: kind, Error: err.Error()})
		return
	}

	h.writeJSON(w, http.StatusCreated, &SubmitResponse{Accepted: true, Hash: result.Hash})
}

// HandleRelease releases a service's secrets to an attested instance.
//
// URL format: POST /release/{name}/{service}
//
// Request body: JSON, see interfaces.ReleaseRequest
//
// Response: JSON, see interfaces.ReleaseResponse
func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	var req interfaces.ReleaseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, interfaces.KindInvalidRequest, fmt.Sprintf("invalid release request: %v", err))
		return
	}

	resp, err := h.custodian.Release(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "service"), &req)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func decodeSessionDocument(contentType string, body []byte) (*interfaces.SessionDocument, error) {
	if len(body) == 0 {
		return nil, errors.New("empty session document")
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)

	var doc interfaces.SessionDocument
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		if err := yaml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML session document: %w", err)
		}
	default:
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON session document: %w", err)
		}
	}
	return &doc, nil
}

func statusFor(err error) (int, interfaces.ErrorKind) {
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		return http.StatusNotFound, kindSessionNotFound
	}

	kind := interfaces.KindOf(err)
	switch kind {
	case interfaces.KindVersionConflict:
		return http.StatusConflict, kind
	case interfaces.KindPolicyRejected:
		return http.StatusUnprocessableEntity, kind
	case interfaces.KindKeyNotReleased:
		return http.StatusForbidden, kind
	case interfaces.KindTransportError:
		return http.StatusBadGateway, kind
	case interfaces.KindInvalidRequest:
		return http.StatusBadRequest, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Custodian request failed", "err", err)
	}
	h.writeError(w, status, kind, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, status int, kind interfaces.ErrorKind, msg string) {
	h.writeJSON(w, status, &ErrorResponse{ErrorKind: kind, Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
