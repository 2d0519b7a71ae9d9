// Package httpapi is a deliberately minimal net/http surface over the
// gateway's upstream contract. Uploads, template listing, and auth are
// out of scope; this package exists only to show the contract wired to
// net/http, not to be a complete API.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/corewell/genforge/internal/gateway"
	"github.com/corewell/genforge/internal/gatewayerr"
	"github.com/corewell/genforge/internal/logging"
)

// Handler exposes a small subset of the gateway contract over HTTP.
type Handler struct {
	gw *gateway.Gateway
}

// New builds a Handler over gw.
func New(gw *gateway.Gateway) *Handler {
	return &Handler{gw: gw}
}

// Routes registers this handler's endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/process", h.handleProcess)
	mux.HandleFunc("/v1/backends", h.handleBackends)
	mux.HandleFunc("/v1/status", h.handleStatus)
}

type processRequest struct {
	Mode              string `json:"mode"`
	TargetFilename    string `json:"target_filename"`
	VideoTargetNodeID string `json:"video_target_node_id,omitempty"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	result, err := h.gw.Process(r.Context(), gateway.ProcessOptions{
		Mode:              gateway.Mode(req.Mode),
		TargetFilename:    req.TargetFilename,
		VideoTargetNodeID: req.VideoTargetNodeID,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":          result.JobID,
		"backend_address": result.BackendAddress,
		"has_artifact":    len(result.ArtifactBytes) > 0,
	})
}

func (h *Handler) handleBackends(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		address := r.URL.Query().Get("address")
		if address == "" {
			http.Error(w, "address query parameter required", http.StatusBadRequest)
			return
		}
		h.gw.AddBackend(address)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		address := r.URL.Query().Get("address")
		if address == "" {
			http.Error(w, "address query parameter required", http.StatusBadRequest)
			return
		}
		h.gw.RemoveBackend(address)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.StatusSnapshot())
}

func writeGatewayError(w http.ResponseWriter, err error) {
	log := logging.WithComponent("httpapi")
	log.Warn().Err(err).Msg("process request failed")

	switch {
	case errors.Is(err, gatewayerr.ErrNoBackendAvailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		var timeoutErr *gatewayerr.TimeoutError
		if errors.As(err, &timeoutErr) {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
