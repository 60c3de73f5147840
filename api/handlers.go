package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hoamxTrav/hoamx-watcher-agent/watcher"
)

// Handlers exposes the watcher core over HTTP
type Handlers struct {
	agent *watcher.Agent
}

// NewHandlers creates a new Handlers instance
func NewHandlers(agent *watcher.Agent) *Handlers {
	return &Handlers{agent: agent}
}

// maxBatchSize bounds a single triggered run; larger backlogs drain
// across successive runs.
const maxBatchSize = 500

// runRequest is the trigger payload
type runRequest struct {
	Tenant      string `json:"tenant"`
	BatchSize   int    `json:"batch_size,omitempty"`
	EmitFullRow *bool  `json:"emit_full_row,omitempty"`
}

// handleRun triggers one watcher run and returns its summary
func (h *Handlers) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Tenant == "" {
		writeErrorResponse(w, http.StatusBadRequest, "tenant is required")
		return
	}
	if req.BatchSize < 0 {
		writeErrorResponse(w, http.StatusBadRequest, "batch_size must be positive")
		return
	}
	if req.BatchSize > maxBatchSize {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("batch_size must not exceed %d", maxBatchSize))
		return
	}

	requestID := r.Header.Get("x-request-id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	summary, err := h.agent.Run(r.Context(), watcher.Request{
		Tenant:      req.Tenant,
		BatchSize:   req.BatchSize,
		EmitFullRow: req.EmitFullRow,
		RequestID:   requestID,
	})
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Run request failed")
		writeRunError(w, summary, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, summary)
}

// handleHealthz is a liveness probe
func (h *Handlers) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, map[string]any{"error": message})
}

func writeRunError(w http.ResponseWriter, summary watcher.Summary, err error) {
	writeJSONResponse(w, http.StatusInternalServerError, map[string]any{
		"error":   err.Error(),
		"summary": summary,
	})
}
