package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dukerupert/clipforge/internal/gateway"
	"github.com/dukerupert/clipforge/internal/principal"
)

// handleUsage returns the caller's limits. A backend failure still answers
// 200 with the fallback limits, flagged degraded or with an error note.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	limits, err := s.cfg.Usage.CheckLimits(r.Context(), p, "")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func (s *Server) handleUserUsage(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	limits, err := s.cfg.Usage.CheckLimits(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

type incrementRequest struct {
	OperationID string `json:"operation_id"`
}

// handleIncrement consumes one unit for the caller. The operation id comes
// from the body or the Idempotency-Key header; a repeated id is not counted
// twice by the backend.
func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	var req incrementRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
			bodyError(w, err, "invalid JSON")
			return
		}
	}
	opID := strings.TrimSpace(req.OperationID)
	if opID == "" {
		opID = strings.TrimSpace(r.Header.Get(gateway.HeaderIdempotencyKey))
	}
	if opID == "" {
		opID = uuid.NewString()
	}

	p, _ := principal.FromContext(r.Context())
	limits, err := s.cfg.Usage.IncrementUsage(r.Context(), p, "", opID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}
