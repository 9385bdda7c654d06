package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/dukerupert/clipforge/internal/gateway"
	"github.com/dukerupert/clipforge/internal/principal"
)

const defaultMaxUploadBody = 512 << 20

var passthroughRoutes = []struct {
	pattern string
	budget  gateway.Budget
}{
	{"GET /api/videos", gateway.Normal},
	{"GET /api/videos/{id}", gateway.Quick},
	{"DELETE /api/videos/{id}", gateway.Normal},
	{"POST /api/projects", gateway.LongInit},
	{"POST /api/videos/{id}/process", gateway.Processing},
}

// passthrough forwards the request path, query and JSON body to the backend
// under budget and relays the backend's answer.
func (s *Server) passthrough(budget gateway.Budget) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := gateway.Request{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.Query(),
			Budget: budget,
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
			if err != nil {
				bodyError(w, err, "read body")
				return
			}
			if body = bytes.TrimSpace(body); len(body) > 0 {
				if !json.Valid(body) {
					badRequest(w, "invalid JSON")
					return
				}
				req.JSON = json.RawMessage(body)
			}
		}

		p, _ := principal.FromContext(r.Context())
		res, err := s.cfg.Gateway.Call(r.Context(), req, p)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeRaw(w, res.Status, res.Body)
	}
}

// handleUpload forwards a multipart upload byte-for-byte.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		badRequest(w, "missing Content-Type")
		return
	}
	if r.ContentLength > s.cfg.MaxUploadBytes {
		tooLarge(w)
		return
	}
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	p, _ := principal.FromContext(r.Context())
	req := gateway.RawRequest(http.MethodPost, "/api/uploads", gateway.Upload, ct, body)
	res, err := s.cfg.Gateway.Call(r.Context(), req, p)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeRaw(w, res.Status, res.Body)
}
