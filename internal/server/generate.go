package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dukerupert/clipforge/internal/generation"
	"github.com/dukerupert/clipforge/internal/principal"
	"github.com/dukerupert/clipforge/internal/progress"
	"github.com/dukerupert/clipforge/internal/stream"
)

const maxJSONBody = 1 << 20

// handleGenerateSSE starts a generation and streams its progress as
// server-sent events. Errors before the job starts are plain JSON.
func (s *Server) handleGenerateSSE(w http.ResponseWriter, r *http.Request) {
	var req generation.Request
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		bodyError(w, err, "invalid JSON")
		return
	}

	job, sub, ok := s.startJob(w, r, req)
	if !ok {
		return
	}
	if err := stream.ServeSSE(w, r, sub, s.logger); err != nil {
		s.logger.Debug("progress stream closed early", "job_id", job.ID(), "error", err)
	}
}

// handleGenerateWS is the websocket variant; the request comes from the
// query string since browsers cannot send a body with the upgrade.
func (s *Server) handleGenerateWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := generation.Request{
		Prompt:   q.Get("prompt"),
		Style:    q.Get("style"),
		ImageURL: q.Get("image_url"),
	}
	if d := q.Get("duration_seconds"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			badRequest(w, "duration_seconds must be a number")
			return
		}
		req.DurationSeconds = n
	}

	job, sub, ok := s.startJob(w, r, req)
	if !ok {
		return
	}
	if err := stream.ServeWebSocket(w, r, sub, s.acceptOptions(), s.logger); err != nil {
		s.logger.Debug("progress websocket closed early", "job_id", job.ID(), "error", err)
	}
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request, req generation.Request) (*progress.Job, *progress.Subscription, bool) {
	p, _ := principal.FromContext(r.Context())
	job, sub, err := s.cfg.Generator.Start(r.Context(), p, req)
	if err != nil {
		writeError(w, s.logger, err)
		return nil, nil, false
	}

	// The job outlives this request if the client leaves: the backend call
	// is billed and not safely abortable.
	go job.Run(context.WithoutCancel(r.Context()))
	return job, sub, true
}
