package server

import (
	"errors"
	"net/http"

	"github.com/dukerupert/clipforge/internal/media"
	"github.com/dukerupert/clipforge/internal/principal"
)

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Media == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "media storage is not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, media.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, s.logger, media.ErrTooLarge)
			return
		}
		badRequest(w, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "missing file field")
		return
	}
	defer file.Close()

	p, _ := principal.FromContext(r.Context())
	obj, err := s.cfg.Media.Store(r.Context(), p.UserID, header.Filename, file, header.Size)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, obj)
}
