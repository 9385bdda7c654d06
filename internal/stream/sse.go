// Package stream delivers a progress subscription to a browser, either as
// server-sent events or over a websocket.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/clipforge/internal/metrics"
	"github.com/dukerupert/clipforge/internal/progress"
)

const (
	heartbeatInterval = 15 * time.Second
	writeTimeout      = 10 * time.Second
)

var ErrStreamingUnsupported = errors.New("stream: response writer cannot flush")

// ServeSSE writes sub's events as server-sent events until the stream closes
// or the client disconnects. Disconnecting closes sub; it does not stop the
// job's backend call.
func ServeSSE(w http.ResponseWriter, r *http.Request, sub *progress.Subscription, logger *slog.Logger) error {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Generation outlives the server's default write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug("disable write deadline for SSE", "error", err)
	}
	flusher.Flush()

	metrics.ProgressStreamsActive.Inc()
	defer metrics.ProgressStreamsActive.Dec()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	write := func(p []byte) error {
		_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := w.Write(p); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal progress event: %w", err)
			}
			if err := write([]byte("data: " + string(data) + "\n\n")); err != nil {
				logger.Debug("SSE write failed; client gone", "error", err)
				return err
			}
		case <-heartbeat.C:
			if err := write([]byte(": keep-alive\n\n")); err != nil {
				logger.Debug("SSE heartbeat failed; client gone", "error", err)
				return err
			}
		case <-r.Context().Done():
			return r.Context().Err()
		}
	}
}
