package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/clipforge/internal/metrics"
	"github.com/dukerupert/clipforge/internal/progress"
)

const pingInterval = 30 * time.Second

// ServeWebSocket upgrades the connection and sends each event of sub as a
// text message. The connection is closed normally after the terminal event.
func ServeWebSocket(w http.ResponseWriter, r *http.Request, sub *progress.Subscription, opts *ws.AcceptOptions, logger *slog.Logger) error {
	defer sub.Close()

	conn, err := ws.Accept(w, r, opts)
	if err != nil {
		logger.Warn("websocket accept", "error", err)
		return err
	}
	defer conn.CloseNow()

	metrics.ProgressStreamsActive.Inc()
	defer metrics.ProgressStreamsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go readPump(ctx, cancel, conn)
	if err := writePump(ctx, conn, sub); err != nil {
		logger.Debug("websocket stream ended early", "error", err)
		return err
	}
	return conn.Close(ws.StatusNormalClosure, "stream complete")
}

// readPump discards client messages. It returns, and cancels the stream, when
// the client closes the connection.
func readPump(ctx context.Context, cancel context.CancelFunc, conn *ws.Conn) {
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// writePump drains the subscription and keeps the connection alive with pings.
func writePump(ctx context.Context, conn *ws.Conn, sub *progress.Subscription) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, ws.MessageText, data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
