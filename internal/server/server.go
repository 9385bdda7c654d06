// Package server exposes the gateway layer over HTTP.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	ws "github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/clipforge/internal/billing"
	billingstripe "github.com/dukerupert/clipforge/internal/billing/stripe"
	"github.com/dukerupert/clipforge/internal/entitlement"
	"github.com/dukerupert/clipforge/internal/generation"
	"github.com/dukerupert/clipforge/internal/media"
	"github.com/dukerupert/clipforge/internal/middleware"
	"github.com/dukerupert/clipforge/internal/principal"
	"github.com/dukerupert/clipforge/internal/progress"
)

type Usage interface {
	CheckLimits(ctx context.Context, p principal.Principal, userID string) (entitlement.UsageLimits, error)
	IncrementUsage(ctx context.Context, p principal.Principal, userID, operationID string) (entitlement.UsageLimits, error)
}

type Generator interface {
	Start(ctx context.Context, p principal.Principal, req generation.Request) (*progress.Job, *progress.Subscription, error)
}

type Webhooks interface {
	Handle(ctx context.Context, payload []byte, sigHeader string) (billing.Result, error)
}

type Checkout interface {
	CreateCheckoutSession(ctx context.Context, p principal.Principal, req billingstripe.CheckoutRequest) (string, error)
}

type MediaSink interface {
	Store(ctx context.Context, userID, filename string, r io.Reader, size int64) (media.Object, error)
}

// Config wires the server's collaborators. Webhooks, Checkout and Media are
// optional; their routes answer 503 when unset.
type Config struct {
	Gateway       entitlement.Caller
	Usage         Usage
	Generator     Generator
	Webhooks      Webhooks
	Checkout      Checkout
	Media         MediaSink
	SessionSecret []byte
	// RateLimit is the per-minute allowance per caller on generation routes.
	RateLimit int
	// MaxUploadBytes caps bodies forwarded to the backend upload route.
	MaxUploadBytes int64
	// OriginPatterns restricts websocket origins; empty means same-origin only.
	OriginPatterns []string
}

type Server struct {
	cfg         Config
	validate    *validator.Validate
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBody
	}
	return &Server{
		cfg:         cfg,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	authMw := middleware.RequirePrincipal(s.cfg.SessionSecret)
	protect := func(h http.HandlerFunc) http.Handler { return authMw(h) }
	limitByCaller := middleware.RateLimit(s.rateLimiter, middleware.ByPrincipal, s.cfg.RateLimit, time.Minute)

	mux.HandleFunc("GET /health", s.healthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	// Signature verification is the only gate on callbacks.
	mux.HandleFunc("POST /webhooks/stripe", s.handleStripeWebhook)

	// Generation streams
	mux.Handle("POST /api/videos/generate", authMw(limitByCaller(http.HandlerFunc(s.handleGenerateSSE))))
	mux.Handle("GET /api/videos/generate/ws", authMw(limitByCaller(http.HandlerFunc(s.handleGenerateWS))))

	// Usage
	mux.Handle("GET /api/usage", protect(s.handleUsage))
	mux.Handle("GET /api/users/{id}/usage", protect(s.handleUserUsage))
	mux.Handle("POST /api/usage/increment", protect(s.handleIncrement))

	// Backend pass-through
	for _, route := range passthroughRoutes {
		mux.Handle(route.pattern, protect(s.passthrough(route.budget)))
	}
	mux.Handle("POST /api/uploads", protect(s.handleUpload))

	mux.Handle("POST /api/media", protect(s.handleMedia))
	mux.Handle("POST /api/checkout", protect(s.handleCheckout))

	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) acceptOptions() *ws.AcceptOptions {
	return &ws.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v)
}
