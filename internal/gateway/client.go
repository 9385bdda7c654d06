// Package gateway is the single chokepoint for outbound calls to the backend
// service. Every call is bounded by a timeout budget, carries the caller's
// identity, and fails with a *Error of a closed Kind set.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dukerupert/clipforge/internal/metrics"
	"github.com/dukerupert/clipforge/internal/principal"
)

const (
	HeaderUserID         = "X-User-Id"
	HeaderUserEmail      = "X-User-Email"
	HeaderIdempotencyKey = "Idempotency-Key"

	maxResponseBytes = 10 << 20
)

// Request describes one backend call. Exactly one of JSON or Body is used;
// JSON wins when both are set.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Budget Budget

	// JSON is encoded once and sent as application/json.
	JSON any
	// Body is forwarded byte-for-byte with ContentType (multipart uploads).
	Body        io.Reader
	ContentType string

	IdempotencyKey string
}

// JSONRequest builds a request with a JSON body (nil for none).
func JSONRequest(method, path string, budget Budget, body any) Request {
	return Request{Method: method, Path: path, Budget: budget, JSON: body}
}

// RawRequest builds a request whose body is streamed through untouched.
func RawRequest(method, path string, budget Budget, contentType string, body io.Reader) Request {
	return Request{Method: method, Path: path, Budget: budget, Body: body, ContentType: contentType}
}

// Result is a successful (2xx) backend response.
type Result struct {
	Status int
	Header http.Header
	// Body is the trimmed JSON payload, empty when the backend sent none.
	Body json.RawMessage
}

// Decode unmarshals the body into v.
func (r *Result) Decode(v any) error {
	if len(r.Body) == 0 {
		return &Error{Kind: Malformed, Message: "empty response body"}
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &Error{Kind: Malformed, Message: "decode response", Err: err}
	}
	return nil
}

// Client calls the backend. It holds no per-call state; the counters only
// account for timers.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	budgets    map[Budget]time.Duration
	logger     *slog.Logger

	armed  atomic.Int64
	active atomic.Int64
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAPIKey sends the service credential as a bearer token on every call.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithBudget overrides the duration of one budget.
func WithBudget(b Budget, d time.Duration) Option {
	return func(c *Client) {
		c.budgets[b] = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		budgets:    make(map[Budget]time.Duration, len(defaultBudgets)),
		logger:     slog.Default(),
	}
	for b, d := range defaultBudgets {
		c.budgets[b] = d
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BudgetDuration returns the effective duration of b for this client.
func (c *Client) BudgetDuration(b Budget) time.Duration {
	if d, ok := c.budgets[b]; ok && d > 0 {
		return d
	}
	return b.Duration()
}

// ArmedTimers is the total number of call timers ever armed.
func (c *Client) ArmedTimers() int64 { return c.armed.Load() }

// ActiveTimers is the number of call timers armed and not yet disarmed.
func (c *Client) ActiveTimers() int64 { return c.active.Load() }

// Call performs req on behalf of p. Requests without a valid principal fail
// with Unauthorized before any network activity. Calls are never retried.
func (c *Client) Call(ctx context.Context, req Request, p principal.Principal) (*Result, error) {
	if !p.Valid() {
		metrics.GatewayRequestsTotal.WithLabelValues(req.Budget.String(), Unauthorized.String()).Inc()
		return nil, &Error{Kind: Unauthorized, Message: "missing or invalid principal"}
	}

	body, contentType, err := req.encode()
	if err != nil {
		return nil, err
	}

	ctx, disarm := c.arm(ctx, c.BudgetDuration(req.Budget))
	defer disarm()

	start := time.Now()
	res, err := c.do(ctx, req, p, body, contentType)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		kind, _ := KindOf(err)
		outcome = kind.String()
	}
	metrics.GatewayRequestsTotal.WithLabelValues(req.Budget.String(), outcome).Inc()
	metrics.GatewayDuration.WithLabelValues(req.Budget.String()).Observe(elapsed.Seconds())

	if err != nil {
		c.logger.Debug("backend call failed",
			"method", req.Method,
			"path", req.Path,
			"budget", req.Budget.String(),
			"duration", elapsed,
			"error", err,
		)
	}
	return res, err
}

// arm starts the call timer. The returned func disarms it and must run on
// every path.
func (c *Client) arm(parent context.Context, d time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(parent, d)
	c.armed.Add(1)
	c.active.Add(1)
	metrics.GatewayActiveTimers.Inc()
	return ctx, func() {
		cancel()
		c.active.Add(-1)
		metrics.GatewayActiveTimers.Dec()
	}
}

func (r Request) encode() (io.Reader, string, error) {
	if r.JSON != nil {
		data, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, "", &Error{Kind: Malformed, Message: "encode request body", Err: err}
		}
		return bytes.NewReader(data), "application/json", nil
	}
	if r.Body != nil {
		return r.Body, r.ContentType, nil
	}
	return nil, "", nil
}

func (c *Client) do(ctx context.Context, req Request, p principal.Principal, body io.Reader, contentType string) (*Result, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &Error{Kind: BackendUnreachable, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderUserID, p.UserID)
	httpReq.Header.Set(HeaderUserEmail, p.Email)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:    BackendRejected,
			Status:  resp.StatusCode,
			Message: rejectionMessage(data, resp.Status),
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && !json.Valid(trimmed) {
		return nil, &Error{Kind: Malformed, Message: "response is not valid JSON"}
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header, Body: json.RawMessage(trimmed)}, nil
}

// classifyTransport maps a network-level failure to Timeout or
// BackendUnreachable.
func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Message: "backend did not respond within the time budget", Err: context.DeadlineExceeded}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Kind: BackendUnreachable, Message: "call canceled", Err: context.Canceled}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: Timeout, Message: "backend did not respond within the time budget", Err: err}
	}
	return &Error{Kind: BackendUnreachable, Message: "backend unreachable", Err: err}
}
