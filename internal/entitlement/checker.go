// Package entitlement reads and advances per-user usage counters through the
// backend gateway, degrading to a conservative default when the backend
// cannot answer a limit check.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dukerupert/clipforge/internal/gateway"
	"github.com/dukerupert/clipforge/internal/metrics"
	"github.com/dukerupert/clipforge/internal/principal"
)

// ErrForbidden is returned when a principal addresses another user's usage.
var ErrForbidden = errors.New("entitlement: principal may only access its own usage")

// Caller is the subset of *gateway.Client the checker needs.
type Caller interface {
	Call(ctx context.Context, req gateway.Request, p principal.Principal) (*gateway.Result, error)
}

type Checker struct {
	gw     Caller
	logger *slog.Logger
}

func NewChecker(gw Caller, logger *slog.Logger) *Checker {
	return &Checker{gw: gw, logger: logger}
}

// CheckLimits returns the usage limits of userID ("" means the caller).
// Backend failures never surface as errors: a timeout yields the default
// marked Degraded, any other failure yields the default with only Error set.
// Only an invalid principal or a foreign userID is an error.
func (c *Checker) CheckLimits(ctx context.Context, p principal.Principal, userID string) (UsageLimits, error) {
	if err := authorize(p, userID); err != nil {
		return UsageLimits{}, err
	}

	res, err := c.gw.Call(ctx, gateway.JSONRequest(http.MethodGet, usagePath(p.UserID), gateway.Quick, nil), p)
	if err != nil {
		return c.fallback(p, err), nil
	}

	var limits UsageLimits
	if err := res.Decode(&limits); err != nil {
		return c.fallback(p, err), nil
	}
	limits.Degraded = false
	limits.Error = ""
	return limits.normalize(), nil
}

// IncrementUsage records one consumed video for userID ("" means the caller).
// It must only run after the consuming operation succeeded. operationID is
// sent as the idempotency key so the backend can discard a repeated
// increment for the same operation. Failures are returned as-is and never
// retried here; see IncrementUncertain.
func (c *Checker) IncrementUsage(ctx context.Context, p principal.Principal, userID, operationID string) (UsageLimits, error) {
	if err := authorize(p, userID); err != nil {
		return UsageLimits{}, err
	}

	req := gateway.JSONRequest(http.MethodPost, usagePath(p.UserID)+"/increment", gateway.Normal, nil)
	req.IdempotencyKey = operationID

	res, err := c.gw.Call(ctx, req, p)
	if err != nil {
		if IncrementUncertain(err) {
			c.logger.Warn("usage increment outcome unknown; not retrying",
				"user_id", p.UserID,
				"operation_id", operationID,
				"error", err,
			)
		}
		return UsageLimits{}, fmt.Errorf("increment usage: %w", err)
	}

	var limits UsageLimits
	if err := res.Decode(&limits); err != nil {
		return UsageLimits{}, fmt.Errorf("increment usage: %w", err)
	}
	limits.Degraded = false
	limits.Error = ""
	return limits.normalize(), nil
}

// IncrementUncertain reports whether a failed increment may nevertheless have
// been applied by the backend. Callers must not blindly retry such failures.
func IncrementUncertain(err error) bool {
	kind, ok := gateway.KindOf(err)
	if !ok {
		return false
	}
	return kind == gateway.Timeout || kind == gateway.Malformed
}

func authorize(p principal.Principal, userID string) error {
	if !p.Valid() {
		return &gateway.Error{Kind: gateway.Unauthorized, Message: "missing or invalid principal"}
	}
	if userID != "" && userID != p.UserID {
		return ErrForbidden
	}
	return nil
}

func (c *Checker) fallback(p principal.Principal, err error) UsageLimits {
	limits := DefaultLimits()
	reason := "error"
	if gateway.IsKind(err, gateway.Timeout) {
		limits.Degraded = true
		limits.Error = "Usage limits could not be verified in time; showing default allowance"
		reason = "timeout"
	} else {
		limits.Error = "Usage limits are temporarily unavailable; showing default allowance"
		if kind, ok := gateway.KindOf(err); ok {
			reason = kind.String()
		}
	}
	metrics.EntitlementFallbacksTotal.WithLabelValues(reason).Inc()
	c.logger.Warn("usage limit check failed; using default limits",
		"user_id", p.UserID,
		"degraded", limits.Degraded,
		"error", err,
	)
	return limits
}

func usagePath(userID string) string {
	return "/api/usage/" + url.PathEscape(userID)
}
