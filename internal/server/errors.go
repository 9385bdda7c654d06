package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/clipforge/internal/billing"
	billingstripe "github.com/dukerupert/clipforge/internal/billing/stripe"
	"github.com/dukerupert/clipforge/internal/entitlement"
	"github.com/dukerupert/clipforge/internal/gateway"
	"github.com/dukerupert/clipforge/internal/generation"
	"github.com/dukerupert/clipforge/internal/media"
)

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Status    int               `json:"status,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Usage     any               `json:"usage,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRaw relays a backend JSON body unchanged.
func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	if len(body) == 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: msg})
}

func tooLarge(w http.ResponseWriter) {
	writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "too_large", Message: "request body too large"})
}

// bodyError answers a failed request body read: 413 when the body went over
// its limit, otherwise 400 with msg.
func bodyError(w http.ResponseWriter, err error, msg string) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		tooLarge(w)
		return
	}
	badRequest(w, msg)
}

// writeError maps err onto a status and typed JSON body.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, body := classify(err)
	switch {
	case status >= 500:
		logger.Error("request failed", "error", err, "status", status)
	case status == http.StatusUnauthorized || body.Error == "signature_invalid":
		logger.Debug("request rejected", "error", err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorBody) {
	var gwErr *gateway.Error
	var verr *generation.ValidationError
	var limitErr *generation.LimitError
	var mbe *http.MaxBytesError

	switch {
	// An oversized upload surfaces as the gateway's transport error.
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, errorBody{Error: "too_large", Message: "request body too large"}
	case errors.As(err, &gwErr):
		return gatewayStatus(gwErr), errorBody{
			Error:     gwErr.Kind.String(),
			Message:   gatewayMessage(gwErr),
			Status:    gwErr.Status,
			Retryable: gwErr.Retryable(),
		}
	case errors.Is(err, entitlement.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: "forbidden", Message: "You can only access your own usage."}
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, errorBody{Error: "validation", Message: verr.Error(), Fields: verr.Fields}
	case errors.As(err, &limitErr):
		return http.StatusPaymentRequired, errorBody{
			Error:   "limit_reached",
			Message: "You have used all videos included in your plan this period.",
			Usage:   limitErr.Limits,
		}
	case errors.Is(err, billing.ErrSignatureInvalid):
		return http.StatusBadRequest, errorBody{Error: "signature_invalid", Message: "invalid webhook signature"}
	case errors.Is(err, billingstripe.ErrUnknownPlan), errors.Is(err, billingstripe.ErrUnknownPurpose):
		return http.StatusUnprocessableEntity, errorBody{Error: "validation", Message: err.Error()}
	case errors.Is(err, billingstripe.ErrNotConfigured):
		return http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "This purchase is not available right now."}
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, errorBody{Error: "too_large", Message: err.Error()}
	case errors.Is(err, media.ErrUnsupportedType), errors.Is(err, media.ErrScriptable):
		return http.StatusUnsupportedMediaType, errorBody{Error: "unsupported_media", Message: err.Error()}
	case errors.Is(err, media.ErrEmpty):
		return http.StatusUnprocessableEntity, errorBody{Error: "validation", Message: err.Error()}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal", Message: "Something went wrong."}
}

func gatewayStatus(e *gateway.Error) int {
	switch e.Kind {
	case gateway.Unauthorized:
		return http.StatusUnauthorized
	case gateway.Timeout:
		return http.StatusGatewayTimeout
	case gateway.BackendRejected:
		if e.Status >= 400 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func gatewayMessage(e *gateway.Error) string {
	switch e.Kind {
	case gateway.Unauthorized:
		return "Authentication required."
	case gateway.Timeout:
		return "The request timed out. Please try again."
	case gateway.BackendUnreachable:
		return "The service is temporarily unavailable. Please try again."
	case gateway.Malformed:
		return "The service returned an unexpected response."
	}
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.Status)
}
