package server

import (
	"io"
	"net/http"

	billingstripe "github.com/dukerupert/clipforge/internal/billing/stripe"
	"github.com/dukerupert/clipforge/internal/principal"
)

const webhookBodyLimit = 1 << 20

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Webhooks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "webhook secret not configured"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookBodyLimit))
	if err != nil {
		bodyError(w, err, "failed to read request body")
		return
	}

	res, err := s.cfg.Webhooks.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": res.Outcome})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Checkout == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "billing is not configured"})
		return
	}

	var req billingstripe.CheckoutRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		bodyError(w, err, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation", Message: err.Error()})
		return
	}

	p, _ := principal.FromContext(r.Context())
	url, err := s.cfg.Checkout.CreateCheckoutSession(r.Context(), p, req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
