// Package billing turns verified payment-provider callbacks into normalized
// subscription events and forwards them to the backend.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/clipforge/internal/billing/store"
	"github.com/dukerupert/clipforge/internal/gateway"
	"github.com/dukerupert/clipforge/internal/metrics"
	"github.com/dukerupert/clipforge/internal/principal"
)

var (
	ErrSignatureInvalid   = errors.New("billing: webhook signature invalid")
	ErrAttributionMissing = errors.New("billing: event carries no user attribution")
)

type Outcome string

const (
	OutcomeForwarded     Outcome = "forwarded"
	OutcomeForwardFailed Outcome = "forward_failed"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeDropped       Outcome = "dropped"
	OutcomeIgnored       Outcome = "ignored"
)

// Result describes how an accepted callback was handled. Every Result is
// acknowledged to the provider.
type Result struct {
	EventID string  `json:"event_id"`
	Type    string  `json:"type"`
	Kind    Kind    `json:"kind,omitempty"`
	Outcome Outcome `json:"outcome"`
}

type Verifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

type Caller interface {
	Call(ctx context.Context, req gateway.Request, p principal.Principal) (*gateway.Result, error)
}

// Ledger remembers which events were already forwarded.
type Ledger interface {
	Get(ctx context.Context, eventID string) (*store.WebhookEvent, error)
	Record(ctx context.Context, ev store.WebhookEvent) error
}

type Synchronizer struct {
	verifier    Verifier
	gw          Caller
	ledger      Ledger
	planByPrice map[string]string
	logger      *slog.Logger
}

type Option func(*Synchronizer)

// WithLedger enables duplicate suppression across redeliveries.
func WithLedger(l Ledger) Option {
	return func(s *Synchronizer) { s.ledger = l }
}

// WithPlanPrices maps plan names to price IDs so subscription events whose
// price carries no plan hint can still be named.
func WithPlanPrices(plans map[string]string) Option {
	return func(s *Synchronizer) {
		for plan, priceID := range plans {
			s.planByPrice[priceID] = plan
		}
	}
}

func NewSynchronizer(v Verifier, gw Caller, logger *slog.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		verifier:    v,
		gw:          gw,
		planByPrice: make(map[string]string),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle verifies payload against sigHeader and forwards the normalized
// event. Only a verification failure is returned as an error; everything
// after verification is logged and acknowledged.
func (s *Synchronizer) Handle(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	ev, err := s.verifier.ConstructWebhookEvent(payload, sigHeader)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "signature_invalid").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	res := Result{EventID: ev.ID, Type: string(ev.Type)}
	log := s.logger.With("event_id", ev.ID, "type", ev.Type)

	if s.alreadyForwarded(ctx, ev.ID, log) {
		log.Info("webhook redelivery of forwarded event; skipping")
		return s.done(res, OutcomeDuplicate), nil
	}

	norm, err := normalize(ev, s.planByPrice)
	res.Kind = norm.Kind
	switch {
	case errors.Is(err, errIgnored):
		log.Debug("webhook event type not handled")
		s.record(ctx, ev, norm, store.StatusIgnored, "", log)
		return s.done(res, OutcomeIgnored), nil
	case errors.Is(err, ErrAttributionMissing):
		log.Warn("webhook event cannot be attributed; dropping", "kind", norm.Kind)
		s.record(ctx, ev, norm, store.StatusDropped, err.Error(), log)
		return s.done(res, OutcomeDropped), nil
	case err != nil:
		log.Error("webhook event could not be decoded; dropping", "error", err)
		s.record(ctx, ev, norm, store.StatusDropped, err.Error(), log)
		return s.done(res, OutcomeDropped), nil
	}

	req := gateway.JSONRequest(http.MethodPost, "/api/billing/events", gateway.Quick, norm)
	req.IdempotencyKey = ev.ID
	p := principal.Principal{UserID: norm.UserID, Email: norm.Email}

	if _, err := s.gw.Call(ctx, req, p); err != nil {
		log.Error("forwarding billing event failed",
			"kind", norm.Kind,
			"user_id", norm.UserID,
			"error", err,
		)
		s.record(ctx, ev, norm, store.StatusFailed, err.Error(), log)
		return s.done(res, OutcomeForwardFailed), nil
	}

	log.Info("billing event forwarded", "kind", norm.Kind, "user_id", norm.UserID)
	s.record(ctx, ev, norm, store.StatusForwarded, "", log)
	return s.done(res, OutcomeForwarded), nil
}

func (s *Synchronizer) alreadyForwarded(ctx context.Context, eventID string, log *slog.Logger) bool {
	if s.ledger == nil {
		return false
	}
	prior, err := s.ledger.Get(ctx, eventID)
	if err != nil {
		log.Warn("webhook ledger lookup failed", "error", err)
		return false
	}
	return prior != nil && prior.Status == store.StatusForwarded
}

func (s *Synchronizer) record(ctx context.Context, ev stripe.Event, norm SubscriptionEvent, status store.Status, reason string, log *slog.Logger) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.Record(context.WithoutCancel(ctx), store.WebhookEvent{
		EventID:   ev.ID,
		EventType: string(ev.Type),
		Kind:      string(norm.Kind),
		UserID:    norm.UserID,
		Status:    status,
		LastError: reason,
	})
	if err != nil {
		log.Warn("webhook ledger write failed", "status", status, "error", err)
	}
}

func (s *Synchronizer) done(res Result, o Outcome) Result {
	res.Outcome = o
	kind := string(res.Kind)
	if kind == "" {
		kind = "none"
	}
	metrics.WebhookEventsTotal.WithLabelValues(kind, string(o)).Inc()
	return res
}
