// Package stripe wraps the Stripe calls the billing flow makes: webhook
// verification and checkout session creation.
package stripe

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/clipforge/internal/principal"
)

// Metadata keys set on checkout sessions and read back from webhook events.
const (
	MetaUserID   = "user_id"
	MetaEmail    = "email"
	MetaPurpose  = "purpose"
	MetaQuantity = "quantity"
	MetaPlan     = "plan"

	PurposePlan        = "plan"
	PurposeExtraVideos = "extra_videos"
)

var (
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrUnknownPurpose = errors.New("unknown checkout purpose")
	ErrNotConfigured  = errors.New("stripe price not configured")
)

type Config struct {
	SecretKey         string
	WebhookSecret     string
	ExtraVideoPriceID string
	PlanPriceIDs      map[string]string
	SuccessURL        string
	CancelURL         string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// CheckoutRequest describes what the caller wants to buy.
type CheckoutRequest struct {
	Purpose  string `json:"purpose" validate:"required,oneof=plan extra_videos"`
	Plan     string `json:"plan,omitempty" validate:"required_if=Purpose plan"`
	Quantity int64  `json:"quantity,omitempty" validate:"omitempty,min=1,max=100"`
}

// CreateCheckoutSession creates a hosted checkout session for p and returns
// its URL. The principal is stamped into the session and subscription
// metadata so later webhook events can be attributed.
func (c *Client) CreateCheckoutSession(ctx context.Context, p principal.Principal, req CheckoutRequest) (string, error) {
	params, err := c.checkoutParams(p, req)
	if err != nil {
		return "", err
	}
	params.Context = ctx

	sess, err := checksession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (c *Client) checkoutParams(p principal.Principal, req CheckoutRequest) (*stripe.CheckoutSessionParams, error) {
	meta := map[string]string{
		MetaUserID:  p.UserID,
		MetaEmail:   p.Email,
		MetaPurpose: req.Purpose,
	}

	params := &stripe.CheckoutSessionParams{
		ClientReferenceID: stripe.String(p.UserID),
		CustomerEmail:     stripe.String(p.Email),
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
	}

	switch req.Purpose {
	case PurposePlan:
		priceID, ok := c.cfg.PlanPriceIDs[req.Plan]
		if !ok || priceID == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, req.Plan)
		}
		meta[MetaPlan] = req.Plan
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.AllowPromotionCodes = stripe.Bool(true)
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		}
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: copyMeta(meta)}

	case PurposeExtraVideos:
		if c.cfg.ExtraVideoPriceID == "" {
			return nil, ErrNotConfigured
		}
		qty := req.Quantity
		if qty < 1 {
			qty = 1
		}
		meta[MetaQuantity] = fmt.Sprint(qty)
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(c.cfg.ExtraVideoPriceID), Quantity: stripe.Int64(qty)},
		}
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: copyMeta(meta)}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, req.Purpose)
	}

	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	return params, nil
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
// The event's API version is not checked; payloads are decoded field by field.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
