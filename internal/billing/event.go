package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	billingstripe "github.com/dukerupert/clipforge/internal/billing/stripe"
)

type Kind string

const (
	KindSubscriptionUpsert   Kind = "subscription_upsert"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindPaymentSucceeded     Kind = "payment_succeeded"
	KindPaymentFailed        Kind = "payment_failed"
	KindExtraUnitsPurchased  Kind = "extra_units_purchased"
)

// SubscriptionEvent is a provider callback normalized for the backend.
type SubscriptionEvent struct {
	EventID           string     `json:"event_id"`
	Kind              Kind       `json:"kind"`
	UserID            string     `json:"user_id"`
	Email             string     `json:"email"`
	Plan              string     `json:"plan,omitempty"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	CustomerID        string     `json:"customer_id,omitempty"`
	Status            string     `json:"status,omitempty"`
	PeriodStart       *time.Time `json:"period_start,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end,omitempty"`
	Quantity          int64      `json:"quantity,omitempty"`
	AmountCents       int64      `json:"amount_cents,omitempty"`
	Currency          string     `json:"currency,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

var errIgnored = errors.New("event type not handled")

// objectID decodes a Stripe reference that may arrive as a bare ID or as an
// expanded object.
type objectID string

func (o *objectID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*o = objectID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*o = objectID(obj.ID)
	return nil
}

type price struct {
	ID        string            `json:"id"`
	LookupKey string            `json:"lookup_key"`
	Metadata  map[string]string `json:"metadata"`
}

type subscription struct {
	ID                 string            `json:"id"`
	Customer           objectID          `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              price `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoice struct {
	ID            string            `json:"id"`
	Customer      objectID          `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	Status        string            `json:"status"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	PeriodStart   int64             `json:"period_start"`
	PeriodEnd     int64             `json:"period_end"`
	Subscription  objectID          `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription objectID          `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Metadata map[string]string `json:"metadata"`
			Period   struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          objectID          `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// normalize maps a verified Stripe event onto a SubscriptionEvent.
// planByPrice resolves a price ID to a plan when the price carries no hint.
func normalize(ev stripe.Event, planByPrice map[string]string) (SubscriptionEvent, error) {
	out := SubscriptionEvent{
		EventID:    ev.ID,
		OccurredAt: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data == nil {
		return out, fmt.Errorf("decode %s: missing data object", ev.Type)
	}

	switch ev.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return out, fmt.Errorf("decode subscription: %w", err)
		}
		out.Kind = KindSubscriptionUpsert
		if ev.Type == "customer.subscription.deleted" {
			out.Kind = KindSubscriptionCanceled
		}
		out.SubscriptionID = sub.ID
		out.CustomerID = string(sub.Customer)
		out.Status = sub.Status
		out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		out.UserID = first(sub.Metadata[billingstripe.MetaUserID])
		out.Email = first(sub.Metadata[billingstripe.MetaEmail])
		out.Plan = first(sub.Metadata[billingstripe.MetaPlan])

		start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		if len(sub.Items.Data) > 0 {
			item := sub.Items.Data[0]
			if start == 0 {
				start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
			}
			if out.Plan == "" {
				out.Plan = planOf(item.Price, planByPrice)
			}
		}
		out.PeriodStart, out.PeriodEnd = unixPtr(start), unixPtr(end)

	case "invoice.payment_succeeded":
		// Stripe also sends invoice.paid for the same payment under its own
		// event id; only that one is forwarded.
		return out, errIgnored

	case "invoice.paid", "invoice.payment_failed":
		var inv invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return out, fmt.Errorf("decode invoice: %w", err)
		}
		out.Kind = KindPaymentSucceeded
		out.AmountCents = inv.AmountPaid
		if ev.Type == "invoice.payment_failed" {
			out.Kind = KindPaymentFailed
			out.AmountCents = inv.AmountDue
		}
		out.CustomerID = string(inv.Customer)
		out.Status = inv.Status
		out.Currency = inv.Currency
		out.SubscriptionID = string(inv.Subscription)

		metas := []map[string]string{inv.Metadata}
		if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
			if out.SubscriptionID == "" {
				out.SubscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
			}
			metas = append([]map[string]string{inv.Parent.SubscriptionDetails.Metadata}, metas...)
		}
		start, end := inv.PeriodStart, inv.PeriodEnd
		for _, line := range inv.Lines.Data {
			metas = append(metas, line.Metadata)
			if line.Period.End > end {
				start, end = line.Period.Start, line.Period.End
			}
		}
		out.UserID = fromMetadata(metas, billingstripe.MetaUserID)
		out.Email = first(fromMetadata(metas, billingstripe.MetaEmail), inv.CustomerEmail)
		out.Plan = fromMetadata(metas, billingstripe.MetaPlan)
		out.PeriodStart, out.PeriodEnd = unixPtr(start), unixPtr(end)

	case "checkout.session.completed":
		var sess checkoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return out, fmt.Errorf("decode checkout session: %w", err)
		}
		if sess.Mode != string(stripe.CheckoutSessionModePayment) ||
			sess.Metadata[billingstripe.MetaPurpose] != billingstripe.PurposeExtraVideos {
			return out, errIgnored
		}
		if sess.PaymentStatus != "" && sess.PaymentStatus != "paid" && sess.PaymentStatus != "no_payment_required" {
			return out, errIgnored
		}
		out.Kind = KindExtraUnitsPurchased
		out.CustomerID = string(sess.Customer)
		out.Status = sess.PaymentStatus
		out.AmountCents = sess.AmountTotal
		out.Currency = sess.Currency
		out.UserID = first(sess.Metadata[billingstripe.MetaUserID], sess.ClientReferenceID)
		out.Email = first(sess.Metadata[billingstripe.MetaEmail], sess.CustomerDetails.Email, sess.CustomerEmail)
		out.Quantity = 1
		if q, err := strconv.ParseInt(sess.Metadata[billingstripe.MetaQuantity], 10, 64); err == nil && q > 0 {
			out.Quantity = q
		}

	default:
		return out, errIgnored
	}

	out.UserID = strings.TrimSpace(out.UserID)
	out.Email = strings.TrimSpace(out.Email)
	if out.UserID == "" || out.Email == "" {
		return out, ErrAttributionMissing
	}
	return out, nil
}

func planOf(p price, planByPrice map[string]string) string {
	if plan := p.Metadata[billingstripe.MetaPlan]; plan != "" {
		return plan
	}
	if plan, ok := planByPrice[p.ID]; ok {
		return plan
	}
	return p.LookupKey
}

func fromMetadata(metas []map[string]string, key string) string {
	for _, m := range metas {
		if v := strings.TrimSpace(m[key]); v != "" {
			return v
		}
	}
	return ""
}

func first(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
