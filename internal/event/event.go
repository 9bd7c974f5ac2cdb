package event

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// Type is the closed set of processor event kinds the reconciler understands.
// Anything the processor sends outside this set parses to TypeUnknown, which
// is acknowledged and produces no state change.
type Type string

const (
	TypeCheckoutCompleted   Type = "checkout_completed"
	TypeSubscriptionCreated Type = "subscription_created"
	TypeSubscriptionUpdated Type = "subscription_updated"
	TypeSubscriptionDeleted Type = "subscription_deleted"
	TypePaymentSucceeded    Type = "payment_succeeded"
	TypePaymentFailed       Type = "payment_failed"
	TypeUnknown             Type = "unknown"
)

// ParseType maps the processor's dotted event names onto the closed set.
func ParseType(s string) Type {
	switch s {
	case "checkout.session.completed":
		return TypeCheckoutCompleted
	case "customer.subscription.created":
		return TypeSubscriptionCreated
	case "customer.subscription.updated":
		return TypeSubscriptionUpdated
	case "customer.subscription.deleted":
		return TypeSubscriptionDeleted
	case "invoice.payment_succeeded":
		return TypePaymentSucceeded
	case "invoice.payment_failed":
		return TypePaymentFailed
	default:
		return TypeUnknown
	}
}

// Envelope is a verified event stripped down to what reconciliation needs:
// identity, kind, the processor's creation time, and the raw object payload.
type Envelope struct {
	ID        string
	Type      Type
	CreatedAt time.Time
	Raw       json.RawMessage
}

// FromStripe converts a signature-verified processor event into an Envelope.
func FromStripe(ev stripe.Event) Envelope {
	env := Envelope{
		ID:        ev.ID,
		Type:      ParseType(string(ev.Type)),
		CreatedAt: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data != nil {
		env.Raw = ev.Data.Raw
	}
	return env
}

// Payload structs decode the raw webhook object directly. The processor's SDK
// types track its current API version and move fields between releases (e.g.
// period bounds, invoice parentage); decoding the bytes we were actually sent
// keeps reconciliation independent of that churn.

type CheckoutSession struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Email returns the best available customer email for the session.
func (s *CheckoutSession) Email() string {
	if s.CustomerEmail != "" {
		return s.CustomerEmail
	}
	return s.CustomerDetails.Email
}

type Subscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialEnd           int64  `json:"trial_end"`
	Plan               struct {
		Interval string `json:"interval"`
	} `json:"plan"`
	Items struct {
		Data []struct {
			Price struct {
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// Interval returns the billing interval ("month" or "year"), checking the
// legacy top-level plan first and falling back to the first item's price.
func (s *Subscription) Interval() string {
	if s.Plan.Interval != "" {
		return s.Plan.Interval
	}
	if len(s.Items.Data) > 0 {
		return s.Items.Data[0].Price.Recurring.Interval
	}
	return ""
}

type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID extracts the subscription the invoice belongs to. Newer
// processor API versions nest it under parent.subscription_details.
func (i *Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	return i.Parent.SubscriptionDetails.Subscription
}

func DecodeCheckoutSession(raw json.RawMessage) (*CheckoutSession, error) {
	var s CheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &s, nil
}

func DecodeSubscription(raw json.RawMessage) (*Subscription, error) {
	var s Subscription
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return &s, nil
}

func DecodeInvoice(raw json.RawMessage) (*Invoice, error) {
	var i Invoice
	if err := json.Unmarshal(raw, &i); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	return &i, nil
}
