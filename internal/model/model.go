package model

import "time"

// SubscriptionStatus mirrors the payment processor's subscription lifecycle.
type SubscriptionStatus string

const (
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusUnpaid     SubscriptionStatus = "unpaid"
)

type PlanType string

const (
	PlanMonthly PlanType = "monthly"
	PlanYearly  PlanType = "yearly"
)

// Subscription is the internal record of a user's processor-reported
// subscription state. At most one record exists per user; reconciliation
// overwrites it in place rather than retaining history.
//
// UpdatedAt holds the processor's event-creation time of the last applied
// event, not local wall clock. It never moves backward: an event older than
// UpdatedAt is stale and is discarded.
type Subscription struct {
	ID                   int64              `json:"id"`
	UserID               string             `json:"user_id"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripeSubscriptionID *string            `json:"stripe_subscription_id"`
	Status               SubscriptionStatus `json:"status"`
	PlanType             PlanType           `json:"plan_type"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	TrialEnd             *time.Time         `json:"trial_end"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	StripeCustomerID *string   `json:"stripe_customer_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UnreconciledEvent records a webhook event that was acknowledged to the
// processor but could not be applied, so operators can inspect it out of
// band instead of the processor retrying forever.
type UnreconciledEvent struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Reason     string    `json:"reason"`
	ReceivedAt time.Time `json:"received_at"`
}
