package reconciler

import (
	"time"

	"github.com/dietwise/entitlement/internal/model"
)

// The merge rules below are pure so that ordering and state-machine behavior
// can be tested without storage. Every rule observes two guards:
//
//   - terminal: a canceled record ignores all further events;
//   - monotonic: an event older than the record's updated_at is stale.
//
// "Not older" admits equal timestamps, which makes re-applying the same
// event idempotent.

func stale(current *model.Subscription, eventTime time.Time) bool {
	return current != nil && eventTime.Before(current.UpdatedAt)
}

func terminal(current *model.Subscription) bool {
	return current != nil && current.Status == model.StatusCanceled
}

// mergeReplace applies a full-record overwrite (subscription_created,
// subscription_updated, and the provisional checkout record). The incoming
// record wins verbatim unless the current record is newer, or is terminal
// for the same subscription. Terminality is per subscription id: a customer
// who canceled and later starts a fresh subscription gets their row
// replaced, not silently dropped.
func mergeReplace(current, incoming *model.Subscription) (*model.Subscription, bool) {
	if stale(current, incoming.UpdatedAt) {
		return current, false
	}
	if terminal(current) && sameSubscription(current, incoming) {
		return current, false
	}
	return incoming, true
}

// sameSubscription reports whether two records describe the same processor
// subscription. A missing id on either side means the provisional checkout
// record, which belongs to whatever subscription follows it.
func sameSubscription(current, incoming *model.Subscription) bool {
	if current.StripeSubscriptionID == nil || incoming.StripeSubscriptionID == nil {
		return true
	}
	return *current.StripeSubscriptionID == *incoming.StripeSubscriptionID
}

// mergeCancel marks the record canceled in place. The row is kept: knowing a
// user was once subscribed matters for re-engagement.
func mergeCancel(current *model.Subscription, eventTime time.Time) (*model.Subscription, bool) {
	if current == nil || terminal(current) || stale(current, eventTime) {
		return current, false
	}
	next := *current
	next.Status = model.StatusCanceled
	next.UpdatedAt = eventTime
	return &next, true
}

// mergePaymentSucceeded recovers a past_due subscription to active. Any
// other status is left alone; the authoritative state arrives separately in
// subscription_updated events.
func mergePaymentSucceeded(current *model.Subscription, eventTime time.Time) (*model.Subscription, bool) {
	if current == nil || terminal(current) || stale(current, eventTime) {
		return current, false
	}
	if current.Status != model.StatusPastDue {
		return current, false
	}
	next := *current
	next.Status = model.StatusActive
	next.UpdatedAt = eventTime
	return &next, true
}

// mergePaymentFailed moves any non-canceled subscription to past_due.
func mergePaymentFailed(current *model.Subscription, eventTime time.Time) (*model.Subscription, bool) {
	if current == nil || terminal(current) || stale(current, eventTime) {
		return current, false
	}
	next := *current
	next.Status = model.StatusPastDue
	next.UpdatedAt = eventTime
	return &next, true
}
