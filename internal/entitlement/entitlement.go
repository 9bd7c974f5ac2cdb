package entitlement

import (
	"context"
	"time"

	"github.com/dietwise/entitlement/internal/model"
)

// SubscriptionGetter is the read path into the subscription record store.
type SubscriptionGetter interface {
	GetByUserID(ctx context.Context, userID string) (*model.Subscription, error)
}

// Resolver answers whether a user's premium features are unlocked. It is a
// pure read over the current subscription record: no caching of the result,
// since the answer depends on wall clock vs the entitlement window.
type Resolver struct {
	subs SubscriptionGetter
}

func NewResolver(subs SubscriptionGetter) *Resolver {
	return &Resolver{subs: subs}
}

// IsEntitled reports whether the user may use premium-gated features at the
// given instant. A missing record means not entitled; it is not an error.
func (r *Resolver) IsEntitled(ctx context.Context, userID string, now time.Time) (bool, error) {
	sub, err := r.subs.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	return Entitled(sub, now), nil
}

// Entitled is the entitlement rule itself: the subscription must be active
// or trialing, and now must fall before the end of the paid-for period.
func Entitled(sub *model.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	if sub.Status != model.StatusActive && sub.Status != model.StatusTrialing {
		return false
	}
	return sub.CurrentPeriodEnd != nil && now.Before(*sub.CurrentPeriodEnd)
}
