package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dietwise/entitlement/internal/event"
	"github.com/dietwise/entitlement/internal/model"
	"github.com/dietwise/entitlement/internal/store"
)

// Reconciler applies verified processor events to subscription records.
//
// Deliveries are at-least-once and unordered, so every write path is
// idempotent (full-record replace keyed by processor ids) and monotonic
// (an event older than the record's updated_at is discarded). Work is
// serialized per subscription key; events for different keys run in
// parallel.
type Reconciler struct {
	subs    *store.SubscriptionStore
	users   *store.UserStore
	journal *store.UnreconciledEventStore
	logger  *slog.Logger
	locks   *keyedMutex
}

func New(subs *store.SubscriptionStore, users *store.UserStore, journal *store.UnreconciledEventStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		subs:    subs,
		users:   users,
		journal: journal,
		logger:  logger,
		locks:   newKeyedMutex(),
	}
}

// Apply routes one verified event through the state machine. A nil return
// means the processor should see success, which covers applied events as
// well as intentionally-ignored ones (unknown types, stale events,
// unresolvable users). Only a failing datastore produces an error, as a
// *TransientStoreError, so the processor's own retry schedule can take over.
func (r *Reconciler) Apply(ctx context.Context, env event.Envelope) error {
	switch env.Type {
	case event.TypeCheckoutCompleted:
		return r.applyCheckoutCompleted(ctx, env)
	case event.TypeSubscriptionCreated, event.TypeSubscriptionUpdated:
		return r.applySubscriptionChange(ctx, env)
	case event.TypeSubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, env)
	case event.TypePaymentSucceeded:
		return r.applyPaymentSucceeded(ctx, env)
	case event.TypePaymentFailed:
		return r.applyPaymentFailed(ctx, env)
	default:
		r.logger.Info("ignoring unhandled event type", "event_id", env.ID)
		return nil
	}
}

// applyCheckoutCompleted writes a provisional record so entitlement unlocks
// immediately after checkout. The subscription id may not be known yet and
// the period window is a guess of one billing cycle; the authoritative
// subscription_created/updated event overwrites both.
func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, env event.Envelope) error {
	sess, err := event.DecodeCheckoutSession(env.Raw)
	if err != nil {
		return r.unreconciled(ctx, env, "malformed checkout payload")
	}
	if sess.Customer == "" {
		return r.unreconciled(ctx, env, "checkout session missing customer")
	}

	unlock := r.locks.lock(lockKey(sess.Subscription, sess.Customer))
	defer unlock.Unlock()

	userID, err := r.resolveCheckoutUser(ctx, sess)
	if err != nil {
		return &TransientStoreError{Err: err}
	}
	if userID == "" {
		return r.unreconciled(ctx, env, "no user mapping for checkout session")
	}

	planType := model.PlanMonthly
	if sess.Metadata["plan_type"] == string(model.PlanYearly) {
		planType = model.PlanYearly
	}
	start := env.CreatedAt
	end := start.AddDate(0, 1, 0)
	if planType == model.PlanYearly {
		end = start.AddDate(1, 0, 0)
	}

	incoming := &model.Subscription{
		UserID:             userID,
		StripeCustomerID:   sess.Customer,
		Status:             model.StatusActive,
		PlanType:           planType,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		UpdatedAt:          env.CreatedAt,
	}
	if sess.Subscription != "" {
		incoming.StripeSubscriptionID = &sess.Subscription
	}

	return r.replace(ctx, env, incoming)
}

// applySubscriptionChange handles subscription_created and
// subscription_updated identically: the payload is the authoritative state
// and overwrites the record verbatim, subject only to the merge guards.
func (r *Reconciler) applySubscriptionChange(ctx context.Context, env event.Envelope) error {
	sub, err := event.DecodeSubscription(env.Raw)
	if err != nil || sub.ID == "" {
		return r.unreconciled(ctx, env, "malformed subscription payload")
	}

	unlock := r.locks.lock(lockKey(sub.ID, sub.Customer))
	defer unlock.Unlock()

	userID, err := r.resolveSubscriptionUser(ctx, sub)
	if err != nil {
		return &TransientStoreError{Err: err}
	}
	if userID == "" {
		return r.unreconciled(ctx, env, "no user mapping for subscription")
	}

	planType := model.PlanMonthly
	if sub.Interval() == "year" {
		planType = model.PlanYearly
	}

	incoming := &model.Subscription{
		UserID:               userID,
		StripeCustomerID:     sub.Customer,
		StripeSubscriptionID: &sub.ID,
		Status:               model.SubscriptionStatus(sub.Status),
		PlanType:             planType,
		CurrentPeriodStart:   unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:     unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		TrialEnd:             unixTime(sub.TrialEnd),
		UpdatedAt:            env.CreatedAt,
	}

	return r.replace(ctx, env, incoming)
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, env event.Envelope) error {
	sub, err := event.DecodeSubscription(env.Raw)
	if err != nil || sub.ID == "" {
		return r.unreconciled(ctx, env, "malformed subscription payload")
	}

	unlock := r.locks.lock(lockKey(sub.ID, sub.Customer))
	defer unlock.Unlock()

	current, err := r.subs.GetByStripeSubscriptionID(ctx, sub.ID)
	if err != nil {
		return &TransientStoreError{Err: err}
	}
	if current == nil {
		return r.unreconciled(ctx, env, "subscription not found for deletion")
	}

	next, applied := mergeCancel(current, env.CreatedAt)
	if !applied {
		r.logger.Info("subscription delete ignored", "event_id", env.ID, "subscription_id", sub.ID, "status", current.Status)
		return nil
	}

	return r.retryWrite(ctx, func(ctx context.Context) error {
		_, err := r.subs.UpdateStatusIfNewer(ctx, sub.ID, next.Status, next.UpdatedAt)
		return err
	})
}

func (r *Reconciler) applyPaymentSucceeded(ctx context.Context, env event.Envelope) error {
	return r.applyPayment(ctx, env, mergePaymentSucceeded)
}

func (r *Reconciler) applyPaymentFailed(ctx context.Context, env event.Envelope) error {
	return r.applyPayment(ctx, env, mergePaymentFailed)
}

func (r *Reconciler) applyPayment(ctx context.Context, env event.Envelope, merge func(*model.Subscription, time.Time) (*model.Subscription, bool)) error {
	inv, err := event.DecodeInvoice(env.Raw)
	if err != nil {
		return r.unreconciled(ctx, env, "malformed invoice payload")
	}
	subID := inv.SubscriptionID()
	if subID == "" {
		// One-off invoices carry no subscription; nothing to reconcile.
		r.logger.Info("invoice without subscription ignored", "event_id", env.ID)
		return nil
	}

	unlock := r.locks.lock(lockKey(subID, inv.Customer))
	defer unlock.Unlock()

	current, err := r.subs.GetByStripeSubscriptionID(ctx, subID)
	if err != nil {
		return &TransientStoreError{Err: err}
	}
	if current == nil {
		return r.unreconciled(ctx, env, "subscription not found for invoice")
	}

	next, applied := merge(current, env.CreatedAt)
	if !applied {
		r.logger.Info("payment event caused no transition", "event_id", env.ID, "subscription_id", subID, "status", current.Status)
		return nil
	}

	return r.retryWrite(ctx, func(ctx context.Context) error {
		_, err := r.subs.UpdateStatusIfNewer(ctx, subID, next.Status, next.UpdatedAt)
		return err
	})
}

// replace runs the merge against the stored record and persists the result.
func (r *Reconciler) replace(ctx context.Context, env event.Envelope, incoming *model.Subscription) error {
	current, err := r.currentFor(ctx, incoming)
	if err != nil {
		return &TransientStoreError{Err: err}
	}

	next, applied := mergeReplace(current, incoming)
	if !applied {
		r.logger.Info("stale or terminal event discarded", "event_id", env.ID, "event_type", string(env.Type))
		return nil
	}

	return r.retryWrite(ctx, func(ctx context.Context) error {
		_, _, err := r.subs.Upsert(ctx, next)
		return err
	})
}

func (r *Reconciler) currentFor(ctx context.Context, incoming *model.Subscription) (*model.Subscription, error) {
	if incoming.StripeSubscriptionID != nil {
		current, err := r.subs.GetByStripeSubscriptionID(ctx, *incoming.StripeSubscriptionID)
		if err != nil || current != nil {
			return current, err
		}
	}
	return r.subs.GetByStripeCustomerID(ctx, incoming.StripeCustomerID)
}

// resolveCheckoutUser prefers the server-owned linkage placed on the session
// at creation time (client_reference_id, then metadata), falling back to the
// customer email.
func (r *Reconciler) resolveCheckoutUser(ctx context.Context, sess *event.CheckoutSession) (string, error) {
	for _, id := range []string{sess.ClientReferenceID, sess.Metadata["userId"]} {
		if id == "" {
			continue
		}
		user, err := r.users.GetByID(ctx, id)
		if err != nil {
			return "", err
		}
		if user != nil {
			r.linkCustomer(ctx, user, sess.Customer)
			return user.ID, nil
		}
	}
	if email := sess.Email(); email != "" {
		user, err := r.users.GetByEmail(ctx, email)
		if err != nil {
			return "", err
		}
		if user != nil {
			r.linkCustomer(ctx, user, sess.Customer)
			return user.ID, nil
		}
	}
	return "", nil
}

func (r *Reconciler) resolveSubscriptionUser(ctx context.Context, sub *event.Subscription) (string, error) {
	if id := sub.Metadata["userId"]; id != "" {
		user, err := r.users.GetByID(ctx, id)
		if err != nil {
			return "", err
		}
		if user != nil {
			r.linkCustomer(ctx, user, sub.Customer)
			return user.ID, nil
		}
	}
	user, err := r.users.GetByStripeCustomerID(ctx, sub.Customer)
	if err != nil {
		return "", err
	}
	if user != nil {
		return user.ID, nil
	}
	return "", nil
}

// linkCustomer records the processor customer id on the user the first time
// it is seen. Best effort: a failure here only delays the link until the
// next event for the customer.
func (r *Reconciler) linkCustomer(ctx context.Context, user *model.User, customerID string) {
	if customerID == "" || (user.StripeCustomerID != nil && *user.StripeCustomerID == customerID) {
		return
	}
	if err := r.users.UpdateStripeCustomerID(ctx, user.ID, customerID); err != nil {
		r.logger.Error("link customer to user", "user_id", user.ID, "error", err)
	}
}

// unreconciled journals an event we cannot apply and acknowledges it. The
// journal is the operator channel; an HTTP error here would only make the
// processor retry a delivery that can never succeed.
func (r *Reconciler) unreconciled(ctx context.Context, env event.Envelope, reason string) error {
	r.logger.Error("event left unreconciled", "event_id", env.ID, "event_type", string(env.Type), "reason", reason)
	if err := r.journal.Record(ctx, env.ID, string(env.Type), reason); err != nil {
		r.logger.Error("journal unreconciled event", "event_id", env.ID, "error", err)
	}
	return nil
}

// retryWrite absorbs short-lived store hiccups before handing the failure
// back to the processor's retry schedule as a TransientStoreError.
func (r *Reconciler) retryWrite(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return &TransientStoreError{Err: err}
	}
	return nil
}

func lockKey(subscriptionID, customerID string) string {
	if subscriptionID != "" {
		return "sub:" + subscriptionID
	}
	return "cus:" + customerID
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
