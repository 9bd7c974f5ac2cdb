package reconciler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/dietwise/entitlement/internal/database"
	"github.com/dietwise/entitlement/internal/event"
	"github.com/dietwise/entitlement/internal/model"
	"github.com/dietwise/entitlement/internal/store"
)

type fixture struct {
	rec     *Reconciler
	subs    *store.SubscriptionStore
	users   *store.UserStore
	journal *store.UnreconciledEventStore
	user    *model.User
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	subs := store.NewSubscriptionStore(db)
	users := store.NewUserStore(db)
	journal := store.NewUnreconciledEventStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	user, err := users.Create(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	return &fixture{
		rec:     New(subs, users, journal, logger),
		subs:    subs,
		users:   users,
		journal: journal,
		user:    user,
	}
}

func envelope(t *testing.T, id string, typ event.Type, created int64, obj map[string]any) event.Envelope {
	t.Helper()
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Envelope{
		ID:        id,
		Type:      typ,
		CreatedAt: time.Unix(created, 0).UTC(),
		Raw:       raw,
	}
}

func (f *fixture) subscriptionEvent(t *testing.T, id string, typ event.Type, created int64, status string, overrides map[string]any) event.Envelope {
	t.Helper()
	obj := map[string]any{
		"id":                   "sub_1",
		"customer":             "cus_1",
		"status":               status,
		"cancel_at_period_end": false,
		"current_period_start": created,
		"current_period_end":   created + 30*24*3600,
		"metadata":             map[string]string{"userId": f.user.ID},
	}
	for k, v := range overrides {
		obj[k] = v
	}
	return envelope(t, id, typ, created, obj)
}

func (f *fixture) mustApply(t *testing.T, env event.Envelope) {
	t.Helper()
	if err := f.rec.Apply(context.Background(), env); err != nil {
		t.Fatalf("apply %s: %v", env.ID, err)
	}
}

func (f *fixture) current(t *testing.T, subID string) *model.Subscription {
	t.Helper()
	sub, err := f.subs.GetByStripeSubscriptionID(context.Background(), subID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	return sub
}

func TestApplySubscriptionCreated(t *testing.T) {
	f := setup(t)

	f.mustApply(t, f.subscriptionEvent(t, "evt_1", event.TypeSubscriptionCreated, 100, "trialing", map[string]any{
		"trial_end": 100 + 7*24*3600,
		"plan":      map[string]string{"interval": "year"},
	}))

	sub := f.current(t, "sub_1")
	if sub == nil {
		t.Fatal("expected subscription record")
	}
	if sub.UserID != f.user.ID {
		t.Errorf("user_id = %q, want %q", sub.UserID, f.user.ID)
	}
	if sub.Status != model.StatusTrialing {
		t.Errorf("status = %q, want %q", sub.Status, model.StatusTrialing)
	}
	if sub.PlanType != model.PlanYearly {
		t.Errorf("plan_type = %q, want %q", sub.PlanType, model.PlanYearly)
	}
	if sub.TrialEnd == nil || !sub.TrialEnd.Equal(time.Unix(100+7*24*3600, 0).UTC()) {
		t.Errorf("trial_end = %v, want event value", sub.TrialEnd)
	}
	if !sub.UpdatedAt.Equal(time.Unix(100, 0).UTC()) {
		t.Errorf("updated_at = %v, want event creation time", sub.UpdatedAt)
	}
}

func TestApplyIdempotent(t *testing.T) {
	f := setup(t)
	env := f.subscriptionEvent(t, "evt_1", event.TypeSubscriptionUpdated, 100, "active", nil)

	f.mustApply(t, env)
	first := f.current(t, "sub_1")

	f.mustApply(t, env)
	second := f.current(t, "sub_1")

	if !reflect.DeepEqual(first, second) {
		t.Errorf("re-applying the same event changed the record:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestApplyOutOfOrderConvergesToNewest(t *testing.T) {
	older := func(f *fixture) event.Envelope {
		return f.subscriptionEvent(t, "evt_old", event.TypeSubscriptionUpdated, 100, "past_due", nil)
	}
	newer := func(f *fixture) event.Envelope {
		return f.subscriptionEvent(t, "evt_new", event.TypeSubscriptionUpdated, 200, "active", nil)
	}

	for name, order := range map[string][2]func(*fixture) event.Envelope{
		"in order":     {older, newer},
		"out of order": {newer, older},
	} {
		f := setup(t)
		f.mustApply(t, order[0](f))
		f.mustApply(t, order[1](f))

		sub := f.current(t, "sub_1")
		if sub.Status != model.StatusActive {
			t.Errorf("%s: status = %q, want %q", name, sub.Status, model.StatusActive)
		}
		if !sub.UpdatedAt.Equal(time.Unix(200, 0).UTC()) {
			t.Errorf("%s: updated_at = %v, want newest event time", name, sub.UpdatedAt)
		}
	}
}

func TestApplyLateCheckoutDoesNotClobberSubscription(t *testing.T) {
	f := setup(t)

	// subscription_created arrives first with the authoritative 7-day trial.
	f.mustApply(t, f.subscriptionEvent(t, "evt_created", event.TypeSubscriptionCreated, 100, "trialing", map[string]any{
		"current_period_end": 100 + 7*24*3600,
	}))

	// The checkout event from 10 seconds earlier is delivered late.
	f.mustApply(t, envelope(t, "evt_checkout", event.TypeCheckoutCompleted, 90, map[string]any{
		"customer":            "cus_1",
		"subscription":        "sub_1",
		"client_reference_id": f.user.ID,
	}))

	sub := f.current(t, "sub_1")
	if sub.Status != model.StatusTrialing {
		t.Errorf("status = %q, want %q", sub.Status, model.StatusTrialing)
	}
	if !sub.CurrentPeriodEnd.Equal(time.Unix(100+7*24*3600, 0).UTC()) {
		t.Errorf("period end = %v, want the trial window from subscription_created", sub.CurrentPeriodEnd)
	}
}

func TestApplyCheckoutProvisionalRecord(t *testing.T) {
	f := setup(t)

	f.mustApply(t, envelope(t, "evt_checkout", event.TypeCheckoutCompleted, 1000, map[string]any{
		"customer":            "cus_1",
		"client_reference_id": f.user.ID,
		"metadata":            map[string]string{"plan_type": "yearly"},
	}))

	sub, err := f.subs.GetByStripeCustomerID(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("get by customer: %v", err)
	}
	if sub == nil {
		t.Fatal("expected provisional record")
	}
	if sub.Status != model.StatusActive {
		t.Errorf("status = %q, want %q", sub.Status, model.StatusActive)
	}
	if sub.StripeSubscriptionID != nil {
		t.Errorf("subscription id = %v, want unset until subscription_created", *sub.StripeSubscriptionID)
	}
	wantEnd := time.Unix(1000, 0).UTC().AddDate(1, 0, 0)
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(wantEnd) {
		t.Errorf("period end = %v, want one yearly cycle (%v)", sub.CurrentPeriodEnd, wantEnd)
	}

	// The customer link lands on the user as a side effect.
	user, err := f.users.GetByID(context.Background(), f.user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID != "cus_1" {
		t.Error("expected checkout to link the processor customer to the user")
	}
}

func TestApplyCheckoutThenAuthoritativeCreate(t *testing.T) {
	f := setup(t)

	f.mustApply(t, envelope(t, "evt_checkout", event.TypeCheckoutCompleted, 50, map[string]any{
		"customer":            "cus_1",
		"client_reference_id": f.user.ID,
	}))
	f.mustApply(t, f.subscriptionEvent(t, "evt_created", event.TypeSubscriptionCreated, 60, "trialing", nil))

	sub := f.current(t, "sub_1")
	if sub == nil {
		t.Fatal("expected record reachable by subscription id after authoritative create")
	}
	if sub.Status != model.StatusTrialing {
		t.Errorf("status = %q, want %q", sub.Status, model.StatusTrialing)
	}
}

func TestApplyPaymentFailedThenSucceeded(t *testing.T) {
	f := setup(t)
	f.mustApply(t, f.subscriptionEvent(t, "evt_created", event.TypeSubscriptionCreated, 5, "active", nil))

	invoice := map[string]any{"id": "in_1", "customer": "cus_1", "subscription": "sub_1"}
	f.mustApply(t, envelope(t, "evt_fail", event.TypePaymentFailed, 10, invoice))

	if got := f.current(t, "sub_1").Status; got != model.StatusPastDue {
		t.Fatalf("status after payment_failed = %q, want %q", got, model.StatusPastDue)
	}

	f.mustApply(t, envelope(t, "evt_ok", event.TypePaymentSucceeded, 20, invoice))

	if got := f.current(t, "sub_1").Status; got != model.StatusActive {
		t.Errorf("status after payment_succeeded = %q, want %q", got, model.StatusActive)
	}
}

func TestApplyPaymentSucceededNoOpWhenActive(t *testing.T) {
	f := setup(t)
	f.mustApply(t, f.subscriptionEvent(t, "evt_created", event.TypeSubscriptionCreated, 5, "active", nil))

	f.mustApply(t, envelope(t, "evt_ok", event.TypePaymentSucceeded, 20, map[string]any{
		"id": "in_1", "customer": "cus_1", "subscription": "sub_1",
	}))

	sub := f.current(t, "sub_1")
	if sub.Status != model.StatusActive {
		t.Errorf("status = %q, want %q", sub.Status, model.StatusActive)
	}
	if !sub.UpdatedAt.Equal(time.Unix(5, 0).UTC()) {
		t.Error("a no-op payment event must not advance updated_at")
	}
}

func TestApplyTerminalCanceled(t *testing.T) {
	f := setup(t)
	f.mustApply(t, f.subscriptionEvent(t, "evt_created", event.TypeSubscriptionCreated, 10, "active", nil))
	f.mustApply(t, f.subscriptionEvent(t, "evt_deleted", event.TypeSubscriptionDeleted, 20, "canceled", nil))

	if got := f.current(t, "sub_1").Status; got != model.StatusCanceled {
		t.Fatalf("status after delete = %q, want %q", got, model.StatusCanceled)
	}

	// Neither a later update nor a successful payment revives it.
	f.mustApply(t, f.subscriptionEvent(t, "evt_update", event.TypeSubscriptionUpdated, 30, "active", nil))
	f.mustApply(t, envelope(t, "evt_pay", event.TypePaymentSucceeded, 40, map[string]any{
		"id": "in_1", "customer": "cus_1", "subscription": "sub_1",
	}))

	if got := f.current(t, "sub_1").Status; got != model.StatusCanceled {
		t.Errorf("status = %q, want terminal %q", got, model.StatusCanceled)
	}
}

func TestApplyNewSubscriptionAfterCancel(t *testing.T) {
	f := setup(t)
	f.mustApply(t, f.subscriptionEvent(t, "evt_created", event.TypeSubscriptionCreated, 10, "active", nil))
	f.mustApply(t, f.subscriptionEvent(t, "evt_deleted", event.TypeSubscriptionDeleted, 20, "canceled", nil))

	f.mustApply(t, f.subscriptionEvent(t, "evt_resub", event.TypeSubscriptionCreated, 30, "active", map[string]any{
		"id": "sub_2",
	}))

	sub := f.current(t, "sub_2")
	if sub == nil {
		t.Fatal("expected the new subscription to take over the record")
	}
	if sub.Status != model.StatusActive {
		t.Errorf("status = %q, want %q", sub.Status, model.StatusActive)
	}
}

func TestApplyUnresolvedUserJournaled(t *testing.T) {
	f := setup(t)

	env := envelope(t, "evt_orphan", event.TypeSubscriptionCreated, 100, map[string]any{
		"id":       "sub_9",
		"customer": "cus_unknown",
		"status":   "active",
	})
	if err := f.rec.Apply(context.Background(), env); err != nil {
		t.Fatalf("unresolvable event must still succeed, got %v", err)
	}

	if sub := f.current(t, "sub_9"); sub != nil {
		t.Error("unresolvable event must not write a subscription record")
	}

	events, err := f.journal.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "evt_orphan" {
		t.Fatalf("journal = %+v, want the orphaned event", events)
	}

	// Redelivery does not duplicate the journal entry.
	if err := f.rec.Apply(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	events, _ = f.journal.List(context.Background(), 10)
	if len(events) != 1 {
		t.Errorf("journal has %d rows after redelivery, want 1", len(events))
	}
}

func TestApplyUnknownTypeNoOp(t *testing.T) {
	f := setup(t)

	env := envelope(t, "evt_new_kind", event.TypeUnknown, 100, map[string]any{"id": "sub_1"})
	if err := f.rec.Apply(context.Background(), env); err != nil {
		t.Fatalf("unknown event type must be acknowledged, got %v", err)
	}
	if sub := f.current(t, "sub_1"); sub != nil {
		t.Error("unknown event type must not write state")
	}
}

func TestApplyPaymentForUnknownSubscriptionJournaled(t *testing.T) {
	f := setup(t)

	env := envelope(t, "evt_pay", event.TypePaymentFailed, 10, map[string]any{
		"id": "in_1", "customer": "cus_1", "subscription": "sub_missing",
	})
	if err := f.rec.Apply(context.Background(), env); err != nil {
		t.Fatalf("payment for unknown subscription must still succeed, got %v", err)
	}

	events, err := f.journal.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("journal has %d rows, want 1", len(events))
	}
}
