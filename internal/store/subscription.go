package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dietwise/entitlement/internal/model"
)

type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionCols = `id, user_id, stripe_customer_id, stripe_subscription_id, status, plan_type, current_period_start, current_period_end, cancel_at_period_end, trial_end, created_at, updated_at`

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var stripeSubID sql.NullString
	var periodStart, periodEnd, trialEnd sql.NullInt64
	var cancelAtPeriodEnd int
	var createdAt, updatedAt int64
	err := scanner.Scan(
		&sub.ID, &sub.UserID, &sub.StripeCustomerID, &stripeSubID, &sub.Status, &sub.PlanType,
		&periodStart, &periodEnd, &cancelAtPeriodEnd, &trialEnd, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stripeSubID.Valid {
		sub.StripeSubscriptionID = &stripeSubID.String
	}
	if periodStart.Valid {
		t := time.Unix(periodStart.Int64, 0).UTC()
		sub.CurrentPeriodStart = &t
	}
	if periodEnd.Valid {
		t := time.Unix(periodEnd.Int64, 0).UTC()
		sub.CurrentPeriodEnd = &t
	}
	if trialEnd.Valid {
		t := time.Unix(trialEnd.Int64, 0).UTC()
		sub.TrialEnd = &t
	}
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func nullUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Upsert inserts the record or fully replaces the existing one, matched by
// stripe_subscription_id first and stripe_customer_id second. The replace is
// guarded so updated_at never moves backward; a stale write is skipped and
// the newer stored record is returned with applied=false.
//
// Callers serialize per subscription key, so the lookup and conditional
// write do not race for the same record.
func (s *SubscriptionStore) Upsert(ctx context.Context, sub *model.Subscription) (*model.Subscription, bool, error) {
	current, err := s.lookup(ctx, sub)
	if err != nil {
		return nil, false, err
	}

	if current == nil {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id, status, plan_type, current_period_start, current_period_end, cancel_at_period_end, trial_end, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.UserID, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.Status, sub.PlanType,
			nullUnix(sub.CurrentPeriodStart), nullUnix(sub.CurrentPeriodEnd),
			boolInt(sub.CancelAtPeriodEnd), nullUnix(sub.TrialEnd), sub.UpdatedAt.Unix(),
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert subscription: %w", err)
		}
		stored, err := s.lookup(ctx, sub)
		if err != nil {
			return nil, false, err
		}
		return stored, true, nil
	}

	// The checkout event may predate the subscription id; never null out an
	// id a later event already recorded.
	subID := sub.StripeSubscriptionID
	if subID == nil {
		subID = current.StripeSubscriptionID
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET user_id = ?, stripe_customer_id = ?, stripe_subscription_id = ?, status = ?, plan_type = ?,
		     current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?, trial_end = ?, updated_at = ?
		 WHERE id = ? AND updated_at <= ?`,
		sub.UserID, sub.StripeCustomerID, subID, sub.Status, sub.PlanType,
		nullUnix(sub.CurrentPeriodStart), nullUnix(sub.CurrentPeriodEnd),
		boolInt(sub.CancelAtPeriodEnd), nullUnix(sub.TrialEnd), sub.UpdatedAt.Unix(),
		current.ID, sub.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("update subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	stored, err := s.GetByID(ctx, current.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

func (s *SubscriptionStore) lookup(ctx context.Context, sub *model.Subscription) (*model.Subscription, error) {
	if sub.StripeSubscriptionID != nil && *sub.StripeSubscriptionID != "" {
		found, err := s.GetByStripeSubscriptionID(ctx, *sub.StripeSubscriptionID)
		if err != nil || found != nil {
			return found, err
		}
	}
	return s.GetByStripeCustomerID(ctx, sub.StripeCustomerID)
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByUserID(ctx context.Context, userID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ? ORDER BY updated_at DESC LIMIT 1`,
		userID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by user: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE stripe_subscription_id = ?`,
		stripeSubID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by stripe id: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByStripeCustomerID(ctx context.Context, customerID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE stripe_customer_id = ?`,
		customerID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by customer id: %w", err)
	}
	return sub, nil
}

// UpdateStatusIfNewer moves a subscription to the given status, refusing the
// write if the record has already seen a newer event or has reached the
// terminal canceled state. Returns whether a row changed.
func (s *SubscriptionStore) UpdateStatusIfNewer(ctx context.Context, stripeSubID string, status model.SubscriptionStatus, eventTime time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = ?
		 WHERE stripe_subscription_id = ? AND updated_at <= ? AND status != ?`,
		status, eventTime.Unix(), stripeSubID, eventTime.Unix(), model.StatusCanceled,
	)
	if err != nil {
		return false, fmt.Errorf("update subscription status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
