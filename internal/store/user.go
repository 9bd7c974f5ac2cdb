package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dietwise/entitlement/internal/model"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userCols = `id, email, stripe_customer_id, created_at, updated_at`

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var customerID sql.NullString
	var createdAt, updatedAt int64
	err := scanner.Scan(&u.ID, &u.Email, &customerID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		u.StripeCustomerID = &customerID.String
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &u, nil
}

func (s *UserStore) Create(ctx context.Context, email string) (*model.User, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email) VALUES (?, ?)`,
		id, email,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByStripeCustomerID(ctx context.Context, customerID string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE stripe_customer_id = ?`, customerID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by customer id: %w", err)
	}
	return u, nil
}

func (s *UserStore) UpdateStripeCustomerID(ctx context.Context, id, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET stripe_customer_id = ?, updated_at = strftime('%s', 'now') WHERE id = ?`,
		customerID, id,
	)
	if err != nil {
		return fmt.Errorf("update stripe customer id: %w", err)
	}
	return nil
}
