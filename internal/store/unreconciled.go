package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dietwise/entitlement/internal/model"
)

// UnreconciledEventStore journals events that were acknowledged to the
// processor but could not be applied (most often a missing user mapping).
// The journal is the operator alert channel; the webhook still answers 2xx
// so the processor does not retry a permanently-unresolvable delivery.
type UnreconciledEventStore struct {
	db *sql.DB
}

func NewUnreconciledEventStore(db *sql.DB) *UnreconciledEventStore {
	return &UnreconciledEventStore{db: db}
}

// Record journals one event. Idempotent per event id, so redeliveries do not
// pile up duplicate rows.
func (s *UnreconciledEventStore) Record(ctx context.Context, eventID, eventType, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO unreconciled_events (event_id, event_type, reason) VALUES (?, ?, ?)`,
		eventID, eventType, reason,
	)
	if err != nil {
		return fmt.Errorf("record unreconciled event: %w", err)
	}
	return nil
}

func (s *UnreconciledEventStore) List(ctx context.Context, limit int) ([]*model.UnreconciledEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, event_type, reason, received_at FROM unreconciled_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unreconciled events: %w", err)
	}
	defer rows.Close()

	var events []*model.UnreconciledEvent
	for rows.Next() {
		var e model.UnreconciledEvent
		var receivedAt int64
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.Reason, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan unreconciled event: %w", err)
		}
		e.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unreconciled events: %w", err)
	}
	return events, nil
}
