// Package store persists the webhook delivery ledger.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusForwarded Status = "forwarded"
	StatusFailed    Status = "failed"
	StatusDropped   Status = "dropped"
	StatusIgnored   Status = "ignored"
)

// WebhookEvent is one provider event as seen by the synchronizer.
type WebhookEvent struct {
	EventID    string
	EventType  string
	Kind       string
	UserID     string
	Status     Status
	Attempts   int
	LastError  string
	ReceivedAt time.Time
	UpdatedAt  time.Time
}

const timeLayout = "2006-01-02 15:04:05"

type WebhookEventStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewWebhookEventStore(db *sql.DB) *WebhookEventStore {
	return &WebhookEventStore{db: db, now: time.Now}
}

const webhookEventCols = `event_id, event_type, kind, user_id, status, attempts, last_error, received_at, updated_at`

// Get returns the ledger entry for eventID, or nil if the event was never seen.
func (s *WebhookEventStore) Get(ctx context.Context, eventID string) (*WebhookEvent, error) {
	var ev WebhookEvent
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT `+webhookEventCols+` FROM webhook_events WHERE event_id = ?`, eventID,
	).Scan(
		&ev.EventID, &ev.EventType, &ev.Kind, &ev.UserID, &status,
		&ev.Attempts, &ev.LastError, &ev.ReceivedAt, &ev.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	ev.Status = Status(status)
	return &ev, nil
}

// Record stores the outcome of handling ev. A repeated delivery of the same
// event bumps its attempt count and replaces status, kind, user and error.
func (s *WebhookEventStore) Record(ctx context.Context, ev WebhookEvent) error {
	now := s.now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, kind, user_id, status, last_error, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			kind = excluded.kind,
			user_id = excluded.user_id,
			status = excluded.status,
			last_error = excluded.last_error,
			attempts = webhook_events.attempts + 1,
			updated_at = excluded.updated_at`,
		ev.EventID, ev.EventType, ev.Kind, ev.UserID, string(ev.Status), ev.LastError, now, now,
	)
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

// Prune deletes entries not touched since before.
func (s *WebhookEventStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE updated_at < ?`, before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	return res.RowsAffected()
}
