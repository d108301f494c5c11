package postgres

import (
	"context"
	"database/sql"
	"time"

	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func insertOutbox(ctx context.Context, tx pgx.Tx, eventType, aggregateID string, payload []byte, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, aggregate_id, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), eventType, aggregateID, payload, at)
	return err
}

func (s *Store) ListPendingOutbox(ctx context.Context, limit, maxAttempts int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id::text, type, aggregate_id, payload_json, created_at, published_at, attempts, last_error
		FROM outbox_events
		WHERE published_at IS NULL`
	args := []any{limit}
	if maxAttempts > 0 {
		query += ` AND attempts < $2`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY created_at ASC, event_id ASC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		var publishedAt sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(&event.EventID, &event.Type, &event.AggregateID, &payload, &event.CreatedAt, &publishedAt, &event.Attempts, &lastError); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.CreatedAt = event.CreatedAt.UTC()
		event.PublishedAt = nullTimePtr(publishedAt)
		event.LastError = lastError.String
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, eventID string, at time.Time) error {
	if !validUUID(eventID) {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET published_at = $2, attempts = attempts + 1, last_error = NULL
		WHERE event_id = $1 AND published_at IS NULL
	`, eventID, at)
	return err
}

func (s *Store) MarkOutboxFailed(ctx context.Context, eventID, message string) error {
	if !validUUID(eventID) {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET attempts = attempts + 1, last_error = $2
		WHERE event_id = $1 AND published_at IS NULL
	`, eventID, message)
	return err
}
