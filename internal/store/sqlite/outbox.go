package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
)

func insertOutbox(ctx context.Context, tx *sql.Tx, eventType, aggregateID string, payload []byte, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, type, aggregate_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), eventType, aggregateID, string(payload), toMillis(at))
	return err
}

func (s *Store) ListPendingOutbox(ctx context.Context, limit, maxAttempts int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, type, aggregate_id, payload_json, created_at, published_at, attempts, last_error
		FROM outbox_events
		WHERE published_at IS NULL`
	args := []any{}
	if maxAttempts > 0 {
		query += ` AND attempts < ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY created_at ASC, rowid ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload string
		var createdAt int64
		var publishedAt sql.NullInt64
		var lastError sql.NullString
		if err := rows.Scan(&event.EventID, &event.Type, &event.AggregateID, &payload, &createdAt, &publishedAt, &event.Attempts, &lastError); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = fromMillis(createdAt)
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
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET published_at = ?, attempts = attempts + 1, last_error = NULL
		WHERE event_id = ? AND published_at IS NULL
	`, toMillis(at), eventID)
	return err
}

func (s *Store) MarkOutboxFailed(ctx context.Context, eventID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET attempts = attempts + 1, last_error = ?
		WHERE event_id = ? AND published_at IS NULL
	`, message, eventID)
	return err
}
