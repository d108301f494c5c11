package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) ListReminderCandidates(ctx context.Context, from, to time.Time, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = 'waiting' AND reminder_sent_at IS NULL AND reminder_failed_at IS NULL
			AND estimated_call_time BETWEEN $1 AND $2
		ORDER BY estimated_call_time ASC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetReminderTarget(ctx context.Context, entryID string) (store.ReminderTarget, error) {
	entry, err := getEntry(ctx, s.pool, entryID, false)
	if err != nil {
		return store.ReminderTarget{}, err
	}
	patient, err := getPatient(ctx, s.pool, entry.PatientID, false)
	if err != nil {
		return store.ReminderTarget{}, err
	}
	target := store.ReminderTarget{Entry: entry, Patient: patient}
	if err := s.pool.QueryRow(ctx, `SELECT name FROM doctors WHERE doctor_id = $1`, entry.DoctorID).Scan(&target.DoctorName); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return store.ReminderTarget{}, err
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE doctor_id = $1 AND service_date = $2 AND status = 'waiting'
			AND (queue_number, created_at) < ($3, $4)
	`, entry.DoctorID, entry.ServiceDate, entry.QueueNumber, entry.CreatedAt).Scan(&target.Position); err != nil {
		return store.ReminderTarget{}, err
	}
	return target, nil
}

func (s *Store) MarkReminderSent(ctx context.Context, entryID string, at time.Time, attempts int) (bool, error) {
	return s.markReminder(ctx, store.ReminderEventSent, `
		UPDATE queue_entries SET reminder_sent_at = $2, reminder_attempts = $3
		WHERE entry_id = $1 AND reminder_sent_at IS NULL AND reminder_failed_at IS NULL
		RETURNING `+entryColumns, entryID, pgTime(at), attempts)
}

func (s *Store) MarkReminderFailed(ctx context.Context, entryID string, at time.Time, message string, attempts int) (bool, error) {
	return s.markReminder(ctx, store.ReminderEventFailed, `
		UPDATE queue_entries SET reminder_failed_at = $2, reminder_attempts = $3, reminder_error = $4
		WHERE entry_id = $1 AND reminder_sent_at IS NULL AND reminder_failed_at IS NULL
		RETURNING `+entryColumns, entryID, pgTime(at), attempts, message)
}

// markReminder runs a conditional update; false means another outcome was already recorded.
func (s *Store) markReminder(ctx context.Context, eventType, query string, args ...any) (bool, error) {
	entryID, _ := args[0].(string)
	if !validUUID(entryID) {
		return false, store.ErrEntryNotFound
	}
	marked := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		entry, err := scanEntry(tx.QueryRow(ctx, query, args...))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		payload, err := json.Marshal(store.NewEntryPayload(entry))
		if err != nil {
			return err
		}
		marked = true
		return insertOutbox(ctx, tx, eventType, entry.EntryID, payload, pgTime(time.Now()))
	})
	return marked, err
}

func (s *Store) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	var current string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_leases (name, holder, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE job_leases.expires_at < $4 OR job_leases.holder = EXCLUDED.holder
		RETURNING holder
	`, name, holder, now.Add(ttl), now).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return current == holder, nil
}

func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM job_leases WHERE name = $1 AND holder = $2`, name, holder)
	return err
}
