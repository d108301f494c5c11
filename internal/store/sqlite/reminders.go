package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

func (s *Store) ListReminderCandidates(ctx context.Context, from, to time.Time, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = 'waiting' AND reminder_sent_at IS NULL AND reminder_failed_at IS NULL
			AND estimated_call_time IS NOT NULL AND estimated_call_time >= ? AND estimated_call_time <= ?
		ORDER BY estimated_call_time ASC
		LIMIT ?
	`, toMillis(from), toMillis(to), limit)
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
	entry, err := getEntry(ctx, s.db, entryID)
	if err != nil {
		return store.ReminderTarget{}, err
	}
	patient, err := getPatient(ctx, s.db, entry.PatientID)
	if err != nil {
		return store.ReminderTarget{}, err
	}
	target := store.ReminderTarget{Entry: entry, Patient: patient}
	if err := s.db.QueryRowContext(ctx, `SELECT name FROM doctors WHERE doctor_id = ?`, entry.DoctorID).Scan(&target.DoctorName); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.ReminderTarget{}, err
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE doctor_id = ? AND service_date = ? AND status = 'waiting'
			AND (queue_number < ? OR (queue_number = ? AND created_at < ?))
	`, entry.DoctorID, entry.ServiceDate, entry.QueueNumber, entry.QueueNumber, toMillis(entry.CreatedAt)).Scan(&target.Position); err != nil {
		return store.ReminderTarget{}, err
	}
	return target, nil
}

// MarkReminderSent records success only while no outcome is recorded yet.
func (s *Store) MarkReminderSent(ctx context.Context, entryID string, at time.Time, attempts int) (bool, error) {
	marked := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := scanEntry(tx.QueryRowContext(ctx, `
			UPDATE queue_entries SET reminder_sent_at = ?, reminder_attempts = ?
			WHERE entry_id = ? AND reminder_sent_at IS NULL AND reminder_failed_at IS NULL
			RETURNING `+entryColumns, toMillis(at), attempts, entryID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		marked = true
		return insertReminderOutbox(ctx, tx, store.ReminderEventSent, entry)
	})
	return marked, err
}

func (s *Store) MarkReminderFailed(ctx context.Context, entryID string, at time.Time, message string, attempts int) (bool, error) {
	marked := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := scanEntry(tx.QueryRowContext(ctx, `
			UPDATE queue_entries SET reminder_failed_at = ?, reminder_error = ?, reminder_attempts = ?
			WHERE entry_id = ? AND reminder_sent_at IS NULL AND reminder_failed_at IS NULL
			RETURNING `+entryColumns, toMillis(at), message, attempts, entryID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		marked = true
		return insertReminderOutbox(ctx, tx, store.ReminderEventFailed, entry)
	})
	return marked, err
}

func insertReminderOutbox(ctx context.Context, tx *sql.Tx, eventType string, entry models.QueueEntry) error {
	payload, err := json.Marshal(store.NewEntryPayload(entry))
	if err != nil {
		return err
	}
	return insertOutbox(ctx, tx, eventType, entry.EntryID, payload, time.Now().UTC())
}

func (s *Store) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO job_leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE job_leases.expires_at < ? OR job_leases.holder = excluded.holder
		RETURNING holder
	`, name, holder, toMillis(now.Add(ttl)), toMillis(now)).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return current == holder, nil
}

func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_leases WHERE name = ? AND holder = ?`, name, holder)
	return err
}
