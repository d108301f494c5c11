package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
)

const entryColumns = `entry_id, request_id, doctor_id, service_id, schedule_id, patient_id, service_date,
	queue_number, ticket_number, status, complaint, created_at, called_at, served_at, finished_at,
	canceled_at, cancel_reason, estimated_call_time, extra_delay_minutes, reminder_sent_at,
	reminder_failed_at, reminder_error, reminder_attempts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var requestID, complaint, cancelReason, reminderError sql.NullString
	var createdAt int64
	var calledAt, servedAt, finishedAt, canceledAt, eta, sentAt, failedAt sql.NullInt64
	var status string
	if err := row.Scan(
		&entry.EntryID, &requestID, &entry.DoctorID, &entry.ServiceID, &entry.ScheduleID, &entry.PatientID,
		&entry.ServiceDate, &entry.QueueNumber, &entry.TicketNumber, &status, &complaint, &createdAt,
		&calledAt, &servedAt, &finishedAt, &canceledAt, &cancelReason, &eta, &entry.ExtraDelayMinutes,
		&sentAt, &failedAt, &reminderError, &entry.ReminderAttempts,
	); err != nil {
		return models.QueueEntry{}, err
	}
	entry.Status = models.Status(status)
	entry.RequestID = requestID.String
	entry.Complaint = complaint.String
	entry.CancelReason = cancelReason.String
	entry.ReminderError = reminderError.String
	entry.CreatedAt = fromMillis(createdAt)
	entry.CalledAt = nullTimePtr(calledAt)
	entry.ServedAt = nullTimePtr(servedAt)
	entry.FinishedAt = nullTimePtr(finishedAt)
	entry.CanceledAt = nullTimePtr(canceledAt)
	entry.EstimatedCallTime = nullTimePtr(eta)
	entry.ReminderSentAt = nullTimePtr(sentAt)
	entry.ReminderFailedAt = nullTimePtr(failedAt)
	return entry, nil
}

func getEntry(ctx context.Context, q queryer, entryID string) (models.QueueEntry, error) {
	entry, err := scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE entry_id = ?`, entryID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) CreateEntry(ctx context.Context, input store.CreateEntryInput) (models.QueueEntry, bool, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var entry models.QueueEntry
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if input.RequestID != "" {
			existing, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE request_id = ?`, input.RequestID))
			if err == nil {
				entry = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		var live int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM queue_entries
			WHERE patient_id = ? AND doctor_id = ? AND service_date = ? AND status IN ('waiting', 'serving')
		`, input.PatientID, input.DoctorID, input.ServiceDate).Scan(&live); err != nil {
			return err
		}
		if live > 0 {
			return store.ErrDuplicateEntry
		}

		if _, err := reserveQuota(ctx, tx, input.ScheduleID, input.ServiceDate, s.options.DefaultDailyQuota); err != nil {
			return err
		}

		var code string
		if err := tx.QueryRowContext(ctx, `SELECT code FROM services WHERE service_id = ? AND active = 1`, input.ServiceID).Scan(&code); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrServiceNotFound
			}
			return err
		}

		var seq int
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO queue_sequences (doctor_id, service_id, service_date, next_number)
			VALUES (?, ?, ?, 1)
			ON CONFLICT (doctor_id, service_id, service_date)
			DO UPDATE SET next_number = queue_sequences.next_number + 1
			RETURNING next_number
		`, input.DoctorID, input.ServiceID, input.ServiceDate).Scan(&seq); err != nil {
			return err
		}

		entry = models.QueueEntry{
			EntryID:      uuid.NewString(),
			RequestID:    input.RequestID,
			DoctorID:     input.DoctorID,
			ServiceID:    input.ServiceID,
			ScheduleID:   input.ScheduleID,
			PatientID:    input.PatientID,
			ServiceDate:  input.ServiceDate,
			QueueNumber:  seq,
			TicketNumber: fmt.Sprintf("%s-%0*d", code, store.TicketNumberPad, seq),
			Status:       models.StatusWaiting,
			Complaint:    strings.TrimSpace(input.Complaint),
			CreatedAt:    createdAt.UTC().Truncate(time.Millisecond),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (
				entry_id, request_id, doctor_id, service_id, schedule_id, patient_id, service_date,
				queue_number, ticket_number, status, complaint, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.EntryID, nullIfEmpty(entry.RequestID), entry.DoctorID, entry.ServiceID, entry.ScheduleID,
			entry.PatientID, entry.ServiceDate, entry.QueueNumber, entry.TicketNumber, entry.Status,
			nullIfEmpty(entry.Complaint), toMillis(entry.CreatedAt)); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicateEntry
			}
			return err
		}

		if err := recordEntryEvent(ctx, tx, store.EventType(entry.Status), entry); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, created, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return getEntry(ctx, s.db, entryID)
}

func (s *Store) ListEntries(ctx context.Context, filter store.EntryFilter) ([]models.QueueEntry, error) {
	return listEntries(ctx, s.db, filter)
}

func listEntries(ctx context.Context, q queryer, filter store.EntryFilter) ([]models.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE 1 = 1`
	var args []any
	if filter.DoctorID != "" {
		query += ` AND doctor_id = ?`
		args = append(args, filter.DoctorID)
	}
	if filter.ServiceID != "" {
		query += ` AND service_id = ?`
		args = append(args, filter.ServiceID)
	}
	if filter.ServiceDate != "" {
		query += ` AND service_date = ?`
		args = append(args, filter.ServiceDate)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY service_date ASC, queue_number ASC, created_at ASC, entry_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
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

func (s *Store) TransitionEntry(ctx context.Context, input store.TransitionInput) (models.QueueEntry, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var entry models.QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getEntry(ctx, tx, input.EntryID)
		if err != nil {
			return err
		}
		if !store.ValidTransition(current.Status, input.Target) {
			return fmt.Errorf("%w: %s to %s", store.ErrInvalidTransition, current.Status, input.Target)
		}
		entry, err = applyTransition(ctx, tx, current, input.Target, input.Reason, occurredAt)
		if err != nil {
			return err
		}
		if input.Target == models.StatusCanceled && s.options.ReleaseQuotaOnCancel {
			if _, err := releaseQuota(ctx, tx, current.ScheduleID, current.ServiceDate, s.options.DefaultDailyQuota); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// applyTransition updates status and timestamps conditionally on the status read
// inside the same transaction, then records the outbox and audit events.
func applyTransition(ctx context.Context, tx *sql.Tx, current models.QueueEntry, target models.Status, reason string, at time.Time) (models.QueueEntry, error) {
	var query string
	args := []any{string(target)}
	switch target {
	case models.StatusServing:
		query = `UPDATE queue_entries SET status = ?, called_at = ?, served_at = ?`
		args = append(args, toMillis(at), toMillis(at))
	case models.StatusFinished:
		query = `UPDATE queue_entries SET status = ?, finished_at = ?`
		args = append(args, toMillis(at))
	case models.StatusCanceled:
		query = `UPDATE queue_entries SET status = ?, canceled_at = ?, cancel_reason = ?`
		args = append(args, toMillis(at), nullIfEmpty(strings.TrimSpace(reason)))
	default:
		return models.QueueEntry{}, store.ErrInvalidTransition
	}
	query += ` WHERE entry_id = ? AND status = ? RETURNING ` + entryColumns
	args = append(args, current.EntryID, string(current.Status))

	entry, err := scanEntry(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, store.ErrInvalidTransition
		}
		return models.QueueEntry{}, err
	}
	if err := recordEntryEvent(ctx, tx, store.EventType(target), entry); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.QueueEntry, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	var entry models.QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + entryColumns + ` FROM queue_entries
			WHERE doctor_id = ? AND service_date = ? AND status = 'waiting'`
		args := []any{input.DoctorID, input.ServiceDate}
		if input.ServiceID != "" {
			query += ` AND service_id = ?`
			args = append(args, input.ServiceID)
		}
		query += ` ORDER BY queue_number ASC, created_at ASC, entry_id ASC LIMIT 1`

		next, err := scanEntry(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNoWaitingEntry
			}
			return err
		}
		entry, err = applyTransition(ctx, tx, next, models.StatusServing, "", calledAt)
		return err
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) AddDelay(ctx context.Context, entryID string, minutes int) (models.QueueEntry, error) {
	if minutes <= 0 {
		return models.QueueEntry{}, fmt.Errorf("delay must be positive, got %d", minutes)
	}
	var entry models.QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		updated, err := scanEntry(tx.QueryRowContext(ctx, `
			UPDATE queue_entries SET extra_delay_minutes = extra_delay_minutes + ?
			WHERE entry_id = ? AND status IN ('waiting', 'serving')
			RETURNING `+entryColumns, minutes, entryID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				if _, err := getEntry(ctx, tx, entryID); err != nil {
					return err
				}
				return store.ErrInvalidTransition
			}
			return err
		}
		entry = updated
		return recordEntryEvent(ctx, tx, "entry.delayed", entry)
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// RecomputeEstimates reads the queue and writes the new estimates in one
// transaction. The single connection keeps concurrent recomputes in order.
func (s *Store) RecomputeEstimates(ctx context.Context, doctorID, serviceDate string, compute store.EstimateFunc) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		entries, err := listEntries(ctx, tx, store.EntryFilter{
			DoctorID:    doctorID,
			ServiceDate: serviceDate,
			Statuses:    []models.Status{models.StatusWaiting, models.StatusServing},
		})
		if err != nil {
			return err
		}
		for entryID, eta := range compute(entries) {
			if _, err := tx.ExecContext(ctx, `
				UPDATE queue_entries SET estimated_call_time = ?
				WHERE entry_id = ? AND doctor_id = ? AND service_date = ? AND status = 'waiting'
			`, toMillis(eta), entryID, doctorID, serviceDate); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ServiceDurations(ctx context.Context, doctorID string, since time.Time) (map[string]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_id, AVG(finished_at - served_at)
		FROM queue_entries
		WHERE doctor_id = ? AND status = 'finished' AND served_at IS NOT NULL
			AND finished_at IS NOT NULL AND finished_at >= served_at AND finished_at >= ?
		GROUP BY service_id
	`, doctorID, toMillis(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	durations := map[string]time.Duration{}
	for rows.Next() {
		var serviceID string
		var avgMillis sql.NullFloat64
		if err := rows.Scan(&serviceID, &avgMillis); err != nil {
			return nil, err
		}
		if avgMillis.Valid && avgMillis.Float64 > 0 {
			durations[serviceID] = time.Duration(avgMillis.Float64 * float64(time.Millisecond))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return durations, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, entry_seq, type, payload, created_at, prev_hash, hash
		FROM entry_events
		WHERE entry_id = ?
		ORDER BY entry_seq ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		var payload string
		var createdAt int64
		if err := rows.Scan(&event.EntryID, &event.EntrySeq, &event.Type, &payload, &createdAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = fromMillis(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// recordEntryEvent writes the outbox row and the next link of the entry's audit chain.
func recordEntryEvent(ctx context.Context, tx *sql.Tx, eventType string, entry models.QueueEntry) error {
	payload, err := json.Marshal(store.NewEntryPayload(entry))
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := insertOutbox(ctx, tx, eventType, entry.EntryID, payload, now); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT entry_seq, hash FROM entry_events WHERE entry_id = ? ORDER BY entry_seq DESC LIMIT 1
	`, entry.EntryID).Scan(&lastSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	hash := store.ComputeEntryEventHash(prevHash.String, entry.EntryID, eventType, payload, now, nextSeq)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.EntryID, nextSeq, eventType, string(payload), toMillis(now), prevHash.String, hash)
	return err
}
