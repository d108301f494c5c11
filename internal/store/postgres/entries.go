package postgres

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
	"github.com/jackc/pgx/v5"
)

const entryColumns = `entry_id::text, request_id, doctor_id::text, service_id::text, schedule_id::text,
	patient_id::text, service_date::text, queue_number, ticket_number, status, complaint, created_at,
	called_at, served_at, finished_at, canceled_at, cancel_reason, estimated_call_time,
	extra_delay_minutes, reminder_sent_at, reminder_failed_at, reminder_error, reminder_attempts`

const requestIDConstraint = "queue_entries_request_id_key"

var errRequestRace = errors.New("request id inserted concurrently")

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var requestID, complaint, cancelReason, reminderError sql.NullString
	var calledAt, servedAt, finishedAt, canceledAt, eta, sentAt, failedAt sql.NullTime
	if err := row.Scan(
		&entry.EntryID, &requestID, &entry.DoctorID, &entry.ServiceID, &entry.ScheduleID, &entry.PatientID,
		&entry.ServiceDate, &entry.QueueNumber, &entry.TicketNumber, &entry.Status, &complaint, &entry.CreatedAt,
		&calledAt, &servedAt, &finishedAt, &canceledAt, &cancelReason, &eta, &entry.ExtraDelayMinutes,
		&sentAt, &failedAt, &reminderError, &entry.ReminderAttempts,
	); err != nil {
		return models.QueueEntry{}, err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.RequestID = requestID.String
	entry.Complaint = complaint.String
	entry.CancelReason = cancelReason.String
	entry.ReminderError = reminderError.String
	entry.CalledAt = nullTimePtr(calledAt)
	entry.ServedAt = nullTimePtr(servedAt)
	entry.FinishedAt = nullTimePtr(finishedAt)
	entry.CanceledAt = nullTimePtr(canceledAt)
	entry.EstimatedCallTime = nullTimePtr(eta)
	entry.ReminderSentAt = nullTimePtr(sentAt)
	entry.ReminderFailedAt = nullTimePtr(failedAt)
	return entry, nil
}

func getEntry(ctx context.Context, q queryer, entryID string, forUpdate bool) (models.QueueEntry, error) {
	if !validUUID(entryID) {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE entry_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	entry, err := scanEntry(q.QueryRow(ctx, query, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func findEntryByRequestID(ctx context.Context, q queryer, requestID string) (models.QueueEntry, bool, error) {
	entry, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE request_id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) CreateEntry(ctx context.Context, input store.CreateEntryInput) (models.QueueEntry, bool, error) {
	entry, created, err := s.createEntry(ctx, input)
	if errors.Is(err, errRequestRace) {
		existing, found, err := findEntryByRequestID(ctx, s.pool, input.RequestID)
		if err != nil {
			return models.QueueEntry{}, false, err
		}
		if found {
			return existing, false, nil
		}
		return models.QueueEntry{}, false, store.ErrDuplicateEntry
	}
	return entry, created, err
}

func (s *Store) createEntry(ctx context.Context, input store.CreateEntryInput) (models.QueueEntry, bool, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var entry models.QueueEntry
	created := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if input.RequestID != "" {
			existing, found, err := findEntryByRequestID(ctx, tx, input.RequestID)
			if err != nil {
				return err
			}
			if found {
				entry = existing
				return nil
			}
		}

		var live int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM queue_entries
			WHERE patient_id = $1 AND doctor_id = $2 AND service_date = $3 AND status IN ('waiting', 'serving')
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
		if err := tx.QueryRow(ctx, `SELECT code FROM services WHERE service_id = $1 AND active`, input.ServiceID).Scan(&code); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrServiceNotFound
			}
			return err
		}

		var seq int
		if err := tx.QueryRow(ctx, `
			INSERT INTO queue_sequences (doctor_id, service_id, service_date, next_number)
			VALUES ($1, $2, $3, 1)
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
			CreatedAt:    pgTime(createdAt),
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO queue_entries (
				entry_id, request_id, doctor_id, service_id, schedule_id, patient_id, service_date,
				queue_number, ticket_number, status, complaint, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, entry.EntryID, nullIfEmpty(entry.RequestID), entry.DoctorID, entry.ServiceID, entry.ScheduleID,
			entry.PatientID, entry.ServiceDate, entry.QueueNumber, entry.TicketNumber, string(entry.Status),
			nullIfEmpty(entry.Complaint), entry.CreatedAt); err != nil {
			if constraint, ok := uniqueConstraint(err); ok {
				if constraint == requestIDConstraint {
					return errRequestRace
				}
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
	return getEntry(ctx, s.pool, entryID, false)
}

func (s *Store) ListEntries(ctx context.Context, filter store.EntryFilter) ([]models.QueueEntry, error) {
	return listEntries(ctx, s.pool, filter)
}

func listEntries(ctx context.Context, q queryer, filter store.EntryFilter) ([]models.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE TRUE`
	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.DoctorID != "" {
		query += ` AND doctor_id = ` + arg(filter.DoctorID)
	}
	if filter.ServiceID != "" {
		query += ` AND service_id = ` + arg(filter.ServiceID)
	}
	if filter.ServiceDate != "" {
		query += ` AND service_date = ` + arg(filter.ServiceDate)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		query += ` AND status = ANY(` + arg(statuses) + `)`
	}
	query += ` ORDER BY service_date ASC, queue_number ASC, created_at ASC, entry_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := q.Query(ctx, query, args...)
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
		occurredAt = time.Now()
	}

	var entry models.QueueEntry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := getEntry(ctx, tx, input.EntryID, true)
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

func applyTransition(ctx context.Context, tx pgx.Tx, current models.QueueEntry, target models.Status, reason string, at time.Time) (models.QueueEntry, error) {
	at = pgTime(at)
	var query string
	args := []any{string(target), current.EntryID, string(current.Status)}
	switch target {
	case models.StatusServing:
		query = `UPDATE queue_entries SET status = $1, called_at = $4, served_at = $4`
		args = append(args, at)
	case models.StatusFinished:
		query = `UPDATE queue_entries SET status = $1, finished_at = $4`
		args = append(args, at)
	case models.StatusCanceled:
		query = `UPDATE queue_entries SET status = $1, canceled_at = $4, cancel_reason = $5`
		args = append(args, at, nullIfEmpty(strings.TrimSpace(reason)))
	default:
		return models.QueueEntry{}, store.ErrInvalidTransition
	}
	query += ` WHERE entry_id = $2 AND status = $3 RETURNING ` + entryColumns

	entry, err := scanEntry(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrInvalidTransition
		}
		return models.QueueEntry{}, err
	}
	if err := recordEntryEvent(ctx, tx, store.EventType(target), entry); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// CallNext skips rows locked by a concurrent caller so two callers never get the same entry.
func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.QueueEntry, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now()
	}

	var entry models.QueueEntry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + entryColumns + ` FROM queue_entries
			WHERE doctor_id = $1 AND service_date = $2 AND status = 'waiting'`
		args := []any{input.DoctorID, input.ServiceDate}
		if input.ServiceID != "" {
			query += ` AND service_id = $3`
			args = append(args, input.ServiceID)
		}
		query += ` ORDER BY queue_number ASC, created_at ASC, entry_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

		next, err := scanEntry(tx.QueryRow(ctx, query, args...))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := getEntry(ctx, tx, entryID, true)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return store.ErrInvalidTransition
		}
		entry, err = scanEntry(tx.QueryRow(ctx, `
			UPDATE queue_entries SET extra_delay_minutes = extra_delay_minutes + $1
			WHERE entry_id = $2
			RETURNING `+entryColumns, minutes, entryID))
		if err != nil {
			return err
		}
		return recordEntryEvent(ctx, tx, "entry.delayed", entry)
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// RecomputeEstimates holds an advisory lock on the doctor and date while it
// reads the queue and writes the new estimates, so an older recompute cannot
// commit over a newer one.
func (s *Store) RecomputeEstimates(ctx context.Context, doctorID, serviceDate string, compute store.EstimateFunc) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "estimates:"+doctorID+":"+serviceDate); err != nil {
			return err
		}
		entries, err := listEntries(ctx, tx, store.EntryFilter{
			DoctorID:    doctorID,
			ServiceDate: serviceDate,
			Statuses:    []models.Status{models.StatusWaiting, models.StatusServing},
		})
		if err != nil {
			return err
		}
		etas := compute(entries)
		if len(etas) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for entryID, eta := range etas {
			batch.Queue(`
				UPDATE queue_entries SET estimated_call_time = $1
				WHERE entry_id = $2 AND doctor_id = $3 AND service_date = $4 AND status = 'waiting'
			`, pgTime(eta), entryID, doctorID, serviceDate)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *Store) ServiceDurations(ctx context.Context, doctorID string, since time.Time) (map[string]time.Duration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id::text, AVG(EXTRACT(EPOCH FROM (finished_at - served_at)))::float8
		FROM queue_entries
		WHERE doctor_id = $1 AND status = 'finished' AND served_at IS NOT NULL
			AND finished_at IS NOT NULL AND finished_at >= served_at AND finished_at >= $2
		GROUP BY service_id
	`, doctorID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	durations := map[string]time.Duration{}
	for rows.Next() {
		var serviceID string
		var avgSeconds sql.NullFloat64
		if err := rows.Scan(&serviceID, &avgSeconds); err != nil {
			return nil, err
		}
		if avgSeconds.Valid && avgSeconds.Float64 > 0 {
			durations[serviceID] = time.Duration(avgSeconds.Float64 * float64(time.Second))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return durations, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	if !validUUID(entryID) {
		return nil, store.ErrEntryNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id::text, entry_seq, type, payload, created_at, prev_hash, hash
		FROM entry_events
		WHERE entry_id = $1
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
		if err := rows.Scan(&event.EntryID, &event.EntrySeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// recordEntryEvent writes the outbox row and appends to the entry's audit chain.
// The advisory lock serializes appends for one entry across transactions.
func recordEntryEvent(ctx context.Context, tx pgx.Tx, eventType string, entry models.QueueEntry) error {
	payload, err := json.Marshal(store.NewEntryPayload(entry))
	if err != nil {
		return err
	}
	now := pgTime(time.Now())
	if err := insertOutbox(ctx, tx, eventType, entry.EntryID, payload, now); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.EntryID); err != nil {
		return err
	}
	var lastSeq int
	var prevHash sql.NullString
	err = tx.QueryRow(ctx, `
		SELECT entry_seq, hash FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
	`, entry.EntryID).Scan(&lastSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	hash := store.ComputeEntryEventHash(prevHash.String, entry.EntryID, eventType, payload, now, nextSeq)
	_, err = tx.Exec(ctx, `
		INSERT INTO entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.EntryID, nextSeq, eventType, string(payload), now, prevHash.String, hash)
	return err
}
