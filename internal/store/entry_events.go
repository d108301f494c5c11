package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
)

// EntryEvent is one link in the per-entry audit chain.
type EntryEvent struct {
	EntryID   string          `json:"entry_id"`
	EntrySeq  int             `json:"entry_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// EntryPayload is the snapshot recorded in outbox and audit events.
type EntryPayload struct {
	EntryID           string        `json:"entry_id"`
	TicketNumber      string        `json:"ticket_number,omitempty"`
	QueueNumber       int           `json:"queue_number,omitempty"`
	Status            models.Status `json:"status,omitempty"`
	DoctorID          string        `json:"doctor_id,omitempty"`
	ServiceID         string        `json:"service_id,omitempty"`
	PatientID         string        `json:"patient_id,omitempty"`
	ServiceDate       string        `json:"service_date,omitempty"`
	CreatedAt         *time.Time    `json:"created_at,omitempty"`
	CalledAt          *time.Time    `json:"called_at,omitempty"`
	ServedAt          *time.Time    `json:"served_at,omitempty"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
	CanceledAt        *time.Time    `json:"canceled_at,omitempty"`
	CancelReason      string        `json:"cancel_reason,omitempty"`
	ExtraDelayMinutes *int          `json:"extra_delay_minutes,omitempty"`
	ReminderSentAt    *time.Time    `json:"reminder_sent_at,omitempty"`
	ReminderFailedAt  *time.Time    `json:"reminder_failed_at,omitempty"`
	ReminderError     string        `json:"reminder_error,omitempty"`
}

func NewEntryPayload(entry models.QueueEntry) EntryPayload {
	createdAt := entry.CreatedAt
	delay := entry.ExtraDelayMinutes
	return EntryPayload{
		EntryID:           entry.EntryID,
		TicketNumber:      entry.TicketNumber,
		QueueNumber:       entry.QueueNumber,
		Status:            entry.Status,
		DoctorID:          entry.DoctorID,
		ServiceID:         entry.ServiceID,
		PatientID:         entry.PatientID,
		ServiceDate:       entry.ServiceDate,
		CreatedAt:         &createdAt,
		CalledAt:          entry.CalledAt,
		ServedAt:          entry.ServedAt,
		FinishedAt:        entry.FinishedAt,
		CanceledAt:        entry.CanceledAt,
		CancelReason:      entry.CancelReason,
		ExtraDelayMinutes: &delay,
		ReminderSentAt:    entry.ReminderSentAt,
		ReminderFailedAt:  entry.ReminderFailedAt,
		ReminderError:     entry.ReminderError,
	}
}

func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyEntryEvents checks sequence continuity and the hash chain of one entry's events.
func VerifyEntryEvents(events []EntryEvent) error {
	prev := ""
	for i, event := range events {
		if event.EntrySeq != i+1 {
			return fmt.Errorf("event %d: expected seq %d, got %d", i, i+1, event.EntrySeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("event %d: prev hash mismatch", event.EntrySeq)
		}
		want := ComputeEntryEventHash(prev, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.EntrySeq)
		if event.Hash != want {
			return fmt.Errorf("event %d: hash mismatch", event.EntrySeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateEntry folds audit events into the entry state they describe.
func RehydrateEntry(events []EntryEvent) (models.QueueEntry, error) {
	var entry models.QueueEntry
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload EntryPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.QueueEntry{}, err
		}
		if payload.EntryID != "" {
			entry.EntryID = payload.EntryID
		}
		if payload.TicketNumber != "" {
			entry.TicketNumber = payload.TicketNumber
		}
		if payload.QueueNumber != 0 {
			entry.QueueNumber = payload.QueueNumber
		}
		if payload.DoctorID != "" {
			entry.DoctorID = payload.DoctorID
		}
		if payload.ServiceID != "" {
			entry.ServiceID = payload.ServiceID
		}
		if payload.PatientID != "" {
			entry.PatientID = payload.PatientID
		}
		if payload.ServiceDate != "" {
			entry.ServiceDate = payload.ServiceDate
		}
		if payload.Status != "" {
			entry.Status = payload.Status
		}
		if payload.CreatedAt != nil {
			entry.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			entry.CalledAt = payload.CalledAt
		}
		if payload.ServedAt != nil {
			entry.ServedAt = payload.ServedAt
		}
		if payload.FinishedAt != nil {
			entry.FinishedAt = payload.FinishedAt
		}
		if payload.CanceledAt != nil {
			entry.CanceledAt = payload.CanceledAt
		}
		if payload.CancelReason != "" {
			entry.CancelReason = payload.CancelReason
		}
		if payload.ExtraDelayMinutes != nil {
			entry.ExtraDelayMinutes = *payload.ExtraDelayMinutes
		}
		if payload.ReminderSentAt != nil {
			entry.ReminderSentAt = payload.ReminderSentAt
		}
		if payload.ReminderFailedAt != nil {
			entry.ReminderFailedAt = payload.ReminderFailedAt
		}
		if payload.ReminderError != "" {
			entry.ReminderError = payload.ReminderError
		}
	}
	return entry, nil
}
