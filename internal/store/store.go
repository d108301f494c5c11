package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/clinic-queue/internal/models"
)

type CreateEntryInput struct {
	RequestID   string
	DoctorID    string
	ServiceID   string
	ScheduleID  string
	PatientID   string
	ServiceDate string
	Complaint   string
	CreatedAt   time.Time
}

type TransitionInput struct {
	EntryID    string
	Target     models.Status
	Reason     string
	OccurredAt time.Time
}

type CallNextInput struct {
	DoctorID    string
	ServiceID   string
	ServiceDate string
	CalledAt    time.Time
}

type EntryFilter struct {
	DoctorID    string
	ServiceID   string
	ServiceDate string
	Statuses    []models.Status
	Limit       int
}

type CreateScheduleInput struct {
	DoctorID   string
	ServiceID  string
	Weekdays   models.WeekdaySet
	StartTime  string
	EndTime    string
	DailyQuota int
}

type CreatePatientInput struct {
	Identifier  string
	Name        string
	Phone       string
	Email       string
	DeviceToken string
}

// ReminderTarget is everything a reminder message needs about one entry.
type ReminderTarget struct {
	Entry      models.QueueEntry
	Patient    models.Patient
	DoctorName string
	Position   int
}

type OutboxEvent struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
}

// EstimateFunc maps the waiting and serving entries of one doctor and date to
// new call estimates keyed by entry ID. It runs inside the store transaction
// and must not call back into the store.
type EstimateFunc func(entries []models.QueueEntry) map[string]time.Time

// QueueStore owns queue entries. CreateEntry reserves quota, allocates the
// sequence number, and inserts the entry in one transaction.
type QueueStore interface {
	CreateEntry(ctx context.Context, input CreateEntryInput) (models.QueueEntry, bool, error)
	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]models.QueueEntry, error)
	TransitionEntry(ctx context.Context, input TransitionInput) (models.QueueEntry, error)
	CallNext(ctx context.Context, input CallNextInput) (models.QueueEntry, error)
	AddDelay(ctx context.Context, entryID string, minutes int) (models.QueueEntry, error)
	RecomputeEstimates(ctx context.Context, doctorID, serviceDate string, compute EstimateFunc) error
	ServiceDurations(ctx context.Context, doctorID string, since time.Time) (map[string]time.Duration, error)
	ListEntryEvents(ctx context.Context, entryID string) ([]EntryEvent, error)
}

type ScheduleStore interface {
	CreateDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error)
	GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error)
	CreateService(ctx context.Context, service models.Service) (models.Service, error)
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	ListServices(ctx context.Context) ([]models.Service, error)
	CreateSchedule(ctx context.Context, input CreateScheduleInput) (models.Schedule, error)
	GetSchedule(ctx context.Context, scheduleID string) (models.Schedule, error)
	ListSchedules(ctx context.Context, doctorID string) ([]models.Schedule, error)
	DeactivateSchedule(ctx context.Context, scheduleID string) (models.Schedule, error)
	FindActiveSchedules(ctx context.Context, doctorID, serviceID string, day time.Weekday) ([]models.Schedule, error)
}

// QuotaStore is the quota ledger. A date with no row has the schedule's full
// daily capacity; rows are created on first reservation.
type QuotaStore interface {
	GetQuota(ctx context.Context, scheduleID, serviceDate string) (models.Quota, error)
	ReserveQuota(ctx context.Context, scheduleID, serviceDate string) (models.Quota, error)
	ReleaseQuota(ctx context.Context, scheduleID, serviceDate string) (models.Quota, error)
	SetQuotaTotal(ctx context.Context, scheduleID, serviceDate string, total int) (models.Quota, error)
}

type PatientStore interface {
	CreatePatient(ctx context.Context, input CreatePatientInput) (models.Patient, bool, error)
	GetPatient(ctx context.Context, patientID string) (models.Patient, error)
	FindPatientByIdentifier(ctx context.Context, identifier string) (models.Patient, error)
	AssignMRN(ctx context.Context, patientID string, at time.Time) (models.Patient, bool, error)
}

type ReminderStore interface {
	ListReminderCandidates(ctx context.Context, from, to time.Time, limit int) ([]models.QueueEntry, error)
	GetReminderTarget(ctx context.Context, entryID string) (ReminderTarget, error)
	MarkReminderSent(ctx context.Context, entryID string, at time.Time, attempts int) (bool, error)
	MarkReminderFailed(ctx context.Context, entryID string, at time.Time, message string, attempts int) (bool, error)
}

type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

type OutboxStore interface {
	ListPendingOutbox(ctx context.Context, limit, maxAttempts int) ([]OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, eventID string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, eventID, message string) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session models.Session) error
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
	RevokeSession(ctx context.Context, sessionID string, at time.Time) error
	ListActiveSessions(ctx context.Context, now time.Time) ([]models.Session, error)
}

// Store is implemented by every backend.
type Store interface {
	QueueStore
	ScheduleStore
	QuotaStore
	PatientStore
	ReminderStore
	LeaseStore
	OutboxStore
	SessionStore
	Ping(ctx context.Context) error
}

type Options struct {
	DefaultDailyQuota    int
	ReleaseQuotaOnCancel bool
	MRNPrefix            string
}

func (o Options) WithDefaults() Options {
	if o.DefaultDailyQuota <= 0 {
		o.DefaultDailyQuota = 20
	}
	if o.MRNPrefix == "" {
		o.MRNPrefix = "RM"
	}
	return o
}

// TicketNumberPad is the zero padding width of formatted ticket numbers.
const TicketNumberPad = 3

// MRNPad is the zero padding width of the medical record number counter.
const MRNPad = 6

// ReminderEventSent and ReminderEventFailed are the outbox types written by the reminder marks.
const (
	ReminderEventSent   = "reminder.sent"
	ReminderEventFailed = "reminder.failed"
	PatientEventMRN     = "patient.mrn_assigned"
)
